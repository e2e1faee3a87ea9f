package device

import (
	"context"
	"errors"
	"fmt"

	"xteink-flasher/internal/otadata"
)

// ErrTooLarge is returned when data does not fit the target region.
var ErrTooLarge = errors.New("data larger than target region")

// RegionIO is raw flash access as provided by a transport.
type RegionIO interface {
	ReadRegion(ctx context.Context, addr, size uint32, progress ProgressFunc) ([]byte, error)
	WriteRegion(ctx context.Context, addr uint32, data []byte, progress ProgressFunc) error
	// Close releases the transport; reset reboots the chip into its app.
	Close(ctx context.Context, reset bool) error
}

// NewConnection maps partition operations onto raw region access.
func NewConnection(rio RegionIO, layout Layout) Connection {
	return &regionConn{rio: rio, layout: layout}
}

type regionConn struct {
	rio    RegionIO
	layout Layout
}

func (c *regionConn) Layout() Layout {
	return c.layout
}

func (c *regionConn) Disconnect(ctx context.Context, opts DisconnectOptions) error {
	return c.rio.Close(ctx, !opts.SkipReset)
}

func (c *regionConn) ReadOtadata(ctx context.Context, progress ProgressFunc) ([]byte, error) {
	return c.read(ctx, c.layout.Otadata, 0, c.layout.Otadata.Size, progress)
}

func (c *regionConn) WriteOtadata(ctx context.Context, img *otadata.Image, progress ProgressFunc) error {
	return c.write(ctx, c.layout.Otadata, img.Bytes(), progress)
}

func (c *regionConn) ReadAppPartition(ctx context.Context, label otadata.Label, progress ProgressFunc) ([]byte, error) {
	r, err := c.layout.App(label)
	if err != nil {
		return nil, err
	}
	return c.read(ctx, r, 0, r.Size, progress)
}

func (c *regionConn) WriteAppPartition(ctx context.Context, label otadata.Label, data []byte, progress ProgressFunc) error {
	r, err := c.layout.App(label)
	if err != nil {
		return err
	}
	return c.write(ctx, r, data, progress)
}

func (c *regionConn) ReadAppPartitionChunk(ctx context.Context, label otadata.Label, offset, size int, progress ProgressFunc) ([]byte, error) {
	r, err := c.layout.App(label)
	if err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("read %s chunk: negative offset or size", label)
	}
	if uint64(offset) >= uint64(r.Size) {
		return []byte{}, nil
	}
	n := min(uint64(size), uint64(r.Size)-uint64(offset))
	return c.read(ctx, r, uint32(offset), uint32(n), progress)
}

func (c *regionConn) ReadFullFlash(ctx context.Context, progress ProgressFunc) ([]byte, error) {
	full := Region{Offset: 0, Size: c.layout.FlashSize}
	return c.read(ctx, full, 0, full.Size, progress)
}

func (c *regionConn) WriteFullFlash(ctx context.Context, data []byte, progress ProgressFunc) error {
	return c.write(ctx, Region{Offset: 0, Size: c.layout.FlashSize}, data, progress)
}

func (c *regionConn) read(ctx context.Context, r Region, off, size uint32, progress ProgressFunc) ([]byte, error) {
	addr := r.Offset + off
	data, err := c.rio.ReadRegion(ctx, addr, size, progress)
	if err != nil {
		return nil, IOError(fmt.Sprintf("read 0x%X+0x%X", addr, size), err)
	}
	return data, nil
}

func (c *regionConn) write(ctx context.Context, r Region, data []byte, progress ProgressFunc) error {
	if uint64(len(data)) > uint64(r.Size) {
		return fmt.Errorf("write 0x%X: %w (%d > %d)", r.Offset, ErrTooLarge, len(data), r.Size)
	}
	if err := c.rio.WriteRegion(ctx, r.Offset, data, progress); err != nil {
		return IOError(fmt.Sprintf("write 0x%X+0x%X", r.Offset, len(data)), err)
	}
	return nil
}
