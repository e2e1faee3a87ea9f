package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

const fileChunkSize = 0x4000

// FileLink treats a full-flash dump on disk as the device. Reads and writes
// go straight to the file; reset is a no-op.
type FileLink struct {
	path   string
	logger *slog.Logger
}

// NewFileLink creates a link backed by the dump at path.
func NewFileLink(path string, logger *slog.Logger) *FileLink {
	return &FileLink{path: path, logger: logger.With("component", "file-link")}
}

// Connect opens the dump and resolves its partition table.
func (l *FileLink) Connect(ctx context.Context) (Connection, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return nil, IOError("open flash dump", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, IOError("stat flash dump", err)
	}
	rio := &fileRegionIO{f: f, size: uint32(st.Size())}

	fallback := DefaultLayout()
	fallback.FlashSize = rio.size
	layout := ResolveLayout(ctx, rio, fallback, l.logger)
	l.logger.Info("flash dump opened", "path", l.path, "size", rio.size)
	return NewConnection(rio, layout), nil
}

type fileRegionIO struct {
	mu   sync.Mutex
	f    *os.File
	size uint32
}

func (d *fileRegionIO) ReadRegion(ctx context.Context, addr, size uint32, progress ProgressFunc) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil, fmt.Errorf("flash dump closed")
	}
	if uint64(addr)+uint64(size) > uint64(d.size) {
		return nil, fmt.Errorf("read 0x%X+0x%X beyond dump size 0x%X", addr, size, d.size)
	}

	buf := make([]byte, size)
	for done := uint32(0); done < size; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := min(fileChunkSize, size-done)
		if _, err := d.f.ReadAt(buf[done:done+n], int64(addr+done)); err != nil {
			return nil, err
		}
		done += n
		progress.report(int(done), int(size))
	}
	return buf, nil
}

func (d *fileRegionIO) WriteRegion(ctx context.Context, addr uint32, data []byte, progress ProgressFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("flash dump closed")
	}
	size := uint32(len(data))
	if uint64(addr)+uint64(size) > uint64(d.size) {
		return fmt.Errorf("write 0x%X+0x%X beyond dump size 0x%X", addr, size, d.size)
	}

	for done := uint32(0); done < size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(fileChunkSize, size-done)
		if _, err := d.f.WriteAt(data[done:done+n], int64(addr+done)); err != nil {
			return err
		}
		done += n
		progress.report(int(done), int(size))
	}
	return d.f.Sync()
}

func (d *fileRegionIO) Close(_ context.Context, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return fmt.Errorf("already disconnected")
	}
	err := d.f.Close()
	d.f = nil
	return err
}
