// Package device defines the link to an ESP32 e-reader as seen by the
// flashing workflows, independent of the transport behind it.
package device

import (
	"context"
	"errors"
	"fmt"

	"xteink-flasher/internal/otadata"
)

// ErrIO marks every failure that originates in the transport.
var ErrIO = errors.New("device i/o error")

// IOError wraps a transport failure with the operation that hit it so that
// errors.Is(err, ErrIO) holds while the cause stays inspectable.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// ProgressFunc receives cumulative progress of one device call. It is
// invoked synchronously and must return quickly.
type ProgressFunc func(current, total int)

func (p ProgressFunc) report(current, total int) {
	if p != nil {
		p(current, total)
	}
}

// DisconnectOptions controls how a connection is released.
type DisconnectOptions struct {
	// SkipReset leaves the chip in the bootloader instead of rebooting it.
	SkipReset bool
}

// Link produces connections to the device.
type Link interface {
	Connect(ctx context.Context) (Connection, error)
}

// Connection is an open session with the device's flash.
type Connection interface {
	Disconnect(ctx context.Context, opts DisconnectOptions) error

	ReadOtadata(ctx context.Context, progress ProgressFunc) ([]byte, error)
	WriteOtadata(ctx context.Context, img *otadata.Image, progress ProgressFunc) error

	ReadAppPartition(ctx context.Context, label otadata.Label, progress ProgressFunc) ([]byte, error)
	WriteAppPartition(ctx context.Context, label otadata.Label, data []byte, progress ProgressFunc) error
	ReadAppPartitionChunk(ctx context.Context, label otadata.Label, offset, size int, progress ProgressFunc) ([]byte, error)

	ReadFullFlash(ctx context.Context, progress ProgressFunc) ([]byte, error)
	WriteFullFlash(ctx context.Context, data []byte, progress ProgressFunc) error

	// Layout reports the partition layout in use for this session.
	Layout() Layout
}
