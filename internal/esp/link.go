package esp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"xteink-flasher/internal/device"
)

// ResetMode selects the DTR/RTS sequence that enters the bootloader.
type ResetMode string

const (
	// ResetUSBJTAG drives the C3's built-in USB-Serial/JTAG controller.
	ResetUSBJTAG ResetMode = "usb-jtag"
	// ResetClassic drives EN/IO9 through an external USB-UART bridge.
	ResetClassic ResetMode = "classic"
	// ResetNone expects the chip to already be in download mode.
	ResetNone ResetMode = "none"
)

// ParseResetMode validates a reset mode name.
func ParseResetMode(s string) (ResetMode, error) {
	switch m := ResetMode(s); m {
	case ResetUSBJTAG, ResetClassic, ResetNone:
		return m, nil
	case "":
		return ResetUSBJTAG, nil
	}
	return "", fmt.Errorf("esp: unknown reset mode %q", s)
}

// Config describes how to reach the device.
type Config struct {
	Port      string
	ROMBaud   int
	Baud      int
	Reset     ResetMode
	StubPath  string
	FlashSize uint32
}

// DefaultROMBaud is the rate the ROM loader starts at.
const DefaultROMBaud = 115200

// OpenFunc opens a serial port.
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithOpener replaces the serial port opener.
func WithOpener(fn OpenFunc) LinkOption {
	return func(l *Link) {
		l.open = fn
	}
}

// Link connects to the device over its serial bootloader. It implements
// device.Link.
type Link struct {
	cfg    Config
	logger *slog.Logger
	open   OpenFunc
	stub   *Stub
	sleep  func(time.Duration)
}

// NewLink creates a serial link. The stub, when configured, is loaded on
// first connect.
func NewLink(cfg Config, logger *slog.Logger, opts ...LinkOption) *Link {
	if cfg.ROMBaud == 0 {
		cfg.ROMBaud = DefaultROMBaud
	}
	if cfg.Reset == "" {
		cfg.Reset = ResetUSBJTAG
	}
	l := &Link{
		cfg:    cfg,
		logger: logger.With("component", "esp", "port", cfg.Port),
		open:   openSerial,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect opens the port, syncs with the bootloader and resolves the
// partition layout.
func (l *Link) Connect(ctx context.Context) (device.Connection, error) {
	if l.cfg.StubPath != "" && l.stub == nil {
		s, err := LoadStub(l.cfg.StubPath)
		if err != nil {
			return nil, err
		}
		l.stub = s
	}

	port, err := l.open(l.cfg.Port, serialMode(l.cfg.ROMBaud))
	if err != nil {
		return nil, device.IOError("open "+l.cfg.Port, err)
	}
	ld := NewLoader(port, l.cfg.ROMBaud, l.cfg.Reset, l.logger)
	ld.sleep = l.sleep
	if err := l.prepare(ctx, ld); err != nil {
		if cerr := port.Close(); cerr != nil {
			l.logger.Warn("close port after failed connect", "err", cerr)
		}
		return nil, device.IOError("connect", err)
	}

	fallback := device.DefaultLayout()
	if l.cfg.FlashSize != 0 {
		fallback.FlashSize = l.cfg.FlashSize
	}
	layout := device.ResolveLayout(ctx, ld, fallback, l.logger)
	return device.NewConnection(ld, layout), nil
}

func (l *Link) prepare(ctx context.Context, ld *Loader) error {
	if err := ld.connect(ctx); err != nil {
		return err
	}
	if err := ld.checkChip(ctx); err != nil {
		return err
	}
	if l.stub != nil {
		if err := ld.runStub(ctx, l.stub); err != nil {
			return err
		}
	}
	if err := ld.spiAttach(ctx); err != nil {
		return err
	}
	if l.cfg.Baud > 0 && l.cfg.Baud != l.cfg.ROMBaud {
		if err := ld.changeBaud(ctx, l.cfg.Baud); err != nil {
			return err
		}
	}
	return nil
}
