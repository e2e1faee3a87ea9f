package esp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.bug.st/serial"

	"xteink-flasher/internal/device"
)

// Port is the subset of serial.Port the loader drives.
type Port interface {
	io.ReadWriter
	SetMode(mode *serial.Mode) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

const (
	pollInterval     = 50 * time.Millisecond
	defaultTimeout   = 3 * time.Second
	syncTimeout      = 100 * time.Millisecond
	stubStartTimeout = 1 * time.Second
	syncAttempts     = 5
	connectAttempts  = 3

	eraseTimeoutPerMiB = 30 * time.Second
	md5TimeoutPerMiB   = 8 * time.Second

	readFlashInFlight = 64
)

// errPortTimeout marks a read that returned no bytes within pollInterval.
var errPortTimeout = errors.New("esp: port read timeout")

type portReader struct {
	r io.Reader
}

func (p portReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n == 0 && err == nil {
		return 0, errPortTimeout
	}
	return n, err
}

// Loader is a session with the bootloader on one serial port. It
// implements device.RegionIO.
type Loader struct {
	mu     sync.Mutex
	port   Port
	reader *bufio.Reader
	frames *slipReader
	logger *slog.Logger
	reset  ResetMode
	baud   int
	stub   bool
	closed bool
	sleep  func(time.Duration)
}

// NewLoader wraps an open port running at baud.
func NewLoader(port Port, baud int, reset ResetMode, logger *slog.Logger) *Loader {
	_ = port.SetReadTimeout(pollInterval)
	reader := bufio.NewReader(portReader{r: port})
	return &Loader{
		port:   port,
		reader: reader,
		frames: newSlipReader(reader),
		logger: logger,
		reset:  reset,
		baud:   baud,
		sleep:  time.Sleep,
	}
}

func (l *Loader) statusLen() int {
	if l.stub {
		return stubStatusLen
	}
	return romStatusLen
}

func (l *Loader) blockSize() int {
	if l.stub {
		return stubBlockSize
	}
	return romBlockSize
}

func (l *Loader) flushInput() {
	_ = l.port.ResetInputBuffer()
	l.reader.Reset(portReader{r: l.port})
	l.frames.reset()
}

func (l *Loader) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	for {
		f, err := l.frames.next()
		switch {
		case err == nil:
			return f, nil
		case errors.Is(err, errPortTimeout):
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if time.Now().After(deadline) {
				return nil, ErrTimeout
			}
		case errors.Is(err, errBadEscape):
			l.logger.Debug("esp: dropping frame with bad escape")
		default:
			return nil, err
		}
	}
}

func (l *Loader) writeRaw(data []byte) error {
	if _, err := l.port.Write(slipEncode(data)); err != nil {
		return fmt.Errorf("esp: serial write: %w", err)
	}
	return nil
}

// command sends one request and waits for the matching response.
func (l *Loader) command(ctx context.Context, op byte, data []byte, chk uint32, timeout time.Duration) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.writeRaw(encodeRequest(op, data, chk)); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		pkt, err := l.readFrame(ctx, deadline)
		if err != nil {
			return nil, fmt.Errorf("esp: %s: %w", opName(op), err)
		}
		resp, ok, err := decodeResponse(pkt, l.statusLen())
		switch {
		case !ok:
			continue
		case resp == nil:
			l.logger.Debug("esp: dropping malformed frame", "err", err)
			continue
		case resp.op != op:
			l.logger.Debug("esp: dropping stale response", "op", opName(resp.op))
			continue
		}
		return resp, err
	}
}

func (l *Loader) lines(dtr, rts bool) error {
	if err := l.port.SetDTR(dtr); err != nil {
		return fmt.Errorf("esp: set DTR: %w", err)
	}
	if err := l.port.SetRTS(rts); err != nil {
		return fmt.Errorf("esp: set RTS: %w", err)
	}
	return nil
}

// enterBootloader pulses EN with IO9 held low.
func (l *Loader) enterBootloader() error {
	type step struct {
		dtr, rts bool
		wait     time.Duration
	}
	var seq []step
	switch l.reset {
	case ResetNone:
		return nil
	case ResetClassic:
		seq = []step{
			{false, true, 100 * time.Millisecond},
			{true, false, 50 * time.Millisecond},
			{false, false, 0},
		}
	default:
		seq = []step{
			{false, false, 100 * time.Millisecond},
			{true, false, 100 * time.Millisecond},
			{false, true, 100 * time.Millisecond},
			{false, false, 0},
		}
	}
	for _, s := range seq {
		if err := l.lines(s.dtr, s.rts); err != nil {
			return err
		}
		if s.wait > 0 {
			l.sleep(s.wait)
		}
	}
	return nil
}

func (l *Loader) hardReset() error {
	if err := l.port.SetRTS(true); err != nil {
		return fmt.Errorf("esp: set RTS: %w", err)
	}
	l.sleep(100 * time.Millisecond)
	if err := l.port.SetRTS(false); err != nil {
		return fmt.Errorf("esp: set RTS: %w", err)
	}
	return nil
}

func (l *Loader) sync(ctx context.Context) error {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)
	var lastErr error
	for range syncAttempts {
		_, err := l.command(ctx, cmdSync, payload, 0, syncTimeout)
		if err == nil {
			// The ROM answers a single SYNC several times.
			l.sleep(pollInterval)
			l.flushInput()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return lastErr
}

// connect resets the chip into the ROM loader and synchronises with it.
func (l *Loader) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := l.enterBootloader(); err != nil {
			return err
		}
		l.flushInput()
		err := l.sync(ctx)
		if err == nil {
			l.logger.Info("bootloader synced", "attempt", attempt, "reset", string(l.reset))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Debug("sync failed, retrying", "attempt", attempt, "err", err)
		lastErr = err
	}
	return fmt.Errorf("esp: no response from bootloader: %w", lastErr)
}

func (l *Loader) readReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := l.command(ctx, cmdReadReg, words(addr), 0, defaultTimeout)
	if err != nil {
		return 0, err
	}
	return resp.value, nil
}

func (l *Loader) checkChip(ctx context.Context) error {
	magic, err := l.readReg(ctx, chipDetectMagicReg)
	if err != nil {
		return err
	}
	if !slices.Contains(esp32c3Magic, magic) {
		return fmt.Errorf("%w: chip magic 0x%08X", ErrUnsupportedChip, magic)
	}
	l.logger.Info("chip detected", "chip", "ESP32-C3", "magic", fmt.Sprintf("0x%08X", magic))
	return nil
}

func (l *Loader) memWrite(ctx context.Context, addr uint32, data []byte) error {
	blocks := (len(data) + memBlockSize - 1) / memBlockSize
	begin := words(uint32(len(data)), uint32(blocks), memBlockSize, addr)
	if _, err := l.command(ctx, cmdMemBegin, begin, 0, defaultTimeout); err != nil {
		return err
	}
	for i := range blocks {
		chunk := data[i*memBlockSize : min((i+1)*memBlockSize, len(data))]
		pkt := append(words(uint32(len(chunk)), uint32(i), 0, 0), chunk...)
		if _, err := l.command(ctx, cmdMemData, pkt, checksum(chunk), defaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// runStub uploads the flasher stub to RAM and waits for its greeting.
func (l *Loader) runStub(ctx context.Context, s *Stub) error {
	segments := []struct {
		addr uint32
		data []byte
	}{
		{s.TextStart, s.Text},
		{s.DataStart, s.Data},
	}
	for _, seg := range segments {
		if len(seg.data) == 0 {
			continue
		}
		if err := l.memWrite(ctx, seg.addr, seg.data); err != nil {
			return fmt.Errorf("esp: upload stub: %w", err)
		}
	}
	if _, err := l.command(ctx, cmdMemEnd, words(0, s.Entry), 0, defaultTimeout); err != nil {
		return fmt.Errorf("esp: start stub: %w", err)
	}

	deadline := time.Now().Add(stubStartTimeout)
	for {
		pkt, err := l.readFrame(ctx, deadline)
		if err != nil {
			return fmt.Errorf("esp: stub did not start: %w", err)
		}
		if string(pkt) == stubGreeting {
			break
		}
	}
	l.stub = true
	l.logger.Info("flasher stub running")
	return nil
}

func (l *Loader) spiAttach(ctx context.Context) error {
	_, err := l.command(ctx, cmdSPIAttach, make([]byte, 8), 0, defaultTimeout)
	return err
}

func (l *Loader) changeBaud(ctx context.Context, baud int) error {
	prior := 0
	if l.stub {
		prior = l.baud
	}
	if _, err := l.command(ctx, cmdChangeBaud, words(uint32(baud), uint32(prior)), 0, defaultTimeout); err != nil {
		return err
	}
	if err := l.port.SetMode(serialMode(baud)); err != nil {
		return fmt.Errorf("esp: set baud %d: %w", baud, err)
	}
	l.sleep(pollInterval)
	l.flushInput()
	l.logger.Info("baud rate changed", "from", l.baud, "to", baud)
	l.baud = baud
	return nil
}

// ReadRegion reads size bytes of flash starting at addr.
func (l *Loader) ReadRegion(ctx context.Context, addr, size uint32, progress device.ProgressFunc) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed
	}
	if size == 0 {
		return []byte{}, nil
	}
	if !l.stub {
		return nil, fmt.Errorf("%w: read 0x%X+0x%X", ErrStubRequired, addr, size)
	}
	return l.readFlash(ctx, addr, size, progress)
}

// readFlash streams flash through the stub. Each data packet is acknowledged
// with the running byte count; an MD5 of the whole range follows the data.
func (l *Loader) readFlash(ctx context.Context, addr, size uint32, progress device.ProgressFunc) ([]byte, error) {
	req := words(addr, size, flashSectorSize, readFlashInFlight)
	if _, err := l.command(ctx, cmdReadFlash, req, 0, defaultTimeout); err != nil {
		return nil, err
	}

	data := make([]byte, 0, size)
	for uint32(len(data)) < size {
		pkt, err := l.readFrame(ctx, time.Now().Add(defaultTimeout))
		if err != nil {
			return nil, fmt.Errorf("esp: read flash at 0x%X: %w", addr+uint32(len(data)), err)
		}
		data = append(data, pkt...)
		if uint32(len(data)) > size {
			return nil, fmt.Errorf("%w: read flash returned %d of %d bytes", errBadFrame, len(data), size)
		}
		if err := l.writeRaw(words(uint32(len(data)))); err != nil {
			return nil, err
		}
		report(progress, len(data), int(size))
	}

	digest, err := l.readFrame(ctx, time.Now().Add(defaultTimeout))
	if err != nil {
		return nil, fmt.Errorf("esp: read flash digest: %w", err)
	}
	if len(digest) != md5.Size {
		return nil, fmt.Errorf("%w: digest of %d bytes", errBadFrame, len(digest))
	}
	if sum := md5.Sum(data); !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("%w: read 0x%X+0x%X", ErrDigestMismatch, addr, size)
	}
	return data, nil
}

// WriteRegion erases and programs flash at addr, then verifies it by MD5.
func (l *Loader) WriteRegion(ctx context.Context, addr uint32, data []byte, progress device.ProgressFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	if len(data) == 0 {
		return nil
	}

	bs := l.blockSize()
	blocks := (len(data) + bs - 1) / bs
	eraseSize := alignUp(len(data), flashSectorSize)
	begin := words(uint32(eraseSize), uint32(blocks), uint32(bs), addr)
	if !l.stub {
		// The C3 ROM takes an extra "encrypted" flag.
		begin = append(begin, words(0)...)
	}
	if _, err := l.command(ctx, cmdFlashBegin, begin, 0, scaledTimeout(eraseTimeoutPerMiB, eraseSize)); err != nil {
		return err
	}

	block := make([]byte, bs)
	for i := range blocks {
		chunk := data[i*bs : min((i+1)*bs, len(data))]
		copy(block, chunk)
		for j := len(chunk); j < bs; j++ {
			block[j] = 0xFF
		}
		pkt := append(words(uint32(bs), uint32(i), 0, 0), block...)
		if _, err := l.command(ctx, cmdFlashData, pkt, checksum(block), defaultTimeout); err != nil {
			return fmt.Errorf("esp: write block %d/%d at 0x%X: %w", i+1, blocks, addr+uint32(i*bs), err)
		}
		report(progress, i*bs+len(chunk), len(data))
	}

	if l.stub {
		// Flush the stub's write buffer without leaving the loader.
		if _, err := l.command(ctx, cmdFlashBegin, words(0, 0, uint32(bs), 0), 0, defaultTimeout); err != nil {
			return err
		}
		if _, err := l.command(ctx, cmdFlashEnd, words(1), 0, defaultTimeout); err != nil {
			return err
		}
	}

	got, err := l.flashMD5(ctx, addr, len(data))
	if err != nil {
		return err
	}
	if want := md5.Sum(data); !bytes.Equal(got, want[:]) {
		return fmt.Errorf("%w: write 0x%X+0x%X", ErrDigestMismatch, addr, len(data))
	}
	l.logger.Debug("flash region written", "addr", fmt.Sprintf("0x%X", addr), "size", len(data))
	return nil
}

func (l *Loader) flashMD5(ctx context.Context, addr uint32, size int) ([]byte, error) {
	resp, err := l.command(ctx, cmdSPIFlashMD5, words(addr, uint32(size), 0, 0), 0, scaledTimeout(md5TimeoutPerMiB, size))
	if err != nil {
		return nil, err
	}
	switch len(resp.data) {
	case md5.Size:
		return resp.data, nil
	case 2 * md5.Size:
		sum, err := hex.DecodeString(string(resp.data))
		if err != nil {
			return nil, fmt.Errorf("%w: md5 %q", errBadFrame, resp.data)
		}
		return sum, nil
	}
	return nil, fmt.Errorf("%w: md5 of %d bytes", errBadFrame, len(resp.data))
}

// Close releases the port; with reset the chip reboots into its app.
func (l *Loader) Close(_ context.Context, reset bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	l.closed = true

	var resetErr error
	if reset {
		resetErr = l.hardReset()
	}
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("esp: close port: %w", err)
	}
	return resetErr
}

var errClosed = errors.New("esp: loader closed")

func scaledTimeout(perMiB time.Duration, size int) time.Duration {
	t := time.Duration(float64(perMiB) * float64(size) / float64(1<<20))
	return max(t, defaultTimeout)
}

func report(p device.ProgressFunc, current, total int) {
	if p != nil {
		p(current, total)
	}
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}
