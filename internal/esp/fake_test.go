package esp

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"go.bug.st/serial"
)

// fakeChip emulates the ESP32-C3 ROM loader and flasher stub behind a
// serial port.
type fakeChip struct {
	mu    sync.Mutex
	flash []byte
	magic uint32
	stub  bool
	out   bytes.Buffer

	rts       []bool
	baud      int
	closed    bool
	ops       []byte
	flashAddr uint32
	flashBS   uint32

	// Outstanding READ_FLASH transfer awaiting its final ACK.
	readTotal uint32
	silent    bool
	skipErase bool
}

func newFakeChip(size int) *fakeChip {
	return &fakeChip{
		flash: bytes.Repeat([]byte{0xFF}, size),
		magic: esp32c3Magic[1],
		baud:  DefaultROMBaud,
	}
}

func (c *fakeChip) open(string, *serial.Mode) (Port, error) {
	return c, nil
}

func (c *fakeChip) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Len() == 0 {
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
		c.mu.Lock()
		return 0, nil
	}
	return c.out.Read(p)
}

func (c *fakeChip) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := slipDecode(p)
	if c.readTotal > 0 && len(frame) == 4 {
		if binary.LittleEndian.Uint32(frame) == c.readTotal {
			c.readTotal = 0
		}
		return len(p), nil
	}
	if len(frame) < 8 || frame[0] != dirRequest || c.silent {
		return len(p), nil
	}
	c.handle(frame[1], frame[8:])
	return len(p), nil
}

func (c *fakeChip) SetMode(mode *serial.Mode) error {
	c.mu.Lock()
	c.baud = mode.BaudRate
	c.mu.Unlock()
	return nil
}

func (c *fakeChip) SetDTR(bool) error { return nil }

func (c *fakeChip) SetRTS(rts bool) error {
	c.mu.Lock()
	c.rts = append(c.rts, rts)
	c.mu.Unlock()
	return nil
}

func (c *fakeChip) SetReadTimeout(time.Duration) error { return nil }

func (c *fakeChip) ResetInputBuffer() error { return nil }

func (c *fakeChip) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChip) handle(op byte, data []byte) {
	c.ops = append(c.ops, op)
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(data[4*i:]) }

	switch op {
	case cmdSync, cmdSPIAttach, cmdChangeBaud, cmdMemBegin, cmdMemData, cmdFlashEnd:
		c.respond(op, 0, nil)
	case cmdReadReg:
		c.respond(op, c.magic, nil)
	case cmdMemEnd:
		c.respond(op, 0, nil)
		c.stub = true
		c.push([]byte(stubGreeting))
	case cmdFlashBegin:
		erase, addr := word(0), word(3)
		c.flashAddr, c.flashBS = addr, word(2)
		for i := addr; !c.skipErase && i < addr+erase && int(i) < len(c.flash); i++ {
			c.flash[i] = 0xFF
		}
		c.respond(op, 0, nil)
	case cmdFlashData:
		n, seq := word(0), word(1)
		payload := data[16 : 16+n]
		dst := c.flashAddr + seq*c.flashBS
		for i, b := range payload {
			if int(dst)+i < len(c.flash) {
				c.flash[int(dst)+i] &= b
			}
		}
		c.respond(op, 0, nil)
	case cmdSPIFlashMD5:
		addr, size := word(0), word(1)
		sum := md5.Sum(c.flash[addr : addr+size])
		if c.stub {
			c.respond(op, 0, sum[:])
		} else {
			c.respond(op, 0, []byte(hex.EncodeToString(sum[:])))
		}
	case cmdReadFlash:
		addr, size, sector := word(0), word(1), word(2)
		c.respond(op, 0, nil)
		region := c.flash[addr : addr+size]
		for off := uint32(0); off < size; off += sector {
			c.push(region[off:min(off+sector, size)])
		}
		sum := md5.Sum(region)
		c.push(sum[:])
		c.readTotal = size
	default:
		c.respondStatus(op, errInvalidMessage)
	}
}

func (c *fakeChip) statusLen() int {
	if c.stub {
		return stubStatusLen
	}
	return romStatusLen
}

func (c *fakeChip) respond(op byte, value uint32, body []byte) {
	c.push(c.encodeResponse(op, value, body, 0, 0))
}

func (c *fakeChip) respondStatus(op, code byte) {
	c.push(c.encodeResponse(op, 0, nil, 1, code))
}

func (c *fakeChip) encodeResponse(op byte, value uint32, body []byte, status, code byte) []byte {
	trailer := make([]byte, c.statusLen())
	trailer[0], trailer[1] = status, code
	payload := append(bytes.Clone(body), trailer...)
	pkt := make([]byte, 8, 8+len(payload))
	pkt[0] = dirResponse
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	return append(pkt, payload...)
}

func (c *fakeChip) push(frame []byte) {
	c.out.Write(slipEncode(frame))
}

func (c *fakeChip) opTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

func (c *fakeChip) opCount(op byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

func slipDecode(p []byte) []byte {
	var out []byte
	esc := false
	for _, b := range p {
		switch {
		case esc:
			esc = false
			if b == slipEscEnd {
				out = append(out, slipEnd)
			} else {
				out = append(out, slipEsc)
			}
		case b == slipEsc:
			esc = true
		case b == slipEnd:
		default:
			out = append(out, b)
		}
	}
	return out
}
