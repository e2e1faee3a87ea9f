package esp

import (
	"bytes"
	"errors"
	"io"
)

const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

var errBadEscape = errors.New("esp: invalid slip escape")

// slipEncode frames data for the wire.
func slipEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+2)
	out = append(out, slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipReader splits a byte stream into frames. A read error leaves the
// partial frame in place so the caller can retry after a timeout.
type slipReader struct {
	r       io.ByteReader
	buf     []byte
	inFrame bool
	esc     bool
}

func newSlipReader(r io.ByteReader) *slipReader {
	return &slipReader{r: r}
}

func (s *slipReader) next() ([]byte, error) {
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !s.inFrame {
			if b == slipEnd {
				s.inFrame = true
				s.buf = s.buf[:0]
			}
			continue
		}
		if s.esc {
			s.esc = false
			switch b {
			case slipEscEnd:
				s.buf = append(s.buf, slipEnd)
			case slipEscEsc:
				s.buf = append(s.buf, slipEsc)
			default:
				s.inFrame = false
				return nil, errBadEscape
			}
			continue
		}
		switch b {
		case slipEsc:
			s.esc = true
		case slipEnd:
			if len(s.buf) == 0 {
				// Back-to-back delimiters: treat the second as a new start.
				continue
			}
			s.inFrame = false
			return bytes.Clone(s.buf), nil
		default:
			s.buf = append(s.buf, b)
		}
	}
}

// reset drops any partial frame.
func (s *slipReader) reset() {
	s.buf = s.buf[:0]
	s.inFrame = false
	s.esc = false
}
