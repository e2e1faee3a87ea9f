// Package esp talks to the ESP32-C3 serial bootloader (ROM loader and the
// esptool flasher stub) and exposes it as raw flash region access.
package esp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Bootloader commands.
const (
	cmdFlashBegin  = 0x02
	cmdFlashData   = 0x03
	cmdFlashEnd    = 0x04
	cmdMemBegin    = 0x05
	cmdMemEnd      = 0x06
	cmdMemData     = 0x07
	cmdSync        = 0x08
	cmdWriteReg    = 0x09
	cmdReadReg     = 0x0A
	cmdSPIAttach   = 0x0D
	cmdChangeBaud  = 0x0F
	cmdSPIFlashMD5 = 0x13

	// Stub only.
	cmdEraseFlash  = 0xD0
	cmdEraseRegion = 0xD1
	cmdReadFlash   = 0xD2
)

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	checksumSeed = 0xEF

	romBlockSize    = 0x400
	stubBlockSize   = 0x4000
	memBlockSize    = 0x1800
	flashSectorSize = 0x1000

	// Response status trailer: the C3 ROM sends 4 bytes, the stub 2.
	romStatusLen  = 4
	stubStatusLen = 2
)

// ROM error codes.
const (
	errInvalidMessage  = 0x05
	errFailedToAct     = 0x06
	errInvalidCRC      = 0x07
	errFlashWriteErr   = 0x08
	errFlashReadErr    = 0x09
	errFlashReadLenErr = 0x0A
	errDeflateError    = 0x0B
)

// chipDetectMagicReg holds a per-chip constant readable from the ROM.
const chipDetectMagicReg = 0x40001000

var esp32c3Magic = []uint32{0x6921506F, 0x1B31506F, 0x4881606F, 0x4361606F}

var (
	// ErrTimeout is returned when the loader does not answer in time.
	ErrTimeout = errors.New("esp: timeout waiting for response")
	// ErrUnsupportedChip is returned when the attached chip is not an ESP32-C3.
	ErrUnsupportedChip = errors.New("esp: unsupported chip")
	// ErrDigestMismatch is returned when flash contents fail MD5 verification.
	ErrDigestMismatch = errors.New("esp: md5 mismatch")
	// ErrStubRequired is returned for flash reads without the flasher stub.
	// The C3 ROM loader has no read command.
	ErrStubRequired = errors.New("esp: flash read needs the flasher stub (device.stub_path)")
	errBadFrame     = errors.New("esp: malformed response")
)

// StatusError is a failure status reported by the loader.
type StatusError struct {
	Op   byte
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esp: %s failed: %s (0x%02X)", opName(e.Op), errorName(e.Code), e.Code)
}

func errorName(code byte) string {
	switch code {
	case errInvalidMessage:
		return "invalid message"
	case errFailedToAct:
		return "failed to act"
	case errInvalidCRC:
		return "invalid CRC"
	case errFlashWriteErr:
		return "flash write error"
	case errFlashReadErr:
		return "flash read error"
	case errFlashReadLenErr:
		return "flash read length error"
	case errDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}

func opName(op byte) string {
	switch op {
	case cmdFlashBegin:
		return "FLASH_BEGIN"
	case cmdFlashData:
		return "FLASH_DATA"
	case cmdFlashEnd:
		return "FLASH_END"
	case cmdMemBegin:
		return "MEM_BEGIN"
	case cmdMemEnd:
		return "MEM_END"
	case cmdMemData:
		return "MEM_DATA"
	case cmdSync:
		return "SYNC"
	case cmdWriteReg:
		return "WRITE_REG"
	case cmdReadReg:
		return "READ_REG"
	case cmdSPIAttach:
		return "SPI_ATTACH"
	case cmdChangeBaud:
		return "CHANGE_BAUDRATE"
	case cmdSPIFlashMD5:
		return "SPI_FLASH_MD5"
	case cmdEraseFlash:
		return "ERASE_FLASH"
	case cmdEraseRegion:
		return "ERASE_REGION"
	case cmdReadFlash:
		return "READ_FLASH"
	default:
		return fmt.Sprintf("0x%02X", op)
	}
}

// checksum is the XOR checksum carried by data-bearing commands.
func checksum(data []byte) uint32 {
	c := byte(checksumSeed)
	for _, b := range data {
		c ^= b
	}
	return uint32(c)
}

// encodeRequest builds an unframed command packet.
func encodeRequest(op byte, data []byte, chk uint32) []byte {
	pkt := make([]byte, 8+len(data))
	pkt[0] = dirRequest
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], chk)
	copy(pkt[8:], data)
	return pkt
}

type response struct {
	op    byte
	value uint32
	data  []byte
}

// decodeResponse parses an unframed response packet and checks its status
// trailer. It returns ok=false for packets that are not responses.
func decodeResponse(pkt []byte, statusLen int) (*response, bool, error) {
	if len(pkt) < 8 || pkt[0] != dirResponse {
		return nil, false, nil
	}
	size := int(binary.LittleEndian.Uint16(pkt[2:4]))
	if len(pkt) < 8+size || size < statusLen {
		return nil, true, fmt.Errorf("%w: op 0x%02X size %d in %d bytes", errBadFrame, pkt[1], size, len(pkt))
	}
	body := pkt[8 : 8+size]
	status := body[size-statusLen:]
	resp := &response{
		op:    pkt[1],
		value: binary.LittleEndian.Uint32(pkt[4:8]),
		data:  body[:size-statusLen],
	}
	if status[0] != 0 {
		return resp, true, &StatusError{Op: resp.op, Code: status[1]}
	}
	return resp, true, nil
}

func words(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}
