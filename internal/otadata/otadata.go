// Package otadata reads and rewrites the ESP-IDF OTA boot-selection partition.
//
// The partition holds one 32-byte select entry per OTA app slot, at 0x0000
// (app0) and 0x1000 (app1). The bootloader starts the slot whose entry has a
// valid CRC, is not invalid/aborted, and carries the highest sequence number.
package otadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Record layout.
const (
	App1Offset     = 0x1000
	recordSize     = 0x20
	seqOffset      = 0x00
	stateOffset    = 0x18
	crcOffset      = 0x1c
	MinImageLength = App1Offset + recordSize
)

var (
	// ErrInvalidStateEncoding is returned when a state word is not one of the
	// six values the bootloader defines, or a non-writable state is encoded.
	ErrInvalidStateEncoding = errors.New("invalid ota state encoding")
	// ErrShortImage is returned when the buffer cannot hold both select entries.
	ErrShortImage = errors.New("otadata image too short")
	// ErrUnknownLabel is returned for labels other than app0/app1.
	ErrUnknownLabel = errors.New("unknown partition label")
)

// Label names an OTA app partition.
type Label string

const (
	App0 Label = "app0"
	App1 Label = "app1"
)

// ParseLabel validates a partition label.
func ParseLabel(s string) (Label, error) {
	switch Label(s) {
	case App0, App1:
		return Label(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLabel, s)
}

// Other returns the opposite slot.
func (l Label) Other() Label {
	if l == App0 {
		return App1
	}
	return App0
}

func (l Label) offset() int {
	if l == App1 {
		return App1Offset
	}
	return 0
}

// State is the esp_ota_img_states_t word of a select entry.
type State uint32

const (
	StateNew           State = 0x0
	StatePendingVerify State = 0x1
	StateValid         State = 0x2
	StateInvalid       State = 0x3
	StateAborted       State = 0x4
	StateUndefined     State = 0xFFFFFFFF
)

// DecodeState maps a raw word to a State.
func DecodeState(word uint32) (State, error) {
	switch s := State(word); s {
	case StateNew, StatePendingVerify, StateValid, StateInvalid, StateAborted, StateUndefined:
		return s, nil
	}
	return 0, fmt.Errorf("%w: 0x%08X", ErrInvalidStateEncoding, word)
}

// Writable reports whether the host may write this state. PendingVerify and
// Aborted are normally entered by the bootloader itself.
func (s State) Writable() bool {
	switch s {
	case StateNew, StatePendingVerify, StateValid, StateInvalid:
		return true
	}
	return false
}

func (s State) encode() ([]byte, error) {
	if !s.Writable() {
		return nil, fmt.Errorf("%w: %s is not writable", ErrInvalidStateEncoding, s)
	}
	return binary.LittleEndian.AppendUint32(nil, uint32(s)), nil
}

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePendingVerify:
		return "pending_verify"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateAborted:
		return "aborted"
	case StateUndefined:
		return "undefined"
	}
	return fmt.Sprintf("state(0x%08X)", uint32(s))
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Bootable reports whether the bootloader may select an entry in this state.
func (s State) Bootable() bool {
	return s != StateInvalid && s != StateAborted
}

// Record is a decoded select entry. It is derived from the image on every
// call and never stored on its own.
type Record struct {
	Label    Label   `json:"label"`
	Sequence uint32  `json:"sequence"`
	State    State   `json:"state"`
	CRC      [4]byte `json:"crc"`
	CRCValid bool    `json:"crc_valid"`
}

// SequenceCRC returns the select-entry CRC for a sequence number, the same
// value ESP-IDF computes with crc32_le(UINT32_MAX, &seq, 4).
func SequenceCRC(seq uint32) [4]byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], seq)
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], crc32.Update(0xFFFFFFFF, crc32.IEEETable, buf[:]))
	return out
}

// Image owns a raw copy of the otadata partition.
type Image struct {
	data []byte
}

// Parse wraps data (without copying) after checking that both select entries
// are addressable and carry a defined state word.
func Parse(data []byte) (*Image, error) {
	if len(data) < MinImageLength {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrShortImage, len(data), MinImageLength)
	}
	img := &Image{data: data}
	for _, l := range []Label{App0, App1} {
		word := binary.LittleEndian.Uint32(data[l.offset()+stateOffset:])
		if _, err := DecodeState(word); err != nil {
			return nil, fmt.Errorf("otadata %s: %w", l, err)
		}
	}
	return img, nil
}

// Bytes returns the underlying buffer.
func (img *Image) Bytes() []byte {
	return img.data
}

// Record decodes the select entry for label.
func (img *Image) Record(l Label) Record {
	off := l.offset()
	seq := binary.LittleEndian.Uint32(img.data[off+seqOffset:])
	// Parse rejected undefined words, and writes only store writable ones.
	state := State(binary.LittleEndian.Uint32(img.data[off+stateOffset:]))
	var crc [4]byte
	copy(crc[:], img.data[off+crcOffset:off+crcOffset+4])
	return Record{
		Label:    l,
		Sequence: seq,
		State:    state,
		CRC:      crc,
		CRCValid: crc == SequenceCRC(seq),
	}
}

// Partitions returns the app0 and app1 records.
func (img *Image) Partitions() [2]Record {
	return [2]Record{img.Record(App0), img.Record(App1)}
}

// CurrentBootPartition returns the record the bootloader will start, or false
// when neither entry qualifies (a factory-fresh device). Equal sequences
// resolve to app0.
func (img *Image) CurrentBootPartition() (Record, bool) {
	var (
		best  Record
		found bool
	)
	for _, r := range img.Partitions() {
		if !r.CRCValid || !r.State.Bootable() {
			continue
		}
		if !found || r.Sequence > best.Sequence {
			best, found = r, true
		}
	}
	return best, found
}

// CurrentBootLabel is CurrentBootPartition reduced to its label.
func (img *Image) CurrentBootLabel() (Label, bool) {
	r, ok := img.CurrentBootPartition()
	return r.Label, ok
}

// CurrentBackupLabel returns the slot that is safe to overwrite. With no boot
// partition app0 counts as primary, so app1 is returned.
func (img *Image) CurrentBackupLabel() Label {
	if r, ok := img.CurrentBootPartition(); ok {
		return r.Label.Other()
	}
	return App1
}

// SetBootPartition makes label the next boot slot by writing a fresh entry
// whose sequence is one past the current boot entry. The currently booting
// entry is never modified. It reports whether the buffer changed.
func (img *Image) SetBootPartition(l Label) (bool, error) {
	if l != App0 && l != App1 {
		return false, fmt.Errorf("%w: %q", ErrUnknownLabel, string(l))
	}
	cur, ok := img.CurrentBootPartition()
	if ok && cur.Label == l {
		return false, nil
	}
	var next uint32 = 1
	if ok {
		next = cur.Sequence + 1
	}
	if err := img.writeRecord(l, next, StateNew); err != nil {
		return false, err
	}
	return true, nil
}

// writeRecord always rewrites sequence, state and CRC together.
func (img *Image) writeRecord(l Label, seq uint32, state State) error {
	enc, err := state.encode()
	if err != nil {
		return err
	}
	off := l.offset()
	crc := SequenceCRC(seq)
	binary.LittleEndian.PutUint32(img.data[off+seqOffset:], seq)
	copy(img.data[off+stateOffset:], enc)
	copy(img.data[off+crcOffset:], crc[:])
	return nil
}

// Clone returns an image over a copy of the buffer.
func (img *Image) Clone() *Image {
	return &Image{data: append([]byte(nil), img.data...)}
}
