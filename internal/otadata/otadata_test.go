package otadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const partitionSize = 0x2000

func blankImage(t *testing.T) *Image {
	t.Helper()
	img, err := Parse(make([]byte, partitionSize))
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// putRecord writes a raw entry, bypassing the writable-state check.
func putRecord(data []byte, l Label, seq uint32, state State, validCRC bool) {
	off := l.offset()
	binary.LittleEndian.PutUint32(data[off:], seq)
	binary.LittleEndian.PutUint32(data[off+stateOffset:], uint32(state))
	crc := SequenceCRC(seq)
	if !validCRC {
		crc[0] ^= 0xFF
	}
	copy(data[off+crcOffset:], crc[:])
}

func TestSequenceCRCKnownValues(t *testing.T) {
	tests := []struct {
		seq  uint32
		want uint32
	}{
		{0, 0xFFFFFFFF},
		{1, 0x4743989A},
		{2, 0x55F63774},
	}
	for _, tt := range tests {
		crc := SequenceCRC(tt.seq)
		if got := binary.LittleEndian.Uint32(crc[:]); got != tt.want {
			t.Errorf("SequenceCRC(%d) = 0x%08X, want 0x%08X", tt.seq, got, tt.want)
		}
	}
}

func TestWrittenRecordCRCRoundTrips(t *testing.T) {
	for _, seq := range []uint32{0, 1, 2, 7, 0x1234, 0x7FFFFFFF, 0xFFFFFFFE, 0xFFFFFFFF} {
		img := blankImage(t)
		if err := img.writeRecord(App1, seq, StateValid); err != nil {
			t.Fatal(err)
		}
		reparsed, err := Parse(img.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		r := reparsed.Record(App1)
		if !r.CRCValid {
			t.Errorf("seq %d: crc not valid after write", seq)
		}
		if r.Sequence != seq {
			t.Errorf("seq = %d, want %d", r.Sequence, seq)
		}
	}
}

func TestParseShortImage(t *testing.T) {
	_, err := Parse(make([]byte, MinImageLength-1))
	if !errors.Is(err, ErrShortImage) {
		t.Fatalf("err = %v, want ErrShortImage", err)
	}
	if _, err := Parse(make([]byte, MinImageLength)); err != nil {
		t.Fatalf("minimum length rejected: %v", err)
	}
}

func TestParseInvalidStateWord(t *testing.T) {
	data := make([]byte, partitionSize)
	binary.LittleEndian.PutUint32(data[App1Offset+stateOffset:], 7)
	_, err := Parse(data)
	if !errors.Is(err, ErrInvalidStateEncoding) {
		t.Fatalf("err = %v, want ErrInvalidStateEncoding", err)
	}
}

func TestDecodeState(t *testing.T) {
	for _, w := range []uint32{0, 1, 2, 3, 4, 0xFFFFFFFF} {
		if _, err := DecodeState(w); err != nil {
			t.Errorf("DecodeState(0x%X): %v", w, err)
		}
	}
	for _, w := range []uint32{5, 0x100, 0xFFFFFFFE} {
		if _, err := DecodeState(w); !errors.Is(err, ErrInvalidStateEncoding) {
			t.Errorf("DecodeState(0x%X) err = %v", w, err)
		}
	}
}

func TestWriteNonWritableState(t *testing.T) {
	img := blankImage(t)
	before := append([]byte(nil), img.Bytes()...)
	for _, s := range []State{StateAborted, StateUndefined} {
		if err := img.writeRecord(App0, 1, s); !errors.Is(err, ErrInvalidStateEncoding) {
			t.Errorf("write %s: err = %v", s, err)
		}
	}
	if !bytes.Equal(before, img.Bytes()) {
		t.Error("failed write modified the buffer")
	}
}

func TestCurrentBootPartitionNeverPicksDisqualified(t *testing.T) {
	states := []State{StateNew, StatePendingVerify, StateValid, StateInvalid, StateAborted, StateUndefined}
	seqs := []uint32{0, 1, 5}
	for _, s0 := range states {
		for _, s1 := range states {
			for _, q0 := range seqs {
				for _, q1 := range seqs {
					for _, c0 := range []bool{true, false} {
						for _, c1 := range []bool{true, false} {
							data := make([]byte, partitionSize)
							putRecord(data, App0, q0, s0, c0)
							putRecord(data, App1, q1, s1, c1)
							img, err := Parse(data)
							if err != nil {
								t.Fatal(err)
							}
							r, ok := img.CurrentBootPartition()
							if !ok {
								continue
							}
							if !r.CRCValid || r.State == StateInvalid || r.State == StateAborted {
								t.Fatalf("selected disqualified record %+v", r)
							}
							other := img.Record(r.Label.Other())
							if other.CRCValid && other.State.Bootable() && other.Sequence > r.Sequence {
								t.Fatalf("selected %+v over higher %+v", r, other)
							}
						}
					}
				}
			}
		}
	}
}

func TestCurrentBootPartitionTiePrefersApp0(t *testing.T) {
	data := make([]byte, partitionSize)
	putRecord(data, App0, 3, StateValid, true)
	putRecord(data, App1, 3, StateValid, true)
	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if l, _ := img.CurrentBootLabel(); l != App0 {
		t.Errorf("boot = %s, want app0", l)
	}
}

func TestSetBootPartitionIdempotent(t *testing.T) {
	data := make([]byte, partitionSize)
	putRecord(data, App0, 4, StateValid, true)
	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := img.SetBootPartition(App1)
	if err != nil || !changed {
		t.Fatalf("first call: changed=%v err=%v", changed, err)
	}
	snapshot := append([]byte(nil), img.Bytes()...)

	changed, err = img.SetBootPartition(App1)
	if err != nil || changed {
		t.Fatalf("second call: changed=%v err=%v", changed, err)
	}
	if !bytes.Equal(snapshot, img.Bytes()) {
		t.Error("second call mutated buffer")
	}
}

func TestSetBootPartitionBumpsSequence(t *testing.T) {
	data := make([]byte, partitionSize)
	putRecord(data, App0, 9, StateValid, true)
	putRecord(data, App1, 8, StateValid, true)
	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	app0Before := img.Record(App0)

	backup := img.CurrentBackupLabel()
	if backup != App1 {
		t.Fatalf("backup = %s, want app1", backup)
	}
	if _, err := img.SetBootPartition(backup); err != nil {
		t.Fatal(err)
	}

	r, ok := img.CurrentBootPartition()
	if !ok || r.Label != App1 {
		t.Fatalf("boot = %+v ok=%v, want app1", r, ok)
	}
	if r.Sequence != 10 {
		t.Errorf("sequence = %d, want 10", r.Sequence)
	}
	if r.State != StateNew {
		t.Errorf("state = %s, want new", r.State)
	}
	if img.Record(App0) != app0Before {
		t.Error("app0 record modified")
	}
}

func TestEmptyDeviceScenario(t *testing.T) {
	img := blankImage(t)

	if _, ok := img.CurrentBootPartition(); ok {
		t.Fatal("expected no boot partition on all-zero otadata")
	}
	if got := img.CurrentBackupLabel(); got != App1 {
		t.Fatalf("backup = %s, want app1", got)
	}
	if _, err := img.SetBootPartition(App1); err != nil {
		t.Fatal(err)
	}

	raw := img.Bytes()
	if seq := binary.LittleEndian.Uint32(raw[App1Offset:]); seq != 1 {
		t.Errorf("sequence at 0x1000 = %d, want 1", seq)
	}
	if st := binary.LittleEndian.Uint32(raw[App1Offset+stateOffset:]); st != uint32(StateNew) {
		t.Errorf("state at 0x1018 = %d, want 0", st)
	}
	if !bytes.Equal(raw[:recordSize], make([]byte, recordSize)) {
		t.Error("app0 entry modified")
	}

	reparsed, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := reparsed.CurrentBootPartition()
	if !ok || r.Label != App1 || r.Sequence != 1 {
		t.Errorf("boot = %+v ok=%v, want app1 seq 1", r, ok)
	}
}

func TestSetBootPartitionUnknownLabel(t *testing.T) {
	img := blankImage(t)
	if _, err := img.SetBootPartition(Label("app2")); !errors.Is(err, ErrUnknownLabel) {
		t.Fatalf("err = %v, want ErrUnknownLabel", err)
	}
}

func TestParseLabel(t *testing.T) {
	if l, err := ParseLabel("app1"); err != nil || l != App1 {
		t.Errorf("ParseLabel(app1) = %q, %v", l, err)
	}
	if _, err := ParseLabel("ota_0"); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("ParseLabel(ota_0) err = %v", err)
	}
}
