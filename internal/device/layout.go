package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"xteink-flasher/internal/otadata"
)

// Partition table format (esp_partition_info_t).
const (
	PartitionTableOffset = 0x8000
	PartitionTableSize   = 0xC00

	partitionMagic     = 0x50AA
	partitionEntrySize = 32

	partTypeApp        = 0x00
	partTypeData       = 0x01
	partSubtypeOTA0    = 0x10
	partSubtypeOTA1    = 0x11
	partSubtypeOTAData = 0x00
)

// ErrNoPartitionTable is returned when no usable OTA layout is found.
var ErrNoPartitionTable = errors.New("no ota partition table")

// Region is an address range in flash.
type Region struct {
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// End is the first address past the region.
func (r Region) End() uint32 {
	return r.Offset + r.Size
}

// Layout locates the partitions the workflows touch.
type Layout struct {
	Otadata   Region `json:"otadata"`
	App0      Region `json:"app0"`
	App1      Region `json:"app1"`
	FlashSize uint32 `json:"flash_size"`
}

// DefaultFlashSize is the 16 MiB part fitted to the X4.
const DefaultFlashSize = 16 << 20

// DefaultLayout is the stock X4 partition table.
func DefaultLayout() Layout {
	return Layout{
		Otadata:   Region{Offset: 0xE000, Size: 0x2000},
		App0:      Region{Offset: 0x10000, Size: 0x640000},
		App1:      Region{Offset: 0x650000, Size: 0x640000},
		FlashSize: DefaultFlashSize,
	}
}

// App returns the region for an OTA app label.
func (l Layout) App(label otadata.Label) (Region, error) {
	switch label {
	case otadata.App0:
		return l.App0, nil
	case otadata.App1:
		return l.App1, nil
	}
	return Region{}, fmt.Errorf("%w: %q", otadata.ErrUnknownLabel, string(label))
}

// Validate checks that every region fits in flash.
func (l Layout) Validate() error {
	for name, r := range map[string]Region{"otadata": l.Otadata, "app0": l.App0, "app1": l.App1} {
		if r.Size == 0 {
			return fmt.Errorf("layout: %s has zero size", name)
		}
		if l.FlashSize != 0 && r.End() > l.FlashSize {
			return fmt.Errorf("layout: %s ends at 0x%X past flash size 0x%X", name, r.End(), l.FlashSize)
		}
	}
	if l.Otadata.Size < otadata.MinImageLength {
		return fmt.Errorf("layout: otadata size 0x%X too small", l.Otadata.Size)
	}
	return nil
}

// PartitionEntry is one decoded partition table row.
type PartitionEntry struct {
	Type    uint8
	Subtype uint8
	Region  Region
	Label   string
	Flags   uint32
}

// ParsePartitionTable decodes rows until the end marker or MD5 row.
func ParsePartitionTable(data []byte) []PartitionEntry {
	var entries []PartitionEntry
	for off := 0; off+partitionEntrySize <= len(data); off += partitionEntrySize {
		row := data[off : off+partitionEntrySize]
		magic := binary.LittleEndian.Uint16(row[0:2])
		if magic != partitionMagic {
			break
		}
		entries = append(entries, PartitionEntry{
			Type:    row[2],
			Subtype: row[3],
			Region: Region{
				Offset: binary.LittleEndian.Uint32(row[4:8]),
				Size:   binary.LittleEndian.Uint32(row[8:12]),
			},
			Label: string(bytes.TrimRight(row[12:28], "\x00")),
			Flags: binary.LittleEndian.Uint32(row[28:32]),
		})
	}
	return entries
}

// LayoutFromTable builds a layout from a raw partition table.
func LayoutFromTable(data []byte, flashSize uint32) (Layout, error) {
	l := Layout{FlashSize: flashSize}
	var found int
	for _, e := range ParsePartitionTable(data) {
		switch {
		case e.Type == partTypeData && e.Subtype == partSubtypeOTAData:
			l.Otadata = e.Region
			found |= 1
		case e.Type == partTypeApp && e.Subtype == partSubtypeOTA0:
			l.App0 = e.Region
			found |= 2
		case e.Type == partTypeApp && e.Subtype == partSubtypeOTA1:
			l.App1 = e.Region
			found |= 4
		}
	}
	if found != 7 {
		return Layout{}, ErrNoPartitionTable
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// ResolveLayout reads the partition table through rio and falls back to
// fallback when it is missing or unusable.
func ResolveLayout(ctx context.Context, rio RegionIO, fallback Layout, logger *slog.Logger) Layout {
	table, err := rio.ReadRegion(ctx, PartitionTableOffset, PartitionTableSize, nil)
	if err != nil {
		logger.Warn("read partition table, using default layout", "err", err)
		return fallback
	}
	l, err := LayoutFromTable(table, fallback.FlashSize)
	if err != nil {
		logger.Warn("partition table unusable, using default layout", "err", err)
		return fallback
	}
	logger.Debug("partition layout",
		"otadata", fmt.Sprintf("0x%X+0x%X", l.Otadata.Offset, l.Otadata.Size),
		"app0", fmt.Sprintf("0x%X+0x%X", l.App0.Offset, l.App0.Size),
		"app1", fmt.Sprintf("0x%X+0x%X", l.App1.Offset, l.App1.Size))
	return l
}
