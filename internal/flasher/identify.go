package flasher

import (
	"context"

	"xteink-flasher/internal/device"
	"xteink-flasher/internal/firmware"
	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/steps"
)

// Incremental identification reads app partitions in chunks and stops as soon
// as the accumulated prefix classifies.
const (
	IdentifyChunkSize = 0x6400
	IdentifyMaxBytes  = 0x20000
)

// Identification is the result of IdentifyAll.
type Identification struct {
	App0 firmware.Info `json:"app0"`
	App1 firmware.Info `json:"app1"`
	// CurrentBoot is empty when neither slot is bootable.
	CurrentBoot otadata.Label `json:"current_boot,omitempty"`
}

func unknownInfo() firmware.Info {
	return firmware.Info{
		Type:        firmware.TypeUnknown,
		Version:     firmware.UnknownVersion,
		DisplayName: "Custom/Unknown Firmware",
	}
}

// IdentifyAll classifies the firmware in both app slots and reports which
// one boots. The device is not reset.
func (o *Orchestrator) IdentifyAll(ctx context.Context) (Identification, error) {
	s, err := o.begin(WorkflowIdentify, stepConnect, stepReadOtadata, stepReadApp0, stepReadApp1, stepIdentifyTypes, stepDisconnect)
	if err != nil {
		return Identification{}, err
	}
	var res Identification
	err = s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		img, err := s.readOtadata(ctx, 1)
		if err != nil {
			return err
		}
		if l, ok := img.CurrentBootLabel(); ok {
			res.CurrentBoot = l
		}
		if res.App0, err = s.identifyPartition(ctx, 2, otadata.App0); err != nil {
			return err
		}
		if res.App1, err = s.identifyPartition(ctx, 3, otadata.App1); err != nil {
			return err
		}
		err = o.runner.Run(4, func(func(int, int)) error {
			o.logger.Info("firmware identified",
				"app0", res.App0.DisplayName, "app0_version", res.App0.Version,
				"app1", res.App1.DisplayName, "app1_version", res.App1.Version,
				"boot", res.CurrentBoot)
			return nil
		})
		if err != nil {
			return err
		}
		return s.disconnect(ctx, 5, true)
	}())
	if err != nil {
		return Identification{}, err
	}
	return res, nil
}

func (s *session) identifyPartition(ctx context.Context, i int, label otadata.Label) (firmware.Info, error) {
	return steps.Do(s.o.runner, i, func(report func(int, int)) (firmware.Info, error) {
		return identifyIncremental(ctx, s.conn, label, report)
	})
}

// identifyIncremental reads label in IdentifyChunkSize pieces up to
// IdentifyMaxBytes and classifies the accumulated prefix after each piece.
// Progress spans the whole scan window.
func identifyIncremental(ctx context.Context, conn device.Connection, label otadata.Label, report func(int, int)) (firmware.Info, error) {
	info := unknownInfo()
	buf := make([]byte, 0, IdentifyMaxBytes)
	for offset := 0; offset < IdentifyMaxBytes; offset += IdentifyChunkSize {
		if err := ctx.Err(); err != nil {
			return info, err
		}
		size := min(IdentifyChunkSize, IdentifyMaxBytes-offset)
		chunk, err := conn.ReadAppPartitionChunk(ctx, label, offset, size, func(current, total int) {
			report(offset+current, offset+total)
		})
		if err != nil {
			return info, err
		}
		if len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk...)
		info = firmware.Identify(buf)
		if firmware.IsIdentificationSuccessful(info) {
			break
		}
	}
	return info, nil
}
