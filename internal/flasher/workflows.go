package flasher

import (
	"context"
	"fmt"

	"xteink-flasher/internal/otadata"
	"xteink-flasher/internal/steps"
)

// Step names shown to the operator.
const (
	stepReadFile      = "Read file"
	stepConnect       = "Connect to device"
	stepDownload      = "Download firmware"
	stepReadOtadata   = "Read otadata partition"
	stepFlashApp      = "Flash app partition"
	stepFlashOtadata  = "Flash otadata partition"
	stepReset         = "Reset device"
	stepDisconnect    = "Disconnect from device"
	stepReadFlash     = "Read flash"
	stepWriteFlash    = "Write flash"
	stepReadApp0      = "Read app0 partition"
	stepReadApp1      = "Read app1 partition"
	stepIdentifyTypes = "Identify firmware types"
)

func readAppStepName(l otadata.Label) string {
	return fmt.Sprintf("Read app partition (%s)", l)
}

func flashAppStepName(l otadata.Label) string {
	return fmt.Sprintf("%s (%s)", stepFlashApp, l)
}

// FlashOfficial downloads the vendor firmware for region and installs it into
// the backup slot.
func (o *Orchestrator) FlashOfficial(ctx context.Context, region string) error {
	return o.flashRemote(ctx, WorkflowFlashOfficial, "official-"+region, func(ctx context.Context) ([]byte, error) {
		return o.source.FetchOfficial(ctx, region)
	})
}

// FlashCommunity downloads the latest release of a community firmware and
// installs it into the backup slot.
func (o *Orchestrator) FlashCommunity(ctx context.Context, name string) error {
	return o.flashRemote(ctx, WorkflowFlashCommunity, name, func(ctx context.Context) ([]byte, error) {
		return o.source.FetchCommunity(ctx, name)
	})
}

func (o *Orchestrator) flashRemote(ctx context.Context, wf Workflow, name string, fetch func(context.Context) ([]byte, error)) error {
	s, err := o.begin(wf, stepConnect, stepDownload, stepReadOtadata, stepFlashApp, stepFlashOtadata, stepReset)
	if err != nil {
		return err
	}
	return s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		fw, err := steps.Do(o.runner, 1, func(func(int, int)) ([]byte, error) {
			if o.source == nil {
				return nil, errNoSource
			}
			data, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			s.noteFirmware(name, data)
			return data, nil
		})
		if err != nil {
			return err
		}
		return s.installApp(ctx, 2, fw)
	}())
}

// FlashCustom installs a user-supplied image into the backup slot.
func (o *Orchestrator) FlashCustom(ctx context.Context, file FileFunc) error {
	s, err := o.begin(WorkflowFlashCustom, stepReadFile, stepConnect, stepReadOtadata, stepFlashApp, stepFlashOtadata, stepReset)
	if err != nil {
		return err
	}
	return s.finish(func() error {
		fw, err := s.readFile(0, file)
		if err != nil {
			return err
		}
		if err := s.connect(ctx, 1); err != nil {
			return err
		}
		return s.installApp(ctx, 2, fw)
	}())
}

// installApp runs the four steps starting at i: read otadata, flash the app
// into the backup slot, point otadata at it, reset.
func (s *session) installApp(ctx context.Context, i int, fw []byte) error {
	img, err := s.readOtadata(ctx, i)
	if err != nil {
		return err
	}
	target := img.CurrentBackupLabel()
	s.o.runner.Rename(i+1, flashAppStepName(target))

	err = s.o.runner.Run(i+1, func(report func(int, int)) error {
		return s.conn.WriteAppPartition(ctx, target, fw, report)
	})
	if err != nil {
		return err
	}
	if err := s.writeOtadata(ctx, i+2, img, target); err != nil {
		return err
	}
	return s.disconnect(ctx, i+3, false)
}

// SaveFullFlash reads the whole flash. The dump is returned byte-identical
// and, with an artifact dir configured, also saved there.
func (o *Orchestrator) SaveFullFlash(ctx context.Context) ([]byte, error) {
	s, err := o.begin(WorkflowSaveFullFlash, stepConnect, stepReadFlash, stepDisconnect)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		var err error
		data, err = steps.Do(o.runner, 1, func(report func(int, int)) ([]byte, error) {
			return s.conn.ReadFullFlash(ctx, report)
		})
		if err != nil {
			return err
		}
		s.saveArtifact("flash", data)
		return s.disconnect(ctx, 2, true)
	}())
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFullFlash restores a full flash dump.
func (o *Orchestrator) WriteFullFlash(ctx context.Context, file FileFunc) error {
	s, err := o.begin(WorkflowWriteFullFlash, stepReadFile, stepConnect, stepWriteFlash, stepReset)
	if err != nil {
		return err
	}
	return s.finish(func() error {
		data, err := s.readFile(0, file)
		if err != nil {
			return err
		}
		if err := s.connect(ctx, 1); err != nil {
			return err
		}
		err = o.runner.Run(2, func(report func(int, int)) error {
			return s.conn.WriteFullFlash(ctx, data, report)
		})
		if err != nil {
			return err
		}
		return s.disconnect(ctx, 3, false)
	}())
}

// ReadOtadata reads and parses the otadata partition without resetting the
// device.
func (o *Orchestrator) ReadOtadata(ctx context.Context) (*otadata.Image, error) {
	s, err := o.begin(WorkflowReadOtadata, stepConnect, stepReadOtadata, stepDisconnect)
	if err != nil {
		return nil, err
	}
	var img *otadata.Image
	err = s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		var err error
		if img, err = s.readOtadata(ctx, 1); err != nil {
			return err
		}
		s.saveArtifact("otadata", img.Bytes())
		return s.disconnect(ctx, 2, true)
	}())
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ReadAppPartition dumps one app partition without resetting the device.
func (o *Orchestrator) ReadAppPartition(ctx context.Context, label otadata.Label) ([]byte, error) {
	if _, err := otadata.ParseLabel(string(label)); err != nil {
		return nil, err
	}
	s, err := o.begin(WorkflowReadApp, stepConnect, readAppStepName(label), stepDisconnect)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		var err error
		data, err = steps.Do(o.runner, 1, func(report func(int, int)) ([]byte, error) {
			return s.conn.ReadAppPartition(ctx, label, report)
		})
		if err != nil {
			return err
		}
		s.saveArtifact(string(label), data)
		return s.disconnect(ctx, 2, true)
	}())
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SwapBootPartition makes the backup slot boot next. When the device already
// boots the backup the otadata write still happens with unchanged content.
// The returned image is the one written.
func (o *Orchestrator) SwapBootPartition(ctx context.Context) (*otadata.Image, error) {
	s, err := o.begin(WorkflowSwapBoot, stepConnect, stepReadOtadata, stepFlashOtadata, stepReset)
	if err != nil {
		return nil, err
	}
	var img *otadata.Image
	err = s.finish(func() error {
		if err := s.connect(ctx, 0); err != nil {
			return err
		}
		var err error
		if img, err = s.readOtadata(ctx, 1); err != nil {
			return err
		}
		if err := s.writeOtadata(ctx, 2, img, img.CurrentBackupLabel()); err != nil {
			return err
		}
		return s.disconnect(ctx, 3, false)
	}())
	if err != nil {
		return nil, err
	}
	return img, nil
}
