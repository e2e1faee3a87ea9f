package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"xteink-flasher/internal/artifact"
	"xteink-flasher/internal/firmware"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
)

type command struct {
	usage   string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"identify":        {"identify", 0, 0, runIdentify},
	"identify-file":   {"identify-file <bin>", 1, 1, runIdentifyFile},
	"read-otadata":    {"read-otadata [out]", 0, 1, runReadOtadata},
	"read-app":        {"read-app <app0|app1> <out>", 2, 2, runReadApp},
	"swap-boot":       {"swap-boot", 0, 0, runSwapBoot},
	"flash-official":  {"flash-official <en|ch>", 1, 1, runFlashOfficial},
	"flash-community": {"flash-community <name>", 1, 1, runFlashCommunity},
	"flash-file":      {"flash-file <bin>", 1, 1, runFlashFile},
	"save-flash":      {"save-flash <out>", 1, 1, runSaveFlash},
	"write-flash":     {"write-flash <bin>", 1, 1, runWriteFlash},
	"run-script":      {"run-script <file.lua>", 1, 1, runScriptFile},
	"serve":           {"serve", 0, 0, runServe},
}

func runIdentify(ctx context.Context, a *app, _ []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	id, err := orch.IdentifyAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(id)
}

func runIdentifyFile(_ context.Context, _ *app, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", flasher.ErrMissingInput, err)
	}
	return printJSON(firmware.Identify(data))
}

type otadataSummary struct {
	Boot       otadata.Label     `json:"boot,omitempty"`
	Backup     otadata.Label     `json:"backup"`
	Partitions [2]otadata.Record `json:"partitions"`
}

func summarize(img *otadata.Image) otadataSummary {
	out := otadataSummary{Backup: img.CurrentBackupLabel(), Partitions: img.Partitions()}
	if l, ok := img.CurrentBootLabel(); ok {
		out.Boot = l
	}
	return out
}

func runReadOtadata(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	img, err := orch.ReadOtadata(ctx)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if err := writeOutput(args[0], img.Bytes()); err != nil {
			return err
		}
	}
	return printJSON(summarize(img))
}

func runReadApp(ctx context.Context, a *app, args []string) error {
	label, err := otadata.ParseLabel(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", flasher.ErrMissingInput, err)
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	data, err := orch.ReadAppPartition(ctx, label)
	if err != nil {
		return err
	}
	return writeOutput(args[1], data)
}

func runSwapBoot(ctx context.Context, a *app, _ []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	img, err := orch.SwapBootPartition(ctx)
	if err != nil {
		return err
	}
	return printJSON(summarize(img))
}

func runFlashOfficial(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	return orch.FlashOfficial(ctx, args[0])
}

func runFlashCommunity(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	return orch.FlashCommunity(ctx, args[0])
}

func runFlashFile(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	return orch.FlashCustom(ctx, readFile(args[0]))
}

func runSaveFlash(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	data, err := orch.SaveFullFlash(ctx)
	if err != nil {
		return err
	}
	return writeOutput(args[0], data)
}

func runWriteFlash(ctx context.Context, a *app, args []string) error {
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	return orch.WriteFullFlash(ctx, readFile(args[0]))
}

// readFile defers reading until the workflow asks for the file, so a missing
// file fails the step that needs it.
func readFile(path string) flasher.FileFunc {
	return func() ([]byte, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", flasher.ErrMissingInput, err)
		}
		return data, filepath.Base(path), nil
	}
}

func writeOutput(path string, data []byte) error {
	if err := artifact.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), path)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
