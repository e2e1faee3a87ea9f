package automation

import (
	"context"
	"time"

	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/otadata"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Enabled scripts are loaded at startup and keep their flasher.on
	// handlers registered.
	Enabled bool `json:"enabled"`
}

// Script is a Lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Config tunes the engine.
type Config struct {
	// Timeout bounds one-shot runs. Flashing takes minutes over serial.
	Timeout time.Duration
	// BaseDir confines the file paths scripts may read and write. Empty
	// means the working directory.
	BaseDir string
}

// Flasher is the orchestrator surface scripts can drive.
type Flasher interface {
	Events() *flasher.EventBus
	State() flasher.State
	IdentifyAll(ctx context.Context) (flasher.Identification, error)
	ReadOtadata(ctx context.Context) (*otadata.Image, error)
	ReadAppPartition(ctx context.Context, label otadata.Label) ([]byte, error)
	SwapBootPartition(ctx context.Context) (*otadata.Image, error)
	FlashOfficial(ctx context.Context, region string) error
	FlashCommunity(ctx context.Context, name string) error
	FlashCustom(ctx context.Context, file flasher.FileFunc) error
	SaveFullFlash(ctx context.Context) ([]byte, error)
	WriteFullFlash(ctx context.Context, file flasher.FileFunc) error
}
