package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"xteink-flasher/internal/device"
	"xteink-flasher/internal/esp"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/remote"
	"xteink-flasher/internal/steps"
	"xteink-flasher/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const defaultConfigPath = "config.yaml"

type Config struct {
	Device struct {
		Type      string `yaml:"type"` // "serial" or "file"
		Port      string `yaml:"port"`
		Baud      int    `yaml:"baud"`
		ROMBaud   int    `yaml:"rom_baud"`
		ResetMode string `yaml:"reset_mode"`
		StubPath  string `yaml:"stub_path"`
		Path      string `yaml:"path"`
		FlashSize uint32 `yaml:"flash_size"`
	} `yaml:"device"`
	Firmware struct {
		Official  map[string]string `yaml:"official"`
		Community map[string]string `yaml:"community"`
		Timeout   string            `yaml:"timeout"`
	} `yaml:"firmware"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	Web          struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled          bool   `yaml:"enabled"`
		Broker           string `yaml:"broker"`
		Username         string `yaml:"username"`
		Password         string `yaml:"password"`
		TopicPrefix      string `yaml:"topic_prefix"`
		DiscoveryPrefix  string `yaml:"discovery_prefix"`
		DisableDiscovery bool   `yaml:"disable_discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
	Script     struct {
		Timeout string `yaml:"timeout"`
		BaseDir string `yaml:"base_dir"`
	} `yaml:"script"`
}

func (c *Config) validate() error {
	switch c.Device.Type {
	case "serial":
		if _, err := esp.ParseResetMode(c.Device.ResetMode); err != nil {
			return fmt.Errorf("device.reset_mode: %w", err)
		}
	case "file":
	default:
		return fmt.Errorf("device.type must be serial or file, got %q", c.Device.Type)
	}
	if c.Device.Baud < 0 || c.Device.ROMBaud < 0 {
		return fmt.Errorf("device baud rates must not be negative")
	}
	if _, err := parseDuration(c.Firmware.Timeout); err != nil {
		return fmt.Errorf("firmware.timeout: %w", err)
	}
	if _, err := parseDuration(c.Script.Timeout); err != nil {
		return fmt.Errorf("script.timeout: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: xteink-flasher [-config path] <command> [args]

commands:
  identify                    identify the firmware in both app slots
  identify-file <bin>         identify a firmware image on disk
  read-otadata [out]          show the boot selection, optionally save it
  read-app <app0|app1> <out>  dump an app partition
  swap-boot                   boot the other app slot
  flash-official <en|ch>      flash the vendor firmware
  flash-community <name>      flash a community firmware release
  flash-file <bin>            flash an app image from disk
  save-flash <out>            dump the whole flash
  write-flash <bin>           write a full flash image
  run-script <file.lua>       run a Lua script once
  serve                       run the HTTP API, WebSocket and MQTT bridge

flags:
`)
	flag.PrintDefaults()
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := flag.String("config", defaultConfigPath, "path to the YAML config")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		bootLogger.Error("unknown command", "command", flag.Arg(0))
		usage()
		os.Exit(2)
	}
	args := flag.Args()[1:]
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		bootLogger.Error("wrong number of arguments", "command", flag.Arg(0), "usage", cmd.usage)
		os.Exit(2)
	}

	a := &app{cfg: cfg, logger: logger}
	err = cmd.run(ctx, a, args)
	a.close()
	if err != nil {
		logger.Error(flag.Arg(0)+" failed", "kind", flasher.ErrorKind(err), "err", err)
		stop()
		os.Exit(1)
	}
}

// app holds what a command needs. The device and store are opened lazily so
// commands that work on files alone never touch them.
type app struct {
	cfg    *Config
	logger *slog.Logger
	db     *store.BoltStore
	orch   *flasher.Orchestrator
	unlog  func()
}

// orchestrator opens the store and builds the device link on first use.
func (a *app) orchestrator() (*flasher.Orchestrator, error) {
	if a.orch != nil {
		return a.orch, nil
	}

	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.db = db

	link, err := createLink(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}

	fwTimeout, _ := parseDuration(a.cfg.Firmware.Timeout)
	source := remote.NewSource(remote.Config{
		Official:  a.cfg.Firmware.Official,
		Community: a.cfg.Firmware.Community,
		Timeout:   fwTimeout,
	}, a.logger)

	a.orch = flasher.New(link, source, a.logger,
		flasher.WithStore(db),
		flasher.WithArtifactDir(a.cfg.ArtifactsDir),
	)
	a.unlog = logSteps(a.orch.Events(), a.logger)
	return a.orch, nil
}

func (a *app) close() {
	if a.unlog != nil {
		a.unlog()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close store", "err", err)
		}
	}
}

func createLink(cfg *Config, logger *slog.Logger) (device.Link, error) {
	switch cfg.Device.Type {
	case "serial":
		if cfg.Device.Port == "" {
			return nil, fmt.Errorf("device.port is required for serial devices")
		}
		reset, err := esp.ParseResetMode(cfg.Device.ResetMode)
		if err != nil {
			return nil, err
		}
		logger.Info("using serial device", "port", cfg.Device.Port, "baud", cfg.Device.Baud, "reset", reset)
		if cfg.Device.StubPath == "" {
			logger.Warn("device.stub_path not set: flash reads will fail and the default partition layout is used")
		}
		return esp.NewLink(esp.Config{
			Port:      cfg.Device.Port,
			ROMBaud:   cfg.Device.ROMBaud,
			Baud:      cfg.Device.Baud,
			Reset:     reset,
			StubPath:  cfg.Device.StubPath,
			FlashSize: cfg.Device.FlashSize,
		}, logger), nil
	case "file":
		if cfg.Device.Path == "" {
			return nil, fmt.Errorf("device.path is required for file devices")
		}
		logger.Info("using flash dump as device", "path", cfg.Device.Path)
		return device.NewFileLink(cfg.Device.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown device type: %q (supported: serial, file)", cfg.Device.Type)
	}
}

// logSteps logs step status changes as they happen. Progress-only updates
// are logged at debug level.
func logSteps(bus *flasher.EventBus, logger *slog.Logger) func() {
	return bus.OnAll(func(event flasher.Event) {
		switch d := event.Data.(type) {
		case flasher.WorkflowStarted:
			logger.Info("workflow started", "workflow", d.Workflow, "id", d.ID, "steps", len(d.Steps))
		case flasher.StepUpdate:
			attrs := []any{"step", d.Index + 1, "name", d.Step.Name, "status", d.Step.Status}
			if p := d.Step.Progress; p != nil {
				attrs = append(attrs, "progress", fmt.Sprintf("%d/%d", p.Current, p.Total))
			}
			switch {
			case d.Step.Error != nil:
				logger.Warn("step failed", append(attrs, "kind", d.Step.Error.Kind, "err", d.Step.Error.Message)...)
			case d.Step.Progress != nil && d.Step.Status == steps.StatusRunning:
				logger.Debug("step progress", attrs...)
			default:
				logger.Info("step", attrs...)
			}
		case flasher.WorkflowFinished:
			if d.Success {
				logger.Info("workflow finished", "workflow", d.Workflow, "duration", d.Duration)
			} else {
				logger.Error("workflow failed", "workflow", d.Workflow, "duration", d.Duration)
			}
		}
	})
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath:
		// Run on defaults when no config was asked for explicitly.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if cfg.Device.Type == "" {
		cfg.Device.Type = "serial"
	}
	if cfg.Device.ROMBaud == 0 {
		cfg.Device.ROMBaud = esp.DefaultROMBaud
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 921600
	}
	if cfg.Device.ResetMode == "" {
		cfg.Device.ResetMode = string(esp.ResetUSBJTAG)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "xteink-flasher.db"
	}
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "artifacts"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "xteink-flasher"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Command output goes to stdout, so logs go to stderr.
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
