//go:build !no_automation

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"xteink-flasher/internal/automation"
	"xteink-flasher/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func engineConfig(cfg *Config, logger *slog.Logger) automation.Config {
	timeout := automation.DefaultTimeout
	if d, _ := parseDuration(cfg.Script.Timeout); d > 0 {
		timeout = d
	}
	logger.Debug("script limits", "timeout", timeout, "base_dir", cfg.Script.BaseDir)
	return automation.Config{Timeout: timeout, BaseDir: cfg.Script.BaseDir}
}

func initAutomation(fl automation.Flasher, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(fl, scriptMgr, logger, engineConfig(cfg, logger))
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}

func runScriptFile(ctx context.Context, a *app, args []string) error {
	script, err := automation.ParseFile(args[0])
	if err != nil {
		return err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	start := time.Now()
	engine := automation.NewEngine(orch, nil, a.logger, engineConfig(a.cfg, a.logger))
	res := engine.RunLuaCode(ctx, script.LuaCode)
	for _, line := range res.Logs {
		fmt.Fprintln(os.Stdout, line)
	}
	a.logger.Info("script finished", "script", script.Meta.Name, "ok", res.OK, "duration", time.Since(start).Round(time.Millisecond))
	if !res.OK {
		return errors.New(res.Error)
	}
	return nil
}
