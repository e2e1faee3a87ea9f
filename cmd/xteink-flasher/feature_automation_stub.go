//go:build no_automation

package main

import (
	"context"
	"errors"
	"log/slog"

	"xteink-flasher/internal/automation"
	"xteink-flasher/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ automation.Flasher, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}

func runScriptFile(_ context.Context, _ *app, _ []string) error {
	return errors.New("built without automation support")
}
