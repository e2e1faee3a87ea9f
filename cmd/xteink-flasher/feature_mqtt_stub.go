//go:build no_mqtt

package main

import (
	"log/slog"

	"xteink-flasher/internal/flasher"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *flasher.Orchestrator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
