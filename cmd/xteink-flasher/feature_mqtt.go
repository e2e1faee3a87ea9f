//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "xteink-flasher/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(fl mqttbridge.Flasher, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(fl, mqttbridge.Config{
		Broker:           cfg.MQTT.Broker,
		Username:         cfg.MQTT.Username,
		Password:         cfg.MQTT.Password,
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		DiscoveryPrefix:  cfg.MQTT.DiscoveryPrefix,
		DisableDiscovery: cfg.MQTT.DisableDiscovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
