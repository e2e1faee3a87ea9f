package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"xteink-flasher/internal/web"
)

func runServe(ctx context.Context, a *app, _ []string) error {
	logger := a.logger
	cfg := a.cfg
	logger.Info("xteink-flasher starting", "version", version)

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(orch, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithArtifactDir(cfg.ArtifactsDir),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(orch, a.db, logger, webOpts...)

	// Uploads and long downloads stream slowly; only headers are bounded.
	httpServer := &http.Server{
		Addr:              cfg.Web.Listen,
		Handler:           webServer,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(orch, cfg, logger)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("http server", "err", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
	return serveErr
}
