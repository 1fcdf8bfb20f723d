package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swapdmt/internal/controller"
	"swapdmt/internal/gateway"
	"swapdmt/internal/store"
	"swapdmt/internal/telemetry"
	"swapdmt/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("swapdmt starting", "version", version)

	deviceDB, err := controller.LoadDeviceDir(cfg.DevicesDir, logger)
	if err != nil {
		logger.Error("load device definitions", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := seedStore(db, cfg); err != nil {
		logger.Error("seed store", "err", err)
		os.Exit(1)
	}

	gw, err := gateway.NewSerialGateway(db, logger)
	if err != nil {
		logger.Error("create gateway", "err", err)
		os.Exit(1)
	}
	defer gw.Close()

	events := controller.NewEventBus(logger)
	ctrl := controller.New(gw, nil, deviceDB, events, logger)

	// Presentation layers subscribe before the first connect so they see
	// the initial state transitions.
	rec := initTelemetry(events, cfg, logger)
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)
	mqtt := initMQTT(ctrl, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(ctrl, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	if cfg.AutoConnect {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if !ctrl.Connect(ctx) {
			logger.Warn("auto-connect failed; connect from the web UI once the modem is available")
		}
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if ctrl.IsConnected() {
		ctrl.Disconnect()
	}
	if rec != nil {
		rec.Stop()
	}

	logger.Info("goodbye")
}

func initTelemetry(events *controller.EventBus, cfg *Config, logger *slog.Logger) *telemetry.Recorder {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rec, err := telemetry.Connect(ctx, telemetry.Config{
		URL:           cfg.Telemetry.URL,
		Token:         cfg.Telemetry.Token,
		Org:           cfg.Telemetry.Org,
		Bucket:        cfg.Telemetry.Bucket,
		BatchSize:     cfg.Telemetry.BatchSize,
		FlushInterval: parseDuration(cfg.Telemetry.FlushInterval, 10*time.Second, "telemetry.flush_interval", logger),
	}, logger)
	if err != nil {
		logger.Error("telemetry disabled", "err", err)
		return nil
	}
	rec.Start(events)
	return rec
}
