package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/logger"
	"ledgersync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Plaid.Environment,
		MetricsPort:  cfg.Server.MetricsPort,
		TraceExport:  cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	deps, err := NewDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	deps.Pool.Start()
	if deps.Scheduler != nil {
		deps.Scheduler.Start()
	} else {
		log.Info("scheduler is disabled")
	}

	handler := SetupRoutes(deps, cfg, log)
	srv := StartServer(NewServerConfigFromConfig(handler, cfg), log)

	<-ctx.Done()
	GracefulShutdown(srv, deps, shutdownTimeout, log)
	return nil
}
