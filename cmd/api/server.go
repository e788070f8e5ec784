package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ledgersync/internal/shared/config"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Handler    http.Handler
	Addr       string
	TLSEnabled bool
	CertPath   string
	KeyPath    string
}

// StartServer starts the API server in the background. A listen failure
// exits the process.
func StartServer(scfg ServerConfig, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:    scfg.Addr,
		Handler: scfg.Handler,
		// manual sync runs inline and may page through a large feed
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		var err error
		if scfg.TLSEnabled {
			logger.Info("HTTPS server starting", "addr", scfg.Addr)
			err = srv.ListenAndServeTLS(scfg.CertPath, scfg.KeyPath)
		} else {
			logger.Info("HTTP server starting", "addr", scfg.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	return srv
}

// GracefulShutdown stops accepting requests, then stops the scheduler and
// drains the worker pool so in-flight syncs release their leases.
func GracefulShutdown(srv *http.Server, deps *Dependencies, timeout time.Duration, logger *slog.Logger) {
	logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("error shutting down server", "error", err)
	}

	if deps.Scheduler != nil {
		deps.Scheduler.Shutdown(timeout)
	}
	deps.Pool.ShutdownWithTimeout(timeout)

	logger.Info("server stopped")
}

// NewServerConfigFromConfig creates ServerConfig from application config.
func NewServerConfigFromConfig(handler http.Handler, cfg *config.Config) ServerConfig {
	return ServerConfig{
		Handler:    handler,
		Addr:       cfg.Server.Host + ":" + cfg.Server.Port,
		TLSEnabled: cfg.TLS.Enabled,
		CertPath:   cfg.TLS.CertPath,
		KeyPath:    cfg.TLS.KeyPath,
	}
}
