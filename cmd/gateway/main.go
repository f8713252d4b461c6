// Package main is the entry point for the gateway, a reverse proxy that
// fronts third-party HTTP APIs with credential injection, multi-scope rate
// limiting, per-provider circuit breakers, bounded retry, and a response
// cache with stale fallback. Coordination state lives in Redis when enabled,
// with transparent per-call degradation to process-local state.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/limboys/gateway/internal/config"
	"github.com/limboys/gateway/internal/observability"
	"github.com/limboys/gateway/internal/redis"
	"github.com/limboys/gateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gateway %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger)
	logger.Info("starting gateway", "version", version, "providers", len(cfg.Providers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway shut down gracefully")
}
