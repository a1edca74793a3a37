// Command server runs chatdesk.
//
// Configuration comes from the environment and an optional .env file; see
// internal/config for the variables. API_KEY is the only required one.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sakif/chatdesk/internal/config"
	"github.com/sakif/chatdesk/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if cfg.JWTSecretGenerated {
		logger.Warn("JWT_SECRET not set, using a random key; sessions will not survive a restart")
	}

	// bounds migrations and store provisioning
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	srv, err := server.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT or SIGTERM
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
