package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"modelswarm/internal/app"
	"modelswarm/internal/cli"
	"modelswarm/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := app.LoadConfig()
	// stdout belongs to command output.
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdownTracer, err := telemetry.Init(ctx, "modelswarm-cli", version)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}

	code := cli.Run(ctx, os.Args[1:], cli.Env{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Config: cfg,
		Logger: logger,
	})

	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	stop()
	os.Exit(code)
}
