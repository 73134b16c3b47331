// Command rivercast runs the live streaming session service: session
// lifecycle, the quality ladder transcoder, viewer admission and chat.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rivercast/internal/config"
	"rivercast/internal/observability/logging"
	"rivercast/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, metrics.Default())
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	logger.Info("rivercast starting", newStartupSummary(cfg).LogArgs()...)

	if err := a.Run(ctx, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
