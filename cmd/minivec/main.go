// Package main is the entry point for the minivec embedding service.
//
// The same binary runs in three modes: as the supervisor master that forks
// and watches workers, as a forked worker serving requests on the inherited
// listener, and as a plain single process when workers are disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/minivec/minivec/internal/config"
	"github.com/minivec/minivec/internal/supervisor"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("minivec %s\n", version)
		return
	}

	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minivec: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch {
	case supervisor.IsWorker():
		return supervisor.RunWorker(ctx, cfg, logger.With("pid", os.Getpid()))

	case cfg.Workers.Count == 0:
		logger.Info("starting minivec", "version", version, "mode", "single-process")
		return supervisor.RunInProcess(ctx, cfg, logger)

	default:
		logger.Info("starting minivec", "version", version, "mode", "supervised")
		sup, err := supervisor.New(cfg, logger)
		if err != nil {
			return err
		}
		return sup.Run(ctx)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
