package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/kalshibook/collector/internal/auth"
	"github.com/kalshibook/collector/internal/collector"
	"github.com/kalshibook/collector/internal/config"
	"github.com/kalshibook/collector/internal/database"
	"github.com/kalshibook/collector/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	// Every log line of one process carries the same run id.
	logger = logger.With("run_id", uuid.NewString())
	slog.SetDefault(logger)

	logger.Info("starting collector",
		"version", version.Version,
		"commit", version.Commit,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	creds, err := auth.Load(cfg.StreamKeyID, cfg.PrivateKeyPath, cfg.PrivateKeyContent)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBPoolMin, cfg.DBPoolMax)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := database.EnsureFuturePartitions(ctx, pool, 7); err != nil {
		logger.Warn("partition pre-creation failed", "error", err)
	}

	svc, err := collector.New(cfg, creds, pool, logger)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("collector exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("collector shut down cleanly")
}
