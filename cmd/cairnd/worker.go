package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/cairn-dev/cairn/pkg/chain"
	"github.com/cairn-dev/cairn/pkg/config"
	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/store"
)

func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "YAML profile overlaying the environment config")
	workerID := fs.String("worker-id", "", "stable worker identity (defaults to hostname-suffixed)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *profile != "" {
		if err := config.LoadProfile(*profile, cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "load profile: %v\n", err)
			return 1
		}
	}
	logger := newLogger(cfg.LogLevel)

	id := *workerID
	if id == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		id = host + "-" + uuid.New().String()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer db.Close()

	queue := outbox.NewQueue(db)
	worker := outbox.NewWorker(queue, id, cfg.WorkerLockTTL, cfg.WorkerPollInterval, logger)
	worker.Register(outbox.TypeChainTransfer, chain.NewTransferExecutor(chain.NewClient(cfg.ChainRPCURL, logger)))
	worker.Register(outbox.TypeGitOperation, chain.NewGitExecutor(logger))

	logger.Info("worker starting", "worker_id", id, "poll_interval", cfg.WorkerPollInterval)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}
