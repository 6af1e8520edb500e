package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/cairn-dev/cairn/pkg/config"
	"github.com/cairn-dev/cairn/pkg/store"
)

func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "YAML profile overlaying the environment config")
	timeout := fs.Duration("timeout", time.Minute, "abort if migrations take longer than this")
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

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrations applied")
	return 0
}
