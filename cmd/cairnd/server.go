package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/audit"
	"github.com/cairn-dev/cairn/pkg/auth"
	"github.com/cairn-dev/cairn/pkg/chain"
	"github.com/cairn-dev/cairn/pkg/config"
	"github.com/cairn-dev/cairn/pkg/dao"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/limiter"
	"github.com/cairn-dev/cairn/pkg/observability"
	"github.com/cairn-dev/cairn/pkg/oracleauth"
	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/reconcile"
	"github.com/cairn-dev/cairn/pkg/server"
	"github.com/cairn-dev/cairn/pkg/spend"
	"github.com/cairn-dev/cairn/pkg/store"
)

func runServerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profile := fs.String("profile", "", "YAML profile overlaying the environment config")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		logger.Error("migrate", "error", err)
		return 1
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "cairn",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	var rateStore limiter.Store
	if cfg.RedisAddr != "" {
		redisStore := limiter.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisStore.Close()
		rateStore = redisStore
	} else {
		rateStore = limiter.NewMemoryStore()
	}

	entities := dao.NewSQLStore(db)
	ledgerStore := ledger.NewStore(db)
	queue := outbox.NewQueue(db)
	reports := reconcile.NewReportStore(db)
	chainClient := chain.NewClient(cfg.ChainRPCURL, logger)
	engine := reconcile.NewEngine(ledgerStore, chainClient, reports, 0, logger)
	policies := spend.NewSQLPolicyStore(db)
	enforcer := spend.NewEnforcer(policies, ledgerStore, logger)
	auditor := audit.NewStoreLogger(db)
	payouts := dao.NewPayoutService(db, entities, ledgerStore, enforcer, reports, queue,
		auditor, cfg.ReconMaxAge, logger)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET unset, operator endpoints will reject all requests")
	}
	if cfg.OracleMasterKey == "" && !cfg.OracleAuthOptional {
		logger.Warn("ORACLE_MASTER_KEY unset, signed endpoints will reject all requests")
	}

	srv := server.New(server.Options{
		DB:           db,
		Entities:     entities,
		Ledger:       ledgerStore,
		Queue:        queue,
		Engine:       engine,
		Reports:      reports,
		Policies:     policies,
		Payouts:      payouts,
		Verifier:     oracleauth.NewVerifier([]byte(cfg.OracleMasterKey), cfg.OracleAuthTTL, cfg.OracleClockSkew),
		AuthOptional: cfg.OracleAuthOptional,
		JWT:          auth.NewJWTValidator([]byte(cfg.JWTSecret)),
		Auditor:      auditor,
		Limiter:      rateStore,
		RatePerIP:    limiter.Policy{RequestsPerMinute: cfg.RateLimitRPM, Burst: cfg.RateLimitBurst},
		IPLimiter:    api.NewGlobalRateLimiter(max(1, cfg.RateLimitRPM/60), cfg.RateLimitBurst),
		Telemetry:    telemetry,
		Logger:       logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(":" + cfg.Port) }()

	select {
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
		return 1
	case <-ctx.Done():
		logger.Info("shutting down")
		return 0
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
