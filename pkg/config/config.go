// Package config assembles runtime configuration from environment variables,
// optionally overlaid by a YAML profile file for fleet-managed deployments.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the server and worker processes need at startup.
type Config struct {
	Port     string
	LogLevel string

	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret       string
	OracleMasterKey string
	OracleAuthTTL   time.Duration
	OracleClockSkew time.Duration
	// OracleAuthOptional accepts unsigned oracle requests (legacy migration
	// mode). Signed requests are still fully verified.
	OracleAuthOptional bool

	ChainRPCURL string
	// ReconMaxAge bounds how stale a reconciliation report may be when it
	// gates a payout.
	ReconMaxAge time.Duration

	WorkerPollInterval time.Duration
	WorkerLockTTL      time.Duration

	RateLimitRPM   int
	RateLimitBurst int

	OTLPEndpoint string
}

// Load reads configuration from the environment. Every key has a development
// default except the secrets, which stay empty and fail closed downstream.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		DatabaseDriver: envStr("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    envStr("DATABASE_URL", "postgres://cairn@localhost:5432/cairn?sslmode=disable"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		OracleMasterKey:    os.Getenv("ORACLE_MASTER_KEY"),
		OracleAuthTTL:      envDuration("ORACLE_AUTH_TTL", 5*time.Minute),
		OracleClockSkew:    envDuration("ORACLE_CLOCK_SKEW", 30*time.Second),
		OracleAuthOptional: os.Getenv("ORACLE_AUTH_OPTIONAL") == "true",

		ChainRPCURL: envStr("CHAIN_RPC_URL", "https://api.hive.blog"),
		ReconMaxAge: envDuration("RECON_MAX_AGE", 10*time.Minute),

		WorkerPollInterval: envDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerLockTTL:      envDuration("WORKER_LOCK_TTL", 2*time.Minute),

		RateLimitRPM:   envInt("RATE_LIMIT_RPM", 300),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 50),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
