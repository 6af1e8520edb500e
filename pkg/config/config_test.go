package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Minute, cfg.OracleAuthTTL)
	assert.Equal(t, 30*time.Second, cfg.OracleClockSkew)
	assert.Equal(t, 10*time.Minute, cfg.ReconMaxAge)
	assert.Equal(t, 2*time.Minute, cfg.WorkerLockTTL)
	assert.False(t, cfg.OracleAuthOptional)
	assert.Empty(t, cfg.JWTSecret, "secrets have no defaults")
	assert.Empty(t, cfg.OracleMasterKey)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("ORACLE_AUTH_TTL", "90s")
	t.Setenv("ORACLE_AUTH_OPTIONAL", "true")
	t.Setenv("RATE_LIMIT_RPM", "10")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 90*time.Second, cfg.OracleAuthTTL)
	assert.True(t, cfg.OracleAuthOptional)
	assert.Equal(t, 10, cfg.RateLimitRPM)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("ORACLE_AUTH_TTL", "soon")
	t.Setenv("RATE_LIMIT_RPM", "many")

	cfg := Load()
	assert.Equal(t, 5*time.Minute, cfg.OracleAuthTTL)
	assert.Equal(t, 300, cfg.RateLimitRPM)
}

func TestLoadProfile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
database:
  driver: sqlite
  url: "file:cairn.db"
oracle:
  auth_ttl: 2m
  optional: true
worker:
  lock_ttl: 45s
rate_limit:
  rpm: 120
`), 0o600))

	cfg := Load()
	require.NoError(t, LoadProfile(path, cfg))

	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "file:cairn.db", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Minute, cfg.OracleAuthTTL)
	assert.True(t, cfg.OracleAuthOptional)
	assert.Equal(t, 45*time.Second, cfg.WorkerLockTTL)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	// Fields the profile does not mention keep their environment values.
	assert.Equal(t, 30*time.Second, cfg.OracleClockSkew)
}

func TestLoadProfile_Errors(t *testing.T) {
	cfg := Load()
	assert.Error(t, LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"), cfg))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("oracle:\n  auth_ttl: forever\n"), 0o600))
	assert.Error(t, LoadProfile(bad, cfg))
}
