package config_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-quorum/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns defaults when no
// environment variables are set.
// Invariant: the engine boots in memory with no external services.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"QUORUM_LOG_LEVEL", "QUORUM_PROFILE", "QUORUM_ARCHIVE_DSN",
		"QUORUM_REDIS_ADDR", "QUORUM_REDIS_PASSWORD", "QUORUM_REDIS_CHANNEL",
		"QUORUM_OTLP_ENDPOINT", "QUORUM_TELEMETRY", "QUORUM_TOKEN_SECRET",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.ProfilePath)
	assert.Empty(t, cfg.ArchiveDSN)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "quorum.events", cfg.RedisChannel)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.Telemetry)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUORUM_LOG_LEVEL", "debug")
	t.Setenv("QUORUM_PROFILE", "/etc/quorum/profile.yaml")
	t.Setenv("QUORUM_ARCHIVE_DSN", "postgres://quorum@db:5432/quorum")
	t.Setenv("QUORUM_REDIS_ADDR", "redis:6379")
	t.Setenv("QUORUM_REDIS_PASSWORD", "hunter2")
	t.Setenv("QUORUM_REDIS_CHANNEL", "swarm.events")
	t.Setenv("QUORUM_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("QUORUM_TELEMETRY", "true")
	t.Setenv("QUORUM_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")

	cfg := config.Load()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
	assert.Equal(t, "/etc/quorum/profile.yaml", cfg.ProfilePath)
	assert.Equal(t, "postgres://quorum@db:5432/quorum", cfg.ArchiveDSN)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "hunter2", cfg.RedisPassword)
	assert.Equal(t, "swarm.events", cfg.RedisChannel)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.True(t, cfg.Telemetry)
	assert.Len(t, cfg.TokenSecret, 32)
}

func TestConfig_Level(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"INFO":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &config.Config{LogLevel: in}
		assert.Equal(t, want, cfg.Level(), in)
	}
}
