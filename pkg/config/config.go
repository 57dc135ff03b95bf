// Package config loads process configuration from the environment and engine
// tuning from YAML profiles.
package config

import (
	"log/slog"
	"os"
	"strings"
)

// Config holds process configuration.
type Config struct {
	LogLevel      string
	ProfilePath   string
	ArchiveDSN    string
	RedisAddr     string
	RedisPassword string
	RedisChannel  string
	OTLPEndpoint  string
	Telemetry     bool
	TokenSecret   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("QUORUM_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	redisChannel := os.Getenv("QUORUM_REDIS_CHANNEL")
	if redisChannel == "" {
		redisChannel = "quorum.events"
	}

	otlp := os.Getenv("QUORUM_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		LogLevel:      logLevel,
		ProfilePath:   os.Getenv("QUORUM_PROFILE"),
		ArchiveDSN:    os.Getenv("QUORUM_ARCHIVE_DSN"),
		RedisAddr:     os.Getenv("QUORUM_REDIS_ADDR"),
		RedisPassword: os.Getenv("QUORUM_REDIS_PASSWORD"),
		RedisChannel:  redisChannel,
		OTLPEndpoint:  otlp,
		Telemetry:     os.Getenv("QUORUM_TELEMETRY") == "true",
		TokenSecret:   os.Getenv("QUORUM_TOKEN_SECRET"),
	}
}

// Level maps LogLevel to a slog level. Unknown values fall back to Info.
func (c *Config) Level() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
