package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/helm-quorum/pkg/archive"
	"github.com/Mindburn-Labs/helm-quorum/pkg/config"
	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
	"github.com/Mindburn-Labs/helm-quorum/pkg/observability"
)

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.Level()}))
}

// engineConfig resolves the engine tuning from an explicit profile path, then
// QUORUM_PROFILE, then the built-in defaults.
func engineConfig(cfg *config.Config, profilePath string) (consensus.Config, error) {
	if profilePath == "" {
		profilePath = cfg.ProfilePath
	}
	if profilePath == "" {
		return consensus.DefaultConfig(), nil
	}
	p, err := config.LoadProfile(profilePath)
	if err != nil {
		return consensus.Config{}, err
	}
	return p.EngineConfig()
}

// services holds the optional collaborators enabled by the environment.
type services struct {
	archive   archive.Store
	bridge    *events.RedisBridge
	telemetry *observability.Provider
	metrics   *observability.EngineMetrics
	logger    *slog.Logger
}

func startServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{logger: logger}

	if cfg.Telemetry {
		oc := observability.DefaultConfig()
		oc.ServiceVersion = version
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		p, err := observability.New(ctx, oc)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		m, err := observability.NewEngineMetrics(p.Meter())
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		s.telemetry, s.metrics = p, m
	}

	if cfg.ArchiveDSN != "" {
		store, err := archive.Open(ctx, cfg.ArchiveDSN)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
		s.archive = store
	}

	if cfg.RedisAddr != "" {
		bridge := events.DialRedisBridge(cfg.RedisAddr, cfg.RedisPassword, 0, cfg.RedisChannel)
		if err := bridge.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "redis bridge disabled", "addr", cfg.RedisAddr, "error", err)
			_ = bridge.Close()
		} else {
			s.bridge = bridge
		}
	}
	return s, nil
}

// engineOptions returns the options the services contribute to the engine.
func (s *services) engineOptions() []consensus.Option {
	var opts []consensus.Option
	if s.telemetry != nil {
		opts = append(opts, consensus.WithTracer(s.telemetry.Tracer()))
	}
	return opts
}

// attach subscribes the services to the engine bus.
func (s *services) attach(bus *events.Bus) {
	if s.metrics != nil {
		bus.Subscribe(s.metrics)
	}
	if s.archive != nil {
		rec := archive.NewRecorder(s.archive)
		bus.Subscribe(rec, events.ProposalFinalized)
	}
	if s.bridge != nil {
		bus.Subscribe(s.bridge)
	}
}

func (s *services) close(ctx context.Context) {
	if s.bridge != nil {
		_ = s.bridge.Close()
	}
	if s.archive != nil {
		_ = s.archive.Close()
	}
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(ctx)
	}
}
