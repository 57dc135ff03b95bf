package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// EngineMetrics records engine lifecycle events as OpenTelemetry instruments.
// Subscribe it to the engine bus with Bus.Subscribe.
type EngineMetrics struct {
	proposals     metric.Int64Counter
	votes         metric.Int64Counter
	detections    metric.Int64Counter
	quarantines   metric.Int64Counter
	finalized     metric.Int64Counter
	participation metric.Float64Histogram
	duration      metric.Float64Histogram
	cleaned       metric.Int64Counter
}

var _ events.Handler = (*EngineMetrics)(nil)

// NewEngineMetrics creates the instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	if m.proposals, err = meter.Int64Counter("quorum.proposals.created",
		metric.WithDescription("Proposals opened for voting"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return nil, err
	}
	if m.votes, err = meter.Int64Counter("quorum.votes.total",
		metric.WithDescription("Accepted votes"),
		metric.WithUnit("{vote}"),
	); err != nil {
		return nil, err
	}
	if m.detections, err = meter.Int64Counter("quorum.byzantine.detections",
		metric.WithDescription("Byzantine heuristics triggered, by reason"),
		metric.WithUnit("{detection}"),
	); err != nil {
		return nil, err
	}
	if m.quarantines, err = meter.Int64Counter("quorum.agents.quarantined",
		metric.WithDescription("Agents taken offline for repeated Byzantine behaviour"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.finalized, err = meter.Int64Counter("quorum.proposals.finalized",
		metric.WithDescription("Finalized proposals by algorithm and outcome"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return nil, err
	}
	if m.participation, err = meter.Float64Histogram("quorum.proposal.participation",
		metric.WithDescription("Share of eligible agents that voted"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 0.9, 1.0),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("quorum.proposal.duration",
		metric.WithDescription("Time from creation to finalization"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800),
	); err != nil {
		return nil, err
	}
	if m.cleaned, err = meter.Int64Counter("quorum.cleanup.proposals_removed",
		metric.WithDescription("Finalized proposals evicted by cleanup"),
		metric.WithUnit("{proposal}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Handle implements events.Handler.
func (m *EngineMetrics) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ProposalCreated:
		m.proposals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("algorithm", attrString(ev, "algorithm")),
		))
	case events.VoteSubmitted:
		m.votes.Add(ctx, 1)
	case events.ByzantineDetected:
		m.detections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", attrString(ev, "reason")),
		))
	case events.AgentQuarantined:
		m.quarantines.Add(ctx, 1)
	case events.ProposalFinalized:
		consensus, _ := ev.Attributes["consensus"].(bool)
		attrs := metric.WithAttributes(
			attribute.String("algorithm", attrString(ev, "algorithm")),
			attribute.String("trigger", attrString(ev, "trigger")),
			attribute.Bool("consensus", consensus),
		)
		m.finalized.Add(ctx, 1, attrs)
		if rate, ok := ev.Attributes["participation_rate"].(float64); ok {
			m.participation.Record(ctx, rate, attrs)
		}
		if ms, ok := ev.Attributes["duration_ms"].(int64); ok {
			m.duration.Record(ctx, float64(ms)/1000, attrs)
		}
	case events.CleanupCompleted:
		if n, ok := ev.Attributes["proposals_removed"].(int); ok && n > 0 {
			m.cleaned.Add(ctx, int64(n))
		}
	}
	return nil
}

func attrString(ev events.Event, key string) string {
	v, ok := ev.Attributes[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
