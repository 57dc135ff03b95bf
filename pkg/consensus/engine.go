package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// EligibilityPolicy evaluates a proposal's eligibility rule against one
// agent. It is consulted while the eligible set is computed, so it must not
// call back into the engine.
type EligibilityPolicy interface {
	Eligible(ctx context.Context, rule string, agent Agent) (bool, error)
}

// Engine is the consensus engine. All methods are safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	agents    map[string]*Agent
	proposals map[string]*proposal
	history   *voteHistory
	detector  *Detector
	stats     stats
	closed    bool

	clock     func() time.Time
	scheduler Scheduler
	bus       *events.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	policy    EligibilityPolicy

	loopMu     sync.Mutex
	stopLoop   context.CancelFunc
	loopDone   chan struct{}
	ownedSched bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithScheduler sets the deadline scheduler. The default runs tasks on
// wall-clock timers.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithBus publishes engine events on b instead of a private bus.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer used for engine spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithEligibilityPolicy enables ProposalSpec.EligibilityRule.
func WithEligibilityPolicy(p EligibilityPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// New creates an engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       DefaultConfig(),
		agents:    make(map[string]*Agent),
		proposals: make(map[string]*proposal),
		history:   newVoteHistory(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consensus: invalid config: %w", err)
	}

	e.detector = NewDetector(e.cfg)
	if e.scheduler == nil {
		e.scheduler = NewTimerScheduler()
		e.ownedSched = true
	}
	if e.bus == nil {
		e.bus = events.NewBus()
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "consensus")
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("helm.quorum.consensus")
	}
	return e, nil
}

// Bus returns the bus engine events are published on.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Close stops the cleanup loop and cancels pending deadlines. Active
// proposals stay readable but no longer accept votes.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.proposals))
	for id, p := range e.proposals {
		if p.status == StatusActive {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	if e.ownedSched {
		e.scheduler.Stop()
	} else {
		for _, id := range ids {
			e.scheduler.Cancel(id)
		}
	}
	e.stopCleanupLoop()
	return nil
}

func (e *Engine) emit(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		e.bus.Publish(ctx, ev)
	}
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// lookupLocked must be called with e.mu held.
func (e *Engine) lookupLocked(agentID string) (Agent, bool) {
	a, ok := e.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// outcomeLocked resolves the settled side of a finalized proposal. Proposals
// that finalized without consensus have no side and are skipped. Must be
// called with e.mu held.
func (e *Engine) outcomeLocked(proposalID string) (bool, bool) {
	p, ok := e.proposals[proposalID]
	if !ok || p.status != StatusFinalized || p.result == nil || !p.result.Consensus {
		return false, false
	}
	return p.result.Outcome, true
}
