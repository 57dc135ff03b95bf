// Package admission is the security layer in front of the consensus engine.
// It authenticates the submitting agent with a signed token, rate limits
// each agent, and audit-logs every attempt before forwarding the vote.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
)

var (
	ErrUnauthenticated = errors.New("admission: unauthenticated")
	ErrForbidden       = errors.New("admission: token not valid for proposal")
	ErrRateLimited     = errors.New("admission: rate limit exceeded")
)

// VoteSubmitter is the engine surface the gate protects.
type VoteSubmitter interface {
	SubmitVote(ctx context.Context, proposalID, agentID string, vote bool, reasoning string) (*consensus.VoteReceipt, error)
}

// Gate authenticates and throttles votes before they reach the engine.
type Gate struct {
	next   VoteSubmitter
	tokens *TokenIssuer
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithRateLimit sets the per-agent limit. Defaults to 5 votes per second with
// a burst of 10.
func WithRateLimit(rps float64, burst int) GateOption {
	return func(g *Gate) {
		g.rps = rate.Limit(rps)
		g.burst = burst
	}
}

// WithAuditLogger sets the audit log destination.
func WithAuditLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateClock overrides the clock used for rate limiting.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) { g.clock = clock }
}

// NewGate wraps next.
func NewGate(next VoteSubmitter, tokens *TokenIssuer, opts ...GateOption) *Gate {
	g := &Gate{
		next:     next,
		tokens:   tokens,
		logger:   slog.Default().With("component", "admission"),
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
		rps:      5,
		burst:    10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit authenticates token, applies the agent's rate limit and forwards the
// vote under the token's subject.
func (g *Gate) Submit(ctx context.Context, token, proposalID string, vote bool, reasoning string) (*consensus.VoteReceipt, error) {
	claims, err := g.tokens.Verify(token)
	if err != nil {
		g.audit(ctx, "denied", "", proposalID, err)
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	agentID := claims.Subject

	if !claims.Allows(proposalID) {
		g.audit(ctx, "denied", agentID, proposalID, ErrForbidden)
		return nil, fmt.Errorf("%w: %s", ErrForbidden, proposalID)
	}
	if !g.limiter(agentID).AllowN(g.clock(), 1) {
		g.audit(ctx, "throttled", agentID, proposalID, ErrRateLimited)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, agentID)
	}

	receipt, err := g.next.SubmitVote(ctx, proposalID, agentID, vote, reasoning)
	if err != nil {
		g.audit(ctx, "rejected", agentID, proposalID, err)
		return nil, err
	}
	g.audit(ctx, "accepted", agentID, proposalID, nil)
	return receipt, nil
}

func (g *Gate) limiter(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[agentID] = l
	}
	return l
}

func (g *Gate) audit(ctx context.Context, decision, agentID, proposalID string, err error) {
	attrs := []any{
		"decision", decision,
		"agent_id", agentID,
		"proposal_id", proposalID,
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		g.logger.WarnContext(ctx, "vote admission", attrs...)
		return
	}
	g.logger.InfoContext(ctx, "vote admission", attrs...)
}
