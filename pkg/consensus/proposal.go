package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// CreateProposal registers a proposal, freezes its eligible agents and
// schedules its deadline. It returns the proposal id.
func (e *Engine) CreateProposal(ctx context.Context, spec ProposalSpec) (id string, err error) {
	ctx, span := e.startSpan(ctx, "consensus.CreateProposal")
	defer func() { endSpan(span, err) }()

	threshold := e.cfg.DefaultThreshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
		if threshold < 0 || threshold > 1 {
			return "", fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidSpec, threshold)
		}
	}
	alg := spec.Algorithm
	if alg == "" {
		alg = e.cfg.DefaultAlgorithm
	}
	if !alg.Valid() {
		return "", fmt.Errorf("%w: %w: %q", ErrInvalidSpec, ErrUnknownAlgorithm, alg)
	}
	window := spec.Deadline
	if window <= 0 {
		window = e.cfg.DefaultDeadline
	}
	if spec.EligibilityRule != "" && e.policy == nil {
		return "", ErrPolicyUnavailable
	}
	required := normalizeCapabilities(spec.RequiredCapabilities)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}

	eligible, err := e.eligibleLocked(ctx, required, spec.EligibilityRule)
	if err != nil {
		e.mu.Unlock()
		return "", err
	}

	now := e.clock()
	p := &proposal{
		id:              uuid.New().String(),
		typ:             spec.Type,
		content:         spec.Content,
		creator:         spec.Creator,
		threshold:       threshold,
		algorithm:       alg,
		requiredCaps:    required,
		eligibilityRule: spec.EligibilityRule,
		eligible:        eligible,
		votes:           make(map[string]VoteRecord),
		status:          StatusActive,
		createdAt:       now,
		deadline:        now.Add(window),
	}
	e.proposals[p.id] = p
	e.stats.totalProposals++

	pid := p.id
	e.scheduler.Schedule(pid, p.deadline, func() { e.onDeadline(pid) })
	e.mu.Unlock()

	span.SetAttributes(
		attribute.String("proposal.id", pid),
		attribute.String("proposal.algorithm", string(alg)),
		attribute.Int("proposal.eligible", len(eligible)),
	)
	e.logger.InfoContext(ctx, "proposal created",
		"proposal_id", pid,
		"type", spec.Type,
		"algorithm", alg,
		"threshold", threshold,
		"eligible", len(eligible),
		"deadline", p.deadline,
	)

	ev := events.New(events.ProposalCreated, now)
	ev.ProposalID = pid
	ev.AgentID = spec.Creator
	ev = ev.With("type", spec.Type).
		With("algorithm", string(alg)).
		With("threshold", threshold).
		With("eligible", len(eligible)).
		With("deadline", p.deadline)
	e.emit(ctx, []events.Event{ev})
	return pid, nil
}

// eligibleLocked snapshots the agents that may vote on a new proposal.
func (e *Engine) eligibleLocked(ctx context.Context, required []string, rule string) (map[string]bool, error) {
	eligible := make(map[string]bool)
	for _, a := range e.sortedAgentsLocked() {
		if !a.Online || a.ByzantineFlags >= e.cfg.EligibilityFlagLimit {
			continue
		}
		if !capabilityOverlap(a, required) {
			continue
		}
		if rule != "" {
			ok, err := e.policy.Eligible(ctx, rule, a.clone())
			if err != nil {
				return nil, fmt.Errorf("%w: eligibility rule: %w", ErrInvalidSpec, err)
			}
			if !ok {
				continue
			}
		}
		eligible[a.ID] = true
	}
	return eligible, nil
}

// capabilityOverlap is true with no requirement or at least one shared tag.
func capabilityOverlap(a *Agent, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, c := range required {
		if a.HasCapability(c) {
			return true
		}
	}
	return false
}

// GetProposal returns a snapshot of the proposal.
func (e *Engine) GetProposal(id string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.snapshot(), nil
}

// ListProposals returns snapshots of the matching proposals in creation order.
func (e *Engine) ListProposals(filter ListFilter) []Proposal {
	e.mu.Lock()
	matched := make([]*proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		if filter.matches(p) {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].createdAt.Equal(matched[j].createdAt) {
			return matched[i].createdAt.Before(matched[j].createdAt)
		}
		return matched[i].id < matched[j].id
	})
	out := make([]Proposal, 0, len(matched))
	for _, p := range matched {
		out = append(out, p.snapshot())
	}
	e.mu.Unlock()
	return out
}

// Finalize finalizes a proposal immediately. Calling it on a finalized
// proposal returns the stored result unchanged.
func (e *Engine) Finalize(ctx context.Context, id string) (res *Result, err error) {
	ctx, span := e.startSpan(ctx, "consensus.Finalize")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("proposal.id", id))

	e.mu.Lock()
	p, ok := e.proposals[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	res, evs := e.finalizeLocked(ctx, p, TriggerManual)
	e.mu.Unlock()

	e.emit(ctx, evs)
	return res, nil
}

// onDeadline is the scheduled deadline task.
func (e *Engine) onDeadline(id string) {
	ctx, span := e.startSpan(context.Background(), "consensus.Deadline")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", id))

	e.mu.Lock()
	p, ok := e.proposals[id]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	_, evs := e.finalizeLocked(ctx, p, TriggerDeadline)
	e.mu.Unlock()

	e.emit(ctx, evs)
}

// remaining reports how long until the proposal's deadline.
func (p *proposal) remaining(now time.Time) time.Duration {
	if now.After(p.deadline) {
		return 0
	}
	return p.deadline.Sub(now)
}
