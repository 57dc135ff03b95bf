package consensus

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// SubmitVote records agentID's vote on a proposal. A later vote from the same
// agent replaces the earlier one. When the vote decides the proposal early,
// the receipt carries the final result.
//
// Errors leave engine state untouched: ErrNotFound, ErrInvalidState,
// ErrUnauthorized, ErrDeadlineExceeded and ErrUnknownAgent, checked in that
// order.
func (e *Engine) SubmitVote(ctx context.Context, proposalID, agentID string, vote bool, reasoning string) (receipt *VoteReceipt, err error) {
	ctx, span := e.startSpan(ctx, "consensus.SubmitVote")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(
		attribute.String("proposal.id", proposalID),
		attribute.String("agent.id", agentID),
		attribute.Bool("vote", vote),
	)

	e.mu.Lock()
	receipt, evs, err := e.submitVoteLocked(ctx, proposalID, agentID, vote, reasoning)
	e.mu.Unlock()

	e.emit(ctx, evs)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("vote.confidence", receipt.Confidence),
		attribute.Bool("proposal.finalized", receipt.Finalized),
	)
	return receipt, nil
}

func (e *Engine) submitVoteLocked(ctx context.Context, proposalID, agentID string, vote bool, reasoning string) (*VoteReceipt, []events.Event, error) {
	if e.closed {
		return nil, nil, ErrEngineClosed
	}
	p, ok := e.proposals[proposalID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, proposalID)
	}
	if p.status != StatusActive {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, proposalID, p.status)
	}
	if !p.eligible[agentID] {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnauthorized, agentID, proposalID)
	}
	now := e.clock()
	if now.After(p.deadline) {
		return nil, nil, fmt.Errorf("%w: %s closed at %s", ErrDeadlineExceeded, proposalID, p.deadline)
	}
	a, ok := e.agents[agentID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	confidence := Confidence(*a, now, e.cfg)
	rec := VoteRecord{
		AgentID:    agentID,
		Vote:       vote,
		Weight:     a.Weight,
		Confidence: confidence,
		Reasoning:  reasoning,
		Timestamp:  now,
	}
	p.votes[agentID] = rec
	a.VotesCast++
	a.LastActivity = now
	e.stats.totalVotes++

	e.logger.DebugContext(ctx, "vote recorded",
		"proposal_id", proposalID,
		"agent_id", agentID,
		"vote", vote,
		"weight", rec.Weight,
		"confidence", confidence,
		"votes", len(p.votes),
		"eligible", len(p.eligible),
		"remaining", p.remaining(now),
	)

	submitted := events.New(events.VoteSubmitted, now)
	submitted.ProposalID = proposalID
	submitted.AgentID = agentID
	submitted = submitted.With("vote", vote).
		With("weight", rec.Weight).
		With("confidence", confidence)
	evs := []events.Event{submitted}

	receipt := &VoteReceipt{
		ProposalID: proposalID,
		AgentID:    agentID,
		Confidence: confidence,
	}

	e.history.record(HistoryEntry{
		ProposalID: proposalID,
		AgentID:    agentID,
		Vote:       vote,
		Confidence: confidence,
		Timestamp:  now,
	})
	reasons := e.detector.Evaluate(rec, e.history.recent(agentID), now, e.outcomeLocked)
	for _, reason := range reasons {
		det, detEvs := e.penalizeLocked(ctx, a, proposalID, reason)
		receipt.Detections = append(receipt.Detections, det)
		evs = append(evs, detEvs...)
	}

	if e.earlyDecisionLocked(p) {
		res, finEvs := e.finalizeLocked(ctx, p, TriggerEarly)
		receipt.Finalized = true
		receipt.Result = res
		evs = append(evs, finEvs...)
	}
	return receipt, evs, nil
}

// penalizeLocked applies one Byzantine penalty and quarantines the agent when
// it crosses the flag limit.
func (e *Engine) penalizeLocked(ctx context.Context, a *Agent, proposalID string, reason Reason) (Detection, []events.Event) {
	now := e.clock()
	a.ByzantineFlags++
	a.Weight *= e.cfg.WeightDecay
	e.stats.byzantineDetections++

	det := Detection{Reason: reason, Flags: a.ByzantineFlags, NewWeight: a.Weight}
	e.logger.WarnContext(ctx, "byzantine behaviour detected",
		"agent_id", a.ID,
		"proposal_id", proposalID,
		"reason", reason,
		"flags", a.ByzantineFlags,
		"new_weight", a.Weight,
	)

	detected := events.New(events.ByzantineDetected, now)
	detected.ProposalID = proposalID
	detected.AgentID = a.ID
	detected = detected.With("reason", string(reason)).
		With("new_weight", a.Weight).
		With("flags", a.ByzantineFlags)
	evs := []events.Event{detected}

	if a.Online && a.ByzantineFlags >= e.cfg.QuarantineFlags {
		a.Online = false
		det.Quarantined = true
		e.logger.WarnContext(ctx, "agent quarantined",
			"agent_id", a.ID,
			"flags", a.ByzantineFlags,
		)
		quarantined := events.New(events.AgentQuarantined, now)
		quarantined.AgentID = a.ID
		quarantined.ProposalID = proposalID
		quarantined = quarantined.With("flags", a.ByzantineFlags)
		evs = append(evs, quarantined)
	}
	return det, evs
}

// earlyDecisionLocked reports whether the outstanding votes can no longer
// change the outcome. It requires quorum, then either a near-unanimous
// weighted ratio or a lead larger than the remaining voters could erase that
// also keeps the worst-case ratio on the current side of the threshold.
func (e *Engine) earlyDecisionLocked(p *proposal) bool {
	eligible := len(p.eligible)
	cast := len(p.votes)
	if cast == 0 || cast < quorumCount(eligible, e.cfg.QuorumSize) {
		return false
	}

	positive, negative := p.weights()
	total := positive + negative
	if total <= 0 {
		return false
	}
	ratio := positive / total
	if ratio >= e.cfg.NearUnanimous || ratio <= 1-e.cfg.NearUnanimous {
		return true
	}

	remaining := eligible - cast
	maxShift := float64(remaining) * e.maxWeightLocked()
	lead := math.Abs(positive - negative)
	passing := ratio >= p.threshold
	if lead <= maxShift || (positive > negative) != passing {
		return false
	}
	// The outstanding weight, cast entirely against the current side, must
	// leave the ratio on the same side of the threshold.
	if passing {
		return positive/(total+maxShift) >= p.threshold
	}
	return (positive+maxShift)/(total+maxShift) < p.threshold
}

// quorumCount is the number of votes needed for quorum. The epsilon keeps
// products such as 4*0.75 from rounding up past an exact integer.
func quorumCount(eligible int, quorum float64) int {
	return int(math.Ceil(float64(eligible)*quorum - 1e-9))
}
