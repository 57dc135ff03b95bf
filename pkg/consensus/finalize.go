package consensus

import (
	"context"
	"math"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// finalizeLocked runs the finalizer once per proposal. Later calls return the
// stored result and emit nothing.
func (e *Engine) finalizeLocked(ctx context.Context, p *proposal, trigger Trigger) (*Result, []events.Event) {
	if p.status == StatusFinalized {
		return copyResult(p.result), nil
	}

	now := e.clock()
	votes := sortVotes(p.votes)
	eligible := len(p.eligible)
	participation := 0.0
	if eligible > 0 {
		participation = float64(len(votes)) / float64(eligible)
	}

	var res Result
	if eligible == 0 || participation < e.cfg.QuorumSize {
		res = quorumFailedResult(votes)
	} else {
		decided, err := Decide(p.algorithm, votes, DecisionParams{
			Threshold:          p.threshold,
			Lookup:             e.lookupLocked,
			TrustedReputation:  e.cfg.TrustedReputation,
			ByzantineThreshold: e.cfg.ByzantineThreshold,
		})
		if err != nil {
			// Algorithms are validated at creation.
			e.logger.ErrorContext(ctx, "decision failed", "proposal_id", p.id, "error", err)
			decided = tally(votes)
			decided.Algorithm = p.algorithm
		}
		res = decided
	}
	res.ParticipationRate = participation
	res.EligibleCount = eligible
	res.Trigger = trigger
	res.FinalizedAt = now

	p.status = StatusFinalized
	p.result = &res
	p.finalizedAt = now
	if trigger != TriggerDeadline {
		e.scheduler.Cancel(p.id)
	}

	e.stats.recordFinalization(res, now.Sub(p.createdAt))
	if res.Consensus {
		e.applyReputationLocked(votes, res.Outcome)
	}

	e.logger.InfoContext(ctx, "proposal finalized",
		"proposal_id", p.id,
		"trigger", trigger,
		"algorithm", res.Algorithm,
		"consensus", res.Consensus,
		"ratio", res.Ratio,
		"participation", participation,
	)

	snap := p.snapshot()
	ev := events.New(events.ProposalFinalized, now)
	ev.ProposalID = p.id
	ev = ev.With("consensus", res.Consensus).
		With("outcome", res.Outcome).
		With("algorithm", string(res.Algorithm)).
		With("ratio", res.Ratio).
		With("participation_rate", participation).
		With("trigger", string(trigger)).
		With("duration_ms", now.Sub(p.createdAt).Milliseconds())
	ev.Payload = &snap
	return copyResult(&res), []events.Event{ev}
}

// applyReputationLocked rewards voters on the settled side and penalizes the
// rest.
func (e *Engine) applyReputationLocked(votes []VoteRecord, outcome bool) {
	for _, v := range votes {
		a, ok := e.agents[v.AgentID]
		if !ok {
			continue
		}
		if v.Vote == outcome {
			a.Reputation = math.Min(e.cfg.MaxReputation, a.Reputation*e.cfg.ReputationReward)
			a.Weight = math.Min(e.cfg.MaxWeight, a.Weight*e.cfg.WeightReward)
			a.CorrectVotes++
		} else {
			a.Reputation *= e.cfg.ReputationPenalty
			a.Weight *= e.cfg.WeightPenalty
		}
	}
}

func copyResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}
