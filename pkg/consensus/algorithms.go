package consensus

import (
	"fmt"
	"math"
)

// Algorithm names a decision function over a proposal's vote set.
type Algorithm string

const (
	SimpleMajority    Algorithm = "simple_majority"
	WeightedMajority  Algorithm = "weighted_majority"
	ByzantineTolerant Algorithm = "byzantine_tolerant"
	Unanimous         Algorithm = "unanimous"

	// QuorumFailed marks results forced by insufficient participation. It is
	// not selectable on a proposal.
	QuorumFailed Algorithm = "quorum_failed"
)

// Algorithms lists the selectable algorithms.
var Algorithms = []Algorithm{SimpleMajority, WeightedMajority, ByzantineTolerant, Unanimous}

// Valid reports whether a can be selected on a proposal.
func (a Algorithm) Valid() bool {
	_, ok := deciders[a]
	return ok
}

// AgentLookup resolves the current state of a voting agent.
type AgentLookup func(agentID string) (Agent, bool)

// DecisionParams carries the inputs an algorithm may need beyond the votes.
type DecisionParams struct {
	Threshold float64
	// Lookup is required by byzantine_tolerant; votes whose agent cannot be
	// resolved are treated as untrusted.
	Lookup             AgentLookup
	TrustedReputation  float64
	ByzantineThreshold float64
}

type decider func(votes []VoteRecord, params DecisionParams) Result

var deciders = map[Algorithm]decider{
	SimpleMajority:    decideSimpleMajority,
	WeightedMajority:  decideWeightedMajority,
	ByzantineTolerant: decideByzantineTolerant,
	Unanimous:         decideUnanimous,
}

// Decide runs algorithm alg over votes.
func Decide(alg Algorithm, votes []VoteRecord, params DecisionParams) (Result, error) {
	d, ok := deciders[alg]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	res := d(votes, params)
	res.Outcome = res.Consensus && res.Ratio >= 0.5
	return res, nil
}

func tally(votes []VoteRecord) Result {
	var r Result
	for _, v := range votes {
		if v.Vote {
			r.PositiveVotes++
			r.PositiveWeight += v.Weight
		} else {
			r.NegativeVotes++
			r.NegativeWeight += v.Weight
		}
	}
	r.TotalVotes = r.PositiveVotes + r.NegativeVotes
	r.TotalWeight = r.PositiveWeight + r.NegativeWeight
	return r
}

func decideSimpleMajority(votes []VoteRecord, params DecisionParams) Result {
	r := tally(votes)
	r.Algorithm = SimpleMajority
	r.EffectiveThreshold = params.Threshold
	if r.TotalVotes > 0 {
		r.Ratio = float64(r.PositiveVotes) / float64(r.TotalVotes)
		r.Consensus = r.Ratio >= params.Threshold
	}
	return r
}

func decideWeightedMajority(votes []VoteRecord, params DecisionParams) Result {
	r := tally(votes)
	r.Algorithm = WeightedMajority
	r.EffectiveThreshold = params.Threshold
	if r.TotalWeight > 0 {
		r.Ratio = r.PositiveWeight / r.TotalWeight
		r.Consensus = r.Ratio >= params.Threshold
	}
	return r
}

// decideByzantineTolerant only counts votes from agents with a clean record
// and reputation above the trust bar, at an elevated threshold. With no
// trusted votes it degrades to weighted majority over everything.
func decideByzantineTolerant(votes []VoteRecord, params DecisionParams) Result {
	trusted := make([]VoteRecord, 0, len(votes))
	for _, v := range votes {
		if params.Lookup == nil {
			break
		}
		a, ok := params.Lookup(v.AgentID)
		if ok && a.ByzantineFlags == 0 && a.Reputation > params.TrustedReputation {
			trusted = append(trusted, v)
		}
	}

	if len(trusted) == 0 {
		r := decideWeightedMajority(votes, params)
		r.Algorithm = ByzantineTolerant
		r.FellBack = true
		return r
	}

	elevated := params
	elevated.Threshold = math.Max(params.Threshold, params.ByzantineThreshold)
	r := decideWeightedMajority(trusted, elevated)
	r.Algorithm = ByzantineTolerant
	r.TrustedVotes = len(trusted)
	return r
}

func decideUnanimous(votes []VoteRecord, params DecisionParams) Result {
	r := tally(votes)
	r.Algorithm = Unanimous
	r.EffectiveThreshold = 1
	switch {
	case r.TotalVotes == 0:
		// no votes, no consensus
	case r.PositiveVotes == r.TotalVotes:
		r.Consensus = true
		r.Ratio = 1.0
	case r.NegativeVotes == r.TotalVotes:
		r.Consensus = true
		r.Ratio = 0.0
	default:
		r.Ratio = float64(r.PositiveVotes) / float64(r.TotalVotes)
	}
	return r
}

// quorumFailedResult bypasses the configured algorithm.
func quorumFailedResult(votes []VoteRecord) Result {
	r := tally(votes)
	r.Algorithm = QuorumFailed
	return r
}
