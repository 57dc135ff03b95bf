package consensus

import "time"

// Metrics is a point-in-time view of engine counters.
type Metrics struct {
	TotalAgents       int `json:"total_agents"`
	OnlineAgents      int `json:"online_agents"`
	QuarantinedAgents int `json:"quarantined_agents"`

	TotalProposals      int `json:"total_proposals"`
	ActiveProposals     int `json:"active_proposals"`
	FinalizedProposals  int `json:"finalized_proposals"`
	SuccessfulConsensus int `json:"successful_consensus"`
	FailedConsensus     int `json:"failed_consensus"`
	QuorumFailures      int `json:"quorum_failures"`

	TotalVotes          int `json:"total_votes"`
	ByzantineDetections int `json:"byzantine_detections"`

	// AverageVotingDuration is the running mean of creation-to-finalization
	// time over every finalized proposal.
	AverageVotingDuration time.Duration `json:"average_voting_duration"`
}

// stats are the cumulative counters; they survive Cleanup.
type stats struct {
	totalProposals      int
	finalized           int
	successful          int
	failed              int
	quorumFailures      int
	totalVotes          int
	byzantineDetections int
	avgDuration         float64 // nanoseconds
}

func (s *stats) recordFinalization(res Result, took time.Duration) {
	s.finalized++
	if res.Consensus {
		s.successful++
	} else {
		s.failed++
	}
	if res.Algorithm == QuorumFailed {
		s.quorumFailures++
	}
	n := float64(s.finalized)
	s.avgDuration = (s.avgDuration*(n-1) + float64(took)) / n
}

// GetMetrics returns the current counters.
func (e *Engine) GetMetrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		TotalAgents:           len(e.agents),
		TotalProposals:        e.stats.totalProposals,
		FinalizedProposals:    e.stats.finalized,
		SuccessfulConsensus:   e.stats.successful,
		FailedConsensus:       e.stats.failed,
		QuorumFailures:        e.stats.quorumFailures,
		TotalVotes:            e.stats.totalVotes,
		ByzantineDetections:   e.stats.byzantineDetections,
		AverageVotingDuration: time.Duration(e.stats.avgDuration),
	}
	for _, a := range e.agents {
		if a.Online {
			m.OnlineAgents++
		}
		if a.ByzantineFlags >= e.cfg.QuarantineFlags {
			m.QuarantinedAgents++
		}
	}
	for _, p := range e.proposals {
		if p.status == StatusActive {
			m.ActiveProposals++
		}
	}
	return m
}
