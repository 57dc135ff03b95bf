package consensus

import "time"

// Reason names a Byzantine heuristic.
type Reason string

const (
	ReasonVoteFlipping       Reason = "vote_flipping"
	ReasonConfidenceMismatch Reason = "confidence_mismatch"
	ReasonContrarianPattern  Reason = "contrarian_pattern"
)

// OutcomeLookup reports a proposal's final outcome, or ok=false while the
// proposal is still active or unknown.
type OutcomeLookup func(proposalID string) (outcome bool, ok bool)

// Detector evaluates the Byzantine heuristics for a single vote. It is pure:
// penalties are applied by the engine.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Evaluate returns the heuristics triggered by vote. history is the agent's
// voting history, newest first, already including vote.
func (d *Detector) Evaluate(vote VoteRecord, history []HistoryEntry, now time.Time, outcomes OutcomeLookup) []Reason {
	var reasons []Reason
	if d.flipping(history, now) {
		reasons = append(reasons, ReasonVoteFlipping)
	}
	if d.confidenceMismatch(vote) {
		reasons = append(reasons, ReasonConfidenceMismatch)
	}
	if d.contrarian(history, outcomes) {
		reasons = append(reasons, ReasonContrarianPattern)
	}
	return reasons
}

// flipping counts value changes between consecutive votes among the most
// recent ones inside the window.
func (d *Detector) flipping(history []HistoryEntry, now time.Time) bool {
	cutoff := recencyCutoff(now, d.cfg.FlipWindow)
	window := make([]HistoryEntry, 0, d.cfg.FlipLookback)
	for _, e := range history {
		if e.Timestamp.Before(cutoff) {
			break
		}
		window = append(window, e)
		if len(window) == d.cfg.FlipLookback {
			break
		}
	}

	changes := 0
	for i := 1; i < len(window); i++ {
		if window[i].Vote != window[i-1].Vote {
			changes++
		}
	}
	return changes >= d.cfg.FlipChanges
}

// confidenceMismatch flags assertive votes from low-confidence agents. Only
// true votes are checked by default, matching the established behaviour of
// the heuristic.
func (d *Detector) confidenceMismatch(vote VoteRecord) bool {
	if vote.Confidence >= d.cfg.ConfidenceFloor {
		return false
	}
	return vote.Vote || d.cfg.SymmetricConfidenceCheck
}

// contrarian flags agents that chronically land on the losing side of
// finalized proposals. A full window is required.
func (d *Detector) contrarian(history []HistoryEntry, outcomes OutcomeLookup) bool {
	if outcomes == nil {
		return false
	}
	considered, against := 0, 0
	for _, e := range history {
		outcome, ok := outcomes(e.ProposalID)
		if !ok {
			continue
		}
		considered++
		if e.Vote != outcome {
			against++
		}
		if considered == d.cfg.ContrarianWindow {
			break
		}
	}
	if considered < d.cfg.ContrarianWindow {
		return false
	}
	return float64(against)/float64(considered) > d.cfg.ContrarianRatio
}
