package consensus

import (
	"sort"
	"time"
)

// HistoryEntry is one evaluated vote, keyed by (proposal, agent). A re-vote
// on the same proposal replaces the entry.
type HistoryEntry struct {
	ProposalID string
	AgentID    string
	Vote       bool
	Confidence float64
	Timestamp  time.Time
}

// voteHistory is the append-only (per key) log the detector reads across
// proposals.
type voteHistory struct {
	byAgent map[string]map[string]HistoryEntry // agent -> proposal -> entry
}

func newVoteHistory() *voteHistory {
	return &voteHistory{byAgent: make(map[string]map[string]HistoryEntry)}
}

func (h *voteHistory) record(e HistoryEntry) {
	entries, ok := h.byAgent[e.AgentID]
	if !ok {
		entries = make(map[string]HistoryEntry)
		h.byAgent[e.AgentID] = entries
	}
	entries[e.ProposalID] = e
}

// recent returns the agent's entries, newest first.
func (h *voteHistory) recent(agentID string) []HistoryEntry {
	entries := h.byAgent[agentID]
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ProposalID > out[j].ProposalID
	})
	return out
}

// prune drops every entry belonging to one of the given proposals.
func (h *voteHistory) prune(proposalIDs map[string]bool) int {
	removed := 0
	for agentID, entries := range h.byAgent {
		for pid := range entries {
			if proposalIDs[pid] {
				delete(entries, pid)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(h.byAgent, agentID)
		}
	}
	return removed
}

func (h *voteHistory) len() int {
	n := 0
	for _, entries := range h.byAgent {
		n += len(entries)
	}
	return n
}
