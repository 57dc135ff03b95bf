package consensus

import (
	"sort"
	"time"
)

// Status is the proposal lifecycle state. The only transition is
// StatusActive -> StatusFinalized.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

// Trigger records what caused a proposal to finalize.
type Trigger string

const (
	TriggerDeadline Trigger = "deadline"
	TriggerEarly    Trigger = "early"
	TriggerManual   Trigger = "manual"
)

// Agent is one voting participant.
type Agent struct {
	ID             string    `json:"id"`
	Weight         float64   `json:"weight"`
	Reputation     float64   `json:"reputation"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	VotesCast      int       `json:"votes_cast"`
	CorrectVotes   int       `json:"correct_votes"`
	ByzantineFlags int       `json:"byzantine_flags"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastActivity   time.Time `json:"last_activity"`
	Online         bool      `json:"online"`
}

// HasCapability reports whether the agent advertises c.
func (a Agent) HasCapability(c string) bool {
	i := sort.SearchStrings(a.Capabilities, c)
	return i < len(a.Capabilities) && a.Capabilities[i] == c
}

func (a *Agent) clone() Agent {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	return out
}

// VoteRecord is one agent's latest vote on one proposal. Weight is the
// agent's weight when the vote was cast.
type VoteRecord struct {
	AgentID    string    `json:"agent_id"`
	Vote       bool      `json:"vote"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Result is the outcome of a decision algorithm, completed by the finalizer.
type Result struct {
	Consensus bool `json:"consensus"`
	// Outcome is the side consensus settled on; false when no consensus.
	Outcome   bool      `json:"outcome"`
	Ratio     float64   `json:"ratio"`
	Algorithm Algorithm `json:"algorithm"`

	PositiveVotes  int     `json:"positive_votes"`
	NegativeVotes  int     `json:"negative_votes"`
	TotalVotes     int     `json:"total_votes"`
	PositiveWeight float64 `json:"positive_weight"`
	NegativeWeight float64 `json:"negative_weight"`
	TotalWeight    float64 `json:"total_weight"`

	// Set by byzantine_tolerant.
	TrustedVotes       int     `json:"trusted_votes,omitempty"`
	FellBack           bool    `json:"fell_back,omitempty"`
	EffectiveThreshold float64 `json:"effective_threshold"`

	// Set by the finalizer.
	ParticipationRate float64   `json:"participation_rate"`
	EligibleCount     int       `json:"eligible_count"`
	Trigger           Trigger   `json:"trigger,omitempty"`
	FinalizedAt       time.Time `json:"finalized_at"`
}

// ProposalSpec describes a proposal to create. Zero values take the engine
// defaults.
type ProposalSpec struct {
	Type                 string        `json:"type" yaml:"type"`
	Content              any           `json:"content,omitempty" yaml:"content"`
	Creator              string        `json:"creator,omitempty" yaml:"creator"`
	Threshold            *float64      `json:"threshold,omitempty" yaml:"threshold"`
	Algorithm            Algorithm     `json:"algorithm,omitempty" yaml:"algorithm"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty" yaml:"required_capabilities"`
	Deadline             time.Duration `json:"deadline,omitempty" yaml:"deadline"`
	// EligibilityRule is a policy expression evaluated per agent; see
	// EligibilityPolicy.
	EligibilityRule string `json:"eligibility_rule,omitempty" yaml:"eligibility_rule"`
}

// Proposal is a read-only snapshot of a decision request.
type Proposal struct {
	ID                   string                `json:"id"`
	Type                 string                `json:"type"`
	Content              any                   `json:"content,omitempty"`
	Creator              string                `json:"creator,omitempty"`
	Threshold            float64               `json:"threshold"`
	Algorithm            Algorithm             `json:"algorithm"`
	RequiredCapabilities []string              `json:"required_capabilities,omitempty"`
	EligibilityRule      string                `json:"eligibility_rule,omitempty"`
	EligibleAgents       []string              `json:"eligible_agents"`
	Votes                map[string]VoteRecord `json:"votes"`
	Status               Status                `json:"status"`
	CreatedAt            time.Time             `json:"created_at"`
	Deadline             time.Time             `json:"deadline"`
	FinalizedAt          time.Time             `json:"finalized_at,omitempty"`
	Result               *Result               `json:"result,omitempty"`
}

// IsEligible reports whether agentID may vote on the proposal.
func (p Proposal) IsEligible(agentID string) bool {
	i := sort.SearchStrings(p.EligibleAgents, agentID)
	return i < len(p.EligibleAgents) && p.EligibleAgents[i] == agentID
}

// SortedVotes returns the votes ordered by timestamp, then agent id.
func (p Proposal) SortedVotes() []VoteRecord {
	return sortVotes(p.Votes)
}

// ListFilter selects proposals; zero fields match everything.
type ListFilter struct {
	Status  Status
	Type    string
	Creator string
}

func (f ListFilter) matches(p *proposal) bool {
	if f.Status != "" && p.status != f.Status {
		return false
	}
	if f.Type != "" && p.typ != f.Type {
		return false
	}
	if f.Creator != "" && p.creator != f.Creator {
		return false
	}
	return true
}

// Detection is one triggered Byzantine heuristic.
type Detection struct {
	Reason      Reason  `json:"reason"`
	Flags       int     `json:"flags"`
	NewWeight   float64 `json:"new_weight"`
	Quarantined bool    `json:"quarantined"`
}

// VoteReceipt acknowledges a recorded vote. Result is set when the vote
// caused the proposal to finalize.
type VoteReceipt struct {
	ProposalID string      `json:"proposal_id"`
	AgentID    string      `json:"agent_id"`
	Confidence float64     `json:"confidence"`
	Detections []Detection `json:"detections,omitempty"`
	Finalized  bool        `json:"finalized"`
	Result     *Result     `json:"result,omitempty"`
}

// proposal is the engine-owned mutable state behind a Proposal snapshot.
type proposal struct {
	id              string
	typ             string
	content         any
	creator         string
	threshold       float64
	algorithm       Algorithm
	requiredCaps    []string
	eligibilityRule string
	eligible        map[string]bool
	votes           map[string]VoteRecord
	status          Status
	createdAt       time.Time
	deadline        time.Time
	finalizedAt     time.Time
	result          *Result
}

func (p *proposal) snapshot() Proposal {
	eligible := make([]string, 0, len(p.eligible))
	for id := range p.eligible {
		eligible = append(eligible, id)
	}
	sort.Strings(eligible)

	votes := make(map[string]VoteRecord, len(p.votes))
	for id, v := range p.votes {
		votes[id] = v
	}

	var result *Result
	if p.result != nil {
		r := *p.result
		result = &r
	}

	return Proposal{
		ID:                   p.id,
		Type:                 p.typ,
		Content:              p.content,
		Creator:              p.creator,
		Threshold:            p.threshold,
		Algorithm:            p.algorithm,
		RequiredCapabilities: append([]string(nil), p.requiredCaps...),
		EligibilityRule:      p.eligibilityRule,
		EligibleAgents:       eligible,
		Votes:                votes,
		Status:               p.status,
		CreatedAt:            p.createdAt,
		Deadline:             p.deadline,
		FinalizedAt:          p.finalizedAt,
		Result:               result,
	}
}

// weights sums the snapshot weights per side.
func (p *proposal) weights() (positive, negative float64) {
	for _, v := range sortVotes(p.votes) {
		if v.Vote {
			positive += v.Weight
		} else {
			negative += v.Weight
		}
	}
	return positive, negative
}

func sortVotes(m map[string]VoteRecord) []VoteRecord {
	out := make([]VoteRecord, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
