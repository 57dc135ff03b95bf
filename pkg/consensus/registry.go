package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// AgentOption configures a registration.
type AgentOption func(*Agent)

// WithInitialWeight sets the starting weight. Non-positive values keep the
// default of 1.0.
func WithInitialWeight(w float64) AgentOption {
	return func(a *Agent) {
		if w > 0 {
			a.Weight = w
		}
	}
}

// WithCapabilities sets the advertised capabilities.
func WithCapabilities(caps ...string) AgentOption {
	return func(a *Agent) {
		a.Capabilities = normalizeCapabilities(caps)
	}
}

// RegisterAgent creates or overwrites an agent record. The agent starts online
// with reputation 1.0 and zeroed counters; re-registering a quarantined agent
// is therefore the only way to bring it back.
func (e *Engine) RegisterAgent(ctx context.Context, id string, opts ...AgentOption) Agent {
	e.mu.Lock()
	now := e.clock()
	a := &Agent{
		ID:           id,
		Weight:       1.0,
		Reputation:   1.0,
		RegisteredAt: now,
		Online:       true,
	}
	for _, opt := range opts {
		opt(a)
	}
	_, replaced := e.agents[id]
	e.agents[id] = a
	out := a.clone()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "agent registered",
		"agent_id", id,
		"weight", out.Weight,
		"capabilities", out.Capabilities,
		"replaced", replaced,
	)

	ev := events.New(events.AgentRegistered, now)
	ev.AgentID = id
	ev = ev.With("weight", out.Weight).With("replaced", replaced)
	ev.Payload = out
	e.emit(ctx, []events.Event{ev})
	return out
}

// GetAgent returns a copy of the agent record.
func (e *Engine) GetAgent(id string) (Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.lookupLocked(id)
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// ListAgents returns copies of every agent, sorted by id.
func (e *Engine) ListAgents() []Agent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Agent, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the agent's recorded votes, newest first.
func (e *Engine) History(agentID string) []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.recent(agentID)
}

// sortedAgentsLocked must be called with e.mu held.
func (e *Engine) sortedAgentsLocked() []*Agent {
	out := make([]*Agent, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// maxWeightLocked is the largest weight over all registered agents.
func (e *Engine) maxWeightLocked() float64 {
	maxW := 0.0
	for _, a := range e.agents {
		if a.Weight > maxW {
			maxW = a.Weight
		}
	}
	return maxW
}

// normalizeCapabilities trims, NFC-normalizes, dedupes and sorts.
func normalizeCapabilities(caps []string) []string {
	if len(caps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = norm.NFC.String(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
