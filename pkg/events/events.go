// Package events provides the in-process publish/subscribe bus the consensus
// engine uses to announce lifecycle changes to loosely coupled consumers
// (audit archive, telemetry, external brokers).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies an engine event.
type Type string

const (
	AgentRegistered   Type = "agent-registered"
	ProposalCreated   Type = "proposal-created"
	VoteSubmitted     Type = "vote-submitted"
	ByzantineDetected Type = "byzantine-detected"
	AgentQuarantined  Type = "agent-quarantined"
	ProposalFinalized Type = "proposal-finalized"
	CleanupCompleted  Type = "cleanup-completed"
)

// AllTypes lists every event type in publication-lifecycle order.
var AllTypes = []Type{
	AgentRegistered,
	ProposalCreated,
	VoteSubmitted,
	ByzantineDetected,
	AgentQuarantined,
	ProposalFinalized,
	CleanupCompleted,
}

// Event is a one-directional notification. Payload carries a typed snapshot
// owned by the publisher (e.g. a finalized proposal); subscribers must treat
// it as read-only.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ProposalID string         `json:"proposal_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Payload    any            `json:"payload,omitempty"`
}

// New creates an event with a fresh ID.
func New(t Type, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: at,
	}
}

// With returns a copy of e with the attribute set.
func (e Event) With(key string, value any) Event {
	attrs := make(map[string]any, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Handler consumes events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
