package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// Recorder archives every proposal-finalized event it receives.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:  store,
		logger: slog.Default().With("component", "archive"),
	}
}

// Handle implements events.Handler.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) error {
	if ev.Type != events.ProposalFinalized {
		return nil
	}
	p, ok := ev.Payload.(*consensus.Proposal)
	if !ok || p == nil {
		return fmt.Errorf("archive: event %s carries %T, want *consensus.Proposal", ev.ID, ev.Payload)
	}
	rec, err := NewRecord(*p)
	if err != nil {
		return err
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "decision archived",
		"proposal_id", rec.ProposalID,
		"content_hash", rec.ContentHash,
	)
	return nil
}
