package consensus

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	ProposalsRemoved int `json:"proposals_removed"`
	HistoryRemoved   int `json:"history_removed"`
}

// Cleanup drops proposals finalized more than the retention period ago along
// with their voting history. Active proposals are never removed.
func (e *Engine) Cleanup(ctx context.Context) CleanupReport {
	e.mu.Lock()
	now := e.clock()
	cutoff := now.Add(-e.cfg.Retention)
	expired := make(map[string]bool)
	for id, p := range e.proposals {
		if p.status == StatusFinalized && p.finalizedAt.Before(cutoff) {
			expired[id] = true
			delete(e.proposals, id)
		}
	}
	report := CleanupReport{ProposalsRemoved: len(expired)}
	if len(expired) > 0 {
		report.HistoryRemoved = e.history.prune(expired)
	}
	remaining := e.history.len()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "cleanup completed",
		"proposals_removed", report.ProposalsRemoved,
		"history_removed", report.HistoryRemoved,
		"history_remaining", remaining,
	)

	ev := events.New(events.CleanupCompleted, now)
	ev = ev.With("proposals_removed", report.ProposalsRemoved).
		With("history_removed", report.HistoryRemoved)
	ev.Payload = report
	e.emit(ctx, []events.Event{ev})
	return report
}

// StartCleanupLoop runs Cleanup every CleanupInterval until ctx is done or
// the engine is closed. Calling it while a loop is running is a no-op.
func (e *Engine) StartCleanupLoop(ctx context.Context) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.stopLoop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.stopLoop = cancel
	e.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Cleanup(ctx)
			}
		}
	}()
}

func (e *Engine) stopCleanupLoop() {
	e.loopMu.Lock()
	cancel, done := e.stopLoop, e.loopDone
	e.stopLoop, e.loopDone = nil, nil
	e.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
