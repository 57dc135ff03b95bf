package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *ManualScheduler) {
	t.Helper()
	sched := NewManualScheduler(epoch)
	base := []Option{
		WithClock(sched.Now),
		WithScheduler(sched),
		WithLogger(quietLogger()),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, sched
}

func registerN(t *testing.T, e *Engine, n int, opts ...AgentOption) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i+1)
		e.RegisterAgent(context.Background(), ids[i], opts...)
	}
	return ids
}

func threshold(v float64) *float64 { return &v }

func TestRegisterAgent_Defaults(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := e.RegisterAgent(ctx, "alpha", WithInitialWeight(-3), WithCapabilities(" review ", "deploy", "review", ""))
	assert.Equal(t, 1.0, a.Weight)
	assert.Equal(t, 1.0, a.Reputation)
	assert.True(t, a.Online)
	assert.Equal(t, []string{"deploy", "review"}, a.Capabilities)
	assert.Equal(t, epoch, a.RegisteredAt)

	got, err := e.GetAgent("alpha")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = e.GetAgent("missing")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegisterAgent_NormalizesCapabilities(t *testing.T) {
	e, _ := newTestEngine(t)

	composed := "r\u00e9sum\u00e9"
	decomposed := "re\u0301sume\u0301"
	require.NotEqual(t, composed, decomposed)

	a := e.RegisterAgent(context.Background(), "alpha", WithCapabilities(decomposed, composed))
	assert.Equal(t, []string{composed}, a.Capabilities)
	assert.True(t, a.HasCapability(composed))
}

func TestRegisterAgent_OverwritesRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.RegisterAgent(ctx, "alpha", WithInitialWeight(1.7))
	e.RegisterAgent(ctx, "alpha")

	a, err := e.GetAgent("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Weight)
	assert.Len(t, e.ListAgents(), 1)
}

func TestCreateProposal_Defaults(t *testing.T) {
	e, _ := newTestEngine(t)
	registerN(t, e, 3)

	id, err := e.CreateProposal(context.Background(), ProposalSpec{Type: "deploy", Creator: "ops"})
	require.NoError(t, err)

	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, 0.6, p.Threshold)
	assert.Equal(t, WeightedMajority, p.Algorithm)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, epoch.Add(5*time.Minute), p.Deadline)
	assert.Equal(t, []string{"agent-1", "agent-2", "agent-3"}, p.EligibleAgents)
	assert.Nil(t, p.Result)
}

func TestCreateProposal_InvalidSpec(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateProposal(ctx, ProposalSpec{Threshold: threshold(1.5)})
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = e.CreateProposal(ctx, ProposalSpec{Algorithm: "coin_flip"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = e.CreateProposal(ctx, ProposalSpec{Algorithm: QuorumFailed})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = e.CreateProposal(ctx, ProposalSpec{EligibilityRule: "agent.weight > 1.0"})
	assert.ErrorIs(t, err, ErrPolicyUnavailable)

	assert.Empty(t, e.ListProposals(ListFilter{}))
}

func TestCreateProposal_Eligibility(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.RegisterAgent(ctx, "coder", WithCapabilities("go", "review"))
	e.RegisterAgent(ctx, "writer", WithCapabilities("docs"))
	e.RegisterAgent(ctx, "generalist")
	e.RegisterAgent(ctx, "suspect", WithCapabilities("go"))
	e.RegisterAgent(ctx, "offline", WithCapabilities("go"))

	e.mu.Lock()
	e.agents["suspect"].ByzantineFlags = 4
	e.agents["offline"].Online = false
	e.mu.Unlock()

	id, err := e.CreateProposal(ctx, ProposalSpec{RequiredCapabilities: []string{"go", "security"}})
	require.NoError(t, err)
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"coder"}, p.EligibleAgents)

	id, err = e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	p, err = e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "generalist", "writer"}, p.EligibleAgents)
}

func TestCreateProposal_EligibilityFrozen(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	registerN(t, e, 2)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	e.RegisterAgent(ctx, "latecomer")
	_, err = e.SubmitVote(ctx, id, "latecomer", true, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.IsEligible("latecomer"))
	assert.True(t, p.IsEligible("agent-1"))
}

type weightPolicy struct {
	calls int
	err   error
}

func (w *weightPolicy) Eligible(_ context.Context, rule string, a Agent) (bool, error) {
	w.calls++
	if w.err != nil {
		return false, w.err
	}
	return rule == "heavy" && a.Weight > 1, nil
}

func TestCreateProposal_EligibilityRule(t *testing.T) {
	policy := &weightPolicy{}
	e, _ := newTestEngine(t, WithEligibilityPolicy(policy))
	ctx := context.Background()

	e.RegisterAgent(ctx, "light")
	e.RegisterAgent(ctx, "heavy", WithInitialWeight(1.5))

	id, err := e.CreateProposal(ctx, ProposalSpec{EligibilityRule: "heavy"})
	require.NoError(t, err)
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy"}, p.EligibleAgents)
	assert.Equal(t, "heavy", p.EligibilityRule)
	assert.Equal(t, 2, policy.calls)

	policy.err = errors.New("boom")
	_, err = e.CreateProposal(ctx, ProposalSpec{EligibilityRule: "heavy"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

// Five equal agents, threshold 0.6: three yes and one no already decide the
// proposal because the last voter cannot overturn a lead of two.
func TestSubmitVote_EarlyFinalizationByLead(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{Threshold: threshold(0.6), Algorithm: WeightedMajority})
	require.NoError(t, err)

	for _, agent := range ids[:3] {
		r, err := e.SubmitVote(ctx, id, agent, true, "looks good")
		require.NoError(t, err)
		assert.False(t, r.Finalized)
		assert.InDelta(t, 0.625, r.Confidence, 1e-9)
	}

	r, err := e.SubmitVote(ctx, id, ids[3], false, "risky")
	require.NoError(t, err)
	require.True(t, r.Finalized)
	require.NotNil(t, r.Result)
	assert.True(t, r.Result.Consensus)
	assert.True(t, r.Result.Outcome)
	assert.InDelta(t, 0.75, r.Result.Ratio, 1e-9)
	assert.InDelta(t, 0.8, r.Result.ParticipationRate, 1e-9)
	assert.Equal(t, TriggerEarly, r.Result.Trigger)
	assert.Equal(t, 5, r.Result.EligibleCount)

	_, err = e.SubmitVote(ctx, id, ids[4], true, "")
	assert.ErrorIs(t, err, ErrInvalidState)

	winner, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.InDelta(t, 1.05, winner.Reputation, 1e-9)
	assert.InDelta(t, 1.02, winner.Weight, 1e-9)
	assert.Equal(t, 1, winner.CorrectVotes)

	loser, err := e.GetAgent(ids[3])
	require.NoError(t, err)
	assert.InDelta(t, 0.98, loser.Reputation, 1e-9)
	assert.InDelta(t, 0.99, loser.Weight, 1e-9)
	assert.Equal(t, 0, loser.CorrectVotes)

	abstainer, err := e.GetAgent(ids[4])
	require.NoError(t, err)
	assert.Equal(t, 1.0, abstainer.Reputation)
}

func TestSubmitVote_EarlyFinalizationNearUnanimous(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	var last *VoteReceipt
	for _, agent := range ids[:4] {
		last, err = e.SubmitVote(ctx, id, agent, true, "")
		require.NoError(t, err)
	}
	require.True(t, last.Finalized)
	assert.Equal(t, 1.0, last.Result.Ratio)
	assert.True(t, last.Result.Consensus)
}

func TestSubmitVote_UnanimousRejection(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{Algorithm: Unanimous})
	require.NoError(t, err)

	var last *VoteReceipt
	for _, agent := range ids[:4] {
		last, err = e.SubmitVote(ctx, id, agent, false, "")
		require.NoError(t, err)
	}
	require.True(t, last.Finalized)
	assert.True(t, last.Result.Consensus)
	assert.False(t, last.Result.Outcome)
	assert.Equal(t, 0.0, last.Result.Ratio)
	assert.Equal(t, Unanimous, last.Result.Algorithm)

	// Everyone voted with the settled side.
	a, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.InDelta(t, 1.05, a.Reputation, 1e-9)
}

func TestSubmitVote_NoEarlyFinalizationAgainstThreshold(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{Threshold: threshold(0.9)})
	require.NoError(t, err)

	for i, agent := range ids[:4] {
		r, err := e.SubmitVote(ctx, id, agent, i < 3, "")
		require.NoError(t, err)
		assert.False(t, r.Finalized)
	}

	assert.Equal(t, 1, sched.Advance(5*time.Minute))
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	require.NotNil(t, p.Result)
	assert.False(t, p.Result.Consensus)
	assert.Equal(t, TriggerDeadline, p.Result.Trigger)
	assert.Equal(t, WeightedMajority, p.Result.Algorithm)

	// No consensus, no reputation change.
	a, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Reputation)
}

func TestSubmitVote_EarlyFinalizationWorstCase(t *testing.T) {
	cases := []struct {
		name      string
		threshold float64
		// votes are cast in order by agent-1, agent-2, ...
		votes     []bool
		waitAfter int // no finalization up to and including this many votes
		consensus bool
	}{
		{
			// 7 for, 1 against: two outstanding against votes would leave 0.70.
			name:      "passing side not yet safe",
			threshold: 0.75,
			votes:     []bool{true, true, true, true, true, true, true, false, true},
			waitAfter: 8,
			consensus: true,
		},
		{
			// 1 for, 7 against: two outstanding for votes would reach 0.30.
			name:      "failing side not yet safe",
			threshold: 0.3,
			votes:     []bool{true, false, false, false, false, false, false, false, false},
			waitAfter: 8,
			consensus: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			ctx := context.Background()
			ids := registerN(t, e, 10)

			id, err := e.CreateProposal(ctx, ProposalSpec{Threshold: threshold(tc.threshold), Algorithm: WeightedMajority})
			require.NoError(t, err)

			var last *VoteReceipt
			for i, v := range tc.votes {
				last, err = e.SubmitVote(ctx, id, ids[i], v, "")
				require.NoError(t, err)
				if i < tc.waitAfter {
					require.False(t, last.Finalized, "finalized after %d votes", i+1)
				}
			}
			require.True(t, last.Finalized)
			require.NotNil(t, last.Result)
			assert.Equal(t, TriggerEarly, last.Result.Trigger)
			assert.Equal(t, tc.consensus, last.Result.Consensus)
		})
	}
}

func TestDeadline_QuorumFailure(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	for _, agent := range ids[:2] {
		_, err := e.SubmitVote(ctx, id, agent, true, "")
		require.NoError(t, err)
	}

	sched.Advance(4 * time.Minute)
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, p.Status)

	sched.Advance(time.Minute)
	p, err = e.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, p.Status)
	require.NotNil(t, p.Result)
	assert.False(t, p.Result.Consensus)
	assert.Equal(t, QuorumFailed, p.Result.Algorithm)
	assert.InDelta(t, 0.4, p.Result.ParticipationRate, 1e-9)
	assert.Equal(t, 2, p.Result.PositiveVotes)
	assert.Equal(t, epoch.Add(5*time.Minute), p.FinalizedAt)

	a, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Reputation)

	m := e.GetMetrics()
	assert.Equal(t, 1, m.QuorumFailures)
	assert.Equal(t, 1, m.FailedConsensus)
	assert.Equal(t, 5*time.Minute, m.AverageVotingDuration)
}

func TestDeadline_NoEligibleAgents(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateProposal(ctx, ProposalSpec{RequiredCapabilities: []string{"nobody"}})
	require.NoError(t, err)

	sched.Advance(5 * time.Minute)
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	require.NotNil(t, p.Result)
	assert.Equal(t, QuorumFailed, p.Result.Algorithm)
	assert.Equal(t, 0.0, p.Result.ParticipationRate)
}

func TestSubmitVote_Errors(t *testing.T) {
	now := epoch
	sched := NewManualScheduler(epoch)
	e, err := New(WithClock(func() time.Time { return now }), WithScheduler(sched), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	_, err = e.SubmitVote(ctx, "nope", ids[0], true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	e.RegisterAgent(ctx, "outsider")
	_, err = e.SubmitVote(ctx, id, "outsider", true, "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	now = epoch.Add(6 * time.Minute)
	_, err = e.SubmitVote(ctx, id, ids[0], true, "")
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	now = epoch

	e.mu.Lock()
	ghost := e.agents[ids[1]]
	delete(e.agents, ids[1])
	e.mu.Unlock()
	_, err = e.SubmitVote(ctx, id, ids[1], true, "")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	e.mu.Lock()
	e.agents[ids[1]] = ghost
	e.mu.Unlock()

	// Failed attempts leave no trace.
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Empty(t, p.Votes)
	a, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.Zero(t, a.VotesCast)
	assert.True(t, a.LastActivity.IsZero())
	assert.Zero(t, e.GetMetrics().TotalVotes)
	assert.Empty(t, e.History(ids[0]))

	_, err = e.Finalize(ctx, id)
	require.NoError(t, err)
	// Status is checked before eligibility.
	_, err = e.SubmitVote(ctx, id, "outsider", true, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSubmitVote_ClosedEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 2)
	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	_, err = e.SubmitVote(ctx, id, ids[0], true, "")
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.CreateProposal(ctx, ProposalSpec{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestSubmitVote_RevoteOverwrites(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 5)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	for i, v := range []bool{true, false, true} {
		sched.Advance(time.Duration(i+1) * time.Second)
		r, err := e.SubmitVote(ctx, id, ids[0], v, "")
		require.NoError(t, err)
		// One history entry per proposal, so re-votes never look like flips.
		assert.Empty(t, r.Detections)
	}

	p, err := e.GetProposal(id)
	require.NoError(t, err)
	require.Len(t, p.Votes, 1)
	assert.True(t, p.Votes[ids[0]].Vote)
	assert.Len(t, e.History(ids[0]), 1)

	a, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, a.VotesCast)
}

func TestSubmitVote_FlippingLeadsToQuarantine(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	registerN(t, e, 4)
	e.RegisterAgent(ctx, "flipper")

	quarantines, cancel := e.Bus().SubscribeChan(8, events.AgentQuarantined)
	defer cancel()

	var proposals []string
	for i := 0; i < 7; i++ {
		id, err := e.CreateProposal(ctx, ProposalSpec{Type: "flip"})
		require.NoError(t, err)
		proposals = append(proposals, id)
	}

	for i, id := range proposals {
		sched.Advance(time.Second)
		r, err := e.SubmitVote(ctx, id, "flipper", i%2 == 0, "")
		require.NoError(t, err)

		if i < 2 {
			assert.Empty(t, r.Detections, "vote %d", i)
			continue
		}
		require.Len(t, r.Detections, 1, "vote %d", i)
		assert.Equal(t, ReasonVoteFlipping, r.Detections[0].Reason)
		assert.Equal(t, i-1, r.Detections[0].Flags)
		assert.Equal(t, i == 6, r.Detections[0].Quarantined)
	}

	a, err := e.GetAgent("flipper")
	require.NoError(t, err)
	assert.Equal(t, 5, a.ByzantineFlags)
	assert.False(t, a.Online)
	assert.InDelta(t, 0.7737809375, a.Weight, 1e-9) // 0.95^5

	require.Len(t, quarantines, 1)
	ev := <-quarantines
	assert.Equal(t, "flipper", ev.AgentID)
	assert.Equal(t, 5, ev.Attributes["flags"])

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.IsEligible("flipper"))

	m := e.GetMetrics()
	assert.Equal(t, 1, m.QuarantinedAgents)
	assert.Equal(t, 4, m.OnlineAgents)
	assert.Equal(t, 5, m.ByzantineDetections)

	// Re-registration is the only way back.
	e.RegisterAgent(ctx, "flipper")
	a, err = e.GetAgent("flipper")
	require.NoError(t, err)
	assert.True(t, a.Online)
	assert.Zero(t, a.ByzantineFlags)
}

func TestSubmitVote_FlipsOutsideWindowIgnored(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	registerN(t, e, 4)
	e.RegisterAgent(ctx, "slow")

	var proposals []string
	for i := 0; i < 3; i++ {
		id, err := e.CreateProposal(ctx, ProposalSpec{Deadline: 24 * time.Hour})
		require.NoError(t, err)
		proposals = append(proposals, id)
	}

	for i, id := range proposals {
		r, err := e.SubmitVote(ctx, id, "slow", i%2 == 0, "")
		require.NoError(t, err)
		assert.Empty(t, r.Detections)
		sched.Advance(61 * time.Minute)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 4)

	finalized, cancel := e.Bus().SubscribeChan(8, events.ProposalFinalized)
	defer cancel()

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	for i, agent := range ids[:3] {
		r, err := e.SubmitVote(ctx, id, agent, i < 2, "")
		require.NoError(t, err)
		require.False(t, r.Finalized)
	}

	sched.Advance(time.Minute)
	first, err := e.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, first.Trigger)
	assert.True(t, first.Consensus)
	assert.Equal(t, 0, sched.Pending())

	before, err := e.GetAgent(ids[0])
	require.NoError(t, err)

	second, err := e.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A deadline arriving after finalization changes nothing.
	e.onDeadline(id)
	sched.Advance(10 * time.Minute)

	after, err := e.GetAgent(ids[0])
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, e.GetMetrics().FinalizedProposals)
	assert.Len(t, finalized, 1)

	ev := <-finalized
	snap, ok := ev.Payload.(*Proposal)
	require.True(t, ok)
	assert.Equal(t, StatusFinalized, snap.Status)
	assert.Equal(t, id, snap.ID)

	_, err = e.Finalize(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvents_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	ch, cancel := e.Bus().SubscribeChan(32)
	defer cancel()

	ids := registerN(t, e, 4)
	id, err := e.CreateProposal(ctx, ProposalSpec{Creator: "ops"})
	require.NoError(t, err)
	for _, agent := range ids[:3] {
		_, err := e.SubmitVote(ctx, id, agent, true, "")
		require.NoError(t, err)
	}

	var got []events.Type
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	assert.Equal(t, []events.Type{
		events.AgentRegistered, events.AgentRegistered, events.AgentRegistered, events.AgentRegistered,
		events.ProposalCreated,
		events.VoteSubmitted, events.VoteSubmitted, events.VoteSubmitted,
		events.ProposalFinalized,
	}, got)
}

func TestEvents_HandlerMayCallEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 1)

	var seen Proposal
	e.Bus().Subscribe(events.HandlerFunc(func(ctx context.Context, ev events.Event) error {
		p, err := e.GetProposal(ev.ProposalID)
		seen = p
		return err
	}), events.ProposalFinalized)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	r, err := e.SubmitVote(ctx, id, ids[0], true, "")
	require.NoError(t, err)
	require.True(t, r.Finalized)
	assert.Equal(t, StatusFinalized, seen.Status)
}

func TestListProposals_Filter(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 1)

	a, err := e.CreateProposal(ctx, ProposalSpec{Type: "deploy", Creator: "ops"})
	require.NoError(t, err)
	sched.Advance(time.Second)
	b, err := e.CreateProposal(ctx, ProposalSpec{Type: "rollback", Creator: "ops"})
	require.NoError(t, err)
	sched.Advance(time.Second)
	c, err := e.CreateProposal(ctx, ProposalSpec{Type: "deploy", Creator: "sre"})
	require.NoError(t, err)

	_, err = e.SubmitVote(ctx, b, ids[0], true, "")
	require.NoError(t, err)

	idsOf := func(ps []Proposal) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.ID
		}
		return out
	}
	assert.Equal(t, []string{a, b, c}, idsOf(e.ListProposals(ListFilter{})))
	assert.Equal(t, []string{a, c}, idsOf(e.ListProposals(ListFilter{Type: "deploy"})))
	assert.Equal(t, []string{a, b}, idsOf(e.ListProposals(ListFilter{Creator: "ops"})))
	assert.Equal(t, []string{b}, idsOf(e.ListProposals(ListFilter{Status: StatusFinalized})))
	assert.Equal(t, []string{c}, idsOf(e.ListProposals(ListFilter{Status: StatusActive, Creator: "sre"})))
}

func TestGetProposal_ReturnsCopy(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 2)

	id, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, id, ids[0], true, "")
	require.NoError(t, err)

	p, err := e.GetProposal(id)
	require.NoError(t, err)
	delete(p.Votes, ids[0])
	p.EligibleAgents[0] = "intruder"

	again, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.Len(t, again.Votes, 1)
	assert.Equal(t, ids, again.EligibleAgents)
}

func TestCleanup(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 1)

	reports, cancel := e.Bus().SubscribeChan(4, events.CleanupCompleted)
	defer cancel()

	done, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	_, err = e.SubmitVote(ctx, done, ids[0], true, "")
	require.NoError(t, err)

	open, err := e.CreateProposal(ctx, ProposalSpec{Deadline: 48 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, CleanupReport{}, e.Cleanup(ctx))

	sched.Advance(25 * time.Hour)
	report := e.Cleanup(ctx)
	assert.Equal(t, CleanupReport{ProposalsRemoved: 1, HistoryRemoved: 1}, report)

	_, err = e.GetProposal(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetProposal(open)
	assert.NoError(t, err)
	assert.Empty(t, e.History(ids[0]))

	m := e.GetMetrics()
	assert.Equal(t, 2, m.TotalProposals)
	assert.Equal(t, 1, m.ActiveProposals)
	assert.Equal(t, 1, m.FinalizedProposals)

	assert.Len(t, reports, 2)
}

func TestStartCleanupLoop_StopsOnClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupInterval = 5 * time.Millisecond
	e, err := New(WithConfig(cfg), WithLogger(quietLogger()))
	require.NoError(t, err)

	reports, cancel := e.Bus().SubscribeChan(64, events.CleanupCompleted)
	defer cancel()

	e.StartCleanupLoop(context.Background())
	e.StartCleanupLoop(context.Background())

	require.Eventually(t, func() bool { return len(reports) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestMetrics_AverageDuration(t *testing.T) {
	e, sched := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 1)

	first, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)
	second, err := e.CreateProposal(ctx, ProposalSpec{})
	require.NoError(t, err)

	sched.Advance(time.Minute)
	_, err = e.SubmitVote(ctx, first, ids[0], true, "")
	require.NoError(t, err)
	sched.Advance(2 * time.Minute)
	_, err = e.SubmitVote(ctx, second, ids[0], true, "")
	require.NoError(t, err)

	m := e.GetMetrics()
	assert.Equal(t, 2*time.Minute, m.AverageVotingDuration)
	assert.Equal(t, 2, m.SuccessfulConsensus)
	assert.Equal(t, 2, m.TotalVotes)
	assert.Equal(t, 0, m.ActiveProposals)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QuorumSize = 1.2
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)
}

func TestSubmitVote_ConcurrentSingleFinalization(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	ids := registerN(t, e, 40)

	var finalizations atomic.Int32
	e.Bus().Subscribe(events.HandlerFunc(func(context.Context, events.Event) error {
		finalizations.Add(1)
		return nil
	}), events.ProposalFinalized)

	id, err := e.CreateProposal(ctx, ProposalSpec{Algorithm: SimpleMajority})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		finals   atomic.Int32
	)
	for i, agent := range ids {
		wg.Add(1)
		go func(agent string, vote bool) {
			defer wg.Done()
			r, err := e.SubmitVote(ctx, id, agent, vote, "")
			if err != nil {
				assert.ErrorIs(t, err, ErrInvalidState)
				return
			}
			accepted.Add(1)
			if r.Finalized {
				finals.Add(1)
			}
		}(agent, i%4 != 0)
	}
	wg.Wait()

	_, err = e.Finalize(ctx, id)
	require.NoError(t, err)

	p, err := e.GetProposal(id)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p.Votes), len(p.EligibleAgents))
	assert.Equal(t, int(accepted.Load()), len(p.Votes))
	assert.Equal(t, int32(1), finalizations.Load())
	assert.LessOrEqual(t, finals.Load(), int32(1))
	assert.Equal(t, 1, e.GetMetrics().FinalizedProposals)
}
