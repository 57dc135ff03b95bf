// Package consensus implements the swarm decision engine: a registry of
// weighted, reputation-scored agents, proposals with frozen eligibility and
// deadlines, vote collection with per-vote confidence, Byzantine-behaviour
// heuristics, four interchangeable decision algorithms, and a finalizer that
// applies the quorum rule and feeds outcomes back into agent reputation.
//
// # Control flow
//
//  1. RegisterAgent adds voting participants.
//  2. CreateProposal snapshots the eligible agents and schedules a deadline.
//  3. SubmitVote validates, records, runs the Byzantine detector and checks
//     whether the outcome is already decided (early finalization).
//  4. The finalizer runs once per proposal, triggered by the deadline, an
//     early decision, or an explicit Finalize call.
//  5. Cleanup prunes finalized proposals and their voting history after the
//     retention period.
//
// # Concurrency
//
// All engine state sits behind a single mutex. Every read-modify-write
// sequence (vote insertion, flag increments, finalization) runs as one
// critical section, and finalization re-checks the proposal status under
// that lock so exactly one trigger produces the terminal result. Events are
// collected inside the critical section and published after it is released,
// so subscribers may call back into the engine.
//
// The engine holds everything in memory and performs no I/O. Callers are
// expected to authenticate (proposalID, agentID, vote) triples before calling
// SubmitVote; see package admission.
package consensus
