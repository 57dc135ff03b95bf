package consensus

import "errors"

var (
	// ErrNotFound is returned for an unknown proposal id.
	ErrNotFound = errors.New("consensus: proposal not found")
	// ErrInvalidState is returned when voting on a proposal that is no longer active.
	ErrInvalidState = errors.New("consensus: proposal is not active")
	// ErrUnauthorized is returned when the agent is not in the proposal's eligible set.
	ErrUnauthorized = errors.New("consensus: agent not eligible for proposal")
	// ErrDeadlineExceeded is returned when a vote arrives after the proposal deadline.
	ErrDeadlineExceeded = errors.New("consensus: proposal deadline exceeded")
	// ErrUnknownAgent is returned when the agent was never registered.
	ErrUnknownAgent = errors.New("consensus: unknown agent")

	ErrInvalidSpec       = errors.New("consensus: invalid proposal spec")
	ErrPolicyUnavailable = errors.New("consensus: eligibility rule given but no policy configured")
	ErrUnknownAlgorithm  = errors.New("consensus: unknown algorithm")
	ErrEngineClosed      = errors.New("consensus: engine closed")
)
