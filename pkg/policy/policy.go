// Package policy evaluates CEL eligibility rules against agents. A rule sees a
// single variable, agent, with the fields id, weight, reputation,
// capabilities, votes_cast, correct_votes, byzantine_flags and online, e.g.
//
//	agent.reputation > 0.9 && "review" in agent.capabilities
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
)

var (
	// ErrCompile is returned for rules that fail to parse or type-check.
	ErrCompile = errors.New("policy: compile error")
	// ErrNotBoolean is returned when a rule evaluates to a non-boolean.
	ErrNotBoolean = errors.New("policy: result not boolean")
)

// Evaluator compiles and caches eligibility rules. It implements
// consensus.EligibilityPolicy.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

var _ consensus.EligibilityPolicy = (*Evaluator)(nil)

// NewEvaluator creates an evaluator.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks a rule and caches its program.
func (ev *Evaluator) Compile(rule string) error {
	_, err := ev.program(rule)
	return err
}

// Eligible evaluates rule for a.
func (ev *Evaluator) Eligible(ctx context.Context, rule string, a consensus.Agent) (bool, error) {
	prg, err := ev.program(rule)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"agent": Activation(a)})
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", rule, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q yields %s", ErrNotBoolean, rule, out.Type().TypeName())
	}
	return allowed, nil
}

// Cached reports how many compiled rules are held.
func (ev *Evaluator) Cached() int {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return len(ev.prgCache)
}

func (ev *Evaluator) program(rule string) (cel.Program, error) {
	ev.mu.RLock()
	prg, hit := ev.prgCache[rule]
	ev.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if prg, hit = ev.prgCache[rule]; hit {
		return prg, nil
	}

	ast, issues := ev.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, issues.Err())
	}
	p, err := ev.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	ev.prgCache[rule] = p
	return p, nil
}

// Activation is the value bound to the agent variable.
func Activation(a consensus.Agent) map[string]any {
	caps := make([]any, len(a.Capabilities))
	for i, c := range a.Capabilities {
		caps[i] = c
	}
	return map[string]any{
		"id":              a.ID,
		"weight":          a.Weight,
		"reputation":      a.Reputation,
		"capabilities":    caps,
		"votes_cast":      int64(a.VotesCast),
		"correct_votes":   int64(a.CorrectVotes),
		"byzantine_flags": int64(a.ByzantineFlags),
		"online":          a.Online,
	}
}
