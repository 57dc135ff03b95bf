package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-quorum/pkg/admission"
	"github.com/Mindburn-Labs/helm-quorum/pkg/config"
	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
	"github.com/Mindburn-Labs/helm-quorum/pkg/events"
	"github.com/Mindburn-Labs/helm-quorum/pkg/policy"
)

var defaultScenarioStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scenario is the YAML document driven by `quorum simulate`.
type scenario struct {
	Name      string             `yaml:"name"`
	Start     time.Time          `yaml:"start"`
	Agents    []scenarioAgent    `yaml:"agents"`
	Proposals []scenarioProposal `yaml:"proposals"`
	Steps     []scenarioStep     `yaml:"steps"`
}

type scenarioAgent struct {
	ID           string   `yaml:"id"`
	Weight       float64  `yaml:"weight"`
	Capabilities []string `yaml:"capabilities"`
}

// scenarioProposal is created when a `propose` step names it.
type scenarioProposal struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Content      any      `yaml:"content"`
	Creator      string   `yaml:"creator"`
	Threshold    *float64 `yaml:"threshold"`
	Algorithm    string   `yaml:"algorithm"`
	Capabilities []string `yaml:"required_capabilities"`
	Deadline     string   `yaml:"deadline"`
	Rule         string   `yaml:"eligibility_rule"`
}

// scenarioStep sets exactly one action.
type scenarioStep struct {
	Propose  string         `yaml:"propose"`
	Vote     *scenarioVote  `yaml:"vote"`
	Advance  string         `yaml:"advance"`
	Finalize string         `yaml:"finalize"`
	Register *scenarioAgent `yaml:"register"`
	Cleanup  bool           `yaml:"cleanup"`
	// Expect names the error kind the step must fail with.
	Expect string `yaml:"expect"`
}

type scenarioVote struct {
	Proposal  string `yaml:"proposal"`
	Agent     string `yaml:"agent"`
	Value     bool   `yaml:"value"`
	Reasoning string `yaml:"reasoning"`
}

var errorKinds = map[string]error{
	"not_found":         consensus.ErrNotFound,
	"invalid_state":     consensus.ErrInvalidState,
	"unauthorized":      consensus.ErrUnauthorized,
	"deadline_exceeded": consensus.ErrDeadlineExceeded,
	"unknown_agent":     consensus.ErrUnknownAgent,
	"invalid_spec":      consensus.ErrInvalidSpec,
	"rate_limited":      admission.ErrRateLimited,
	"forbidden":         admission.ErrForbidden,
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario %q: %w", path, err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %q: %w", path, err)
	}
	if sc.Start.IsZero() {
		sc.Start = defaultScenarioStart
	}
	names := make(map[string]bool, len(sc.Proposals))
	for _, p := range sc.Proposals {
		if p.Name == "" {
			return nil, fmt.Errorf("scenario %q: proposal without name", path)
		}
		if names[p.Name] {
			return nil, fmt.Errorf("scenario %q: duplicate proposal %q", path, p.Name)
		}
		names[p.Name] = true
	}
	for i, st := range sc.Steps {
		if n := st.actions(); n != 1 {
			return nil, fmt.Errorf("scenario %q: step %d sets %d actions, want 1", path, i+1, n)
		}
		if st.Expect != "" {
			if _, ok := errorKinds[st.Expect]; !ok {
				return nil, fmt.Errorf("scenario %q: step %d: unknown error kind %q", path, i+1, st.Expect)
			}
		}
	}
	return &sc, nil
}

func (s scenarioStep) actions() int {
	n := 0
	for _, set := range []bool{s.Propose != "", s.Vote != nil, s.Advance != "", s.Finalize != "", s.Register != nil, s.Cleanup} {
		if set {
			n++
		}
	}
	return n
}

func (p scenarioProposal) spec() (consensus.ProposalSpec, error) {
	spec := consensus.ProposalSpec{
		Type:                 p.Type,
		Content:              p.Content,
		Creator:              p.Creator,
		Threshold:            p.Threshold,
		Algorithm:            consensus.Algorithm(p.Algorithm),
		RequiredCapabilities: p.Capabilities,
		EligibilityRule:      p.Rule,
	}
	if p.Deadline != "" {
		d, err := time.ParseDuration(p.Deadline)
		if err != nil {
			return spec, fmt.Errorf("proposal %q deadline: %w", p.Name, err)
		}
		spec.Deadline = d
	}
	return spec, nil
}

func (a scenarioAgent) options() []consensus.AgentOption {
	var opts []consensus.AgentOption
	if a.Weight != 0 {
		opts = append(opts, consensus.WithInitialWeight(a.Weight))
	}
	if len(a.Capabilities) > 0 {
		opts = append(opts, consensus.WithCapabilities(a.Capabilities...))
	}
	return opts
}

type stepOutcome struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	At     string `json:"at"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
	OK     bool   `json:"ok"`
}

type proposalReport struct {
	Name      string              `json:"name"`
	ID        string              `json:"id"`
	Status    consensus.Status    `json:"status"`
	Algorithm consensus.Algorithm `json:"algorithm"`
	Eligible  int                 `json:"eligible"`
	Votes     int                 `json:"votes"`
	Result    *consensus.Result   `json:"result,omitempty"`
}

type simulationReport struct {
	Scenario  string              `json:"scenario"`
	Steps     []stepOutcome       `json:"steps"`
	Proposals []proposalReport    `json:"proposals"`
	Agents    []consensus.Agent   `json:"agents"`
	Metrics   consensus.Metrics   `json:"metrics"`
	Events    map[events.Type]int `json:"events"`
	Passed    bool                `json:"passed"`
}

// runSimulateCmd implements `quorum simulate`.
//
// Exit codes:
//
//	0 = every step behaved as expected
//	1 = a step failed or an expected error did not occur
//	2 = usage or setup error
func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scenarioPath string
		profilePath  string
		jsonOutput   bool
	)
	cmd.StringVar(&scenarioPath, "scenario", "", "Scenario YAML file (REQUIRED)")
	cmd.StringVar(&profilePath, "profile", "", "Engine profile YAML (default: $QUORUM_PROFILE or built-in)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if scenarioPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --scenario is required")
		return 2
	}

	sc, err := loadScenario(scenarioPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg, stderr)
	engineCfg, err := engineConfig(cfg, profilePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	svc, err := startServices(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.close(ctx)

	report, err := simulate(ctx, sc, engineCfg, cfg, svc)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printSimulationReport(stdout, report)
	}
	if !report.Passed {
		return 1
	}
	return 0
}

// simulation carries the state of one scenario run.
type simulation struct {
	engine *consensus.Engine
	sched  *consensus.ManualScheduler
	gate   *admission.Gate
	tokens *admission.TokenIssuer
	defs   map[string]scenarioProposal
	ids    map[string]string
}

func simulate(ctx context.Context, sc *scenario, engineCfg consensus.Config, cfg *config.Config, svc *services) (*simulationReport, error) {
	sched := consensus.NewManualScheduler(sc.Start)
	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}

	opts := []consensus.Option{
		consensus.WithConfig(engineCfg),
		consensus.WithClock(sched.Now),
		consensus.WithScheduler(sched),
		consensus.WithLogger(svc.logger.With("component", "consensus")),
		consensus.WithEligibilityPolicy(evaluator),
	}
	engine, err := consensus.New(append(opts, svc.engineOptions()...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = engine.Close() }()

	engine.Bus().WithLogger(svc.logger.With("component", "events"))
	svc.attach(engine.Bus())
	counts := &eventCounter{counts: make(map[events.Type]int)}
	engine.Bus().Subscribe(counts)

	sim := &simulation{
		engine: engine,
		sched:  sched,
		defs:   make(map[string]scenarioProposal, len(sc.Proposals)),
		ids:    make(map[string]string, len(sc.Proposals)),
	}
	for _, p := range sc.Proposals {
		sim.defs[p.Name] = p
	}
	if cfg.TokenSecret != "" {
		issuer, err := admission.NewTokenIssuer([]byte(cfg.TokenSecret))
		if err != nil {
			return nil, err
		}
		sim.tokens = issuer.WithClock(sched.Now)
		sim.gate = admission.NewGate(engine, sim.tokens,
			admission.WithGateClock(sched.Now),
			admission.WithAuditLogger(svc.logger.With("component", "admission")),
		)
	}

	for _, a := range sc.Agents {
		engine.RegisterAgent(ctx, a.ID, a.options()...)
	}

	report := &simulationReport{Scenario: sc.Name, Passed: true}
	for i, st := range sc.Steps {
		out := sim.run(ctx, st)
		out.Step = i + 1
		out.At = sched.Now().Sub(sc.Start).String()
		report.Steps = append(report.Steps, out)
		if !out.OK {
			report.Passed = false
		}
	}

	for _, p := range sc.Proposals {
		id, ok := sim.ids[p.Name]
		if !ok {
			continue
		}
		snap, err := engine.GetProposal(id)
		if err != nil {
			// Evicted by a cleanup step.
			report.Proposals = append(report.Proposals, proposalReport{Name: p.Name, ID: id})
			continue
		}
		report.Proposals = append(report.Proposals, proposalReport{
			Name:      p.Name,
			ID:        id,
			Status:    snap.Status,
			Algorithm: snap.Algorithm,
			Eligible:  len(snap.EligibleAgents),
			Votes:     len(snap.Votes),
			Result:    snap.Result,
		})
	}
	report.Agents = engine.ListAgents()
	report.Metrics = engine.GetMetrics()
	report.Events = counts.snapshot()
	return report, nil
}

func (s *simulation) run(ctx context.Context, st scenarioStep) stepOutcome {
	var (
		out stepOutcome
		err error
	)
	switch {
	case st.Propose != "":
		out.Action = "propose"
		err = s.propose(ctx, st.Propose, &out)
	case st.Vote != nil:
		out.Action = "vote"
		err = s.vote(ctx, *st.Vote, &out)
	case st.Advance != "":
		out.Action = "advance"
		var d time.Duration
		d, err = time.ParseDuration(st.Advance)
		if err == nil {
			fired := s.sched.Advance(d)
			out.Detail = fmt.Sprintf("+%s, %d deadline(s) fired", d, fired)
		}
	case st.Finalize != "":
		out.Action = "finalize"
		var res *consensus.Result
		res, err = s.engine.Finalize(ctx, s.resolve(st.Finalize))
		if err == nil {
			out.Detail = describeResult(st.Finalize, res)
		}
	case st.Register != nil:
		out.Action = "register"
		a := s.engine.RegisterAgent(ctx, st.Register.ID, st.Register.options()...)
		out.Detail = fmt.Sprintf("%s weight=%.2f", a.ID, a.Weight)
	case st.Cleanup:
		out.Action = "cleanup"
		r := s.engine.Cleanup(ctx)
		out.Detail = fmt.Sprintf("%d proposal(s), %d history entries removed", r.ProposalsRemoved, r.HistoryRemoved)
	}

	if err != nil {
		out.Error = err.Error()
	}
	out.OK = expectationMet(st.Expect, err)
	return out
}

func (s *simulation) propose(ctx context.Context, name string, out *stepOutcome) error {
	def, ok := s.defs[name]
	if !ok {
		return fmt.Errorf("%w: no proposal named %q in scenario", consensus.ErrNotFound, name)
	}
	spec, err := def.spec()
	if err != nil {
		return fmt.Errorf("%w: %v", consensus.ErrInvalidSpec, err)
	}
	id, err := s.engine.CreateProposal(ctx, spec)
	if err != nil {
		return err
	}
	s.ids[name] = id
	p, err := s.engine.GetProposal(id)
	if err != nil {
		return err
	}
	out.Detail = fmt.Sprintf("%s %s eligible=%d deadline=%s", name, p.Algorithm, len(p.EligibleAgents), p.Deadline.Sub(p.CreatedAt))
	return nil
}

func (s *simulation) vote(ctx context.Context, v scenarioVote, out *stepOutcome) error {
	id := s.resolve(v.Proposal)
	var (
		receipt *consensus.VoteReceipt
		err     error
	)
	if s.gate != nil {
		token, terr := s.tokens.Issue(v.Agent, time.Hour, id)
		if terr != nil {
			return terr
		}
		receipt, err = s.gate.Submit(ctx, token, id, v.Value, v.Reasoning)
	} else {
		receipt, err = s.engine.SubmitVote(ctx, id, v.Agent, v.Value, v.Reasoning)
	}
	if err != nil {
		return err
	}
	out.Detail = fmt.Sprintf("%s -> %s: %t (confidence %.3f)", v.Agent, v.Proposal, v.Value, receipt.Confidence)
	for _, d := range receipt.Detections {
		out.Detail += fmt.Sprintf(" [%s flags=%d]", d.Reason, d.Flags)
		if d.Quarantined {
			out.Detail += " [quarantined]"
		}
	}
	if receipt.Finalized {
		out.Detail += "; " + describeResult(v.Proposal, receipt.Result)
	}
	return nil
}

// resolve maps a scenario proposal name to its engine id. Unknown names are
// passed through so scenarios can exercise not-found errors.
func (s *simulation) resolve(name string) string {
	if id, ok := s.ids[name]; ok {
		return id
	}
	return name
}

func expectationMet(expect string, err error) bool {
	if expect == "" {
		return err == nil
	}
	return err != nil && errors.Is(err, errorKinds[expect])
}

func describeResult(name string, r *consensus.Result) string {
	if r == nil {
		return name + " finalized"
	}
	return fmt.Sprintf("%s finalized (%s): consensus=%t outcome=%t ratio=%.3f participation=%.2f via %s",
		name, r.Trigger, r.Consensus, r.Outcome, r.Ratio, r.ParticipationRate, r.Algorithm)
}

// eventCounter tallies bus traffic by type.
type eventCounter struct {
	counts map[events.Type]int
}

func (c *eventCounter) Handle(_ context.Context, ev events.Event) error {
	c.counts[ev.Type]++
	return nil
}

func (c *eventCounter) snapshot() map[events.Type]int {
	out := make(map[events.Type]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func printSimulationReport(w io.Writer, r *simulationReport) {
	title := r.Scenario
	if title == "" {
		title = "scenario"
	}
	fmt.Fprintf(w, "\n%sSimulation: %s%s\n", ColorBold+ColorPurple, title, ColorReset)
	fmt.Fprintln(w, "───────────")
	for _, st := range r.Steps {
		icon := ColorGreen + "ok" + ColorReset
		if !st.OK {
			icon = ColorRed + "!!" + ColorReset
		}
		line := st.Detail
		if st.Error != "" {
			line = ColorYellow + st.Error + ColorReset
		}
		fmt.Fprintf(w, "  %s %3d %s%-9s%s %-10s %s\n", icon, st.Step, ColorCyan, st.Action, ColorReset, st.At, line)
	}

	fmt.Fprintf(w, "\n%sProposals%s\n", ColorBold, ColorReset)
	for _, p := range r.Proposals {
		if p.Result == nil {
			fmt.Fprintf(w, "  %-16s %-10s votes=%d/%d\n", p.Name, p.Status, p.Votes, p.Eligible)
			continue
		}
		verdict := ColorRed + "no consensus" + ColorReset
		if p.Result.Consensus {
			verdict = fmt.Sprintf("%sconsensus (%t)%s", ColorGreen, p.Result.Outcome, ColorReset)
		}
		fmt.Fprintf(w, "  %-16s %-10s votes=%d/%d %s ratio=%.3f via %s\n",
			p.Name, p.Status, p.Votes, p.Eligible, verdict, p.Result.Ratio, p.Result.Algorithm)
	}

	fmt.Fprintf(w, "\n%sAgents%s\n", ColorBold, ColorReset)
	for _, a := range r.Agents {
		state := "online"
		if !a.Online {
			state = ColorRed + "quarantined" + ColorReset
		}
		fmt.Fprintf(w, "  %-16s weight=%.3f reputation=%.3f flags=%d %s\n", a.ID, a.Weight, a.Reputation, a.ByzantineFlags, state)
	}

	m := r.Metrics
	fmt.Fprintf(w, "\n%sMetrics%s\n", ColorBold, ColorReset)
	fmt.Fprintf(w, "  proposals=%d finalized=%d consensus=%d failed=%d quorum_failures=%d\n",
		m.TotalProposals, m.FinalizedProposals, m.SuccessfulConsensus, m.FailedConsensus, m.QuorumFailures)
	fmt.Fprintf(w, "  votes=%d byzantine=%d avg_duration=%s\n", m.TotalVotes, m.ByzantineDetections, m.AverageVotingDuration)

	types := make([]string, 0, len(r.Events))
	for t := range r.Events {
		types = append(types, string(t))
	}
	sort.Strings(types)
	fmt.Fprintf(w, "  events:")
	for _, t := range types {
		fmt.Fprintf(w, " %s=%d", t, r.Events[events.Type(t)])
	}
	fmt.Fprintln(w)

	if r.Passed {
		fmt.Fprintf(w, "\n%sAll steps behaved as expected.%s\n", ColorGreen+ColorBold, ColorReset)
	} else {
		fmt.Fprintf(w, "\n%sSome steps did not behave as expected.%s\n", ColorRed+ColorBold, ColorReset)
	}
}
