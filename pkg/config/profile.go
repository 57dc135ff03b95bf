package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-quorum/pkg/consensus"
)

// SupportedProfileVersions is the semver constraint profiles must satisfy.
const SupportedProfileVersions = "^1"

var (
	ErrInvalidProfile     = errors.New("config: invalid profile")
	ErrUnsupportedVersion = errors.New("config: unsupported profile version")
)

//go:embed profile.schema.json
var profileSchema string

const profileSchemaURL = "https://helm.schemas.local/quorum/profile.schema.json"

// Profile is an engine tuning file. Omitted fields keep the engine defaults.
type Profile struct {
	Version      string              `yaml:"version" json:"version"`
	Name         string              `yaml:"name,omitempty" json:"name,omitempty"`
	Decision     DecisionProfile     `yaml:"decision,omitempty" json:"decision,omitempty"`
	Byzantine    ByzantineProfile    `yaml:"byzantine,omitempty" json:"byzantine,omitempty"`
	Reputation   ReputationProfile   `yaml:"reputation,omitempty" json:"reputation,omitempty"`
	Housekeeping HousekeepingProfile `yaml:"housekeeping,omitempty" json:"housekeeping,omitempty"`
}

// DecisionProfile holds quorum and algorithm defaults.
type DecisionProfile struct {
	QuorumSize       *float64 `yaml:"quorum_size,omitempty" json:"quorum_size,omitempty"`
	DefaultThreshold *float64 `yaml:"default_threshold,omitempty" json:"default_threshold,omitempty"`
	DefaultAlgorithm string   `yaml:"default_algorithm,omitempty" json:"default_algorithm,omitempty"`
	DefaultDeadline  string   `yaml:"default_deadline,omitempty" json:"default_deadline,omitempty"`
	NearUnanimous    *float64 `yaml:"near_unanimous,omitempty" json:"near_unanimous,omitempty"`
}

// ByzantineProfile holds detector thresholds and penalties.
type ByzantineProfile struct {
	WeightDecay              *float64 `yaml:"weight_decay,omitempty" json:"weight_decay,omitempty"`
	QuarantineFlags          *int     `yaml:"quarantine_flags,omitempty" json:"quarantine_flags,omitempty"`
	EligibilityFlagLimit     *int     `yaml:"eligibility_flag_limit,omitempty" json:"eligibility_flag_limit,omitempty"`
	FlipWindow               string   `yaml:"flip_window,omitempty" json:"flip_window,omitempty"`
	FlipLookback             *int     `yaml:"flip_lookback,omitempty" json:"flip_lookback,omitempty"`
	FlipChanges              *int     `yaml:"flip_changes,omitempty" json:"flip_changes,omitempty"`
	ConfidenceFloor          *float64 `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
	SymmetricConfidenceCheck *bool    `yaml:"symmetric_confidence_check,omitempty" json:"symmetric_confidence_check,omitempty"`
	ContrarianWindow         *int     `yaml:"contrarian_window,omitempty" json:"contrarian_window,omitempty"`
	ContrarianRatio          *float64 `yaml:"contrarian_ratio,omitempty" json:"contrarian_ratio,omitempty"`
	TrustedReputation        *float64 `yaml:"trusted_reputation,omitempty" json:"trusted_reputation,omitempty"`
	ByzantineThreshold       *float64 `yaml:"byzantine_threshold,omitempty" json:"byzantine_threshold,omitempty"`
}

// ReputationProfile holds reward, penalty and confidence parameters.
type ReputationProfile struct {
	MaxReputation        *float64 `yaml:"max_reputation,omitempty" json:"max_reputation,omitempty"`
	MaxWeight            *float64 `yaml:"max_weight,omitempty" json:"max_weight,omitempty"`
	ReputationReward     *float64 `yaml:"reputation_reward,omitempty" json:"reputation_reward,omitempty"`
	WeightReward         *float64 `yaml:"weight_reward,omitempty" json:"weight_reward,omitempty"`
	ReputationPenalty    *float64 `yaml:"reputation_penalty,omitempty" json:"reputation_penalty,omitempty"`
	WeightPenalty        *float64 `yaml:"weight_penalty,omitempty" json:"weight_penalty,omitempty"`
	ExperienceSaturation *int     `yaml:"experience_saturation,omitempty" json:"experience_saturation,omitempty"`
	RecencyHorizon       string   `yaml:"recency_horizon,omitempty" json:"recency_horizon,omitempty"`
}

// HousekeepingProfile holds retention settings.
type HousekeepingProfile struct {
	Retention       string `yaml:"retention,omitempty" json:"retention,omitempty"`
	CleanupInterval string `yaml:"cleanup_interval,omitempty" json:"cleanup_interval,omitempty"`
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile validates YAML profile data against the profile schema and the
// supported version range.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidProfile, err)
	}
	// The validator expects JSON-shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	schema, err := compileProfileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidProfile, err)
	}
	if err := checkVersion(p.Version); err != nil {
		return nil, err
	}
	return &p, nil
}

func compileProfileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
		return nil, fmt.Errorf("profile schema load failed: %w", err)
	}
	compiled, err := c.Compile(profileSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("profile schema compile failed: %w", err)
	}
	return compiled, nil
}

func checkVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, version, err)
	}
	constraint, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, SupportedProfileVersions)
	}
	return nil
}

// EngineConfig applies the profile over consensus.DefaultConfig and validates
// the result.
func (p *Profile) EngineConfig() (consensus.Config, error) {
	cfg := consensus.DefaultConfig()

	d := p.Decision
	setFloat(&cfg.QuorumSize, d.QuorumSize)
	setFloat(&cfg.DefaultThreshold, d.DefaultThreshold)
	if d.DefaultAlgorithm != "" {
		cfg.DefaultAlgorithm = consensus.Algorithm(d.DefaultAlgorithm)
	}
	setFloat(&cfg.NearUnanimous, d.NearUnanimous)

	b := p.Byzantine
	setFloat(&cfg.WeightDecay, b.WeightDecay)
	setInt(&cfg.QuarantineFlags, b.QuarantineFlags)
	setInt(&cfg.EligibilityFlagLimit, b.EligibilityFlagLimit)
	setInt(&cfg.FlipLookback, b.FlipLookback)
	setInt(&cfg.FlipChanges, b.FlipChanges)
	setFloat(&cfg.ConfidenceFloor, b.ConfidenceFloor)
	if b.SymmetricConfidenceCheck != nil {
		cfg.SymmetricConfidenceCheck = *b.SymmetricConfidenceCheck
	}
	setInt(&cfg.ContrarianWindow, b.ContrarianWindow)
	setFloat(&cfg.ContrarianRatio, b.ContrarianRatio)
	setFloat(&cfg.TrustedReputation, b.TrustedReputation)
	setFloat(&cfg.ByzantineThreshold, b.ByzantineThreshold)

	r := p.Reputation
	setFloat(&cfg.MaxReputation, r.MaxReputation)
	setFloat(&cfg.MaxWeight, r.MaxWeight)
	setFloat(&cfg.ReputationReward, r.ReputationReward)
	setFloat(&cfg.WeightReward, r.WeightReward)
	setFloat(&cfg.ReputationPenalty, r.ReputationPenalty)
	setFloat(&cfg.WeightPenalty, r.WeightPenalty)
	setInt(&cfg.ExperienceSaturation, r.ExperienceSaturation)

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"decision.default_deadline", d.DefaultDeadline, &cfg.DefaultDeadline},
		{"byzantine.flip_window", b.FlipWindow, &cfg.FlipWindow},
		{"reputation.recency_horizon", r.RecencyHorizon, &cfg.RecencyHorizon},
		{"housekeeping.retention", p.Housekeeping.Retention, &cfg.Retention},
		{"housekeeping.cleanup_interval", p.Housekeeping.CleanupInterval, &cfg.CleanupInterval},
	}
	for _, dur := range durations {
		if dur.raw == "" {
			continue
		}
		v, err := time.ParseDuration(dur.raw)
		if err != nil {
			return consensus.Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, dur.name, err)
		}
		*dur.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return consensus.Config{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return cfg, nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
