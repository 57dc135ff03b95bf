package consensus

import (
	"fmt"
	"time"
)

// Config holds every tunable of the engine. DefaultConfig returns the
// reference values.
type Config struct {
	// Quorum and decision defaults.
	QuorumSize       float64       `json:"quorum_size"`
	DefaultThreshold float64       `json:"default_threshold"`
	DefaultAlgorithm Algorithm     `json:"default_algorithm"`
	DefaultDeadline  time.Duration `json:"default_deadline"`
	NearUnanimous    float64       `json:"near_unanimous"`

	// Byzantine penalties.
	WeightDecay          float64 `json:"weight_decay"`
	QuarantineFlags      int     `json:"quarantine_flags"`
	EligibilityFlagLimit int     `json:"eligibility_flag_limit"`

	// Vote-flipping heuristic.
	FlipWindow   time.Duration `json:"flip_window"`
	FlipLookback int           `json:"flip_lookback"`
	FlipChanges  int           `json:"flip_changes"`

	// Confidence-mismatch heuristic. Only true votes are checked unless
	// SymmetricConfidenceCheck is set.
	ConfidenceFloor          float64 `json:"confidence_floor"`
	SymmetricConfidenceCheck bool    `json:"symmetric_confidence_check"`

	// Contrarian heuristic.
	ContrarianWindow int     `json:"contrarian_window"`
	ContrarianRatio  float64 `json:"contrarian_ratio"`

	// byzantine_tolerant algorithm.
	TrustedReputation  float64 `json:"trusted_reputation"`
	ByzantineThreshold float64 `json:"byzantine_threshold"`

	// Reputation feedback.
	MaxReputation     float64 `json:"max_reputation"`
	MaxWeight         float64 `json:"max_weight"`
	ReputationReward  float64 `json:"reputation_reward"`
	WeightReward      float64 `json:"weight_reward"`
	ReputationPenalty float64 `json:"reputation_penalty"`
	WeightPenalty     float64 `json:"weight_penalty"`

	// Confidence components.
	ExperienceSaturation int           `json:"experience_saturation"`
	RecencyHorizon       time.Duration `json:"recency_horizon"`

	// Housekeeping.
	Retention       time.Duration `json:"retention"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		QuorumSize:       0.75,
		DefaultThreshold: 0.6,
		DefaultAlgorithm: WeightedMajority,
		DefaultDeadline:  5 * time.Minute,
		NearUnanimous:    0.95,

		WeightDecay:          0.95,
		QuarantineFlags:      5,
		EligibilityFlagLimit: 4,

		FlipWindow:   time.Hour,
		FlipLookback: 5,
		FlipChanges:  2,

		ConfidenceFloor: 0.3,

		ContrarianWindow: 10,
		ContrarianRatio:  0.8,

		TrustedReputation:  0.7,
		ByzantineThreshold: 0.67,

		MaxReputation:     2.0,
		MaxWeight:         2.0,
		ReputationReward:  1.05,
		WeightReward:      1.02,
		ReputationPenalty: 0.98,
		WeightPenalty:     0.99,

		ExperienceSaturation: 10,
		RecencyHorizon:       24 * time.Hour,

		Retention:       24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Validate rejects configurations the engine cannot honour.
func (c Config) Validate() error {
	switch {
	case c.QuorumSize < 0 || c.QuorumSize > 1:
		return fmt.Errorf("quorum_size %v outside [0,1]", c.QuorumSize)
	case c.DefaultThreshold < 0 || c.DefaultThreshold > 1:
		return fmt.Errorf("default_threshold %v outside [0,1]", c.DefaultThreshold)
	case !c.DefaultAlgorithm.Valid():
		return fmt.Errorf("default_algorithm %q: %w", c.DefaultAlgorithm, ErrUnknownAlgorithm)
	case c.DefaultDeadline <= 0:
		return fmt.Errorf("default_deadline must be positive")
	case c.NearUnanimous <= 0.5 || c.NearUnanimous > 1:
		return fmt.Errorf("near_unanimous %v outside (0.5,1]", c.NearUnanimous)
	case c.WeightDecay <= 0 || c.WeightDecay > 1:
		return fmt.Errorf("weight_decay %v outside (0,1]", c.WeightDecay)
	case c.QuarantineFlags < 1:
		return fmt.Errorf("quarantine_flags must be at least 1")
	case c.EligibilityFlagLimit < 1:
		return fmt.Errorf("eligibility_flag_limit must be at least 1")
	case c.FlipLookback < 2 || c.FlipChanges < 1:
		return fmt.Errorf("flip_lookback must be >= 2 and flip_changes >= 1")
	case c.ContrarianWindow < 1 || c.ContrarianRatio < 0 || c.ContrarianRatio > 1:
		return fmt.Errorf("invalid contrarian window/ratio")
	case c.MaxReputation <= 0 || c.MaxWeight <= 0:
		return fmt.Errorf("max_reputation and max_weight must be positive")
	case c.ExperienceSaturation < 1 || c.RecencyHorizon <= 0:
		return fmt.Errorf("invalid confidence parameters")
	case c.Retention < 0 || c.CleanupInterval <= 0:
		return fmt.Errorf("invalid retention or cleanup interval")
	}
	return nil
}
