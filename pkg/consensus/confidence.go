package consensus

import "time"

// Confidence scores how much a vote from a should be trusted at time now.
// It is the mean of four components in [0,1]: reputation, experience
// (votes cast, saturating), historical correctness, and recency of activity.
func Confidence(a Agent, now time.Time, cfg Config) float64 {
	reputation := clamp01(a.Reputation)

	experience := clamp01(float64(a.VotesCast) / float64(cfg.ExperienceSaturation))

	correctness := 0.5
	if a.VotesCast > 0 {
		correctness = clamp01(float64(a.CorrectVotes) / float64(a.VotesCast))
	}

	recency := 1.0
	if !a.LastActivity.IsZero() {
		idle := now.Sub(a.LastActivity)
		if idle < 0 {
			idle = 0
		}
		recency = clamp01(1 - float64(idle)/float64(cfg.RecencyHorizon))
	}

	return (reputation + experience + correctness + recency) / 4
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// recencyCutoff is the earliest timestamp considered part of a window.
func recencyCutoff(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}
