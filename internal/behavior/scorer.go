package behavior

import (
	"math"

	"boundary-risk/internal/audit"
)

// MaxRiskScore is the upper bound of every risk score.
const MaxRiskScore = 100

// ScorerConfig configures the risk score multipliers.
type ScorerConfig struct {
	// ActivityThreshold is the event count above which ActivityMultiplier applies.
	ActivityThreshold  int     `yaml:"activity_threshold"`
	ActivityMultiplier float64 `yaml:"activity_multiplier"`
}

// DefaultScorerConfig returns the default scorer configuration.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		ActivityThreshold:  50,
		ActivityMultiplier: 1.2,
	}
}

// Scorer turns a user's patterns into a bounded risk score.
type Scorer struct {
	config ScorerConfig
}

// NewScorer creates a scorer.
func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.ActivityMultiplier < 1 {
		cfg.ActivityMultiplier = 1
	}
	return &Scorer{config: cfg}
}

// Score computes round(base × activity × failure) clamped to [0,100], where
// base is the sum of pattern weights and failure is 1 + failed/total.
func (s *Scorer) Score(patterns []Pattern, events []*audit.Event) int {
	base := 0
	for _, p := range patterns {
		base += p.RiskScore
	}
	if base <= 0 {
		return 0
	}

	activity := 1.0
	if len(events) > s.config.ActivityThreshold {
		activity = s.config.ActivityMultiplier
	}

	failure := 1.0
	if total := len(events); total > 0 {
		failed := 0
		for _, e := range events {
			if !e.Success {
				failed++
			}
		}
		failure += float64(failed) / float64(total)
	}

	return clampScore(int(math.Round(float64(base) * activity * failure)))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}
