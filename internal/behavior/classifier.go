package behavior

import (
	"sort"

	"boundary-risk/internal/audit"
)

// Anomaly indicators attached to a profile.
const (
	IndicatorHighRiskScore      = "HIGH_RISK_SCORE"
	IndicatorBotBehavior        = "BOT_BEHAVIOR"
	IndicatorUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	IndicatorAutoBlocked        = "AUTO_BLOCKED"
)

// ClassifierConfig configures the anomaly classifier thresholds.
type ClassifierConfig struct {
	HighRiskWeight int `yaml:"high_risk_weight"`
	BotFrequency   int `yaml:"bot_frequency"`
	// BlockingActions are the response actions that mark a user as auto-blocked.
	BlockingActions []string `yaml:"blocking_actions"`
}

// DefaultClassifierConfig returns the default classifier configuration.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		HighRiskWeight:  80,
		BotFrequency:    30,
		BlockingActions: []string{"BLOCK_USER_IP", "SUSPEND_USER"},
	}
}

// Classifier derives categorical anomaly flags for a user.
type Classifier struct {
	config   ClassifierConfig
	blocking map[string]bool
}

// NewClassifier creates a classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	blocking := make(map[string]bool, len(cfg.BlockingActions))
	for _, a := range cfg.BlockingActions {
		blocking[a] = true
	}
	return &Classifier{config: cfg, blocking: blocking}
}

// Classify returns the sorted set of indicators for one user's patterns and
// events. Events may include automated-response records; those only feed the
// auto-blocked marker.
func (c *Classifier) Classify(patterns []Pattern, events []*audit.Event) []string {
	flags := make(map[string]bool)

	weight := 0
	for _, p := range patterns {
		weight += p.RiskScore
		if p.Type == PatternRapidOperations && p.Frequency > c.config.BotFrequency {
			flags[IndicatorBotBehavior] = true
		}
	}
	if weight > c.config.HighRiskWeight {
		flags[IndicatorHighRiskScore] = true
	}

	for _, e := range events {
		if e == nil {
			continue
		}
		if e.IsAutomatedResponse() {
			if action, ok := e.Metadata.String(audit.KeyResponseAction); ok && c.blocking[action] {
				flags[IndicatorAutoBlocked] = true
			}
			continue
		}
		if e.IsUnauthorized() {
			flags[IndicatorUnauthorizedAccess] = true
		}
	}

	if len(flags) == 0 {
		return nil
	}
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// HasIndicator reports whether indicators contains flag.
func HasIndicator(indicators []string, flag string) bool {
	for _, i := range indicators {
		if i == flag {
			return true
		}
	}
	return false
}
