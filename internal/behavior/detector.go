// Package behavior builds per-user behavioral risk profiles from a window of
// audit events.
package behavior

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"boundary-risk/internal/audit"
)

// PatternType names a behavioral pattern.
type PatternType string

const (
	PatternUnusualHoursLogin   PatternType = "UNUSUAL_HOURS_LOGIN"
	PatternMultipleFailures    PatternType = "MULTIPLE_FAILURES"
	PatternHighSensitiveAccess PatternType = "HIGH_SENSITIVE_ACCESS"
	PatternRapidOperations     PatternType = "RAPID_OPERATIONS"
)

// Pattern is a named, weighted signal detected over one user's window.
type Pattern struct {
	Type           PatternType    `json:"pattern_type"`
	RiskScore      int            `json:"risk_score"`
	Frequency      int            `json:"frequency"`
	LastOccurrence time.Time      `json:"last_occurrence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PatternWeights holds the base risk weight per pattern.
type PatternWeights struct {
	UnusualHoursLogin   int `yaml:"unusual_hours_login"`
	MultipleFailures    int `yaml:"multiple_failures"`
	HighSensitiveAccess int `yaml:"high_sensitive_access"`
	RapidOperations     int `yaml:"rapid_operations"`
}

// DetectorConfig configures pattern thresholds.
type DetectorConfig struct {
	// Timezone used for hour-of-day checks (IANA name).
	Timezone string `yaml:"timezone"`

	NightStartHour      int `yaml:"night_start_hour"`
	NightEndHour        int `yaml:"night_end_hour"`
	NightLoginThreshold int `yaml:"night_login_threshold"`

	FailureThreshold int `yaml:"failure_threshold"`

	SensitiveEntities  []string `yaml:"sensitive_entities"`
	SensitiveThreshold int      `yaml:"sensitive_threshold"`

	RapidGap       time.Duration `yaml:"rapid_gap"`
	RapidThreshold int           `yaml:"rapid_threshold"`

	Weights PatternWeights `yaml:"weights"`
}

// DefaultDetectorConfig returns the default detection thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Timezone:            "UTC",
		NightStartHour:      2,
		NightEndHour:        6,
		NightLoginThreshold: 2,
		FailureThreshold:    3,
		SensitiveEntities: []string{
			"user",
			"role",
			"permission",
			"credential",
			"api_key",
			"payment",
			"financial_record",
			"personal_data",
			"audit_log",
			"security_settings",
		},
		SensitiveThreshold: 10,
		RapidGap:           5 * time.Second,
		RapidThreshold:     20,
		Weights: PatternWeights{
			UnusualHoursLogin:   25,
			MultipleFailures:    30,
			HighSensitiveAccess: 40,
			RapidOperations:     35,
		},
	}
}

// Validate checks the detector configuration.
func (c DetectorConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.NightStartHour < 0 || c.NightEndHour > 23 || c.NightStartHour > c.NightEndHour {
		return fmt.Errorf("invalid night window [%d,%d]", c.NightStartHour, c.NightEndHour)
	}
	if c.RapidGap <= 0 {
		return fmt.Errorf("rapid_gap must be positive")
	}
	return nil
}

// Detector extracts behavioral patterns from one user's events.
// It holds no mutable state and is safe for concurrent use.
type Detector struct {
	config    DetectorConfig
	loc       *time.Location
	sensitive map[string]bool
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Timezone)

	sensitive := make(map[string]bool, len(cfg.SensitiveEntities))
	for _, e := range cfg.SensitiveEntities {
		sensitive[strings.ToLower(strings.TrimSpace(e))] = true
	}

	return &Detector{config: cfg, loc: loc, sensitive: sensitive}, nil
}

// Location returns the timezone used for hour-of-day checks.
func (d *Detector) Location() *time.Location {
	return d.loc
}

// Detect evaluates every pattern rule over events. Automated-response records
// are ignored. The input slice is not modified and the output order is fixed.
func (d *Detector) Detect(events []*audit.Event) []Pattern {
	actions := UserActions(events)
	if len(actions) == 0 {
		return nil
	}

	var patterns []Pattern
	if p, ok := d.unusualHours(actions); ok {
		patterns = append(patterns, p)
	}
	if p, ok := d.multipleFailures(actions); ok {
		patterns = append(patterns, p)
	}
	if p, ok := d.sensitiveAccess(actions); ok {
		patterns = append(patterns, p)
	}
	if p, ok := d.rapidOperations(actions); ok {
		patterns = append(patterns, p)
	}
	return patterns
}

func (d *Detector) unusualHours(events []*audit.Event) (Pattern, bool) {
	var count int
	var last time.Time
	hours := make(map[int]bool)
	for _, e := range events {
		if !e.IsSuccessfulLogin() {
			continue
		}
		h := e.LocalHour(d.loc)
		if h < d.config.NightStartHour || h > d.config.NightEndHour {
			continue
		}
		count++
		hours[h] = true
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	if count <= d.config.NightLoginThreshold {
		return Pattern{}, false
	}

	return Pattern{
		Type:           PatternUnusualHoursLogin,
		RiskScore:      d.config.Weights.UnusualHoursLogin,
		Frequency:      count,
		LastOccurrence: last,
		Metadata:       map[string]any{"login_hours": sortedHours(hours)},
	}, true
}

func (d *Detector) multipleFailures(events []*audit.Event) (Pattern, bool) {
	var count int
	var last time.Time
	for _, e := range events {
		if e.Success {
			continue
		}
		count++
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	if count <= d.config.FailureThreshold {
		return Pattern{}, false
	}

	return Pattern{
		Type:           PatternMultipleFailures,
		RiskScore:      d.config.Weights.MultipleFailures,
		Frequency:      count,
		LastOccurrence: last,
		Metadata:       map[string]any{"failure_ratio": float64(count) / float64(len(events))},
	}, true
}

func (d *Detector) sensitiveAccess(events []*audit.Event) (Pattern, bool) {
	var count int
	var last time.Time
	entities := make(map[string]bool)
	for _, e := range events {
		entity := strings.ToLower(e.Entity())
		if !d.sensitive[entity] {
			continue
		}
		count++
		entities[entity] = true
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	if count <= d.config.SensitiveThreshold {
		return Pattern{}, false
	}

	return Pattern{
		Type:           PatternHighSensitiveAccess,
		RiskScore:      d.config.Weights.HighSensitiveAccess,
		Frequency:      count,
		LastOccurrence: last,
		Metadata:       map[string]any{"entity_types": sortedKeys(entities)},
	}, true
}

func (d *Detector) rapidOperations(events []*audit.Event) (Pattern, bool) {
	if len(events) < 2 {
		return Pattern{}, false
	}

	sorted := newestFirst(events)

	var count int
	var last time.Time
	minGap := time.Duration(-1)
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i-1].CreatedAt.Sub(sorted[i].CreatedAt)
		if gap >= d.config.RapidGap {
			continue
		}
		count++
		if sorted[i-1].CreatedAt.After(last) {
			last = sorted[i-1].CreatedAt
		}
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
	}
	if count <= d.config.RapidThreshold {
		return Pattern{}, false
	}

	return Pattern{
		Type:           PatternRapidOperations,
		RiskScore:      d.config.Weights.RapidOperations,
		Frequency:      count,
		LastOccurrence: last,
		Metadata: map[string]any{
			"max_ops_per_minute": opsPerMinute(minGap),
			"min_gap_ms":         minGap.Milliseconds(),
		},
	}, true
}

// opsPerMinute converts the smallest gap into a rate. Gaps below one
// millisecond (including simultaneous events) count as one millisecond.
func opsPerMinute(gap time.Duration) int {
	if gap < time.Millisecond {
		gap = time.Millisecond
	}
	return int(time.Minute / gap)
}

// UserActions drops automated-response records, which are engine output
// rather than user behavior.
func UserActions(events []*audit.Event) []*audit.Event {
	out := make([]*audit.Event, 0, len(events))
	for _, e := range events {
		if e == nil || e.IsAutomatedResponse() {
			continue
		}
		out = append(out, e)
	}
	return out
}

// newestFirst returns a copy of events sorted by time descending, ties broken
// by id so the ordering is deterministic.
func newestFirst(events []*audit.Event) []*audit.Event {
	sorted := make([]*audit.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

func sortedHours(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
