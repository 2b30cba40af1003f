package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/metrics"
)

// EventSource is the read-only audit event store.
type EventSource interface {
	// FetchWindow returns events with start <= created_at < end, newest first.
	FetchWindow(ctx context.Context, start, end time.Time) ([]*audit.Event, error)
}

// AlertPublisher receives the run summary alert.
type AlertPublisher interface {
	Publish(ctx context.Context, alert *alerting.SecurityAlert)
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TrailingWindow returns the window of length d ending at end.
func TrailingWindow(end time.Time, d time.Duration) Window {
	return Window{Start: end.Add(-d), End: end}
}

// Profile is one user's behavioral risk profile.
type Profile struct {
	UserID            string    `json:"user_id"`
	UserEmail         string    `json:"user_email,omitempty"`
	RiskScore         int       `json:"risk_score"`
	BehaviorPatterns  []Pattern `json:"behavior_patterns"`
	AnomalyIndicators []string  `json:"anomaly_indicators"`
	EventCount        int       `json:"event_count"`
	LastAnalysis      time.Time `json:"last_analysis"`
}

// Result is the immutable snapshot produced by one analysis run.
type Result struct {
	SuspiciousUsers    []*Profile      `json:"suspicious_users"`
	GlobalRiskLevel    audit.RiskLevel `json:"global_risk_level"`
	DetectedPatterns   []string        `json:"detected_patterns"`
	RiskIndicators     []string        `json:"risk_indicators"`
	Recommendations    []string        `json:"recommendations"`
	ActiveThreats      int             `json:"active_threats"`
	EscalatedIncidents int             `json:"escalated_incidents"`
	AutomatedResponses int             `json:"automated_responses"`
	AnalyzedUsers      int             `json:"analyzed_users"`
	SkippedUsers       int             `json:"skipped_users"`
	WindowStart        time.Time       `json:"window_start"`
	WindowEnd          time.Time       `json:"window_end"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// AnalyzerConfig configures the batch analysis path.
type AnalyzerConfig struct {
	Window   time.Duration `yaml:"window"`
	Interval time.Duration `yaml:"interval"`
	// SuspiciousFloor is the score a profile must exceed to be reported.
	SuspiciousFloor int `yaml:"suspicious_floor"`
	// ActiveThreshold and EscalationThreshold drive the threat counters.
	ActiveThreshold     int `yaml:"active_threshold"`
	EscalationThreshold int `yaml:"escalation_threshold"`

	Detector   DetectorConfig   `yaml:"detector"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

// DefaultAnalyzerConfig returns the default analyzer configuration.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		Window:              7 * 24 * time.Hour,
		Interval:            15 * time.Minute,
		SuspiciousFloor:     30,
		ActiveThreshold:     70,
		EscalationThreshold: 85,
		Detector:            DefaultDetectorConfig(),
		Scorer:              DefaultScorerConfig(),
		Classifier:          DefaultClassifierConfig(),
	}
}

// Analyzer runs the batch path: detect, score, classify and aggregate.
type Analyzer struct {
	config     AnalyzerConfig
	source     EventSource
	publisher  AlertPublisher
	detector   *Detector
	scorer     *Scorer
	classifier *Classifier
	logger     *slog.Logger

	// profile builds one user's profile; replaced in tests.
	profile func(userID string, events []*audit.Event, now time.Time) *Profile

	mu     sync.RWMutex
	latest *Result

	// running and stopCh belong to the current periodic loop; Start makes a
	// fresh stopCh so the analyzer can be restarted after Stop.
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAnalyzer creates an analyzer. publisher may be nil.
func NewAnalyzer(cfg AnalyzerConfig, source EventSource, publisher AlertPublisher, logger *slog.Logger) (*Analyzer, error) {
	if source == nil {
		return nil, errors.New("event source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}

	detector, err := NewDetector(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	a := &Analyzer{
		config:     cfg,
		source:     source,
		publisher:  publisher,
		detector:   detector,
		scorer:     NewScorer(cfg.Scorer),
		classifier: NewClassifier(cfg.Classifier),
		logger:     logger,
	}
	a.profile = a.buildProfile
	return a, nil
}

// Detector returns the analyzer's pattern detector.
func (a *Analyzer) Detector() *Detector {
	return a.detector
}

// Run analyzes every user with events in the window. A source failure is
// returned and nothing is published.
func (a *Analyzer) Run(ctx context.Context, window Window) (*Result, error) {
	start := time.Now()

	events, err := a.source.FetchWindow(ctx, window.Start, window.End)
	if err != nil {
		metrics.RecordAnalysis("source_error", time.Since(start), 0)
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	byUser := groupByUser(events)
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	now := time.Now().UTC()
	result := &Result{
		WindowStart: window.Start,
		WindowEnd:   window.End,
		GeneratedAt: now,
	}

	var suspicious []*Profile
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			metrics.RecordAnalysis("canceled", time.Since(start), 0)
			return nil, fmt.Errorf("analysis canceled: %w", err)
		}

		p, err := a.safeProfile(userID, byUser[userID], now)
		if err != nil {
			result.SkippedUsers++
			metrics.UserAnalysisFailures.Inc()
			a.logger.Warn("skipping user after analysis failure",
				"user_id", userID,
				"error", err,
			)
			continue
		}
		result.AnalyzedUsers++
		if p.RiskScore > a.config.SuspiciousFloor {
			suspicious = append(suspicious, p)
		}
	}

	sort.SliceStable(suspicious, func(i, j int) bool {
		if suspicious[i].RiskScore != suspicious[j].RiskScore {
			return suspicious[i].RiskScore > suspicious[j].RiskScore
		}
		return suspicious[i].UserID < suspicious[j].UserID
	})
	result.SuspiciousUsers = suspicious
	a.aggregate(result)

	metrics.RecordAnalysis("success", time.Since(start), len(suspicious))
	a.logger.Info("behavior analysis completed",
		"analyzed_users", result.AnalyzedUsers,
		"skipped_users", result.SkippedUsers,
		"suspicious_users", len(result.SuspiciousUsers),
		"global_risk_level", result.GlobalRiskLevel,
		"active_threats", result.ActiveThreats,
		"duration", time.Since(start),
	)

	if result.GlobalRiskLevel == audit.RiskCritical || result.ActiveThreats > 0 {
		a.publishSummary(ctx, result)
	}

	a.mu.Lock()
	a.latest = result
	a.mu.Unlock()

	return result, nil
}

// Latest returns the most recent successful result, or nil.
func (a *Analyzer) Latest() *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// safeProfile isolates one user's analysis from panics.
func (a *Analyzer) safeProfile(userID string, events []*audit.Event, now time.Time) (p *Profile, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p = a.profile(userID, events, now)
	if p == nil {
		return nil, errors.New("no profile produced")
	}
	return p, nil
}

func (a *Analyzer) buildProfile(userID string, events []*audit.Event, now time.Time) *Profile {
	actions := UserActions(events)
	patterns := a.detector.Detect(actions)

	return &Profile{
		UserID:            userID,
		UserEmail:         userEmail(events),
		RiskScore:         a.scorer.Score(patterns, actions),
		BehaviorPatterns:  patterns,
		AnomalyIndicators: a.classifier.Classify(patterns, events),
		EventCount:        len(actions),
		LastAnalysis:      now,
	}
}

func (a *Analyzer) aggregate(r *Result) {
	scores := make([]int, len(r.SuspiciousUsers))
	patternSet := make(map[string]bool)
	var bots, unauthorized, offHours bool
	var botUsers, unauthorizedUsers int

	for i, p := range r.SuspiciousUsers {
		scores[i] = p.RiskScore
		if p.RiskScore > a.config.ActiveThreshold {
			r.ActiveThreats++
		}
		if p.RiskScore > a.config.EscalationThreshold {
			r.EscalatedIncidents++
		}
		if HasIndicator(p.AnomalyIndicators, IndicatorAutoBlocked) {
			r.AutomatedResponses++
		}
		if HasIndicator(p.AnomalyIndicators, IndicatorBotBehavior) {
			bots = true
			botUsers++
		}
		if HasIndicator(p.AnomalyIndicators, IndicatorUnauthorizedAccess) {
			unauthorized = true
			unauthorizedUsers++
		}
		for _, pt := range p.BehaviorPatterns {
			patternSet[string(pt.Type)] = true
			if pt.Type == PatternUnusualHoursLogin {
				offHours = true
			}
		}
	}

	r.GlobalRiskLevel = GlobalRiskLevel(scores)
	r.DetectedPatterns = sortedKeys(patternSet)
	if r.DetectedPatterns == nil {
		r.DetectedPatterns = []string{}
	}

	indicators := []string{}
	addCount := func(n int, format string) {
		if n > 0 {
			indicators = append(indicators, fmt.Sprintf(format, n))
		}
	}
	addCount(r.EscalatedIncidents, "%d user(s) with critical risk")
	addCount(r.ActiveThreats, "%d user(s) with high risk")
	addCount(len(r.SuspiciousUsers), "%d suspicious user(s)")
	addCount(botUsers, "%d user(s) showing automated behavior")
	addCount(unauthorizedUsers, "%d user(s) with unauthorized access attempts")
	addCount(r.AutomatedResponses, "%d user(s) automatically blocked")
	r.RiskIndicators = indicators

	r.Recommendations = recommendations(r.GlobalRiskLevel, bots, offHours, unauthorized)
}

func (a *Analyzer) publishSummary(ctx context.Context, r *Result) {
	if a.publisher == nil {
		return
	}

	userIDs := make([]string, 0, len(r.SuspiciousUsers))
	for _, p := range r.SuspiciousUsers {
		if p.RiskScore > a.config.ActiveThreshold {
			userIDs = append(userIDs, p.UserID)
		}
	}

	a.publisher.Publish(ctx, &alerting.SecurityAlert{
		AlertType: alerting.TypeBehaviorAnalysis,
		Severity:  r.GlobalRiskLevel,
		Title:     fmt.Sprintf("Behavioral analysis: %s risk", r.GlobalRiskLevel),
		Description: fmt.Sprintf("%d suspicious user(s), %d active threat(s), %d escalated",
			len(r.SuspiciousUsers), r.ActiveThreats, r.EscalatedIncidents),
		Metadata: map[string]any{
			"suspicious_users":    len(r.SuspiciousUsers),
			"active_threats":      r.ActiveThreats,
			"escalated_incidents": r.EscalatedIncidents,
			"automated_responses": r.AutomatedResponses,
			"detected_patterns":   r.DetectedPatterns,
			"threat_user_ids":     userIDs,
			"window_start":        r.WindowStart,
			"window_end":          r.WindowEnd,
		},
		CreatedAt: r.GeneratedAt,
	})
}

// Start runs the analysis on the configured interval until Stop or ctx is
// done. It can be called again after either.
func (a *Analyzer) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running || a.config.Interval <= 0 {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stopCh = stop
	a.running = true
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer a.loopExited(stop)
		ticker := time.NewTicker(a.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case t := <-ticker.C:
				if _, err := a.Run(ctx, TrailingWindow(t.UTC(), a.config.Window)); err != nil {
					a.logger.Error("scheduled behavior analysis failed", "error", err)
				}
			}
		}
	}()

	a.logger.Info("behavior analyzer started", "interval", a.config.Interval, "window", a.config.Window)
}

// loopExited clears running when the loop owning stop ends on its own.
func (a *Analyzer) loopExited(stop chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh == stop {
		a.running = false
	}
}

// Stop halts periodic analysis and waits for the loop to exit. It is safe to
// call more than once.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if a.running {
		close(a.stopCh)
		a.running = false
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// GlobalRiskLevel maps suspicious profile scores to a system-wide level.
func GlobalRiskLevel(scores []int) audit.RiskLevel {
	if len(scores) == 0 {
		return audit.RiskLow
	}

	sum, above70, above85 := 0, 0, 0
	for _, s := range scores {
		sum += s
		if s > 70 {
			above70++
		}
		if s > 85 {
			above85++
		}
	}
	mean := float64(sum) / float64(len(scores))

	switch {
	case above85 > 0 || mean > 80:
		return audit.RiskCritical
	case above70 > 2 || mean > 60:
		return audit.RiskHigh
	case above70 > 0 || mean > 40:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}

func recommendations(level audit.RiskLevel, bots, offHours, unauthorized bool) []string {
	var recs []string
	switch level {
	case audit.RiskCritical:
		recs = append(recs,
			"Initiate incident response procedures immediately",
			"Restrict access for critical-risk users pending review",
		)
	case audit.RiskHigh:
		recs = append(recs,
			"Review high-risk user activity within 24 hours",
			"Enforce two-factor authentication for flagged accounts",
		)
	case audit.RiskMedium:
		recs = append(recs, "Monitor flagged users for continued suspicious activity")
	default:
		recs = append(recs, "Continue routine security monitoring")
	}
	if bots {
		recs = append(recs, "Investigate possible scripted access and apply rate limiting")
	}
	if offHours {
		recs = append(recs, "Review off-hours logins and consider time-based access policies")
	}
	if unauthorized {
		recs = append(recs, "Audit permissions for users with unauthorized access attempts")
	}
	return recs
}

func groupByUser(events []*audit.Event) map[string][]*audit.Event {
	byUser := make(map[string][]*audit.Event)
	for _, e := range events {
		if e == nil {
			continue
		}
		u := e.User()
		if u == "" {
			continue
		}
		byUser[u] = append(byUser[u], e)
	}
	return byUser
}

// userEmail returns the email from the most recent event that carries one.
func userEmail(events []*audit.Event) string {
	var email string
	var at time.Time
	for _, e := range events {
		if v, ok := e.Metadata.UserEmail(); ok && (email == "" || e.CreatedAt.After(at)) {
			email, at = v, e.CreatedAt
		}
	}
	return email
}
