// Package intel rolls the accumulated incident set up into threat
// intelligence: pattern frequency, response efficacy and system health.
package intel

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/metrics"
	"boundary-risk/internal/threat"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// SnapshotKind names intelligence reports in the archive.
const SnapshotKind = "intelligence"

// PatternMultiplier weights an incident type when computing pattern risk.
// Unknown types weigh 1.0.
func PatternMultiplier(incidentType string) float64 {
	switch incidentType {
	case threat.TypePrivilegeEscalation:
		return 3.0
	case threat.TypeDataExfiltration:
		return 2.5
	case threat.TypeBruteForce:
		return 2.0
	case threat.TypeUnusualLocation:
		return 1.5
	case threat.TypeAfterHoursAccess:
		return 1.2
	}
	return 1.0
}

// severityPenalty is subtracted from the security score per recent incident.
func severityPenalty(level audit.RiskLevel) int {
	switch level {
	case audit.RiskCritical:
		return 20
	case audit.RiskHigh:
		return 10
	case audit.RiskMedium:
		return 5
	}
	return 0
}

// ThreatPattern summarizes incidents of one type.
type ThreatPattern struct {
	Name        string    `json:"name"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
	RiskLevel   int       `json:"risk_level"`
}

// ResponseStats summarizes one automated response type.
type ResponseStats struct {
	ResponseType string `json:"response_type"`
	Executions   int    `json:"executions"`
	// SuccessRate is the percentage (0-100) of incidents later resolved.
	SuccessRate float64 `json:"success_rate"`
}

// SystemHealth is the headline health figure.
type SystemHealth struct {
	OverallStatus string    `json:"overall_status"`
	SecurityScore int       `json:"security_score"`
	Timestamp     time.Time `json:"timestamp"`
}

// Report is one intelligence snapshot. It is immutable once produced.
type Report struct {
	ActiveThreats      int             `json:"active_threats"`
	ThreatPatterns     []ThreatPattern `json:"threat_patterns"`
	AutomatedResponses []ResponseStats `json:"automated_responses"`
	SystemHealth       SystemHealth    `json:"system_health"`
	TotalIncidents     int             `json:"total_incidents"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// IncidentSource provides a copy of the current incident list.
type IncidentSource interface {
	Snapshot() []*threat.Incident
}

// SnapshotArchiver stores reports for later retrieval.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, kind string, at time.Time, payload any) (string, error)
}

// Config configures the aggregator.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// HealthWindow bounds which incidents count toward the security score.
	HealthWindow time.Duration `yaml:"health_window"`
	Archive      bool          `yaml:"archive"`
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		HealthWindow: 24 * time.Hour,
	}
}

// Aggregator computes intelligence reports from an incident source.
type Aggregator struct {
	config   Config
	source   IncidentSource
	archiver SnapshotArchiver
	logger   *slog.Logger

	mu     sync.RWMutex
	latest *Report

	startOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewAggregator creates an aggregator. archiver may be nil.
func NewAggregator(cfg Config, source IncidentSource, archiver SnapshotArchiver, logger *slog.Logger) *Aggregator {
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		config:   cfg,
		source:   source,
		archiver: archiver,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Report recomputes the intelligence report as of now. It does not touch
// the cached report.
func (a *Aggregator) Report(now time.Time) *Report {
	var incidents []*threat.Incident
	if a.source != nil {
		incidents = a.source.Snapshot()
	}
	return Compute(incidents, now, a.config.HealthWindow)
}

// Refresh recomputes the report, caches it, exports its headline numbers
// and archives it when archiving is enabled.
func (a *Aggregator) Refresh(ctx context.Context, now time.Time) *Report {
	r := a.Report(now)

	a.mu.Lock()
	a.latest = r
	a.mu.Unlock()

	metrics.UpdateHealth(r.SystemHealth.SecurityScore, r.ActiveThreats)

	if a.config.Archive && a.archiver != nil {
		key, err := a.archiver.ArchiveSnapshot(ctx, SnapshotKind, r.GeneratedAt, r)
		if err != nil {
			a.logger.Error("failed to archive intelligence report", "error", err)
		} else {
			a.logger.Debug("intelligence report archived", "key", key)
		}
	}

	if r.SystemHealth.OverallStatus != StatusHealthy {
		a.logger.Warn("system health degraded",
			"status", r.SystemHealth.OverallStatus,
			"security_score", r.SystemHealth.SecurityScore,
			"active_threats", r.ActiveThreats,
		)
	}
	return r
}

// Latest returns the most recently cached report, or nil.
func (a *Aggregator) Latest() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Start refreshes the report immediately and then on every interval until
// ctx is done or Stop is called. A non-positive interval disables the loop.
// Only the first call starts it; an aggregator is not restarted after Stop.
func (a *Aggregator) Start(ctx context.Context) {
	if a.config.Interval <= 0 {
		return
	}
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.loop(ctx)
		a.logger.Info("intelligence aggregator started", "interval", a.config.Interval)
	})
}

func (a *Aggregator) loop(ctx context.Context) {
	defer a.wg.Done()

	a.Refresh(ctx, time.Now().UTC())

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case t := <-ticker.C:
			a.Refresh(ctx, t.UTC())
		}
	}
}

// Stop halts the periodic loop. It is safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Compute builds a report from incidents. Incidents created within
// healthWindow before now count toward the security score.
func Compute(incidents []*threat.Incident, now time.Time, healthWindow time.Duration) *Report {
	type patternAcc struct {
		count    int
		lastSeen time.Time
	}
	type responseAcc struct {
		executions int
		resolved   int
	}

	patterns := make(map[string]*patternAcc)
	responses := make(map[threat.Action]*responseAcc)
	active := 0
	penalty := 0
	since := now.Add(-healthWindow)

	for _, inc := range incidents {
		if inc == nil {
			continue
		}

		p := patterns[inc.IncidentType]
		if p == nil {
			p = &patternAcc{}
			patterns[inc.IncidentType] = p
		}
		p.count++
		if inc.CreatedAt.After(p.lastSeen) {
			p.lastSeen = inc.CreatedAt
		}

		if inc.AutoResponse != "" {
			r := responses[inc.AutoResponse]
			if r == nil {
				r = &responseAcc{}
				responses[inc.AutoResponse] = r
			}
			r.executions++
			if inc.Status == threat.StatusResolved {
				r.resolved++
			}
		}

		if inc.Status == threat.StatusActive {
			active++
		}

		if !inc.CreatedAt.Before(since) && !inc.CreatedAt.After(now) {
			penalty += severityPenalty(inc.Severity)
		}
	}

	report := &Report{
		ActiveThreats:      active,
		ThreatPatterns:     make([]ThreatPattern, 0, len(patterns)),
		AutomatedResponses: make([]ResponseStats, 0, len(responses)),
		TotalIncidents:     len(incidents),
		GeneratedAt:        now,
	}

	for name, p := range patterns {
		report.ThreatPatterns = append(report.ThreatPatterns, ThreatPattern{
			Name:        name,
			Occurrences: p.count,
			LastSeen:    p.lastSeen,
			RiskLevel:   PatternRisk(name, p.count),
		})
	}
	sort.Slice(report.ThreatPatterns, func(i, j int) bool {
		pi, pj := report.ThreatPatterns[i], report.ThreatPatterns[j]
		if pi.RiskLevel != pj.RiskLevel {
			return pi.RiskLevel > pj.RiskLevel
		}
		return pi.Name < pj.Name
	})

	for action, r := range responses {
		report.AutomatedResponses = append(report.AutomatedResponses, ResponseStats{
			ResponseType: string(action),
			Executions:   r.executions,
			SuccessRate:  successRate(r.resolved, r.executions),
		})
	}
	sort.Slice(report.AutomatedResponses, func(i, j int) bool {
		return report.AutomatedResponses[i].ResponseType < report.AutomatedResponses[j].ResponseType
	})

	score := max(0, 100-penalty)
	report.SystemHealth = SystemHealth{
		OverallStatus: HealthStatus(score),
		SecurityScore: score,
		Timestamp:     now,
	}
	return report
}

// PatternRisk returns min(occurrences × 10 × multiplier, 100).
func PatternRisk(incidentType string, occurrences int) int {
	mult := PatternMultiplier(incidentType)
	return int(math.Min(math.Round(float64(occurrences)*10*mult), 100))
}

// HealthStatus maps a security score to an overall status.
func HealthStatus(score int) string {
	switch {
	case score > 80:
		return StatusHealthy
	case score > 60:
		return StatusWarning
	default:
		return StatusCritical
	}
}

func successRate(resolved, executions int) float64 {
	if executions == 0 {
		return 0
	}
	// One decimal place.
	return math.Round(float64(resolved)/float64(executions)*1000) / 10
}
