package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/metrics"

	"github.com/google/uuid"
)

// Responder executes the automated response attached to an incident.
// Implementations must not return errors to the caller; failures are theirs to log.
type Responder interface {
	Respond(ctx context.Context, incident *Incident)
}

// AlertPublisher receives one alert per incident.
type AlertPublisher interface {
	Publish(ctx context.Context, alert *alerting.SecurityAlert)
}

// EngineConfig configures the threat rule engine.
type EngineConfig struct {
	// Timezone used for after-hours checks (IANA name).
	Timezone     string `yaml:"timezone"`
	AutoResponse bool   `yaml:"auto_response"`

	BruteForceThreshold int      `yaml:"brute_force_threshold"`
	ExportThreshold     int      `yaml:"export_threshold"`
	AdminRoles          []string `yaml:"admin_roles"`
	AfterHoursStart     int      `yaml:"after_hours_start"`
	AfterHoursEnd       int      `yaml:"after_hours_end"`

	// LocationBaselineSize bounds the per-user usual-location cache (0 disables).
	LocationBaselineSize int `yaml:"location_baseline_size"`
	// IncidentCapacity bounds the in-memory incident list (0 = unbounded).
	IncidentCapacity int `yaml:"incident_capacity"`

	location *time.Location
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Timezone:             "UTC",
		AutoResponse:         true,
		BruteForceThreshold:  5,
		ExportThreshold:      1000,
		AdminRoles:           []string{"admin"},
		AfterHoursStart:      22,
		AfterHoursEnd:        6,
		LocationBaselineSize: 10000,
		IncidentCapacity:     10000,
	}
}

// Validate checks the engine configuration.
func (c EngineConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.AfterHoursStart < 0 || c.AfterHoursStart > 23 || c.AfterHoursEnd < 0 || c.AfterHoursEnd > 23 {
		return fmt.Errorf("after-hours bounds must be within 0-23")
	}
	if len(c.AdminRoles) == 0 {
		return fmt.Errorf("at least one admin role is required")
	}
	return nil
}

// Engine evaluates events one at a time against the rule table.
// It is safe for concurrent use.
type Engine struct {
	config    EngineConfig
	rules     []Rule
	env       *evalEnv
	store     *IncidentStore
	publisher AlertPublisher
	responder Responder
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a rule engine writing into store. publisher and responder
// may be nil.
func NewEngine(cfg EngineConfig, store *IncidentStore, publisher AlertPublisher, responder Responder, logger *slog.Logger) (*Engine, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.location, _ = time.LoadLocation(cfg.Timezone)

	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewIncidentStore(cfg.IncidentCapacity)
	}

	baseline, err := NewLocationBaseline(cfg.LocationBaselineSize)
	if err != nil {
		return nil, fmt.Errorf("location baseline: %w", err)
	}

	admin := make(map[string]bool, len(cfg.AdminRoles))
	for _, r := range cfg.AdminRoles {
		admin[strings.ToLower(strings.TrimSpace(r))] = true
	}

	e := &Engine{
		config:    cfg,
		rules:     DefaultRules(),
		store:     store,
		publisher: publisher,
		responder: responder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.env = &evalEnv{cfg: &e.config, admin: admin, baseline: baseline}
	return e, nil
}

// Store returns the engine's incident store.
func (e *Engine) Store() *IncidentStore {
	return e.store
}

// Rules returns the rule table in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// firstMatch returns the first rule the event triggers. Automated-response
// records never match. It is not read-only: the unusual-location rule feeds
// every event's location into the per-user baseline.
func (e *Engine) firstMatch(event *audit.Event) (*Rule, map[string]any) {
	if event == nil || event.IsAutomatedResponse() {
		return nil, nil
	}
	for i := range e.rules {
		if meta, ok := e.rules[i].match(event, e.env); ok {
			return &e.rules[i], meta
		}
	}
	return nil, nil
}

// Evaluate checks the event against the rules in order. On the first match it
// records an active incident, publishes an alert and, when enabled, runs the
// automated response before returning. It returns nil when no rule matches.
func (e *Engine) Evaluate(ctx context.Context, event *audit.Event) *Incident {
	rule, meta := e.firstMatch(event)
	if rule == nil {
		metrics.EventsProcessed.WithLabelValues("no_match").Inc()
		return nil
	}

	score := ThreatScore(rule.Severity, event)
	now := e.now()

	if meta == nil {
		meta = make(map[string]any)
	}
	meta["threat_score"] = score
	meta["event_id"] = event.ID
	meta["event_type"] = event.EventType
	if ip := event.IP(); ip != "" {
		meta["ip_address"] = ip
	}

	inc := &Incident{
		ID:           uuid.New().String(),
		IncidentType: rule.Name,
		Severity:     rule.Severity,
		Status:       StatusActive,
		UserID:       audit.StringPtr(event.User()),
		Description:  describe(rule, event, meta),
		AutoResponse: rule.Response,
		ThreatScore:  score,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     meta,
	}

	e.store.Add(inc)
	metrics.RecordIncident(inc.IncidentType, string(inc.Severity))

	e.logger.Warn("security incident detected",
		"incident_id", inc.ID,
		"incident_type", inc.IncidentType,
		"severity", inc.Severity,
		"threat_score", score,
		"user_id", inc.User(),
		"event_id", event.ID,
	)

	if e.publisher != nil {
		e.publisher.Publish(ctx, incidentAlert(inc))
	}

	if e.config.AutoResponse && e.responder != nil {
		e.respond(ctx, inc.Clone())
	}

	return inc
}

func (e *Engine) respond(ctx context.Context, inc *Incident) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("automated response panicked",
				"incident_id", inc.ID,
				"action", inc.AutoResponse,
				"panic", r,
			)
		}
	}()
	e.responder.Respond(ctx, inc)
}

// ThreatScore is the severity base plus modifiers for an administrator actor
// (+15), a failed action (+10) and a critical event risk level (+20), clamped
// to [0,100].
func ThreatScore(severity audit.RiskLevel, event *audit.Event) int {
	var score int
	switch severity {
	case audit.RiskLow:
		score = 20
	case audit.RiskMedium:
		score = 50
	case audit.RiskHigh:
		score = 75
	case audit.RiskCritical:
		score = 95
	}

	if event != nil {
		if event.Metadata.IsAdmin() {
			score += 15
		}
		if !event.Success {
			score += 10
		}
		if event.RiskLevel == audit.RiskCritical {
			score += 20
		}
	}

	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func incidentAlert(inc *Incident) *alerting.SecurityAlert {
	meta := make(map[string]any, len(inc.Metadata)+2)
	for k, v := range inc.Metadata {
		meta[k] = v
	}
	meta["incident_id"] = inc.ID
	if inc.AutoResponse != "" {
		meta["auto_response"] = string(inc.AutoResponse)
	}

	return &alerting.SecurityAlert{
		AlertType:   inc.IncidentType,
		Severity:    inc.Severity,
		Title:       fmt.Sprintf("%s detected", inc.IncidentType),
		Description: inc.Description,
		UserID:      inc.UserID,
		Metadata:    meta,
		CreatedAt:   inc.CreatedAt,
	}
}
