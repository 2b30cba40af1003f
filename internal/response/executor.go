// Package response executes the automated containment action attached to a
// security incident and audits every execution.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/logging"
	"boundary-risk/internal/metrics"
	"boundary-risk/internal/threat"
)

var (
	errNoIPAddress   = errors.New("incident has no ip address")
	errNoUser        = errors.New("incident has no user")
	errNoEnforcer    = errors.New("no enforcer configured")
	errUnknownAction = errors.New("unknown response action")
)

// AuditWriter persists automated-response records.
type AuditWriter interface {
	WriteRecord(ctx context.Context, record *audit.Record) error
}

// AlertPublisher receives the administrator escalation alert.
type AlertPublisher interface {
	Publish(ctx context.Context, alert *alerting.SecurityAlert)
}

// Config configures the executor.
type Config struct {
	// HandlerTimeout bounds each containment action.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// AuditTimeout bounds the audit record write.
	AuditTimeout      time.Duration `yaml:"audit_timeout"`
	BlockDuration     time.Duration `yaml:"block_duration"`
	DetailedLogPeriod time.Duration `yaml:"detailed_log_period"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout:    5 * time.Second,
		AuditTimeout:      5 * time.Second,
		BlockDuration:     24 * time.Hour,
		DetailedLogPeriod: 7 * 24 * time.Hour,
	}
}

// Result describes one execution.
type Result struct {
	IncidentID string        `json:"incident_id"`
	Action     threat.Action `json:"action"`
	Enforced   bool          `json:"enforced"`
	Detail     string        `json:"detail"`
	Error      string        `json:"error,omitempty"`
	Audited    bool          `json:"audited"`
	Duration   time.Duration `json:"duration"`
}

type handler func(ctx context.Context, inc *threat.Incident) (string, error)

// Executor maps response directives to containment handlers.
type Executor struct {
	config    Config
	enforcer  Enforcer
	audit     AuditWriter
	publisher AlertPublisher
	logger    *slog.Logger
	handlers  map[threat.Action]handler
	now       func() time.Time
}

// NewExecutor creates an executor. Any dependency may be nil; the matching
// step is then logged as skipped.
func NewExecutor(cfg Config, enforcer Enforcer, writer AuditWriter, publisher AlertPublisher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 5 * time.Second
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}

	e := &Executor{
		config:    cfg,
		enforcer:  enforcer,
		audit:     writer,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.handlers = map[threat.Action]handler{
		threat.ActionBlockUserIP: e.blockUserIP,
		threat.ActionAlertAdmins: e.alertAdmins,
		threat.ActionSuspendUser: e.suspendUser,
		threat.ActionRequire2FA:  e.require2FA,
		threat.ActionLogDetailed: e.logDetailed,
	}
	return e
}

// Respond runs Execute and discards the result.
func (e *Executor) Respond(ctx context.Context, inc *threat.Incident) {
	e.Execute(ctx, inc)
}

// Execute runs the incident's response action and writes one audit record.
// It never returns an error and never panics.
func (e *Executor) Execute(ctx context.Context, inc *threat.Incident) Result {
	start := time.Now()
	if inc == nil {
		return Result{Error: "nil incident"}
	}

	res := Result{IncidentID: inc.ID, Action: inc.AutoResponse}

	detail, err := e.runHandler(ctx, inc)
	res.Detail = detail
	if err != nil {
		res.Error = err.Error()
		e.logger.Error("automated response failed",
			"incident_id", inc.ID,
			"action", inc.AutoResponse,
			"user_id", inc.User(),
			"error", err,
		)
	} else {
		res.Enforced = true
		e.logger.Info("automated response executed",
			"incident_id", inc.ID,
			"action", inc.AutoResponse,
			"user_id", inc.User(),
			"detail", detail,
		)
	}
	metrics.RecordResponse(string(inc.AutoResponse), err)

	res.Audited = e.writeRecord(ctx, inc, res)
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) runHandler(ctx context.Context, inc *threat.Incident) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := e.handlers[inc.AutoResponse]
	if !ok {
		return fmt.Sprintf("no handler for %q", inc.AutoResponse), fmt.Errorf("%w: %q", errUnknownAction, inc.AutoResponse)
	}

	hctx, cancel := context.WithTimeout(ctx, e.config.HandlerTimeout)
	defer cancel()
	return h(hctx, inc)
}

func (e *Executor) writeRecord(ctx context.Context, inc *threat.Incident, res Result) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit record write panicked", "incident_id", inc.ID, "panic", r)
			ok = false
		}
	}()

	if e.audit == nil {
		e.logger.Debug("no audit writer configured, skipping record", "incident_id", inc.ID)
		return false
	}

	desc := fmt.Sprintf("Automated %s for %s incident %s: %s", inc.AutoResponse, inc.IncidentType, inc.ID, res.Detail)
	if res.Error != "" {
		desc += " (failed: " + res.Error + ")"
	}

	record := &audit.Record{
		UserID:         inc.User(),
		Description:    desc,
		IncidentID:     inc.ID,
		ResponseAction: string(inc.AutoResponse),
		RiskLevel:      inc.Severity,
		Enforced:       res.Enforced,
		CreatedAt:      e.now(),
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AuditTimeout)
	defer cancel()
	if err := e.audit.WriteRecord(actx, record); err != nil {
		e.logger.Error("failed to write automated response record",
			"incident_id", inc.ID,
			"action", inc.AutoResponse,
			"error", err,
		)
		return false
	}
	return true
}

func incidentIP(inc *threat.Incident) string {
	ip, _ := inc.Metadata["ip_address"].(string)
	return ip
}

func (e *Executor) blockUserIP(ctx context.Context, inc *threat.Incident) (string, error) {
	ip := incidentIP(inc)
	if ip == "" {
		return "no source address to block", errNoIPAddress
	}
	if e.enforcer == nil {
		return "block of " + logging.MaskIP(ip) + " not enforced", errNoEnforcer
	}
	if err := e.enforcer.BlockIP(ctx, ip, inc.IncidentType, e.config.BlockDuration); err != nil {
		return "", fmt.Errorf("block ip: %w", err)
	}
	return fmt.Sprintf("blocked %s for %s", logging.MaskIP(ip), e.config.BlockDuration), nil
}

func (e *Executor) alertAdmins(ctx context.Context, inc *threat.Incident) (string, error) {
	if e.publisher == nil {
		return "no alert publisher configured", nil
	}
	e.publisher.Publish(ctx, &alerting.SecurityAlert{
		AlertType:   alerting.TypeAdminEscalation,
		Severity:    audit.RiskCritical,
		Title:       fmt.Sprintf("Administrator attention required: %s", inc.IncidentType),
		Description: inc.Description,
		UserID:      inc.UserID,
		Metadata: map[string]any{
			"incident_id":   inc.ID,
			"incident_type": inc.IncidentType,
			"threat_score":  inc.ThreatScore,
		},
	})
	return "administrators alerted", nil
}

func (e *Executor) suspendUser(ctx context.Context, inc *threat.Incident) (string, error) {
	user := inc.User()
	if user == "" {
		return "no user to suspend", errNoUser
	}
	if e.enforcer == nil {
		return "suspension not enforced", errNoEnforcer
	}
	if err := e.enforcer.SuspendUser(ctx, user, inc.IncidentType); err != nil {
		return "", fmt.Errorf("suspend user: %w", err)
	}
	return "user suspended", nil
}

func (e *Executor) require2FA(ctx context.Context, inc *threat.Incident) (string, error) {
	user := inc.User()
	if user == "" {
		return "no user to challenge", errNoUser
	}
	if e.enforcer == nil {
		return "2FA requirement not enforced", errNoEnforcer
	}
	if err := e.enforcer.Require2FA(ctx, user); err != nil {
		return "", fmt.Errorf("require 2fa: %w", err)
	}
	return "two-factor authentication required", nil
}

func (e *Executor) logDetailed(ctx context.Context, inc *threat.Incident) (string, error) {
	user := inc.User()
	if user == "" || e.enforcer == nil {
		// Detailed logging still happens here even without a per-user flag.
		e.logger.Info("detailed incident log", "incident_id", inc.ID, "metadata", logging.MaskMetadata(inc.Metadata))
		return "incident logged in detail", nil
	}
	if err := e.enforcer.EnableDetailedLogging(ctx, user, e.config.DetailedLogPeriod); err != nil {
		return "", fmt.Errorf("enable detailed logging: %w", err)
	}
	return fmt.Sprintf("detailed logging enabled for %s", e.config.DetailedLogPeriod), nil
}
