package threat

import (
	"fmt"
	"strings"

	"boundary-risk/internal/audit"
)

// Action is an automated response directive.
type Action string

const (
	ActionBlockUserIP Action = "BLOCK_USER_IP"
	ActionAlertAdmins Action = "ALERT_ADMINS"
	ActionSuspendUser Action = "SUSPEND_USER"
	ActionRequire2FA  Action = "REQUIRE_2FA"
	ActionLogDetailed Action = "LOG_DETAILED"
)

// Incident types, in evaluation order.
const (
	TypeBruteForce          = "BRUTE_FORCE_ATTACK"
	TypePrivilegeEscalation = "PRIVILEGE_ESCALATION"
	TypeDataExfiltration    = "DATA_EXFILTRATION"
	TypeUnusualLocation     = "UNUSUAL_LOCATION"
	TypeAfterHoursAccess    = "AFTER_HOURS_ACCESS"
)

// Rule is one entry of the ordered threat rule table.
type Rule struct {
	Name     string
	Severity audit.RiskLevel
	Response Action
	Summary  string
	// match reports whether the event triggers the rule and returns
	// rule-specific incident metadata.
	match func(e *audit.Event, env *evalEnv) (map[string]any, bool)
}

// evalEnv carries per-engine state a rule needs.
type evalEnv struct {
	cfg      *EngineConfig
	admin    map[string]bool
	baseline *LocationBaseline
}

// DefaultRules returns the rule table in evaluation order. The first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     TypeBruteForce,
			Severity: audit.RiskHigh,
			Response: ActionBlockUserIP,
			Summary:  "Repeated failed logins",
			match:    matchBruteForce,
		},
		{
			Name:     TypePrivilegeEscalation,
			Severity: audit.RiskCritical,
			Response: ActionAlertAdmins,
			Summary:  "Administrator role granted",
			match:    matchPrivilegeEscalation,
		},
		{
			Name:     TypeDataExfiltration,
			Severity: audit.RiskCritical,
			Response: ActionSuspendUser,
			Summary:  "Bulk data export",
			match:    matchDataExfiltration,
		},
		{
			Name:     TypeUnusualLocation,
			Severity: audit.RiskMedium,
			Response: ActionRequire2FA,
			Summary:  "Access from an unusual location",
			match:    matchUnusualLocation,
		},
		{
			Name:     TypeAfterHoursAccess,
			Severity: audit.RiskMedium,
			Response: ActionLogDetailed,
			Summary:  "Access outside business hours",
			match:    matchAfterHours,
		},
	}
}

func matchBruteForce(e *audit.Event, env *evalEnv) (map[string]any, bool) {
	if !e.IsFailedLogin() {
		return nil, false
	}
	n, ok := e.Metadata.ConsecutiveFailures()
	if !ok || n <= env.cfg.BruteForceThreshold {
		return nil, false
	}
	return map[string]any{audit.KeyConsecutiveFailures: n}, true
}

func matchPrivilegeEscalation(e *audit.Event, env *evalEnv) (map[string]any, bool) {
	if !e.IsPermissionChange() {
		return nil, false
	}
	role, ok := e.Metadata.NewRole()
	if !ok || !env.admin[strings.ToLower(strings.TrimSpace(role))] {
		return nil, false
	}
	return map[string]any{audit.KeyNewRole: role}, true
}

func matchDataExfiltration(e *audit.Event, env *evalEnv) (map[string]any, bool) {
	if !e.IsBulkExport() {
		return nil, false
	}
	n, ok := e.Metadata.RecordCount()
	if !ok || n <= env.cfg.ExportThreshold {
		return nil, false
	}
	return map[string]any{audit.KeyRecordCount: n}, true
}

func matchUnusualLocation(e *audit.Event, env *evalEnv) (map[string]any, bool) {
	current, ok := e.Metadata.Geolocation()
	if !ok {
		return nil, false
	}

	usual, ok := e.Metadata.UsualLocation()
	if ok {
		env.baseline.Set(e.User(), usual)
	} else {
		usual, ok = env.baseline.Observe(e.User(), current)
		if !ok {
			return nil, false
		}
	}

	if !current.Differs(usual) {
		return nil, false
	}
	return map[string]any{
		"location":       current.String(),
		"usual_location": usual.String(),
	}, true
}

func matchAfterHours(e *audit.Event, env *evalEnv) (map[string]any, bool) {
	h := e.LocalHour(env.cfg.location)
	if h < env.cfg.AfterHoursStart && h > env.cfg.AfterHoursEnd {
		return nil, false
	}
	return map[string]any{"local_hour": h}, true
}

// describe renders the incident description for a matched rule.
func describe(r *Rule, e *audit.Event, meta map[string]any) string {
	actor := e.User()
	if actor == "" {
		actor = "unknown user"
	}

	var detail string
	switch r.Name {
	case TypeBruteForce:
		detail = fmt.Sprintf("%v consecutive failed logins by %s", meta[audit.KeyConsecutiveFailures], actor)
	case TypePrivilegeEscalation:
		detail = fmt.Sprintf("%s granted role %v", actor, meta[audit.KeyNewRole])
	case TypeDataExfiltration:
		detail = fmt.Sprintf("%s exported %v records", actor, meta[audit.KeyRecordCount])
	case TypeUnusualLocation:
		detail = fmt.Sprintf("%s seen in %v, usually %v", actor, meta["location"], meta["usual_location"])
	case TypeAfterHoursAccess:
		detail = fmt.Sprintf("%s performed %s at %02d:00 local time", actor, e.EventType, meta["local_hour"])
	default:
		detail = actor
	}

	if ip := e.IP(); ip != "" {
		detail += " from " + ip
	}
	return r.Summary + ": " + detail
}
