package audit

import (
	"strings"
	"unicode"
)

// EventTypeAutomatedResponse marks records written by the auto-response executor.
const EventTypeAutomatedResponse = "automated_security_response"

var (
	loginTokens      = map[string]bool{"login": true, "logon": true, "signin": true, "authenticate": true}
	permissionTokens = map[string]bool{"permission": true, "permissions": true, "role": true, "roles": true, "privilege": true, "privileges": true}
	exportTokens     = map[string]bool{"export": true, "exported": true, "download": true}
	failureTokens    = map[string]bool{"failed": true, "failure": true, "fail": true, "denied": true}
)

// tokens splits event_type and action into lowercase words on any
// non-alphanumeric separator ("auth_login_failed" -> auth, login, failed).
func (e *Event) tokens() []string {
	split := func(s string) []string {
		return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}
	return append(split(e.EventType), split(e.Action)...)
}

func (e *Event) hasToken(set map[string]bool) bool {
	for _, t := range e.tokens() {
		if set[t] {
			return true
		}
	}
	return false
}

// IsLogin reports whether the event is an authentication attempt.
func (e *Event) IsLogin() bool {
	return e.hasToken(loginTokens)
}

// IsFailedLogin reports whether the event is an unsuccessful authentication attempt.
func (e *Event) IsFailedLogin() bool {
	return e.IsLogin() && (!e.Success || e.hasToken(failureTokens))
}

// IsSuccessfulLogin reports whether the event is a successful authentication.
func (e *Event) IsSuccessfulLogin() bool {
	return e.IsLogin() && e.Success && !e.hasToken(failureTokens)
}

// IsPermissionChange reports whether the event changes roles or permissions.
func (e *Event) IsPermissionChange() bool {
	return e.hasToken(permissionTokens)
}

// IsBulkExport reports whether the event exports data.
func (e *Event) IsBulkExport() bool {
	return e.hasToken(exportTokens)
}

// IsUnauthorized reports whether the event is marked as unauthorized, either in
// its event type or through a critical risk level.
func (e *Event) IsUnauthorized() bool {
	return strings.Contains(strings.ToLower(e.EventType), "unauthorized") || e.RiskLevel == RiskCritical
}

// IsAutomatedResponse reports whether the event was written by the engine itself.
func (e *Event) IsAutomatedResponse() bool {
	return e.EventType == EventTypeAutomatedResponse
}
