// Package audit defines the audit event model consumed by the risk engine.
// Events are produced by the surrounding application and are never mutated here.
package audit

import (
	"time"
)

// RiskLevel is the four-step severity scale shared by events, incidents and alerts.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid checks if the risk level is a valid value.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Rank orders risk levels from 1 (low) to 4 (critical). Unknown levels rank 0.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether r is at or above min.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.Rank() >= min.Rank()
}

// Event is one immutable record of a user or system action.
type Event struct {
	// Required fields
	ID        string    `json:"id" validate:"required,max=128"`
	EventType string    `json:"event_type" validate:"required,max=128"`
	Action    string    `json:"action" validate:"required,max=128"`
	RiskLevel RiskLevel `json:"risk_level" validate:"required,oneof=low medium high critical"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at" validate:"required"`

	// Optional fields
	UserID        *string  `json:"user_id,omitempty" validate:"omitempty,max=256"`
	EventCategory string   `json:"event_category,omitempty" validate:"max=128"`
	EntityType    *string  `json:"entity_type,omitempty" validate:"omitempty,max=128"`
	EntityID      *string  `json:"entity_id,omitempty" validate:"omitempty,max=256"`
	IPAddress     *string  `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Description   string   `json:"description,omitempty" validate:"max=4096"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

// User returns the user id, or "" when the event has no actor.
func (e *Event) User() string {
	if e.UserID == nil {
		return ""
	}
	return *e.UserID
}

// Entity returns the entity type, or "" when absent.
func (e *Event) Entity() string {
	if e.EntityType == nil {
		return ""
	}
	return *e.EntityType
}

// IP returns the source IP address, or "" when absent.
func (e *Event) IP() string {
	if e.IPAddress == nil {
		return ""
	}
	return *e.IPAddress
}

// LocalHour returns the hour of day the event occurred in loc (UTC when nil).
func (e *Event) LocalHour(loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	return e.CreatedAt.In(loc).Hour()
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
