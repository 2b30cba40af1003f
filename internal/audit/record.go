package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record is the audit-style entry written for every automated response.
type Record struct {
	ID             string
	UserID         string
	Description    string
	IncidentID     string
	ResponseAction string
	RiskLevel      RiskLevel
	Enforced       bool
	CreatedAt      time.Time
}

// Event converts the record into an audit event so it lands in the same log as
// every other action.
func (r *Record) Event() *Event {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	level := r.RiskLevel
	if !level.IsValid() {
		level = RiskMedium
	}

	return &Event{
		ID:            id,
		UserID:        StringPtr(r.UserID),
		EventType:     EventTypeAutomatedResponse,
		EventCategory: "security",
		Action:        "auto_response",
		Description:   r.Description,
		EntityType:    StringPtr("security_incident"),
		EntityID:      StringPtr(r.IncidentID),
		RiskLevel:     level,
		Success:       true,
		CreatedAt:     createdAt,
		Metadata: Metadata{
			KeyIncidentID:     r.IncidentID,
			KeyResponseAction: r.ResponseAction,
			KeyAutomated:      true,
			"enforced":        r.Enforced,
		},
	}
}
