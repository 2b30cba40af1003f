// Package alerting publishes security alerts to the alert store and to
// notification channels.
package alerting

import (
	"context"
	"sync"
	"time"

	"boundary-risk/internal/audit"

	"github.com/google/uuid"
)

// Alert types emitted by the engine besides the per-incident rule names.
const (
	TypeBehaviorAnalysis = "behavior_analysis"
	TypeAdminEscalation  = "admin_escalation"
)

// SecurityAlert is a write-only notification record.
type SecurityAlert struct {
	ID          uuid.UUID       `json:"id"`
	AlertType   string          `json:"alert_type"`
	Severity    audit.RiskLevel `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	UserID      *string         `json:"user_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Sink persists alerts. Implementations must be safe for concurrent use.
type Sink interface {
	WriteAlert(ctx context.Context, alert *SecurityAlert) error
}

// Notifier delivers an alert to an external channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *SecurityAlert) error
}

// MemorySink keeps alerts in memory. Used in development and tests.
type MemorySink struct {
	mu     sync.RWMutex
	alerts []*SecurityAlert
	max    int
}

// NewMemorySink creates a sink that retains at most max alerts (0 = unbounded).
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

func (s *MemorySink) WriteAlert(_ context.Context, alert *SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, alert)
	if s.max > 0 && len(s.alerts) > s.max {
		s.alerts = s.alerts[len(s.alerts)-s.max:]
	}
	return nil
}

// Alerts returns a copy of the stored alerts, oldest first.
func (s *MemorySink) Alerts() []*SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SecurityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Len returns the number of stored alerts.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
