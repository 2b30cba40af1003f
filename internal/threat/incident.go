// Package threat evaluates single audit events against the ordered threat rule
// set and keeps the resulting security incidents.
package threat

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"boundary-risk/internal/audit"
)

var (
	// ErrIncidentNotFound is returned when an incident id is unknown.
	ErrIncidentNotFound = errors.New("incident not found")
	// ErrInvalidTransition is returned for status changes that move backwards.
	ErrInvalidTransition = errors.New("invalid incident status transition")
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 1
	case StatusInvestigating:
		return 2
	case StatusResolved:
		return 3
	}
	return 0
}

// IsValid checks if the status is a known value.
func (s Status) IsValid() bool {
	return s.rank() > 0
}

// CanTransitionTo reports whether s may move to next. Status only moves forward.
func (s Status) CanTransitionTo(next Status) bool {
	return next.IsValid() && next.rank() > s.rank()
}

// Incident is one rule match on one event.
type Incident struct {
	ID           string          `json:"id"`
	IncidentType string          `json:"incident_type"`
	Severity     audit.RiskLevel `json:"severity"`
	Status       Status          `json:"status"`
	UserID       *string         `json:"user_id,omitempty"`
	Description  string          `json:"description"`
	AutoResponse Action          `json:"auto_response,omitempty"`
	ThreatScore  int             `json:"threat_score"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// User returns the user id, or "".
func (i *Incident) User() string {
	if i.UserID == nil {
		return ""
	}
	return *i.UserID
}

// Clone returns a copy that shares no mutable state with i.
func (i *Incident) Clone() *Incident {
	c := *i
	if i.UserID != nil {
		u := *i.UserID
		c.UserID = &u
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IncidentStore is an append-safe, bounded incident list. Readers always get
// copies, so snapshots can be used without holding any lock.
type IncidentStore struct {
	mu       sync.RWMutex
	items    []*Incident
	index    map[string]*Incident
	capacity int
	evicted  int64
}

// NewIncidentStore creates a store keeping at most capacity incidents
// (0 = unbounded). The oldest incidents are evicted first.
func NewIncidentStore(capacity int) *IncidentStore {
	return &IncidentStore{
		index:    make(map[string]*Incident),
		capacity: capacity,
	}
}

// Add appends a copy of inc.
func (s *IncidentStore) Add(inc *Incident) {
	c := inc.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, c)
	s.index[c.ID] = c

	if s.capacity > 0 && len(s.items) > s.capacity {
		drop := len(s.items) - s.capacity
		for _, old := range s.items[:drop] {
			delete(s.index, old.ID)
		}
		// Copy into a fresh slice so evicted incidents can be collected.
		s.items = append([]*Incident(nil), s.items[drop:]...)
		s.evicted += int64(drop)
	}
}

// Get returns a copy of the incident with the given id.
func (s *IncidentStore) Get(id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return inc.Clone(), nil
}

// Snapshot returns copies of all incidents, oldest first.
func (s *IncidentStore) Snapshot() []*Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Incident, len(s.items))
	for i, inc := range s.items {
		out[i] = inc.Clone()
	}
	return out
}

// UpdateStatus moves an incident forward in its lifecycle.
func (s *IncidentStore) UpdateStatus(id string, status Status, now time.Time) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if !inc.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, status)
	}

	inc.Status = status
	inc.UpdatedAt = now
	return inc.Clone(), nil
}

// Len returns the number of retained incidents.
func (s *IncidentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Evicted returns how many incidents were dropped for capacity.
func (s *IncidentStore) Evicted() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}
