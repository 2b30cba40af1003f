package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
)

// MemoryStore keeps events and alerts in process. It backs development
// runs, replay and tests, and implements the same reader and writer ports
// as the ClickHouse stores.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*audit.Event
	alerts    []*alerting.SecurityAlert
	maxEvents int
}

// NewMemoryStore creates a memory store holding at most maxEvents events.
// Zero means unbounded.
func NewMemoryStore(maxEvents int) *MemoryStore {
	return &MemoryStore{maxEvents: maxEvents}
}

// Add appends events. Once the store is full the oldest events are evicted.
func (s *MemoryStore) Add(events ...*audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e != nil {
			s.events = append(s.events, e)
		}
	}
	if s.maxEvents > 0 && len(s.events) > s.maxEvents {
		sort.SliceStable(s.events, func(i, j int) bool {
			return s.events[i].CreatedAt.Before(s.events[j].CreatedAt)
		})
		drop := len(s.events) - s.maxEvents
		s.events = append(s.events[:0:0], s.events[drop:]...)
	}
}

// WriteEvent appends a single event.
func (s *MemoryStore) WriteEvent(_ context.Context, e *audit.Event) error {
	if e == nil {
		return opError("WriteEvent", "", ErrInvalidData, nil)
	}
	s.Add(e)
	return nil
}

// WriteRecord appends an automated-response record as an event.
func (s *MemoryStore) WriteRecord(_ context.Context, record *audit.Record) error {
	if record == nil {
		return opError("WriteRecord", "", ErrInvalidData, nil)
	}
	s.Add(record.Event())
	return nil
}

// FetchWindow returns events with start <= created_at < end, newest first.
// Ties on created_at are broken by id, descending.
func (s *MemoryStore) FetchWindow(ctx context.Context, start, end time.Time) ([]*audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var out []*audit.Event
	for _, e := range s.events {
		if !e.CreatedAt.Before(start) && e.CreatedAt.Before(end) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// WriteAlert stores an alert.
func (s *MemoryStore) WriteAlert(_ context.Context, alert *alerting.SecurityAlert) error {
	if alert == nil {
		return opError("WriteAlert", "", ErrInvalidData, nil)
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

// Alerts returns a copy of the stored alerts in write order.
func (s *MemoryStore) Alerts() []*alerting.SecurityAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*alerting.SecurityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// ReadEvents decodes one JSON event per line from r. Blank lines are
// skipped. Lines that fail to decode or validate are reported through
// onReject when it is non-nil and otherwise skipped.
func ReadEvents(r io.Reader, validator *audit.Validator, onReject func(line int, err error)) ([]*audit.Event, error) {
	if validator == nil {
		validator = audit.NewValidator()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []*audit.Event
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var e audit.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			if onReject != nil {
				onReject(line, fmt.Errorf("%w: %v", audit.ErrInvalidEvent, err))
			}
			continue
		}
		if err := validator.Validate(&e); err != nil {
			if onReject != nil {
				onReject(line, err)
			}
			continue
		}
		events = append(events, &e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}
