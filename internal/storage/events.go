package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"boundary-risk/internal/audit"
)

const (
	tableAuditEvents = "audit_events"
	tableAlerts      = "security_alerts"
	tableQuarantine  = "events_quarantine"
)

const eventColumns = `id, user_id, event_type, event_category, action,
	entity_type, entity_id, risk_level, success, ip_address,
	description, metadata, created_at`

// EventStore reads the audit event log and appends automated-response
// records to it.
type EventStore struct {
	client *ClickHouseClient
}

// NewEventStore creates an event store.
func NewEventStore(client *ClickHouseClient) *EventStore {
	return &EventStore{client: client}
}

// FetchWindow returns events with start <= created_at < end, newest first.
func (s *EventStore) FetchWindow(ctx context.Context, start, end time.Time) ([]*audit.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.queryTimeout())
	defer cancel()

	rows, err := s.client.Query(ctx, `
		SELECT `+eventColumns+`
		FROM `+tableAuditEvents+`
		WHERE created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, opError("FetchWindow", tableAuditEvents, ErrQueryFailed, err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.EventType, &r.EventCategory, &r.Action,
			&r.EntityType, &r.EntityID, &r.RiskLevel, &r.Success, &r.IPAddress,
			&r.Description, &r.Metadata, &r.CreatedAt,
		); err != nil {
			return nil, opError("FetchWindow", tableAuditEvents, ErrQueryFailed, err)
		}
		events = append(events, r.event())
	}
	if err := rows.Err(); err != nil {
		return nil, opError("FetchWindow", tableAuditEvents, ErrQueryFailed, err)
	}
	return events, nil
}

// WriteRecord appends an automated-response record as an audit event.
func (s *EventStore) WriteRecord(ctx context.Context, record *audit.Record) error {
	if record == nil {
		return opError("WriteRecord", tableAuditEvents, ErrInvalidData, nil)
	}
	return s.insert(ctx, "WriteRecord", record.Event())
}

// WriteEvent appends an ingested event.
func (s *EventStore) WriteEvent(ctx context.Context, e *audit.Event) error {
	if e == nil {
		return opError("WriteEvent", tableAuditEvents, ErrInvalidData, nil)
	}
	return s.insert(ctx, "WriteEvent", e)
}

func (s *EventStore) insert(ctx context.Context, op string, e *audit.Event) error {
	row, err := newEventRow(e)
	if err != nil {
		return opError(op, tableAuditEvents, nil, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.client.queryTimeout())
	defer cancel()

	if err := s.client.Exec(ctx,
		`INSERT INTO `+tableAuditEvents+` (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.args()...,
	); err != nil {
		return opError(op, tableAuditEvents, ErrQueryFailed, err)
	}
	return nil
}

// eventRow mirrors the audit_events columns.
type eventRow struct {
	ID            string
	UserID        *string
	EventType     string
	EventCategory string
	Action        string
	EntityType    *string
	EntityID      *string
	RiskLevel     string
	Success       bool
	IPAddress     *string
	Description   string
	Metadata      string
	CreatedAt     time.Time
}

func newEventRow(e *audit.Event) (*eventRow, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidData, err)
		}
		meta = string(data)
	}
	return &eventRow{
		ID:            e.ID,
		UserID:        e.UserID,
		EventType:     e.EventType,
		EventCategory: e.EventCategory,
		Action:        e.Action,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		RiskLevel:     string(e.RiskLevel),
		Success:       e.Success,
		IPAddress:     e.IPAddress,
		Description:   e.Description,
		Metadata:      meta,
		CreatedAt:     e.CreatedAt.UTC(),
	}, nil
}

func (r *eventRow) args() []any {
	return []any{
		r.ID, r.UserID, r.EventType, r.EventCategory, r.Action,
		r.EntityType, r.EntityID, r.RiskLevel, r.Success, r.IPAddress,
		r.Description, r.Metadata, r.CreatedAt,
	}
}

// event converts a row back into an event. Malformed metadata is dropped
// rather than failing the whole window.
func (r *eventRow) event() *audit.Event {
	e := &audit.Event{
		ID:            r.ID,
		UserID:        r.UserID,
		EventType:     r.EventType,
		EventCategory: r.EventCategory,
		Action:        r.Action,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		RiskLevel:     audit.RiskLevel(r.RiskLevel),
		Success:       r.Success,
		IPAddress:     r.IPAddress,
		Description:   r.Description,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		var meta audit.Metadata
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err == nil {
			e.Metadata = meta
		}
	}
	return e
}
