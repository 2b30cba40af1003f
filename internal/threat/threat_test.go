package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
)

// noon is inside business hours in UTC.
var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testEvent(eventType string, meta audit.Metadata) *audit.Event {
	return &audit.Event{
		ID:        "evt-1",
		UserID:    audit.StringPtr("user-1"),
		EventType: eventType,
		Action:    eventType,
		RiskLevel: audit.RiskLow,
		Success:   true,
		CreatedAt: noon,
		IPAddress: audit.StringPtr("203.0.113.7"),
		Metadata:  meta,
	}
}

// jsonMetadata decodes raw the way the Kafka consumer and event readers do,
// so numbers arrive as float64.
func jsonMetadata(t *testing.T, raw string) audit.Metadata {
	t.Helper()
	var m audit.Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	return m
}

type recordingResponder struct {
	mu        sync.Mutex
	incidents []*Incident
	panics    bool
}

func (r *recordingResponder) Respond(_ context.Context, inc *Incident) {
	r.mu.Lock()
	r.incidents = append(r.incidents, inc)
	r.mu.Unlock()
	if r.panics {
		panic("enforcer exploded")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*alerting.SecurityAlert
}

func (p *recordingPublisher) Publish(_ context.Context, a *alerting.SecurityAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

func newTestEngine(t *testing.T, cfg EngineConfig, pub AlertPublisher, resp Responder) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, NewIncidentStore(cfg.IncidentCapacity), pub, resp, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestEngine_BruteForceScenario(t *testing.T) {
	resp := &recordingResponder{}
	pub := &recordingPublisher{}
	e := newTestEngine(t, DefaultEngineConfig(), pub, resp)

	ev := testEvent("auth_login_failed", audit.Metadata{"consecutive_failures": 6})
	ev.Success = false

	inc := e.Evaluate(context.Background(), ev)
	if inc == nil {
		t.Fatal("expected incident")
	}
	if inc.IncidentType != TypeBruteForce || inc.Severity != audit.RiskHigh || inc.AutoResponse != ActionBlockUserIP {
		t.Errorf("incident = %s/%s/%s", inc.IncidentType, inc.Severity, inc.AutoResponse)
	}
	if inc.Status != StatusActive {
		t.Errorf("Status = %s, want active", inc.Status)
	}
	// high 75 + failed 10
	if inc.ThreatScore != 85 || inc.Metadata["threat_score"] != 85 {
		t.Errorf("ThreatScore = %d, metadata %v", inc.ThreatScore, inc.Metadata["threat_score"])
	}
	if inc.Metadata["event_id"] != "evt-1" || inc.Metadata["ip_address"] != "203.0.113.7" {
		t.Errorf("metadata = %v", inc.Metadata)
	}

	if len(resp.incidents) != 1 || resp.incidents[0].ID != inc.ID {
		t.Fatalf("responder calls = %d", len(resp.incidents))
	}
	if len(pub.alerts) != 1 || pub.alerts[0].AlertType != TypeBruteForce {
		t.Fatalf("alerts = %+v", pub.alerts)
	}
	if pub.alerts[0].Metadata["incident_id"] != inc.ID {
		t.Error("alert should reference the incident id")
	}
	if e.Store().Len() != 1 {
		t.Errorf("store has %d incidents", e.Store().Len())
	}
}

func TestEngine_AfterHoursScenario(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig(), nil, nil)
	ev := testEvent("document_view", nil)
	ev.CreatedAt = time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)

	inc := e.Evaluate(context.Background(), ev)
	if inc == nil {
		t.Fatal("expected incident")
	}
	if inc.IncidentType != TypeAfterHoursAccess || inc.Severity != audit.RiskMedium || inc.AutoResponse != ActionLogDetailed {
		t.Errorf("incident = %s/%s/%s", inc.IncidentType, inc.Severity, inc.AutoResponse)
	}
	if inc.ThreatScore != 50 {
		t.Errorf("ThreatScore = %d, want 50", inc.ThreatScore)
	}
}

func TestEngine_Rules(t *testing.T) {
	tests := []struct {
		name  string
		event func() *audit.Event
		want  string
	}{
		{
			name:  "no match during business hours",
			event: func() *audit.Event { return testEvent("document_view", nil) },
			want:  "",
		},
		{
			name: "brute force needs more than five",
			event: func() *audit.Event {
				ev := testEvent("auth_login_failed", audit.Metadata{"consecutive_failures": 5})
				ev.Success = false
				return ev
			},
			want: "",
		},
		{
			name: "brute force wins over privilege escalation",
			event: func() *audit.Event {
				ev := testEvent("login_role_change", audit.Metadata{"consecutive_failures": 9, "new_role": "admin"})
				ev.Success = false
				return ev
			},
			want: TypeBruteForce,
		},
		{
			name:  "privilege escalation",
			event: func() *audit.Event { return testEvent("user_role_updated", audit.Metadata{"new_role": "Admin"}) },
			want:  TypePrivilegeEscalation,
		},
		{
			name:  "role fallback key",
			event: func() *audit.Event { return testEvent("permission_change", audit.Metadata{"role": "admin"}) },
			want:  TypePrivilegeEscalation,
		},
		{
			name:  "non-admin role",
			event: func() *audit.Event { return testEvent("permission_change", audit.Metadata{"new_role": "instructor"}) },
			want:  "",
		},
		{
			name:  "data exfiltration",
			event: func() *audit.Event { return testEvent("bulk_export", audit.Metadata{"record_count": 1001}) },
			want:  TypeDataExfiltration,
		},
		{
			name:  "json-decoded record count past int32",
			event: func() *audit.Event { return testEvent("data_export", jsonMetadata(t, `{"record_count": 5000000000}`)) },
			want:  TypeDataExfiltration,
		},
		{
			name: "json-decoded failure count",
			event: func() *audit.Event {
				ev := testEvent("auth_login_failed", jsonMetadata(t, `{"consecutive_failures": 3000000000}`))
				ev.Success = false
				return ev
			},
			want: TypeBruteForce,
		},
		{
			name:  "export at threshold",
			event: func() *audit.Event { return testEvent("bulk_export", audit.Metadata{"record_count": 1000}) },
			want:  "",
		},
		{
			name:  "malformed record count fails closed",
			event: func() *audit.Event { return testEvent("bulk_export", audit.Metadata{"record_count": "lots"}) },
			want:  "",
		},
		{
			name: "unusual location",
			event: func() *audit.Event {
				return testEvent("document_view", audit.Metadata{
					"ip_geolocation": "Lagos, Nigeria",
					"usual_location": map[string]any{"city": "Berlin", "country": "Germany"},
				})
			},
			want: TypeUnusualLocation,
		},
		{
			name: "same location",
			event: func() *audit.Event {
				return testEvent("document_view", audit.Metadata{
					"ip_geolocation": "Berlin, Germany",
					"usual_location": "berlin, germany",
				})
			},
			want: "",
		},
		{
			name: "after hours at six",
			event: func() *audit.Event {
				ev := testEvent("document_view", nil)
				ev.CreatedAt = time.Date(2025, 3, 10, 6, 59, 0, 0, time.UTC)
				return ev
			},
			want: TypeAfterHoursAccess,
		},
		{
			name: "seven is business hours",
			event: func() *audit.Event {
				ev := testEvent("document_view", nil)
				ev.CreatedAt = time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
				return ev
			},
			want: "",
		},
		{
			name: "automated records never match",
			event: func() *audit.Event {
				ev := (&audit.Record{UserID: "user-1", IncidentID: "x", ResponseAction: "LOG_DETAILED"}).Event()
				ev.CreatedAt = time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
				return ev
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, DefaultEngineConfig(), nil, nil)
			inc := e.Evaluate(context.Background(), tt.event())
			got := ""
			if inc != nil {
				got = inc.IncidentType
			}
			if got != tt.want {
				t.Errorf("incident type = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_AtMostOneIncidentPerEvent(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig(), nil, nil)
	ev := testEvent("login_permission_export", audit.Metadata{
		"consecutive_failures": 10,
		"new_role":             "admin",
		"record_count":         5000,
		"ip_geolocation":       "Tokyo, Japan",
		"usual_location":       "Paris, France",
	})
	ev.Success = false
	ev.CreatedAt = time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)

	inc := e.Evaluate(context.Background(), ev)
	if inc == nil || inc.IncidentType != TypeBruteForce {
		t.Fatalf("expected BRUTE_FORCE_ATTACK, got %+v", inc)
	}
	if e.Store().Len() != 1 {
		t.Errorf("store has %d incidents, want 1", e.Store().Len())
	}
}

func TestEngine_LocationBaseline(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig(), nil, nil)
	at := func(loc string) *audit.Event {
		return testEvent("document_view", audit.Metadata{"ip_geolocation": loc})
	}

	if inc := e.Evaluate(context.Background(), at("Berlin, Germany")); inc != nil {
		t.Fatalf("first sighting should set the baseline, got %s", inc.IncidentType)
	}
	if inc := e.Evaluate(context.Background(), at("Berlin, Germany")); inc != nil {
		t.Fatalf("same location should not match, got %s", inc.IncidentType)
	}
	inc := e.Evaluate(context.Background(), at("Lagos, Nigeria"))
	if inc == nil || inc.IncidentType != TypeUnusualLocation {
		t.Fatalf("expected UNUSUAL_LOCATION, got %+v", inc)
	}

	cfg := DefaultEngineConfig()
	cfg.LocationBaselineSize = 0
	disabled := newTestEngine(t, cfg, nil, nil)
	disabled.Evaluate(context.Background(), at("Berlin, Germany"))
	if inc := disabled.Evaluate(context.Background(), at("Lagos, Nigeria")); inc != nil {
		t.Errorf("disabled baseline should never match, got %s", inc.IncidentType)
	}
}

func TestEngine_FirstMatchFeedsBaseline(t *testing.T) {
	e := newTestEngine(t, DefaultEngineConfig(), nil, nil)
	seen := testEvent("document_view", audit.Metadata{"usual_location": "Berlin, Germany", "ip_geolocation": "Berlin, Germany"})

	if rule, _ := e.firstMatch(seen); rule != nil {
		t.Fatalf("firstMatch() = %s, want no match", rule.Name)
	}
	if e.Store().Len() != 0 {
		t.Errorf("firstMatch created %d incidents", e.Store().Len())
	}

	// The explicit usual_location was recorded, so a later event without one
	// is judged against it.
	inc := e.Evaluate(context.Background(), testEvent("document_view", audit.Metadata{"ip_geolocation": "Lagos, Nigeria"}))
	if inc == nil || inc.IncidentType != TypeUnusualLocation {
		t.Fatalf("expected UNUSUAL_LOCATION from the recorded baseline, got %+v", inc)
	}
}

func TestEngine_Timezone(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Timezone = "Asia/Tokyo"
	e, err := NewEngine(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}

	// 12:00 UTC is 21:00 in Tokyo, 14:00 UTC is 23:00.
	if inc := e.Evaluate(context.Background(), testEvent("document_view", nil)); inc != nil {
		t.Errorf("21:00 local should not match, got %s", inc.IncidentType)
	}
	ev := testEvent("document_view", nil)
	ev.CreatedAt = noon.Add(2 * time.Hour)
	if inc := e.Evaluate(context.Background(), ev); inc == nil || inc.IncidentType != TypeAfterHoursAccess {
		t.Errorf("23:00 local should be after hours, got %+v", inc)
	}
}

func TestEngine_AutoResponseDisabled(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.AutoResponse = false
	resp := &recordingResponder{}
	e := newTestEngine(t, cfg, nil, resp)

	ev := testEvent("bulk_export", audit.Metadata{"record_count": 2000})
	if inc := e.Evaluate(context.Background(), ev); inc == nil {
		t.Fatal("expected incident")
	}
	if len(resp.incidents) != 0 {
		t.Error("responder should not run when auto-response is disabled")
	}
}

func TestEngine_ResponderPanicDoesNotLoseIncident(t *testing.T) {
	resp := &recordingResponder{panics: true}
	e := newTestEngine(t, DefaultEngineConfig(), nil, resp)

	inc := e.Evaluate(context.Background(), testEvent("bulk_export", audit.Metadata{"record_count": 2000}))
	if inc == nil || inc.Status != StatusActive {
		t.Fatalf("expected active incident, got %+v", inc)
	}
	if e.Store().Len() != 1 {
		t.Error("incident should be stored despite responder panic")
	}
}

func TestThreatScore(t *testing.T) {
	tests := []struct {
		name     string
		severity audit.RiskLevel
		admin    bool
		failed   bool
		critical bool
		want     int
	}{
		{"low", audit.RiskLow, false, false, false, 20},
		{"medium", audit.RiskMedium, false, false, false, 50},
		{"high", audit.RiskHigh, false, false, false, 75},
		{"critical", audit.RiskCritical, false, false, false, 95},
		{"medium admin", audit.RiskMedium, true, false, false, 65},
		{"medium all modifiers", audit.RiskMedium, true, true, true, 95},
		{"low failed critical", audit.RiskLow, false, true, true, 50},
		{"critical clamped", audit.RiskCritical, true, true, true, 100},
		{"high clamped", audit.RiskHigh, true, true, false, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent("x", audit.Metadata{"is_admin": tt.admin})
			ev.Success = !tt.failed
			if tt.critical {
				ev.RiskLevel = audit.RiskCritical
			}
			if got := ThreatScore(tt.severity, ev); got != tt.want {
				t.Errorf("ThreatScore() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIncidentStore_CopyOnRead(t *testing.T) {
	s := NewIncidentStore(0)
	inc := &Incident{ID: "a", Status: StatusActive, Metadata: map[string]any{"k": "v"}}
	s.Add(inc)

	inc.Metadata["k"] = "mutated"
	snap := s.Snapshot()
	if snap[0].Metadata["k"] != "v" {
		t.Error("store shares metadata with the caller")
	}

	snap[0].Status = StatusResolved
	if got, _ := s.Get("a"); got.Status != StatusActive {
		t.Error("snapshot shares state with the store")
	}
}

func TestIncidentStore_Capacity(t *testing.T) {
	s := NewIncidentStore(3)
	for i := 0; i < 5; i++ {
		s.Add(&Incident{ID: fmt.Sprintf("i%d", i), Status: StatusActive})
	}
	if s.Len() != 3 || s.Evicted() != 2 {
		t.Fatalf("Len=%d Evicted=%d", s.Len(), s.Evicted())
	}
	if _, err := s.Get("i0"); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("oldest incident should be evicted, err = %v", err)
	}
	if snap := s.Snapshot(); snap[0].ID != "i2" || snap[2].ID != "i4" {
		t.Errorf("unexpected order %s..%s", snap[0].ID, snap[2].ID)
	}
}

func TestIncidentStore_UpdateStatus(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr error
	}{
		{"investigate then resolve", []Status{StatusInvestigating, StatusResolved}, nil},
		{"resolve directly", []Status{StatusResolved}, nil},
		{"reopen rejected", []Status{StatusResolved, StatusActive}, ErrInvalidTransition},
		{"same status rejected", []Status{StatusActive}, ErrInvalidTransition},
		{"unknown status rejected", []Status{"closed"}, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewIncidentStore(0)
			s.Add(&Incident{ID: "a", Status: StatusActive})

			var err error
			for _, st := range tt.path {
				if _, err = s.UpdateStatus("a", st, noon); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	s := NewIncidentStore(0)
	if _, err := s.UpdateStatus("missing", StatusResolved, noon); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("err = %v, want ErrIncidentNotFound", err)
	}
}

func TestIncidentStore_ConcurrentAccess(t *testing.T) {
	s := NewIncidentStore(100)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Add(&Incident{ID: fmt.Sprintf("%d-%d", w, i), Status: StatusActive})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Snapshot()
			}
		}()
	}
	wg.Wait()

	if s.Len() != 100 {
		t.Errorf("Len = %d, want 100", s.Len())
	}
}
