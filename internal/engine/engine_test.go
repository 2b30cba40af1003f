package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/behavior"
	"boundary-risk/internal/response"
	"boundary-risk/internal/storage"
	"boundary-risk/internal/threat"
)

var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	svc      *Service
	store    *storage.MemoryStore
	enforcer *response.MemoryEnforcer
	sink     *alerting.MemorySink
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Validation = audit.ValidatorConfig{MaxFuture: time.Hour}
	cfg.Analysis.Interval = 0
	cfg.Intel.Interval = 0
	cfg.Monitor.Shards = 2
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		store:    storage.NewMemoryStore(1000),
		enforcer: response.NewMemoryEnforcer(),
		sink:     alerting.NewMemorySink(100),
	}
	svc, err := New(cfg, Dependencies{
		Source:      h.store,
		Recorder:    h.store,
		AuditWriter: h.store,
		Sink:        h.sink,
		Enforcer:    h.enforcer,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Stop)
	h.svc = svc
	return h
}

func bruteForce(id string) *audit.Event {
	return &audit.Event{
		ID:        id,
		UserID:    audit.StringPtr("user-1"),
		EventType: "login_failed",
		Action:    "login",
		RiskLevel: audit.RiskMedium,
		Success:   false,
		CreatedAt: noon,
		IPAddress: audit.StringPtr("203.0.113.7"),
		Metadata:  audit.Metadata{"consecutive_failures": 8},
	}
}

func pageView(id string) *audit.Event {
	return &audit.Event{
		ID:        id,
		UserID:    audit.StringPtr("user-2"),
		EventType: "page_view",
		Action:    "view",
		RiskLevel: audit.RiskLow,
		Success:   true,
		CreatedAt: noon,
	}
}

func TestNew_RequiresSource(t *testing.T) {
	if _, err := New(DefaultConfig(), Dependencies{}); err == nil {
		t.Fatal("expected error without an event source")
	}
}

func TestNew_InvalidThreatConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threat.Timezone = "Not/AZone"
	if _, err := New(cfg, Dependencies{Source: storage.NewMemoryStore(10)}); err == nil {
		t.Fatal("expected error for an unknown timezone")
	}
}

func TestIngest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	inc, err := h.svc.Ingest(ctx, bruteForce("evt-1"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if inc == nil {
		t.Fatal("expected an incident")
	}
	if inc.IncidentType != threat.TypeBruteForce || inc.Status != threat.StatusActive {
		t.Errorf("incident = %s/%s", inc.IncidentType, inc.Status)
	}
	if !h.enforcer.IsIPBlocked("203.0.113.7") {
		t.Error("brute force should block the source IP")
	}

	none, err := h.svc.Ingest(ctx, pageView("evt-2"))
	if err != nil || none != nil {
		t.Errorf("Ingest(page_view) = %v, %v; want nil, nil", none, err)
	}

	if got := len(h.svc.Incidents()); got != 1 {
		t.Errorf("Incidents() = %d, want 1", got)
	}
	// Two ingested events plus one automated response record.
	if got := h.store.Len(); got != 3 {
		t.Errorf("store holds %d events, want 3", got)
	}
}

func TestIngest_InvalidEvent(t *testing.T) {
	h := newHarness(t, nil)

	bad := pageView("")
	if _, err := h.svc.Ingest(context.Background(), bad); !errors.Is(err, audit.ErrInvalidEvent) {
		t.Errorf("Ingest() error = %v, want ErrInvalidEvent", err)
	}
	if h.store.Len() != 0 {
		t.Error("invalid events must not be recorded")
	}
}

func TestIngest_WithoutPersistence(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.PersistIngested = false
		c.Threat.AutoResponse = false
	})
	if _, err := h.svc.Ingest(context.Background(), bruteForce("evt-1")); err != nil {
		t.Fatal(err)
	}
	if h.store.Len() != 0 {
		t.Errorf("store holds %d events, want 0", h.store.Len())
	}
	if h.enforcer.IsIPBlocked("203.0.113.7") {
		t.Error("auto response disabled, IP should not be blocked")
	}
}

func TestUpdateIncidentStatus(t *testing.T) {
	h := newHarness(t, nil)
	inc, err := h.svc.Ingest(context.Background(), bruteForce("evt-1"))
	if err != nil || inc == nil {
		t.Fatalf("Ingest() = %v, %v", inc, err)
	}

	tests := []struct {
		name    string
		id      string
		status  threat.Status
		wantErr error
	}{
		{"investigate", inc.ID, threat.StatusInvestigating, nil},
		{"back to active", inc.ID, threat.StatusActive, threat.ErrInvalidTransition},
		{"resolve", inc.ID, threat.StatusResolved, nil},
		{"unknown incident", "missing", threat.StatusResolved, threat.ErrIncidentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.svc.UpdateIncidentStatus(tt.id, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UpdateIncidentStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := h.svc.Incident(inc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != threat.StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
}

func TestAnalyze(t *testing.T) {
	h := newHarness(t, nil)
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		e := bruteForce(id)
		e.CreatedAt = noon.Add(time.Duration(i) * time.Minute)
		h.store.Add(e)
	}

	window := behavior.Window{Start: noon.Add(-time.Hour), End: noon.Add(time.Hour)}
	res, err := h.svc.Analyze(context.Background(), window)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if res.AnalyzedUsers != 1 {
		t.Errorf("AnalyzedUsers = %d, want 1", res.AnalyzedUsers)
	}
	if !res.WindowStart.Equal(window.Start) || !res.WindowEnd.Equal(window.End) {
		t.Errorf("window = %v..%v", res.WindowStart, res.WindowEnd)
	}
	if h.svc.LatestAnalysis() != res {
		t.Error("LatestAnalysis() should return the last result")
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Analyze(ctx, behavior.Window{}); err == nil {
		t.Error("expected error for a cancelled context")
	}
}

func TestIntelligence(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.Ingest(context.Background(), bruteForce("evt-1")); err != nil {
		t.Fatal(err)
	}

	report := h.svc.Intelligence(time.Now().UTC())
	if report.ActiveThreats != 1 {
		t.Errorf("ActiveThreats = %d, want 1", report.ActiveThreats)
	}
	if len(report.ThreatPatterns) != 1 || report.ThreatPatterns[0].Name != threat.TypeBruteForce {
		t.Errorf("ThreatPatterns = %+v", report.ThreatPatterns)
	}
}

func TestMonitorPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	if err := h.svc.Submit(ctx, bruteForce("evt-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := h.svc.TrySubmit(pageView("evt-2")); err != nil {
		t.Fatalf("TrySubmit() error = %v", err)
	}
	if err := h.svc.TrySubmit(pageView("")); !errors.Is(err, audit.ErrInvalidEvent) {
		t.Errorf("TrySubmit(invalid) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.svc.MonitorStats().Processed < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("monitor processed %d events", h.svc.MonitorStats().Processed)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := len(h.svc.Incidents()); got != 1 {
		t.Errorf("Incidents() = %d, want 1", got)
	}

	h.svc.Stop()
	h.svc.Stop()
	if err := h.svc.TrySubmit(pageView("evt-3")); err == nil {
		t.Error("expected error after Stop")
	}
}

func TestStop_FinishesAcceptedEvents(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Monitor.Shards = 1
		c.Monitor.QueueSize = 64
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	for i := 0; i < 40; i++ {
		if err := h.svc.Submit(ctx, pageView(fmt.Sprintf("evt-%d", i))); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	h.svc.Stop()

	if s := h.svc.MonitorStats(); s.Processed != 40 || s.Dropped != 0 {
		t.Errorf("MonitorStats() = %+v, want all 40 processed", s)
	}
}

func TestRules(t *testing.T) {
	h := newHarness(t, nil)
	rules := h.svc.Rules()
	if len(rules) != 5 || rules[0].Name != threat.TypeBruteForce {
		t.Errorf("Rules() = %+v", rules)
	}
}
