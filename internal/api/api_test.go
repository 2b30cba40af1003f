package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/config"
	"boundary-risk/internal/engine"
	"boundary-risk/internal/storage"
	"boundary-risk/internal/threat"
)

var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *engine.Service {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.Validation = audit.ValidatorConfig{MaxFuture: time.Hour}
	cfg.Analysis.Interval = 0
	cfg.Intel.Interval = 0

	store := storage.NewMemoryStore(1000)
	svc, err := engine.New(cfg, engine.Dependencies{
		Source:      store,
		Recorder:    store,
		AuditWriter: store,
		Sink:        store,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func newTestServer(t *testing.T, svc *engine.Service) http.Handler {
	t.Helper()
	srv := NewServer(config.DefaultConfig().Server, svc, testLogger())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func bruteForce(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"user_id":    "user-1",
		"event_type": "login_failed",
		"action":     "login",
		"risk_level": "medium",
		"success":    false,
		"created_at": noon,
		"ip_address": "203.0.113.7",
		"metadata":   map[string]any{"consecutive_failures": 8},
	}
}

func pageView(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"user_id":    "user-2",
		"event_type": "page_view",
		"action":     "view",
		"risk_level": "low",
		"success":    true,
		"created_at": noon,
	}
}

func TestHandleEvents(t *testing.T) {
	svc := newTestService(t)
	svc.Start(context.Background())
	h := newTestServer(t, svc)

	invalid := pageView("evt-bad")
	invalid["risk_level"] = "severe"

	tests := []struct {
		name     string
		body     any
		status   int
		accepted int
		rejected int
	}{
		{"empty batch", IngestRequest{}, http.StatusBadRequest, 0, 0},
		{"mixed batch", map[string]any{"events": []any{bruteForce("e1"), pageView("e2"), invalid}}, http.StatusMultiStatus, 2, 1},
		{"all invalid", map[string]any{"events": []any{invalid}}, http.StatusBadRequest, 0, 1},
		{"valid batch", map[string]any{"events": []any{pageView("e3")}}, http.StatusAccepted, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/events", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.accepted+tt.rejected == 0 {
				return
			}
			resp := decodeBody[IngestResponse](t, w)
			if resp.Accepted != tt.accepted || resp.Rejected != tt.rejected {
				t.Errorf("accepted/rejected = %d/%d, want %d/%d", resp.Accepted, resp.Rejected, tt.accepted, tt.rejected)
			}
			if resp.RequestID == "" {
				t.Error("missing request id")
			}
		})
	}
}

func TestHandleEvents_MalformedAndTooLarge(t *testing.T) {
	svc := newTestService(t)
	h := NewHandler(svc, testLogger()).WithMaxPayload(64)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	if w := do(t, mux, http.MethodPost, "/v1/events", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed: status = %d", w.Code)
	}
	big := map[string]any{"events": []any{bruteForce("e1"), bruteForce("e2")}}
	if w := do(t, mux, http.MethodPost, "/v1/events", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("too large: status = %d", w.Code)
	}
}

func TestHandleEvents_MonitorUnavailable(t *testing.T) {
	svc := newTestService(t)
	svc.Start(context.Background())
	svc.Stop()
	h := newTestServer(t, svc)

	w := do(t, h, http.MethodPost, "/v1/events", map[string]any{"events": []any{pageView("e1")}})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestHandleEvaluate(t *testing.T) {
	h := newTestServer(t, newTestService(t))

	w := do(t, h, http.MethodPost, "/v1/events/evaluate", bruteForce("e1"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	resp := decodeBody[EvaluateResponse](t, w)
	if !resp.Matched || resp.Incident.IncidentType != threat.TypeBruteForce {
		t.Errorf("response = %+v", resp)
	}

	w = do(t, h, http.MethodPost, "/v1/events/evaluate", pageView("e2"))
	if resp := decodeBody[EvaluateResponse](t, w); resp.Matched || resp.Incident != nil {
		t.Errorf("page view should not match: %+v", resp)
	}

	bad := pageView("")
	w = do(t, h, http.MethodPost, "/v1/events/evaluate", bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid event status = %d", w.Code)
	}
	if body := decodeBody[APIError](t, w); !strings.Contains(body.Error, "invalid event") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestIncidentRoutes(t *testing.T) {
	h := newTestServer(t, newTestService(t))

	w := do(t, h, http.MethodPost, "/v1/events/evaluate", bruteForce("e1"))
	id := decodeBody[EvaluateResponse](t, w).Incident.ID

	list := decodeBody[IncidentList](t, do(t, h, http.MethodGet, "/v1/incidents?status=active", nil))
	if list.Total != 1 || list.Incidents[0].ID != id {
		t.Fatalf("incidents = %+v", list)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"get incident", http.MethodGet, "/v1/incidents/" + id, nil, http.StatusOK},
		{"get unknown", http.MethodGet, "/v1/incidents/missing", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/incidents?status=closed", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/incidents?limit=-1", nil, http.StatusBadRequest},
		{"investigate", http.MethodPost, "/v1/incidents/" + id + "/status", StatusRequest{Status: threat.StatusInvestigating}, http.StatusOK},
		{"move backwards", http.MethodPost, "/v1/incidents/" + id + "/status", StatusRequest{Status: threat.StatusActive}, http.StatusConflict},
		{"unknown status", http.MethodPost, "/v1/incidents/" + id + "/status", StatusRequest{Status: "closed"}, http.StatusBadRequest},
		{"unknown incident", http.MethodPost, "/v1/incidents/missing/status", StatusRequest{Status: threat.StatusResolved}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, tt.method, tt.path, tt.body); w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}

	list = decodeBody[IncidentList](t, do(t, h, http.MethodGet, "/v1/incidents?status=active", nil))
	if list.Total != 0 {
		t.Errorf("active incidents = %d, want 0", list.Total)
	}
}

func TestAnalysisRoutes(t *testing.T) {
	h := newTestServer(t, newTestService(t))

	if w := do(t, h, http.MethodGet, "/v1/analysis/latest", nil); w.Code != http.StatusNotFound {
		t.Errorf("latest before any run: status = %d", w.Code)
	}

	bad := AnalysisRequest{Start: noon, End: noon.Add(-time.Hour)}
	if w := do(t, h, http.MethodPost, "/v1/analysis", bad); w.Code != http.StatusBadRequest {
		t.Errorf("inverted window: status = %d", w.Code)
	}
	half := map[string]any{"start": noon}
	if w := do(t, h, http.MethodPost, "/v1/analysis", half); w.Code != http.StatusBadRequest {
		t.Errorf("half window: status = %d", w.Code)
	}

	w := do(t, h, http.MethodPost, "/v1/analysis", AnalysisRequest{Start: noon.Add(-time.Hour), End: noon})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodPost, "/v1/analysis", nil); w.Code != http.StatusOK {
		t.Errorf("default window: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/v1/analysis/latest", nil); w.Code != http.StatusOK {
		t.Errorf("latest: status = %d", w.Code)
	}
}

func TestReadOnlyRoutes(t *testing.T) {
	h := newTestServer(t, newTestService(t))
	do(t, h, http.MethodPost, "/v1/events/evaluate", bruteForce("e1"))

	intel := decodeBody[map[string]any](t, do(t, h, http.MethodGet, "/v1/intelligence", nil))
	if intel["active_threats"] != float64(1) {
		t.Errorf("active_threats = %v", intel["active_threats"])
	}

	rules := decodeBody[map[string][]RuleInfo](t, do(t, h, http.MethodGet, "/v1/rules", nil))
	if len(rules["rules"]) != 5 || rules["rules"][0].Name != threat.TypeBruteForce {
		t.Errorf("rules = %+v", rules)
	}

	w := do(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("health: status %d headers %v", w.Code, w.Header())
	}

	w = do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "risk_incidents_created_total") {
		t.Errorf("metrics: status %d", w.Code)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	cfg := config.DefaultConfig().Server
	cfg.Auth.Enabled = true
	cfg.Auth.OperatorTokens = []string{"s3cret"}

	srv := NewServer(cfg, newTestService(t), testLogger())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	h := srv.Handler()

	if w := do(t, h, http.MethodGet, "/v1/incidents", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with token: status = %d", w.Code)
	}
}
