package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuth(t *testing.T) {
	cfg := DefaultAuthConfig()
	cfg.Enabled = true
	cfg.IngestTokens = []string{"ingest-secret"}
	cfg.OperatorTokens = []string{"operator-secret"}

	var gotRole Role
	handler := Auth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRole, _ = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		status   int
		wantRole Role
	}{
		{"public health", http.MethodGet, "/health", "", http.StatusOK, ""},
		{"missing token", http.MethodGet, "/v1/incidents", "", http.StatusUnauthorized, ""},
		{"wrong token", http.MethodGet, "/v1/incidents", "guess", http.StatusUnauthorized, ""},
		{"operator reads incidents", http.MethodGet, "/v1/incidents", "operator-secret", http.StatusOK, RoleOperator},
		{"ingest submits events", http.MethodPost, "/v1/events", "ingest-secret", http.StatusOK, RoleIngest},
		{"ingest evaluates events", http.MethodPost, "/v1/events/evaluate", "ingest-secret", http.StatusOK, RoleIngest},
		{"ingest cannot resolve incidents", http.MethodPost, "/v1/incidents/x/status", "ingest-secret", http.StatusForbidden, ""},
		{"ingest prefix is not a substring match", http.MethodPost, "/v1/eventsx", "ingest-secret", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRole = ""
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if gotRole != tt.wantRole {
				t.Errorf("role = %q, want %q", gotRole, tt.wantRole)
			}
			if w.Code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestAuth_Disabled(t *testing.T) {
	handler := Auth(DefaultAuthConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/incidents", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMatchToken_IgnoresEmpty(t *testing.T) {
	if matchToken([]string{""}, "") {
		t.Error("empty token must never match")
	}
}
