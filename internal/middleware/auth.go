package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role is the privilege attached to an API token.
type Role string

const (
	// RoleIngest may only submit events.
	RoleIngest Role = "ingest"
	// RoleOperator may call every route.
	RoleOperator Role = "operator"
)

// AuthConfig configures static bearer-token authentication.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled"`
	IngestTokens   []string `yaml:"ingest_tokens"`
	OperatorTokens []string `yaml:"operator_tokens"`
	// PublicPaths skip authentication entirely.
	PublicPaths []string `yaml:"public_paths"`
	// IngestPaths are the path prefixes an ingest token may reach.
	IngestPaths []string `yaml:"ingest_paths"`
}

// DefaultAuthConfig returns auth disabled with the standard path sets.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		PublicPaths: []string{"/health", "/metrics"},
		IngestPaths: []string{"/v1/events"},
	}
}

type roleKey struct{}

// RoleFromContext returns the role of the authenticated caller.
func RoleFromContext(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey{}).(Role)
	return role, ok
}

// Auth returns middleware that requires a bearer token on every non-public
// path. Ingest tokens are confined to IngestPaths.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasPath(cfg.PublicPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}

			var role Role
			switch {
			case matchToken(cfg.OperatorTokens, token):
				role = RoleOperator
			case matchToken(cfg.IngestTokens, token):
				role = RoleIngest
			default:
				writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
				return
			}

			if role == RoleIngest && !hasPrefix(cfg.IngestPaths, r.URL.Path) {
				writeAuthError(w, http.StatusForbidden, "FORBIDDEN", "token may only submit events")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleKey{}, role)))
		})
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// matchToken compares against every candidate so timing does not reveal
// which one matched.
func matchToken(candidates []string, token string) bool {
	found := 0
	for _, c := range candidates {
		if c == "" {
			continue
		}
		found |= subtle.ConstantTimeCompare([]byte(c), []byte(token))
	}
	return found == 1
}

func hasPath(paths []string, path string) bool {
	for _, p := range paths {
		if p == path {
			return true
		}
	}
	return false
}

func hasPrefix(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="risk-engine"`)
	}
	w.WriteHeader(status)
	w.Write([]byte(`{"code":"` + code + `","message":"` + msg + `"}`))
}
