// Package middleware provides HTTP middleware for the risk engine API.
package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"boundary-risk/internal/metrics"
)

// RateLimitConfig configures per-IP request limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	// TrustProxy reads the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy  bool     `yaml:"trust_proxy"`
	ExemptPaths []string `yaml:"exempt_paths"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Event producers post in bursts, so the per-IP budget is generous.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 6000,
		WindowSize:    time.Minute,
		BurstSize:     1000,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// RateLimiter is a fixed-window per-IP limiter with periodic cleanup of
// idle clients.
type RateLimiter struct {
	cfg         RateLimitConfig
	clients     map[string]*clientState
	mu          sync.RWMutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

type clientState struct {
	count     int64
	windowEnd time.Time
	mu        sync.Mutex
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		stopCleanup: make(chan struct{}),
		logger:      logger,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits in the current window, the
// remaining budget and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, ok := rl.clients[ip]
	if !ok {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.cfg.RequestsPerIP + rl.cfg.BurstSize)
	if client.count >= limit {
		return false, 0, client.windowEnd
	}
	client.count++

	remaining := limit - client.count
	return true, int(remaining), client.windowEnd
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients whose window ended more than one window ago.
func (rl *RateLimiter) cleanup() {
	threshold := time.Now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// RateLimiterStats holds limiter statistics.
type RateLimiterStats struct {
	TrackedIPs    int   `json:"tracked_ips"`
	TotalRequests int64 `json:"total_requests"`
}

// Stats returns current limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var total int64
	for _, client := range rl.clients {
		client.mu.Lock()
		total += client.count
		client.mu.Unlock()
	}
	return RateLimiterStats{TrackedIPs: len(rl.clients), TotalRequests: total}
}

// RateLimit returns middleware enforcing limiter. Rejected requests get 429
// with a Retry-After header.
func RateLimit(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := limiter.cfg

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.IsExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r, cfg.TrustProxy)
			allowed, remaining, reset := limiter.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerIP+cfg.BurstSize))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

			if !allowed {
				metrics.RateLimited.Inc()
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)

				retryAfter := int(time.Until(reset).Seconds()) + 1
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address. With trustProxy it prefers the
// rightmost X-Forwarded-For entry, which the nearest proxy appended.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
