// Package startup runs preflight diagnostics for the risk engine and logs
// a readiness summary before the service starts accepting events.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"boundary-risk/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a TCP connection; tests replace it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg        *config.Config
	configPath string
	results    []DiagnosticResult
	logger     *slog.Logger

	dial        DialFunc
	listen      func(network, address string) (net.Listener, error)
	dialTimeout time.Duration
}

// NewDiagnostics creates a new diagnostics runner. configPath is the file
// the configuration was loaded from, or empty for defaults only.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{}
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		dial:        dialer.DialContext,
		listen:      net.Listen,
		dialTimeout: 3 * time.Second,
	}
}

// WithDialer overrides how backend reachability is checked.
func (d *Diagnostics) WithDialer(dial DialFunc) *Diagnostics {
	d.dial = dial
	return d
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPort()
	d.checkSecurityConfiguration()
	d.checkModules()
	d.checkBackends(ctx)

	d.printSummary()
	return d.results
}

// Results returns the results gathered so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version":     runtime.Version(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"cpus":           fmt.Sprintf("%d", runtime.NumCPU()),
			"alloc_mb":       fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
			"num_goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	switch {
	case d.configPath == "":
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "No config file given, using defaults",
		})
	case fileExists(d.configPath):
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})

	// Validate has already loaded the zone.
	tz := d.cfg.Threat.Timezone
	if tz == "" {
		tz = "UTC"
	}
	d.addResult(DiagnosticResult{
		Name:    "timezone",
		Status:  StatusOK,
		Message: "Business-hours timezone loaded",
		Details: map[string]string{"timezone": tz},
	})
}

// checkPort briefly binds the HTTP port.
func (d *Diagnostics) checkPort() {
	port := d.cfg.Server.HTTPPort
	listener, err := d.listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkSecurityConfiguration() {
	srv := d.cfg.Server

	if !srv.Auth.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "Authentication is DISABLED - enable for production",
			Details: map[string]string{"recommendation": "Set server.auth.enabled=true or RISK_API_TOKEN"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusOK,
			Message: "Authentication is enabled",
			Details: map[string]string{
				"operator_tokens": fmt.Sprintf("%d", len(srv.Auth.OperatorTokens)),
				"ingest_tokens":   fmt.Sprintf("%d", len(srv.Auth.IngestTokens)),
			},
		})
	}

	if !srv.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": fmt.Sprintf("%d", srv.RateLimit.RequestsPerIP),
				"window":          srv.RateLimit.WindowSize.String(),
			},
		})
	}

	if !srv.SecurityHeaders.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusWarning,
			Message: "Security headers are DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusOK,
			Message: "Security headers are enabled",
		})
	}

	if d.cfg.Response.Enforcer == config.EnforcerMemory {
		d.addResult(DiagnosticResult{
			Name:    "enforcer",
			Status:  StatusWarning,
			Message: "Containment state is in-memory and lost on restart",
			Details: map[string]string{"recommendation": "Use response.enforcer=redis"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "enforcer",
			Status:  StatusOK,
			Message: "Containment state is shared",
			Details: map[string]string{"enforcer": d.cfg.Response.Enforcer},
		})
	}
}

func (d *Diagnostics) checkModules() {
	c := d.cfg
	modules := []struct {
		name    string
		enabled bool
	}{
		{"HTTP API", true},
		{"ClickHouse Storage", c.Storage.Backend == config.BackendClickHouse},
		{"Redis Enforcer", c.Response.Enforcer == config.EnforcerRedis},
		{"Kafka Event Feed", c.Kafka.ConsumeEvents},
		{"Kafka Alerts", c.Kafka.PublishAlerts},
		{"NATS Alerts", c.Alerting.NATS.Enabled},
		{"Slack Alerts", c.Alerting.Slack.Enabled},
		{"Webhook Alerts", len(c.Alerting.Webhooks) > 0},
		{"S3 Archive", c.Archive.Enabled},
		{"Authentication", c.Server.Auth.Enabled},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    "module_" + strings.ToLower(strings.ReplaceAll(m.name, " ", "_")),
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

// checkBackends checks TCP reachability of every enabled network backend.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	c := d.cfg
	if c.Storage.Backend == config.BackendClickHouse {
		d.dialAny(ctx, "clickhouse_connectivity", "ClickHouse", c.Storage.ClickHouse.Hosts)
	} else {
		d.addResult(DiagnosticResult{
			Name:    "storage",
			Status:  StatusWarning,
			Message: "In-memory storage - events and alerts will not survive a restart",
			Details: map[string]string{"max_events": fmt.Sprintf("%d", c.Storage.MemoryMaxEvents)},
		})
	}
	if c.Response.Enforcer == config.EnforcerRedis {
		d.dialAny(ctx, "redis_connectivity", "Redis", []string{c.Response.Redis.Addr})
	}
	if c.Kafka.Enabled() {
		d.dialAny(ctx, "kafka_connectivity", "Kafka", c.Kafka.Brokers)
	}
	if c.Alerting.NATS.Enabled {
		d.dialAny(ctx, "nats_connectivity", "NATS", []string{natsHostPort(c.Alerting.NATS.URL)})
	}
}

// dialAny succeeds when any of addrs accepts a connection.
func (d *Diagnostics) dialAny(ctx context.Context, name, label string, addrs []string) {
	if len(addrs) == 0 {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("No %s address configured", label),
		})
		return
	}

	var lastErr error
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := d.dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("%s is reachable", label),
			Details: map[string]string{"host": addr},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusError,
		Message: fmt.Sprintf("Cannot connect to %s: %s", label, lastErr),
		Details: map[string]string{"hosts": strings.Join(addrs, ",")},
	})
}

// natsHostPort reduces a nats:// URL to host:port.
func natsHostPort(url string) string {
	hostPort := url
	if i := strings.Index(hostPort, "://"); i >= 0 {
		hostPort = hostPort[i+3:]
	}
	if i := strings.LastIndex(hostPort, "@"); i >= 0 {
		hostPort = hostPort[i+1:]
	}
	if i := strings.IndexAny(hostPort, "/,"); i >= 0 {
		hostPort = hostPort[:i]
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, "4222")
	}
	return hostPort
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
