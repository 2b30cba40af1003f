package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boundary-risk/internal/audit"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("expected memory backend by default, got %s", cfg.Storage.Backend)
	}
	if cfg.Response.Enforcer != EnforcerMemory {
		t.Errorf("expected memory enforcer by default, got %s", cfg.Response.Enforcer)
	}
	if cfg.Threat.Timezone != "UTC" || !cfg.Threat.AutoResponse {
		t.Errorf("unexpected threat defaults: %+v", cfg.Threat)
	}
	if cfg.Analysis.Window != 7*24*time.Hour {
		t.Errorf("expected 7d analysis window, got %v", cfg.Analysis.Window)
	}
	if cfg.Intel.HealthWindow != 24*time.Hour {
		t.Errorf("expected 24h health window, got %v", cfg.Intel.HealthWindow)
	}
	if cfg.Alerting.Publisher.MinNotifySeverity != audit.RiskHigh {
		t.Errorf("expected high notify severity, got %s", cfg.Alerting.Publisher.MinNotifySeverity)
	}
	if cfg.Kafka.Enabled() || cfg.Archive.Enabled || cfg.Alerting.NATS.Enabled {
		t.Error("external integrations should be off by default")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, "http_port"},
		{"too high port", func(c *Config) { c.Server.HTTPPort = 65536 }, "http_port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging"},
		{"auth without tokens", func(c *Config) { c.Server.Auth.Enabled = true }, "token"},
		{"rate limit without budget", func(c *Config) { c.Server.RateLimit.RequestsPerIP = 0 }, "requests_per_ip"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }, "unknown backend"},
		{"clickhouse without hosts", func(c *Config) {
			c.Storage.Backend = BackendClickHouse
			c.Storage.ClickHouse.Hosts = nil
		}, "clickhouse hosts"},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.ConsumeEvents = true
			c.Kafka.Brokers = nil
		}, "broker"},
		{"bad timezone", func(c *Config) { c.Threat.Timezone = "Mars/Olympus" }, "timezone"},
		{"redis without addr", func(c *Config) {
			c.Response.Enforcer = EnforcerRedis
			c.Response.Redis.Addr = ""
		}, "redis addr"},
		{"unknown enforcer", func(c *Config) { c.Response.Enforcer = "iptables" }, "unknown enforcer"},
		{"bad severity", func(c *Config) { c.Alerting.Publisher.MinNotifySeverity = "severe" }, "min_notify_severity"},
		{"webhook without url", func(c *Config) { c.Alerting.Webhooks = []WebhookConfig{{Name: "ops"}} }, "webhook 0"},
		{"slack without url", func(c *Config) { c.Alerting.Slack.Enabled = true }, "slack"},
		{"zero shards", func(c *Config) { c.Monitor.Shards = 0 }, "monitor"},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Bucket = ""
		}, "bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Monitor.QueueSize = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "http_port") || !strings.Contains(err.Error(), "monitor") {
		t.Errorf("Validate() = %v, want both errors", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
storage:
  backend: clickhouse
  clickhouse:
    hosts: ["ch-1:9000", "ch-2:9000"]
    database: risk_test
threat:
  timezone: Europe/Berlin
  brute_force_threshold: 3
analysis:
  window: 48h
kafka:
  consume_events: true
  brokers: ["kafka-1:9092"]
  event_topic: audit
monitor:
  shards: 4
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}
	if cfg.Storage.Backend != BackendClickHouse || len(cfg.Storage.ClickHouse.Hosts) != 2 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.ClickHouse.QueryTimeout != 60*time.Second {
		t.Errorf("unset fields should keep defaults, QueryTimeout = %v", cfg.Storage.ClickHouse.QueryTimeout)
	}
	if cfg.Threat.Timezone != "Europe/Berlin" || cfg.Threat.BruteForceThreshold != 3 {
		t.Errorf("threat = %+v", cfg.Threat)
	}
	if cfg.Threat.ExportThreshold != 1000 {
		t.Errorf("ExportThreshold default lost: %d", cfg.Threat.ExportThreshold)
	}
	if cfg.Analysis.Window != 48*time.Hour {
		t.Errorf("analysis window = %v", cfg.Analysis.Window)
	}
	if !cfg.Kafka.ConsumeEvents || cfg.Kafka.EventTopic != "audit" || cfg.Kafka.Brokers[0] != "kafka-1:9092" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Kafka.ConsumerGroup != "risk-engine" {
		t.Errorf("inline kafka defaults lost: group = %q", cfg.Kafka.ConsumerGroup)
	}
	if cfg.Monitor.Shards != 4 || cfg.Monitor.QueueSize != 1024 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFile_MissingAndMalformed(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults, got %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d", cfg.Server.HTTPPort)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_UsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RISK_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RISK_CONFIG_PATH", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("RISK_HTTP_PORT", "9191")
	t.Setenv("RISK_LOG_LEVEL", "debug")
	t.Setenv("RISK_STORAGE_BACKEND", "clickhouse")
	t.Setenv("CLICKHOUSE_HOST", "ch-a:9000, ch-b:9000")
	t.Setenv("CLICKHOUSE_PASSWORD", "pw")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("S3_BUCKET", "risk-archive")
	t.Setenv("RISK_API_TOKEN", "op-token")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.HTTPPort != 9191 || cfg.Logging.Level != "debug" {
		t.Errorf("server/logging = %d/%s", cfg.Server.HTTPPort, cfg.Logging.Level)
	}
	if cfg.Storage.Backend != BackendClickHouse || len(cfg.Storage.ClickHouse.Hosts) != 2 || cfg.Storage.ClickHouse.Password != "pw" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Kafka.ConsumeEvents || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Response.Enforcer != EnforcerRedis || cfg.Response.Redis.Addr != "redis:6379" {
		t.Errorf("response = %+v", cfg.Response)
	}
	if !cfg.Alerting.NATS.Enabled || cfg.Alerting.NATS.URL != "nats://nats:4222" {
		t.Errorf("nats = %+v", cfg.Alerting.NATS)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "risk-archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if !cfg.Server.Auth.Enabled || len(cfg.Server.Auth.OperatorTokens) != 1 {
		t.Errorf("auth = %+v", cfg.Server.Auth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config invalid: %v", err)
	}
}

func TestApplyEnvOverrides_BadPort(t *testing.T) {
	t.Setenv("RISK_CONFIG_PATH", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("RISK_HTTP_PORT", "eighty")
	if _, err := Load(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{"a , b , c", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
		{"single", []string{"single"}},
		{"", nil},
	}

	for _, tt := range tests {
		result := splitAndTrim(tt.input, ",")
		if len(result) != len(tt.expected) {
			t.Errorf("splitAndTrim(%q) = %v, expected %v", tt.input, result, tt.expected)
			continue
		}
		for i, v := range result {
			if v != tt.expected[i] {
				t.Errorf("splitAndTrim(%q)[%d] = %q, expected %q", tt.input, i, v, tt.expected[i])
			}
		}
	}
}

func TestLoggingConfig(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := LoggingConfig{Level: tt.level}.SlogLevel()
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, %v", tt.level, got, err)
		}
	}
	if LoggingConfig{Level: "info", Format: "text"}.NewLogger() == nil {
		t.Error("NewLogger() returned nil")
	}
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(_ context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "env:") {
		return ref, nil
	}
	if v, ok := f[ref]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func TestResolveSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.ClickHouse.Password = "env:CH_PASS"
	cfg.Response.Redis.Password = "plain"
	cfg.Server.Auth.OperatorTokens = []string{"env:OP_TOKEN", "literal-token"}
	cfg.Alerting.Webhooks = []WebhookConfig{{
		Name:    "soc",
		URL:     "https://hooks.example.com/x",
		Headers: map[string]string{"Authorization": "env:HOOK_AUTH"},
	}}

	r := fakeResolver{
		"env:CH_PASS":   "ch-secret",
		"env:OP_TOKEN":  "op-secret",
		"env:HOOK_AUTH": "Bearer hook",
	}
	if err := cfg.ResolveSecrets(context.Background(), r); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}

	if cfg.Storage.ClickHouse.Password != "ch-secret" {
		t.Errorf("clickhouse password = %q", cfg.Storage.ClickHouse.Password)
	}
	if cfg.Response.Redis.Password != "plain" {
		t.Errorf("literal redis password changed to %q", cfg.Response.Redis.Password)
	}
	if got := cfg.Server.Auth.OperatorTokens; got[0] != "op-secret" || got[1] != "literal-token" {
		t.Errorf("operator tokens = %v", got)
	}
	if got := cfg.Alerting.Webhooks[0].Headers["Authorization"]; got != "Bearer hook" {
		t.Errorf("webhook header = %q", got)
	}
	if cfg.Alerting.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS URL = %q", cfg.Alerting.NATS.URL)
	}
}

func TestResolveSecrets_Missing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kafka.SASLPassword = "env:MISSING"

	err := cfg.ResolveSecrets(context.Background(), fakeResolver{})
	if err == nil || !strings.Contains(err.Error(), "kafka.sasl_password") {
		t.Errorf("expected error naming the field, got %v", err)
	}
}
