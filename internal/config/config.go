// Package config handles configuration loading for the risk engine.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/behavior"
	"boundary-risk/internal/intel"
	"boundary-risk/internal/kafka"
	"boundary-risk/internal/middleware"
	"boundary-risk/internal/monitor"
	"boundary-risk/internal/response"
	"boundary-risk/internal/secrets"
	"boundary-risk/internal/storage"
	"boundary-risk/internal/storage/s3"
	"boundary-risk/internal/threat"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
)

// Enforcer backends.
const (
	EnforcerMemory = "memory"
	EnforcerRedis  = "redis"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Logging    LoggingConfig           `yaml:"logging"`
	Validation audit.ValidatorConfig   `yaml:"validation"`
	Storage    StorageConfig           `yaml:"storage"`
	Kafka      KafkaConfig             `yaml:"kafka"`
	Analysis   behavior.AnalyzerConfig `yaml:"analysis"`
	Threat     threat.EngineConfig     `yaml:"threat"`
	Response   ResponseConfig          `yaml:"response"`
	Alerting   AlertingConfig          `yaml:"alerting"`
	Monitor    monitor.Config          `yaml:"monitor"`
	Intel      intel.Config            `yaml:"intel"`
	Archive    s3.Config               `yaml:"archive"`
	Secrets    secrets.Config          `yaml:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxPayloadSize int64         `yaml:"max_payload_size"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
	RedactErrors   bool          `yaml:"redact_errors"`

	Auth            middleware.AuthConfig            `yaml:"auth"`
	RateLimit       middleware.RateLimitConfig       `yaml:"rate_limit"`
	SecurityHeaders middleware.SecurityHeadersConfig `yaml:"security_headers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// StorageConfig selects and configures the event store and alert sink.
type StorageConfig struct {
	Backend         string                    `yaml:"backend"`
	MemoryMaxEvents int                       `yaml:"memory_max_events"`
	RunMigrations   bool                      `yaml:"run_migrations"`
	PersistIngested bool                      `yaml:"persist_ingested"`
	ClickHouse      storage.ClickHouseConfig  `yaml:"clickhouse"`
	AlertWriter     storage.AlertWriterConfig `yaml:"alert_writer"`
	Retention       storage.RetentionConfig   `yaml:"retention"`
}

// KafkaConfig enables the event feed and the alert topic.
type KafkaConfig struct {
	ConsumeEvents bool `yaml:"consume_events"`
	PublishAlerts bool `yaml:"publish_alerts"`
	// Quarantine stores rejected feed messages when storage is ClickHouse.
	Quarantine   bool `yaml:"quarantine"`
	kafka.Config `yaml:",inline"`
}

// Enabled reports whether any Kafka component is on.
func (k KafkaConfig) Enabled() bool {
	return k.ConsumeEvents || k.PublishAlerts
}

// ResponseConfig configures automated containment.
type ResponseConfig struct {
	Enforcer string               `yaml:"enforcer"`
	Redis    response.RedisConfig `yaml:"redis"`
	Executor response.Config      `yaml:"executor"`
}

// AlertingConfig configures alert fan-out.
type AlertingConfig struct {
	Publisher alerting.PublisherConfig `yaml:"publisher"`
	// LogAlerts adds a notifier that logs every forwarded alert.
	LogAlerts bool            `yaml:"log_alerts"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Slack     SlackConfig     `yaml:"slack"`
	NATS      NATSConfig      `yaml:"nats"`
}

// WebhookConfig configures one webhook notifier.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// NATSConfig configures the NATS notifier.
type NATSConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxPayloadSize: 1 << 20,
			ShutdownWait:   30 * time.Second,
			RedactErrors:   true,

			Auth:            middleware.DefaultAuthConfig(),
			RateLimit:       middleware.DefaultRateLimitConfig(),
			SecurityHeaders: middleware.DefaultSecurityHeadersConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Validation: audit.DefaultValidatorConfig(),
		Storage: StorageConfig{
			Backend:         BackendMemory, // no ClickHouse needed for development
			MemoryMaxEvents: 500000,
			RunMigrations:   true,
			PersistIngested: true,
			ClickHouse:      storage.DefaultClickHouseConfig(),
			AlertWriter:     storage.DefaultAlertWriterConfig(),
			Retention:       storage.DefaultRetentionConfig(),
		},
		Kafka: KafkaConfig{
			Quarantine: true,
			Config:     *kafka.DefaultConfig(),
		},
		Analysis: behavior.DefaultAnalyzerConfig(),
		Threat:   threat.DefaultEngineConfig(),
		Response: ResponseConfig{
			Enforcer: EnforcerMemory,
			Redis:    response.DefaultRedisConfig(),
			Executor: response.DefaultConfig(),
		},
		Alerting: AlertingConfig{
			Publisher: alerting.DefaultPublisherConfig(),
			LogAlerts: true,
			Slack:     SlackConfig{Username: "Boundary Risk"},
			NATS: NATSConfig{
				URL:     "nats://localhost:4222",
				Subject: "risk.alerts",
				Timeout: 5 * time.Second,
			},
		},
		Monitor: monitor.DefaultConfig(),
		Intel:   intel.DefaultConfig(),
		Archive: *s3.DefaultConfig(),
		Secrets: secrets.DefaultConfig(),
	}
}

// Load reads the file named by RISK_CONFIG_PATH (default
// configs/config.yaml) over the defaults and applies environment overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns the config file Load reads.
func Path() string {
	if path := os.Getenv("RISK_CONFIG_PATH"); path != "" {
		return path
	}
	return "configs/config.yaml"
}

// LoadFile is Load with an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SecretResolver turns a credential reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces credential references such as
// "env:REDIS_PASSWORD" or "file:/run/secrets/ch" with their values.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := map[string]*string{
		"storage.clickhouse.password": &c.Storage.ClickHouse.Password,
		"kafka.sasl_password":         &c.Kafka.SASLPassword,
		"response.redis.password":     &c.Response.Redis.Password,
		"alerting.slack.webhook_url":  &c.Alerting.Slack.WebhookURL,
		"alerting.nats.url":           &c.Alerting.NATS.URL,
		"archive.access_key_id":       &c.Archive.AccessKeyID,
		"archive.secret_access_key":   &c.Archive.SecretAccessKey,
		"archive.session_token":       &c.Archive.SessionToken,
	}
	for i := range c.Alerting.Webhooks {
		fields[fmt.Sprintf("alerting.webhooks[%d].url", i)] = &c.Alerting.Webhooks[i].URL
	}
	for i := range c.Server.Auth.OperatorTokens {
		fields[fmt.Sprintf("server.auth.operator_tokens[%d]", i)] = &c.Server.Auth.OperatorTokens[i]
	}
	for i := range c.Server.Auth.IngestTokens {
		fields[fmt.Sprintf("server.auth.ingest_tokens[%d]", i)] = &c.Server.Auth.IngestTokens[i]
	}

	var errs []error
	resolve := func(name, ref string) (string, bool) {
		value, err := r.Resolve(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return "", false
		}
		return value, true
	}
	for name, field := range fields {
		if *field == "" {
			continue
		}
		if value, ok := resolve(name, *field); ok {
			*field = value
		}
	}
	// Header values carry tokens too; map values are not addressable.
	for i, w := range c.Alerting.Webhooks {
		for k, ref := range w.Headers {
			if value, ok := resolve(fmt.Sprintf("alerting.webhooks[%d].headers.%s", i, k), ref); ok {
				w.Headers[k] = value
			}
		}
	}
	return errors.Join(errs...)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("RISK_HTTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid RISK_HTTP_PORT %q: %w", port, err)
		}
		c.Server.HTTPPort = p
	}

	if token := os.Getenv("RISK_API_TOKEN"); token != "" {
		c.Server.Auth.OperatorTokens = append(c.Server.Auth.OperatorTokens, token)
		c.Server.Auth.Enabled = true
	}
	if token := os.Getenv("RISK_INGEST_TOKEN"); token != "" {
		c.Server.Auth.IngestTokens = append(c.Server.Auth.IngestTokens, token)
		c.Server.Auth.Enabled = true
	}

	if level := os.Getenv("RISK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("RISK_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if tz := os.Getenv("RISK_TIMEZONE"); tz != "" {
		c.Threat.Timezone = tz
	}

	// Storage settings
	if backend := os.Getenv("RISK_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.ConsumeEvents = true
	}
	if topic := os.Getenv("KAFKA_EVENT_TOPIC"); topic != "" {
		c.Kafka.EventTopic = topic
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Response.Redis.Addr = addr
		c.Response.Enforcer = EnforcerRedis
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Response.Redis.Password = pass
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		c.Alerting.NATS.URL = url
		c.Alerting.NATS.Enabled = true
	}
	if hook := os.Getenv("SLACK_WEBHOOK_URL"); hook != "" {
		c.Alerting.Slack.WebhookURL = hook
		c.Alerting.Slack.Enabled = true
	}

	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Archive.Region = region
	}

	return nil
}

// splitAndTrim splits s by sep, dropping empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort))
	}
	if c.Server.MaxPayloadSize <= 0 {
		errs = append(errs, errors.New("max_payload_size must be positive"))
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.OperatorTokens) == 0 && len(c.Server.Auth.IngestTokens) == 0 {
		errs = append(errs, errors.New("auth: at least one token is required when enabled"))
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerIP <= 0 {
		errs = append(errs, errors.New("rate_limit: requests_per_ip must be positive"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendClickHouse:
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			errs = append(errs, errors.New("storage: clickhouse hosts are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown backend %q", c.Storage.Backend))
	}

	if c.Kafka.Enabled() {
		if err := c.Kafka.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Analysis.Window <= 0 {
		errs = append(errs, errors.New("analysis: window must be positive"))
	}
	if err := c.Threat.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("threat: %w", err))
	}

	switch c.Response.Enforcer {
	case EnforcerMemory:
	case EnforcerRedis:
		if c.Response.Redis.Addr == "" {
			errs = append(errs, errors.New("response: redis addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("response: unknown enforcer %q", c.Response.Enforcer))
	}

	if !c.Alerting.Publisher.MinNotifySeverity.IsValid() {
		errs = append(errs, fmt.Errorf("alerting: invalid min_notify_severity %q", c.Alerting.Publisher.MinNotifySeverity))
	}
	for i, w := range c.Alerting.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("alerting: webhook %d has no url", i))
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		errs = append(errs, errors.New("alerting: slack webhook_url is required"))
	}
	if c.Alerting.NATS.Enabled && (c.Alerting.NATS.URL == "" || c.Alerting.NATS.Subject == "") {
		errs = append(errs, errors.New("alerting: nats url and subject are required"))
	}

	if c.Monitor.Shards <= 0 || c.Monitor.QueueSize <= 0 {
		errs = append(errs, errors.New("monitor: shards and queue_size must be positive"))
	}
	if c.Intel.HealthWindow <= 0 {
		errs = append(errs, errors.New("intel: health_window must be positive"))
	}

	if c.Archive.Enabled {
		if err := c.Archive.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: invalid level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger writing to stdout.
func (l LoggingConfig) NewLogger() *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
