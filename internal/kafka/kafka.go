// Package kafka connects the risk engine to Kafka: the audit-event feed is
// consumed from one topic and security alerts are produced to another.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds Kafka connection and behavior configuration.
type Config struct {
	Brokers []string `yaml:"brokers"`

	// EventTopic carries audit events into the engine.
	EventTopic    string `yaml:"event_topic"`
	ConsumerGroup string `yaml:"consumer_group"`
	// AlertTopic receives security alerts from the Kafka notifier.
	AlertTopic string `yaml:"alert_topic"`

	// CompressionType: none, gzip, snappy, lz4, zstd.
	CompressionType string `yaml:"compression_type"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `yaml:"security_protocol"`
	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512.
	SASLMechanism string `yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string `yaml:"sasl_username,omitempty"`
	SASLPassword  string `yaml:"sasl_password,omitempty"`

	TLSEnabled    bool   `yaml:"tls_enabled"`
	TLSCertFile   string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `yaml:"tls_key_file,omitempty"`
	TLSCAFile     string `yaml:"tls_ca_file,omitempty"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify,omitempty"`

	// Producer settings
	ProducerBatchSize    int           `yaml:"producer_batch_size"`
	ProducerBatchTimeout time.Duration `yaml:"producer_batch_timeout"`
	ProducerMaxRetries   int           `yaml:"producer_max_retries"`
	ProducerRetryBackoff time.Duration `yaml:"producer_retry_backoff"`
	RequiredAcks         int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader

	// Consumer settings
	ConsumerMinBytes  int           `yaml:"consumer_min_bytes"`
	ConsumerMaxBytes  int           `yaml:"consumer_max_bytes"`
	ConsumerMaxWait   time.Duration `yaml:"consumer_max_wait"`
	CommitInterval    time.Duration `yaml:"commit_interval"`
	StartOffset       int64         `yaml:"start_offset"` // -1=latest, -2=earliest
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	// HandlerTimeout bounds the processing of one message.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:              []string{"localhost:9092"},
		EventTopic:           "audit-events",
		ConsumerGroup:        "risk-engine",
		AlertTopic:           "security-alerts",
		CompressionType:      "lz4",
		SecurityProtocol:     "PLAINTEXT",
		ProducerBatchSize:    100,
		ProducerBatchTimeout: 10 * time.Millisecond,
		ProducerMaxRetries:   3,
		ProducerRetryBackoff: 100 * time.Millisecond,
		RequiredAcks:         -1,
		ConsumerMinBytes:     1,
		ConsumerMaxBytes:     10 * 1024 * 1024,
		ConsumerMaxWait:      500 * time.Millisecond,
		CommitInterval:       time.Second,
		StartOffset:          kafka.LastOffset,
		HeartbeatInterval:    3 * time.Second,
		SessionTimeout:       30 * time.Second,
		HandlerTimeout:       30 * time.Second,
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.EventTopic == "" && c.AlertTopic == "" {
		return errors.New("kafka: an event or alert topic is required")
	}

	validProtocols := map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	if !validProtocols[c.SecurityProtocol] {
		return fmt.Errorf("kafka: invalid security protocol: %s", c.SecurityProtocol)
	}

	if c.usesSASL() {
		validMechanisms := map[string]bool{
			"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
		}
		if !validMechanisms[c.SASLMechanism] {
			return fmt.Errorf("kafka: invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return errors.New("kafka: SASL username and password required for SASL authentication")
		}
	}

	return nil
}

func (c *Config) usesSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

// GetCompression returns the kafka-go compression codec.
func (c *Config) GetCompression() kafka.Compression {
	switch c.CompressionType {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// GetDialer returns a kafka.Dialer with TLS and SASL applied.
func (c *Config) GetDialer() (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL" {
		tlsConfig, err := c.getTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure TLS: %w", err)
		}
		dialer.TLS = tlsConfig
	}

	if c.usesSASL() {
		mechanism, err := c.getSASLMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to configure SASL: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func (c *Config) getTLSConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("SECURITY WARNING: TLS certificate verification is disabled for Kafka")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		caCert, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (c *Config) getSASLMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

// Stats holds producer or consumer counters.
type Stats struct {
	Messages      int64     `json:"messages"`
	Bytes         int64     `json:"bytes"`
	Rejected      int64     `json:"rejected"`
	Errors        int64     `json:"errors"`
	Retries       int64     `json:"retries"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}

// Common errors
var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrAlreadyStarted = errors.New("kafka: consumer already started")
)
