// Package storage provides ClickHouse persistence for the risk engine: the
// audit event source, automated-response records, alerts and quarantine.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds connection and pool settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	// QueryTimeout bounds reads and single-row writes. The server-side
	// max_execution_time follows it.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Compression is one of zstd, lz4 or none.
	Compression string `yaml:"compression"`
	Debug       bool   `yaml:"debug"`
}

// DefaultClickHouseConfig returns settings for a local single node.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "risk",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		QueryTimeout:    60 * time.Second,
		Compression:     "zstd",
	}
}

func (c ClickHouseConfig) queryTimeout() time.Duration {
	if c.QueryTimeout <= 0 {
		return 60 * time.Second
	}
	return c.QueryTimeout
}

// options translates the config into driver options.
func (c ClickHouseConfig) options() (*clickhouse.Options, error) {
	if len(c.Hosts) == 0 {
		return nil, fmt.Errorf("%w: no hosts configured", ErrConnectionFailed)
	}

	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(c.queryTimeout().Seconds()),
		},
		DialTimeout:     c.DialTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}

	switch strings.ToLower(c.Compression) {
	case "", "zstd":
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionZSTD}
	case "lz4":
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	case "none":
	default:
		return nil, fmt.Errorf("unknown clickhouse compression %q", c.Compression)
	}

	if c.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// ClickHouseClient is the shared connection pool used by every store in
// this package.
type ClickHouseClient struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewClickHouseClient opens the pool and pings it within ctx.
func NewClickHouseClient(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseClient, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, opError("Open", "", ErrConnectionFailed, err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, opError("Open", "", ErrConnectionFailed, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, opError("Ping", "", ErrConnectionFailed, err)
	}
	return &ClickHouseClient{conn: conn, config: cfg}, nil
}

func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping checks that the pool can reach a server.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return opError("Ping", "", ErrConnectionFailed, err)
	}
	return nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

func (c *ClickHouseClient) queryTimeout() time.Duration {
	return c.config.queryTimeout()
}
