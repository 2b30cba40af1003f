package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetentionConfig holds TTL settings for the storage tables. A zero TTL
// leaves the table untouched.
type RetentionConfig struct {
	EventsTTL     time.Duration `yaml:"events_ttl"`
	AlertsTTL     time.Duration `yaml:"alerts_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig returns the default retention periods.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventsTTL:     90 * 24 * time.Hour,
		AlertsTTL:     365 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

// RetentionManager applies and manages data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{
		client: client,
		config: config,
		logger: logger,
	}
}

type tablePolicy struct {
	table  string
	column string
	days   int
}

func (r *RetentionManager) policies() []tablePolicy {
	var out []tablePolicy
	for _, p := range []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{tableAuditEvents, "created_at", r.config.EventsTTL},
		{tableAlerts, "created_at", r.config.AlertsTTL},
		{tableQuarantine, "quarantined_at", r.config.QuarantineTTL},
	} {
		if p.ttl <= 0 {
			continue
		}
		days := int(p.ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}
		out = append(out, tablePolicy{table: p.table, column: p.column, days: days})
	}
	return out
}

func (p tablePolicy) statement() string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(p.table), p.column, p.days)
}

// ApplyTTLs sets the configured TTL on each table. It runs after migrations;
// failures are logged and do not stop startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		if err := r.client.Exec(ctx, p.statement()); err != nil {
			r.logger.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", p.days,
				"error", err,
			)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl_days", p.days)
	}
	return nil
}

// sanitizeTableName keeps only identifier characters.
func sanitizeTableName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, name)
}
