package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-risk/internal/alerting"
)

// AlertWriterConfig holds configuration for the batched alert writer.
type AlertWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultAlertWriterConfig returns the default alert writer configuration.
func DefaultAlertWriterConfig() AlertWriterConfig {
	return AlertWriterConfig{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

type batchClient interface {
	PrepareBatch(ctx context.Context, query string) (batchSender, error)
}

// batchSender is the part of driver.Batch the writer uses.
type batchSender interface {
	Append(v ...any) error
	Send() error
}

type clickhouseBatcher struct{ client *ClickHouseClient }

func (c clickhouseBatcher) PrepareBatch(ctx context.Context, query string) (batchSender, error) {
	return c.client.PrepareBatch(ctx, query)
}

// AlertWriter buffers security alerts and inserts them in batches. It
// implements alerting.Sink.
type AlertWriter struct {
	client batchClient
	config AlertWriterConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []*alerting.SecurityAlert
	closed bool
	timer  *time.Timer

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewAlertWriter creates an alert writer backed by ClickHouse.
func NewAlertWriter(client *ClickHouseClient, cfg AlertWriterConfig, logger *slog.Logger) *AlertWriter {
	return newAlertWriter(clickhouseBatcher{client}, cfg, logger)
}

func newAlertWriter(client batchClient, cfg AlertWriterConfig, logger *slog.Logger) *AlertWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWriter{
		client: client,
		config: cfg,
		logger: logger,
		buffer: make([]*alerting.SecurityAlert, 0, cfg.BatchSize),
	}
	w.timer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// WriteAlert buffers alert, flushing when the batch is full.
func (w *AlertWriter) WriteAlert(ctx context.Context, alert *alerting.SecurityAlert) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.buffer = append(w.buffer, alert)
	var batch []*alerting.SecurityAlert
	if len(w.buffer) >= w.config.BatchSize {
		batch = w.takeLocked()
	}
	w.mu.Unlock()

	if batch == nil {
		return nil
	}
	return w.insertWithRetry(ctx, batch)
}

func (w *AlertWriter) timerFlush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	batch := w.takeLocked()
	w.mu.Unlock()

	if len(batch) > 0 {
		if err := w.insertWithRetry(context.Background(), batch); err != nil {
			w.logger.Error("timed alert flush failed", "error", err)
		}
	}
	w.timer.Reset(w.config.FlushInterval)
}

func (w *AlertWriter) takeLocked() []*alerting.SecurityAlert {
	if len(w.buffer) == 0 {
		return nil
	}
	batch := w.buffer
	w.buffer = make([]*alerting.SecurityAlert, 0, w.config.BatchSize)
	return batch
}

// insertWithRetry waits RetryDelay × attempt between attempts.
func (w *AlertWriter) insertWithRetry(ctx context.Context, alerts []*alerting.SecurityAlert) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				w.failed.Add(uint64(len(alerts)))
				return ctx.Err()
			case <-time.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		attempts++
		if err := w.insert(ctx, alerts); err != nil {
			lastErr = err
			w.logger.Warn("alert batch insert failed",
				"attempt", attempts,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			if !Retryable(err) {
				break
			}
			continue
		}

		w.written.Add(uint64(len(alerts)))
		w.batches.Add(1)
		return nil
	}

	w.failed.Add(uint64(len(alerts)))
	return opError("WriteAlert", tableAlerts, ErrBatchInsertFailed, fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

func (w *AlertWriter) insert(ctx context.Context, alerts []*alerting.SecurityAlert) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	batch, err := w.client.PrepareBatch(ctx, `
		INSERT INTO `+tableAlerts+` (
			id, alert_type, severity, title, description, user_id, metadata, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range alerts {
		meta := "{}"
		if len(a.Metadata) > 0 {
			data, err := json.Marshal(a.Metadata)
			if err != nil {
				w.logger.Warn("dropping unencodable alert metadata", "alert_id", a.ID, "error", err)
			} else {
				meta = string(data)
			}
		}
		if err := batch.Append(
			a.ID,
			a.AlertType,
			string(a.Severity),
			a.Title,
			a.Description,
			a.UserID,
			meta,
			a.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("append alert %s: %w: %v", a.ID, ErrInvalidData, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("alert batch inserted", "count", len(alerts))
	return nil
}

// Flush writes any buffered alerts.
func (w *AlertWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return w.insertWithRetry(ctx, batch)
}

// Close stops the flush timer and writes what is left.
func (w *AlertWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.takeLocked()
	w.mu.Unlock()

	w.timer.Stop()
	if len(batch) == 0 {
		return nil
	}
	return w.insertWithRetry(context.Background(), batch)
}

// Stats returns writer counters.
func (w *AlertWriter) Stats() AlertWriterStats {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()
	return AlertWriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}

// AlertWriterStats holds alert writer counters.
type AlertWriterStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
