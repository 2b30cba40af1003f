package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON messages to the alert topic. It satisfies the
// alerting package's JSONProducer.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	messages      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewProducer creates a producer for cfg.AlertTopic.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AlertTopic == "" {
		return nil, errors.New("kafka: alert topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.ProducerBatchSize,
		BatchTimeout: cfg.ProducerBatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.GetCompression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka alert producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AlertTopic,
		"compression", cfg.CompressionType,
	)

	return newProducer(writer, cfg, logger), nil
}

func newProducer(writer messageWriter, cfg *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: writer, config: cfg, logger: logger}
}

// ProduceJSON marshals value and writes it keyed by key. Messages with the
// same key land on the same partition.
func (p *Producer) ProduceJSON(ctx context.Context, key string, value interface{}) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal message: %w", err)
	}

	return p.write(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
}

// write sends messages with exponential backoff between attempts.
func (p *Producer) write(ctx context.Context, messages ...kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, messages...)
		if err == nil {
			for _, msg := range messages {
				p.messages.Add(1)
				p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
			}
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastErrorTime.Store(time.Now())

		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// Stats returns producer counters.
func (p *Producer) Stats() Stats {
	s := Stats{
		Messages: p.messages.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Retries:  p.retries.Load(),
	}
	if v, ok := p.lastError.Load().(string); ok {
		s.LastError = v
	}
	if t, ok := p.lastErrorTime.Load().(time.Time); ok {
		s.LastErrorTime = t
	}
	return s
}

// Close flushes buffered messages and closes the producer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka alert producer", "messages_produced", p.messages.Load())

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryableError reports errors that retrying will not fix.
func isNonRetryableError(err error) bool {
	var kerr kafka.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.GroupAuthorizationFailed,
		kafka.ClusterAuthorizationFailed:
		return true
	}
	return false
}
