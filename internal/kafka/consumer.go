package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-risk/internal/audit"

	"github.com/segmentio/kafka-go"
)

// EventSink accepts decoded audit events, typically the real-time monitor.
type EventSink interface {
	Submit(ctx context.Context, event *audit.Event) error
}

// Quarantine stores messages the consumer rejected.
type Quarantine interface {
	Quarantine(ctx context.Context, source string, raw []byte, reason string) error
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads audit events from the event topic and submits them to a sink.
//
// Messages that cannot be decoded or fail validation are logged, counted as
// rejected and committed so they do not block the partition. An offset is
// committed once the sink has accepted the event. When the sink refuses one,
// the same message is retried and nothing after it is fetched, so a later
// commit can never cover it; Stop leaves it uncommitted for redelivery.
type Consumer struct {
	reader    messageReader
	config    *Config
	sink      EventSink
	validator *audit.Validator
	logger    *slog.Logger

	quarantine   Quarantine
	retryBackoff time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	messages      atomic.Int64
	bytes         atomic.Int64
	rejected      atomic.Int64
	errors        atomic.Int64
	lastError     atomic.Value // string
	lastErrorTime atomic.Value // time.Time
}

// NewConsumer creates a consumer for cfg.EventTopic.
func NewConsumer(cfg *Config, sink EventSink, validator *audit.Validator, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventTopic == "" {
		return nil, errors.New("kafka: event topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := cfg.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.ConsumerGroup,
		Topic:             cfg.EventTopic,
		Dialer:            dialer,
		MinBytes:          cfg.ConsumerMinBytes,
		MaxBytes:          cfg.ConsumerMaxBytes,
		MaxWait:           cfg.ConsumerMaxWait,
		CommitInterval:    cfg.CommitInterval,
		StartOffset:       cfg.StartOffset,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka event consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventTopic,
		"group", cfg.ConsumerGroup,
	)

	return newConsumer(reader, cfg, sink, validator, logger), nil
}

func newConsumer(reader messageReader, cfg *Config, sink EventSink, validator *audit.Validator, logger *slog.Logger) *Consumer {
	if validator == nil {
		validator = audit.NewValidator()
	}
	return &Consumer{
		reader:    reader,
		config:    cfg,
		sink:      sink,
		validator: validator,
		logger:    logger,

		retryBackoff: time.Second,
	}
}

// SetQuarantine routes rejected messages to q. It must be called before Start.
func (c *Consumer) SetQuarantine(q Quarantine) {
	c.quarantine = q
}

// Start begins consuming in a goroutine. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("event consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka event consumer started", "topic", c.config.EventTopic)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.EventTopic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		c.messages.Add(1)
		c.bytes.Add(int64(len(msg.Key) + len(msg.Value)))

		if err := c.deliver(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// deliver hands msg to the sink, retrying until it is accepted or rejected
// as malformed. It only returns an error when ctx is done, in which case the
// offset must not be committed.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) error {
	for {
		commit, err := c.handle(ctx, msg)
		if commit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.recordError(err)
		c.logger.Warn("sink refused event, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryBackoff):
		}
	}
}

// handle decodes and submits one message. It reports whether the offset
// should be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (bool, error) {
	var event audit.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.reject(ctx, msg, fmt.Errorf("%w: %v", audit.ErrInvalidEvent, err))
		return true, nil
	}
	if err := c.validator.Validate(&event); err != nil {
		c.reject(ctx, msg, err)
		return true, nil
	}

	timeout := c.config.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.sink.Submit(sctx, &event); err != nil {
		return false, fmt.Errorf("submit event %s: %w", event.ID, err)
	}
	return true, nil
}

func (c *Consumer) reject(ctx context.Context, msg kafka.Message, err error) {
	c.rejected.Add(1)
	c.logger.Warn("rejected audit event",
		"error", err,
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	if c.quarantine == nil {
		return
	}
	source := fmt.Sprintf("kafka:%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	if qerr := c.quarantine.Quarantine(ctx, source, msg.Value, err.Error()); qerr != nil {
		c.recordError(qerr)
		c.logger.Error("failed to quarantine message", "error", qerr, "offset", msg.Offset)
	}
}

func (c *Consumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
	c.lastErrorTime.Store(time.Now())
}

// Stats returns consumer counters.
func (c *Consumer) Stats() Stats {
	s := Stats{
		Messages: c.messages.Load(),
		Bytes:    c.bytes.Load(),
		Rejected: c.rejected.Load(),
		Errors:   c.errors.Load(),
	}
	if v, ok := c.lastError.Load().(string); ok {
		s.LastError = v
	}
	if t, ok := c.lastErrorTime.Load().(time.Time); ok {
		s.LastErrorTime = t
	}
	return s
}

// Stop cancels consumption, waits for the loop to exit and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka event consumer",
		"messages", c.messages.Load(),
		"rejected", c.rejected.Load(),
	)

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
