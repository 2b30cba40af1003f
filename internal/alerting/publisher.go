package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/metrics"

	"github.com/google/uuid"
)

// PublisherConfig configures alert fan-out.
type PublisherConfig struct {
	// MinNotifySeverity is the lowest severity forwarded to notifiers.
	MinNotifySeverity audit.RiskLevel `yaml:"min_notify_severity"`
	// NotifyTimeout bounds a single notifier attempt.
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	// MaxRetries is the number of attempts per notifier (minimum 1).
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultPublisherConfig returns default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		MinNotifySeverity: audit.RiskHigh,
		NotifyTimeout:     10 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffFactor:     2.0,
	}
}

// Publisher writes alerts to a Sink and forwards them to notifiers.
// Publish never fails the caller: sink and notifier errors are logged.
type Publisher struct {
	config    PublisherConfig
	sink      Sink
	logger    *slog.Logger
	notifiers []Notifier
	mu        sync.RWMutex

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPublisher creates a publisher. A nil sink discards alerts after logging them.
func NewPublisher(cfg PublisherConfig, sink Sink, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.MinNotifySeverity.IsValid() {
		cfg.MinNotifySeverity = audit.RiskHigh
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	return &Publisher{
		config: cfg,
		sink:   sink,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// AddNotifier registers a notification channel.
func (p *Publisher) AddNotifier(n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifiers = append(p.notifiers, n)
	p.logger.Info("added notification channel", "name", n.Name())
}

// Publish stores the alert and dispatches notifications asynchronously.
func (p *Publisher) Publish(ctx context.Context, alert *SecurityAlert) {
	if alert == nil {
		return
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	var err error
	if p.sink != nil {
		err = p.sink.WriteAlert(ctx, alert)
	}
	metrics.RecordAlert(alert.AlertType, err)
	if err != nil {
		p.logger.Error("failed to store alert",
			"alert_id", alert.ID,
			"alert_type", alert.AlertType,
			"error", err,
		)
	}

	if !alert.Severity.AtLeast(p.config.MinNotifySeverity) {
		return
	}

	p.mu.RLock()
	notifiers := make([]Notifier, len(p.notifiers))
	copy(notifiers, p.notifiers)
	p.mu.RUnlock()

	// Deliveries outlive the request that raised the alert.
	notifyCtx := context.WithoutCancel(ctx)
	for _, n := range notifiers {
		p.wg.Add(1)
		go p.deliver(notifyCtx, n, alert)
	}
}

// deliver attempts delivery with exponential backoff.
func (p *Publisher) deliver(ctx context.Context, n Notifier, alert *SecurityAlert) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notifier panicked", "channel", n.Name(), "alert_id", alert.ID, "panic", r)
			metrics.RecordNotification(n.Name(), errNotifierPanic)
		}
	}()

	backoff := p.config.InitialBackoff
	var err error
	for attempt := 1; attempt <= p.config.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.config.NotifyTimeout)
		err = n.Notify(attemptCtx, alert)
		cancel()

		if err == nil {
			metrics.RecordNotification(n.Name(), nil)
			p.logger.Debug("notification delivered",
				"channel", n.Name(),
				"alert_id", alert.ID,
				"attempts", attempt,
			)
			return
		}

		p.logger.Warn("notification delivery failed",
			"channel", n.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_retries", p.config.MaxRetries,
			"error", err,
		)

		if attempt < p.config.MaxRetries {
			select {
			case <-p.stopCh:
				metrics.RecordNotification(n.Name(), err)
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * p.config.BackoffFactor)
			if p.config.MaxBackoff > 0 && backoff > p.config.MaxBackoff {
				backoff = p.config.MaxBackoff
			}
		}
	}

	metrics.RecordNotification(n.Name(), err)
	p.logger.Error("notification abandoned",
		"channel", n.Name(),
		"alert_id", alert.ID,
		"error", err,
	)
}

// Wait blocks until all pending deliveries have finished.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// Stop cancels pending retries and waits for in-flight deliveries.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
