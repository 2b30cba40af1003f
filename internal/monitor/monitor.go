// Package monitor runs the streaming side of the engine: events are sharded
// by user onto bounded worker queues and handled one at a time per shard.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/metrics"
)

var (
	// ErrQueueFull is returned by TrySubmit when the target shard is full.
	ErrQueueFull = errors.New("monitor: queue is full")
	// ErrMonitorStopped is returned once Stop has been called.
	ErrMonitorStopped = errors.New("monitor stopped")
)

// Handler processes one event to completion.
type Handler func(ctx context.Context, event *audit.Event) error

// Config holds the monitor configuration.
type Config struct {
	// Shards is the number of worker goroutines. Events for one user always
	// land on the same shard.
	Shards       int           `yaml:"shards"`
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Shards:       8,
		QueueSize:    1024,
		ShutdownWait: 30 * time.Second,
	}
}

// Monitor dispatches submitted events to the handler.
type Monitor struct {
	config  Config
	handler Handler
	logger  *slog.Logger
	shards  []chan *audit.Event

	// mu guards stopped; Submit holds the read side while enqueueing so that
	// every accepted event is queued before workers are told to flush.
	mu      sync.RWMutex
	stopped bool

	done      chan struct{} // closed first; unblocks waiting submitters
	flush     chan struct{} // closed once intake is shut; workers empty their queue
	abort     chan struct{} // closed when ShutdownWait elapses
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a monitor. Call Start to begin processing.
func New(cfg Config, handler Handler, logger *slog.Logger) *Monitor {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		config:  cfg,
		handler: handler,
		logger:  logger,
		shards:  make([]chan *audit.Event, cfg.Shards),
		done:    make(chan struct{}),
		flush:   make(chan struct{}),
		abort:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = make(chan *audit.Event, cfg.QueueSize)
	}
	return m
}

// Start launches one worker per shard. Workers exit when ctx is done, or
// after Stop once their queue is empty. Calling Start more than once has no
// effect.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		for i := range m.shards {
			m.wg.Add(1)
			go m.worker(ctx, i)
		}
		m.logger.Info("real-time monitor started",
			"shards", m.config.Shards,
			"queue_size", m.config.QueueSize,
		)
	})
}

// Submit enqueues event, blocking while its shard is full until space is
// available, ctx is done, or the monitor stops.
func (m *Monitor) Submit(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", audit.ErrInvalidEvent)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrMonitorStopped
	}

	select {
	case m.shards[m.shardFor(event)] <- event:
		metrics.MonitorQueueDepth.Inc()
		return nil
	case <-m.done:
		return ErrMonitorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues event without blocking.
func (m *Monitor) TrySubmit(event *audit.Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", audit.ErrInvalidEvent)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrMonitorStopped
	}

	select {
	case <-m.done:
		return ErrMonitorStopped
	default:
	}

	select {
	case m.shards[m.shardFor(event)] <- event:
		metrics.MonitorQueueDepth.Inc()
		return nil
	default:
		m.dropped.Add(1)
		metrics.MonitorDropped.Inc()
		return ErrQueueFull
	}
}

// shardFor keys on the user so that one user's events stay ordered.
// Events without a user are spread by source address or id.
func (m *Monitor) shardFor(event *audit.Event) int {
	key := event.User()
	if key == "" {
		key = event.IP()
	}
	if key == "" {
		key = event.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}

func (m *Monitor) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	m.logger.Debug("monitor worker started", "shard", id)
	queue := m.shards[id]

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("monitor worker stopping (context)", "shard", id)
			return
		case <-m.flush:
			n := m.flushQueue(ctx, id, queue)
			m.logger.Debug("monitor worker stopping (flushed)", "shard", id, "events", n)
			return
		case event := <-queue:
			metrics.MonitorQueueDepth.Dec()
			m.process(ctx, id, event)
		}
	}
}

// flushQueue handles whatever is left on queue after intake has closed.
// It gives up when the shutdown deadline passes or ctx is done.
func (m *Monitor) flushQueue(ctx context.Context, id int, queue chan *audit.Event) int {
	n := 0
	for {
		select {
		case <-m.abort:
			return n
		case <-ctx.Done():
			return n
		default:
		}

		select {
		case event := <-queue:
			metrics.MonitorQueueDepth.Dec()
			m.process(ctx, id, event)
			n++
		default:
			return n
		}
	}
}

func (m *Monitor) process(ctx context.Context, shard int, event *audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.logger.Error("event handler panicked",
				"shard", shard,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()

	if err := m.handler(ctx, event); err != nil {
		m.failed.Add(1)
		m.logger.Warn("event handler failed",
			"shard", shard,
			"event_id", event.ID,
			"user_id", event.User(),
			"error", err,
		)
		return
	}
	m.processed.Add(1)
}

// Stop stops accepting events and waits up to ShutdownWait for the workers
// to handle everything already accepted. Events still queued after that are
// dropped and counted. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.flush)

		finished := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(m.config.ShutdownWait):
			m.logger.Warn("monitor shutdown timed out", "shutdown_wait", m.config.ShutdownWait)
		}
		close(m.abort)

		drained := m.drain()
		m.logger.Info("real-time monitor stopped",
			"processed", m.processed.Load(),
			"failed", m.failed.Load(),
			"dropped_on_stop", drained,
		)
	})
}

func (m *Monitor) drain() int {
	n := 0
	for _, q := range m.shards {
		for {
			select {
			case <-q:
				n++
				metrics.MonitorQueueDepth.Dec()
				continue
			default:
			}
			break
		}
	}
	m.dropped.Add(uint64(n))
	metrics.MonitorDropped.Add(float64(n))
	return n
}

// Stats returns monitor counters.
func (m *Monitor) Stats() Stats {
	queued := 0
	for _, q := range m.shards {
		queued += len(q)
	}
	return Stats{
		Processed: m.processed.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
		Queued:    queued,
	}
}

// Stats holds monitor counters.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}
