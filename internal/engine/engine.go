// Package engine wires the detection pipeline into a single service: the
// batch analyzer, the threat rule engine and its incident store, the
// auto-response executor, the streaming monitor and the intelligence
// aggregator, all sharing one alert publisher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/behavior"
	"boundary-risk/internal/intel"
	"boundary-risk/internal/monitor"
	"boundary-risk/internal/response"
	"boundary-risk/internal/threat"
)

// EventRecorder persists events accepted by Ingest.
type EventRecorder interface {
	WriteEvent(ctx context.Context, event *audit.Event) error
}

// Config aggregates the configuration of every pipeline stage.
type Config struct {
	Analysis   behavior.AnalyzerConfig
	Threat     threat.EngineConfig
	Response   response.Config
	Publisher  alerting.PublisherConfig
	Monitor    monitor.Config
	Intel      intel.Config
	Validation audit.ValidatorConfig

	// PersistIngested writes every accepted event to the Recorder before
	// evaluating it, so the next analysis run sees it.
	PersistIngested bool
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		Analysis:        behavior.DefaultAnalyzerConfig(),
		Threat:          threat.DefaultEngineConfig(),
		Response:        response.DefaultConfig(),
		Publisher:       alerting.DefaultPublisherConfig(),
		Monitor:         monitor.DefaultConfig(),
		Intel:           intel.DefaultConfig(),
		Validation:      audit.DefaultValidatorConfig(),
		PersistIngested: true,
	}
}

// Dependencies are the ports the service is built on. Only Source is required.
type Dependencies struct {
	Source      behavior.EventSource
	Recorder    EventRecorder
	AuditWriter response.AuditWriter
	Sink        alerting.Sink
	Enforcer    response.Enforcer
	Archiver    intel.SnapshotArchiver
	Notifiers   []alerting.Notifier
	Validator   *audit.Validator
	Logger      *slog.Logger
}

// Service is the engine facade. It holds no package-level state; several
// services may run side by side.
type Service struct {
	config    Config
	logger    *slog.Logger
	validator *audit.Validator
	recorder  EventRecorder

	publisher  *alerting.Publisher
	store      *threat.IncidentStore
	threats    *threat.Engine
	executor   *response.Executor
	analyzer   *behavior.Analyzer
	monitor    *monitor.Monitor
	aggregator *intel.Aggregator

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a service from cfg and deps.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Source == nil {
		return nil, errors.New("engine: event source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := deps.Validator
	if validator == nil {
		validator = audit.NewValidatorWithConfig(cfg.Validation)
	}
	enforcer := deps.Enforcer
	if enforcer == nil {
		enforcer = response.NewMemoryEnforcer()
	}

	s := &Service{
		config:    cfg,
		logger:    logger,
		validator: validator,
		recorder:  deps.Recorder,
	}

	s.publisher = alerting.NewPublisher(cfg.Publisher, deps.Sink, logger.With("component", "publisher"))
	for _, n := range deps.Notifiers {
		if n != nil {
			s.publisher.AddNotifier(n)
		}
	}

	s.store = threat.NewIncidentStore(cfg.Threat.IncidentCapacity)
	s.executor = response.NewExecutor(cfg.Response, enforcer, deps.AuditWriter, s.publisher, logger.With("component", "response"))

	threats, err := threat.NewEngine(cfg.Threat, s.store, s.publisher, s.executor, logger.With("component", "threat"))
	if err != nil {
		return nil, fmt.Errorf("engine: threat engine: %w", err)
	}
	s.threats = threats

	analyzer, err := behavior.NewAnalyzer(cfg.Analysis, deps.Source, s.publisher, logger.With("component", "behavior"))
	if err != nil {
		return nil, fmt.Errorf("engine: analyzer: %w", err)
	}
	s.analyzer = analyzer

	s.monitor = monitor.New(cfg.Monitor, s.handle, logger.With("component", "monitor"))

	var archiver intel.SnapshotArchiver
	if cfg.Intel.Archive {
		archiver = deps.Archiver
	}
	s.aggregator = intel.NewAggregator(cfg.Intel, s.store, archiver, logger.With("component", "intel"))

	return s, nil
}

// Ingest validates event, records it when configured, and runs it through
// the threat rules. It returns nil, nil when no rule matches; the only
// errors are validation failures.
func (s *Service) Ingest(ctx context.Context, event *audit.Event) (*threat.Incident, error) {
	if err := s.validator.Validate(event); err != nil {
		return nil, err
	}
	return s.process(ctx, event), nil
}

// Submit validates event and queues it for the monitor, blocking while the
// target shard is full.
func (s *Service) Submit(ctx context.Context, event *audit.Event) error {
	if err := s.validator.Validate(event); err != nil {
		return err
	}
	return s.monitor.Submit(ctx, event)
}

// TrySubmit is Submit without blocking; it returns monitor.ErrQueueFull when
// the shard is full.
func (s *Service) TrySubmit(event *audit.Event) error {
	if err := s.validator.Validate(event); err != nil {
		return err
	}
	return s.monitor.TrySubmit(event)
}

// handle is the monitor handler. Events were validated on submission.
func (s *Service) handle(ctx context.Context, event *audit.Event) error {
	s.process(ctx, event)
	return nil
}

func (s *Service) process(ctx context.Context, event *audit.Event) *threat.Incident {
	if s.config.PersistIngested && s.recorder != nil {
		if err := s.recorder.WriteEvent(ctx, event); err != nil {
			s.logger.Error("failed to record event", "event_id", event.ID, "error", err)
		}
	}
	return s.threats.Evaluate(ctx, event)
}

// Analyze runs a batch analysis over window. A zero window means the
// configured trailing window ending now.
func (s *Service) Analyze(ctx context.Context, window behavior.Window) (*behavior.Result, error) {
	if window.Start.IsZero() && window.End.IsZero() {
		window = behavior.TrailingWindow(time.Now().UTC(), s.config.Analysis.Window)
	}
	return s.analyzer.Run(ctx, window)
}

// LatestAnalysis returns the result of the most recent analysis run, or nil.
func (s *Service) LatestAnalysis() *behavior.Result {
	return s.analyzer.Latest()
}

// Intelligence computes the intelligence report as of now.
func (s *Service) Intelligence(now time.Time) *intel.Report {
	return s.aggregator.Report(now)
}

// Incidents returns a copy of the incident list, oldest first.
func (s *Service) Incidents() []*threat.Incident {
	return s.store.Snapshot()
}

// Incident returns a copy of one incident.
func (s *Service) Incident(id string) (*threat.Incident, error) {
	return s.store.Get(id)
}

// UpdateIncidentStatus moves an incident forward through its lifecycle.
func (s *Service) UpdateIncidentStatus(id string, status threat.Status) error {
	inc, err := s.store.UpdateStatus(id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	s.logger.Info("incident status updated", "incident_id", inc.ID, "status", inc.Status)
	return nil
}

// Rules returns the active threat rules.
func (s *Service) Rules() []threat.Rule {
	return s.threats.Rules()
}

// MonitorStats returns streaming counters.
func (s *Service) MonitorStats() monitor.Stats {
	return s.monitor.Stats()
}

// Start launches the monitor workers and the periodic analysis and
// intelligence loops. Calling Start more than once has no effect.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.monitor.Start(ctx)
		s.analyzer.Start(ctx)
		s.aggregator.Start(ctx)
		s.logger.Info("risk engine started",
			"rules", len(s.threats.Rules()),
			"analysis_interval", s.config.Analysis.Interval,
			"intel_interval", s.config.Intel.Interval,
		)
	})
}

// Stop closes event intake and lets the monitor finish the events it has
// already accepted, bounded by the monitor's shutdown_wait. It then stops the
// periodic loops and waits for pending alert deliveries. Cancel the context
// passed to Start only after Stop returns, or queued events are dropped. It
// is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.monitor.Stop()
		s.analyzer.Stop()
		s.aggregator.Stop()
		s.publisher.Stop()
		s.logger.Info("risk engine stopped")
	})
}
