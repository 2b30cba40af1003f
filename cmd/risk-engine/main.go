// Command risk-engine runs the behavioral risk and threat-detection service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boundary-risk/internal/alerting"
	"boundary-risk/internal/api"
	"boundary-risk/internal/audit"
	"boundary-risk/internal/config"
	"boundary-risk/internal/engine"
	"boundary-risk/internal/kafka"
	"boundary-risk/internal/response"
	"boundary-risk/internal/secrets"
	"boundary-risk/internal/startup"
	"boundary-risk/internal/storage"
	"boundary-risk/internal/storage/s3"

	"github.com/nats-io/nats.go"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	checkOnly := flag.Bool("check", false, "run startup diagnostics and exit")
	strict := flag.Bool("strict", false, "refuse to start when diagnostics report errors")
	flag.Parse()

	if *showVersion {
		fmt.Printf("risk-engine %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	secretMgr, err := secrets.NewManager(cfg.Secrets, logger)
	if err != nil {
		logger.Error("failed to initialize secrets", "error", err)
		os.Exit(1)
	}
	secretCtx, secretCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = cfg.ResolveSecrets(secretCtx, secretMgr)
	secretCancel()
	if err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	diag := startup.NewDiagnostics(cfg, config.Path(), logger)
	diagCtx, diagCancel := context.WithTimeout(context.Background(), 15*time.Second)
	diag.RunAll(diagCtx)
	diagCancel()
	if *checkOnly {
		if diag.HasErrors() {
			os.Exit(1)
		}
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	if *strict && diag.HasErrors() {
		logger.Error("startup diagnostics reported errors")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_backend", cfg.Storage.Backend,
		"enforcer", cfg.Response.Enforcer,
		"auth_enabled", cfg.Server.Auth.Enabled,
		"kafka_events", cfg.Kafka.ConsumeEvents,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resources are closed in reverse order of creation.
	var closers []namedCloser
	fail := func(msg string, err error) {
		logger.Error(msg, "error", err)
		closeAll(logger, closers)
		os.Exit(1)
	}

	validator := audit.NewValidatorWithConfig(cfg.Validation)
	deps := engine.Dependencies{
		Validator: validator,
		Logger:    logger,
	}

	var quarantine kafka.Quarantine
	switch cfg.Storage.Backend {
	case config.BackendClickHouse:
		logger.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
		chClient, err := storage.NewClickHouseClient(connectCtx, cfg.Storage.ClickHouse)
		connectCancel()
		if err != nil {
			fail("failed to connect to ClickHouse", err)
		}
		closers = append(closers, namedCloser{"clickhouse", chClient})

		if cfg.Storage.RunMigrations {
			logger.Info("running database migrations")
			if err := storage.NewMigrator(chClient, logger).Run(ctx); err != nil {
				fail("failed to run migrations", err)
			}
			if err := storage.NewRetentionManager(chClient, cfg.Storage.Retention, logger).ApplyTTLs(ctx); err != nil {
				// Retention is advisory; the engine works without TTLs.
				logger.Warn("failed to apply retention TTLs", "error", err)
			}
		}

		events := storage.NewEventStore(chClient)
		deps.Source = events
		deps.Recorder = events
		deps.AuditWriter = events

		alerts := storage.NewAlertWriter(chClient, cfg.Storage.AlertWriter, logger)
		closers = append(closers, namedCloser{"alert writer", alerts})
		deps.Sink = alerts

		if cfg.Kafka.Quarantine {
			quarantine = storage.NewQuarantineWriter(chClient)
		}

	default:
		mem := storage.NewMemoryStore(cfg.Storage.MemoryMaxEvents)
		deps.Source = mem
		deps.Recorder = mem
		deps.AuditWriter = mem
		deps.Sink = mem
	}

	switch cfg.Response.Enforcer {
	case config.EnforcerRedis:
		enforcer, err := response.NewRedisEnforcer(cfg.Response.Redis)
		if err != nil {
			fail("failed to connect to Redis", err)
		}
		closers = append(closers, namedCloser{"redis", enforcer})
		deps.Enforcer = enforcer
	default:
		deps.Enforcer = response.NewMemoryEnforcer()
	}

	notifiers, err := buildNotifiers(cfg, logger, &closers)
	if err != nil {
		fail("failed to initialize notifiers", err)
	}
	deps.Notifiers = notifiers

	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, &cfg.Archive, logger)
		if err != nil {
			fail("failed to initialize S3 archive", err)
		}
		if status := s3Client.HealthCheck(ctx); !status.Healthy {
			logger.Warn("S3 archive bucket unreachable", "bucket", cfg.Archive.Bucket, "error", status.Error)
		}
		deps.Archiver = s3.NewSnapshotArchiver(s3Client, logger)
	}

	engineCfg := engine.Config{
		Analysis:        cfg.Analysis,
		Threat:          cfg.Threat,
		Response:        cfg.Response.Executor,
		Publisher:       cfg.Alerting.Publisher,
		Monitor:         cfg.Monitor,
		Intel:           cfg.Intel,
		Validation:      cfg.Validation,
		PersistIngested: cfg.Storage.PersistIngested,
	}
	engineCfg.Intel.Archive = cfg.Archive.Enabled

	service, err := engine.New(engineCfg, deps)
	if err != nil {
		fail("failed to build engine", err)
	}
	service.Start(ctx)

	var consumer *kafka.Consumer
	if cfg.Kafka.ConsumeEvents {
		consumer, err = kafka.NewConsumer(&cfg.Kafka.Config, service, validator, logger)
		if err != nil {
			service.Stop()
			fail("failed to create kafka consumer", err)
		}
		if quarantine != nil {
			consumer.SetQuarantine(quarantine)
		}
		if err := consumer.Start(ctx); err != nil {
			service.Stop()
			fail("failed to start kafka consumer", err)
		}
	}

	server := api.NewServer(cfg.Server, service, logger)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting risk engine server", "address", server.Addr())
		serverErr <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain the pipeline, then release backends.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", "error", err)
		}
	}
	// The monitor flushes accepted events with the run context still live.
	service.Stop()
	cancel()
	closeAll(logger, closers)

	stats := service.MonitorStats()
	logger.Info("shutdown complete",
		"events_processed", stats.Processed,
		"events_failed", stats.Failed,
		"events_dropped", stats.Dropped,
		"incidents", len(service.Incidents()),
	)
	os.Exit(exitCode)
}

// buildNotifiers creates every configured alert channel. Connections it opens
// are appended to closers.
func buildNotifiers(cfg *config.Config, logger *slog.Logger, closers *[]namedCloser) ([]alerting.Notifier, error) {
	var notifiers []alerting.Notifier

	if cfg.Alerting.LogAlerts {
		notifiers = append(notifiers, alerting.NewLogNotifier(logger))
	}
	for i, w := range cfg.Alerting.Webhooks {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		notifiers = append(notifiers, alerting.NewWebhookNotifier(name, w.URL, w.Headers))
	}
	if cfg.Alerting.Slack.Enabled {
		notifiers = append(notifiers, alerting.NewSlackNotifier(
			cfg.Alerting.Slack.WebhookURL,
			cfg.Alerting.Slack.Channel,
			cfg.Alerting.Slack.Username,
		))
	}

	if cfg.Kafka.PublishAlerts {
		producer, err := kafka.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		*closers = append(*closers, namedCloser{"kafka producer", producer})
		notifiers = append(notifiers, alerting.NewKafkaNotifier(producer))
	}

	if cfg.Alerting.NATS.Enabled {
		nc, err := nats.Connect(cfg.Alerting.NATS.URL,
			nats.Name("boundary-risk"),
			nats.Timeout(cfg.Alerting.NATS.Timeout),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		*closers = append(*closers, namedCloser{"nats", natsCloser{nc}})
		notifiers = append(notifiers, alerting.NewNATSNotifier(nc, cfg.Alerting.NATS.Subject))
	}

	names := make([]string, 0, len(notifiers))
	for _, n := range notifiers {
		names = append(names, n.Name())
	}
	logger.Info("alert notifiers configured", "notifiers", names)
	return notifiers, nil
}

type namedCloser struct {
	name string
	io.Closer
}

// natsCloser drains pending publishes before closing.
type natsCloser struct{ conn *nats.Conn }

func (n natsCloser) Close() error {
	return n.conn.Drain()
}

func closeAll(logger *slog.Logger, closers []namedCloser) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error("close error", "resource", closers[i].name, "error", err)
		}
	}
}
