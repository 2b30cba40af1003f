package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"boundary-risk/internal/audit"

	"github.com/nats-io/nats.go"
)

var errNotifierPanic = errors.New("notifier panicked")

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a new webhook notifier.
func NewWebhookNotifier(name, url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Name() string {
	return w.name
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// SlackNotifier sends alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackNotifier creates a new Slack notifier.
func NewSlackNotifier(webhookURL, channel, username string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Name() string {
	return "slack"
}

func (s *SlackNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	data, err := json.Marshal(s.buildPayload(alert))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (s *SlackNotifier) buildPayload(alert *SecurityAlert) map[string]any {
	return map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"text":   alert.Description,
				"fields": buildFields(alert),
				"footer": fmt.Sprintf("Alert ID: %s | Type: %s", alert.ID.String()[:8], alert.AlertType),
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}
}

func severityColor(sev audit.RiskLevel) string {
	switch sev {
	case audit.RiskCritical:
		return "#FF0000"
	case audit.RiskHigh:
		return "#FFA500"
	case audit.RiskMedium:
		return "#FFFF00"
	case audit.RiskLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func buildFields(alert *SecurityAlert) []map[string]any {
	fields := []map[string]any{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Type", "value": alert.AlertType, "short": true},
	}
	if alert.UserID != nil {
		fields = append(fields, map[string]any{
			"title": "User", "value": *alert.UserID, "short": true,
		})
	}
	if score, ok := alert.Metadata["threat_score"]; ok {
		fields = append(fields, map[string]any{
			"title": "Threat Score", "value": fmt.Sprint(score), "short": true,
		})
	}
	return fields
}

// JSONProducer is the subset of the Kafka producer used by KafkaNotifier.
type JSONProducer interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
}

// KafkaNotifier publishes alerts to a Kafka topic keyed by alert type.
type KafkaNotifier struct {
	producer JSONProducer
}

// NewKafkaNotifier creates a notifier on top of an existing producer.
func NewKafkaNotifier(producer JSONProducer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

func (k *KafkaNotifier) Name() string {
	return "kafka"
}

func (k *KafkaNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if err := k.producer.ProduceJSON(ctx, alert.AlertType, alert); err != nil {
		return fmt.Errorf("failed to produce alert: %w", err)
	}
	return nil
}

// MsgPublisher is the subset of *nats.Conn used by NATSNotifier.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes alerts on a NATS subject with routing headers.
type NATSNotifier struct {
	conn    MsgPublisher
	subject string
}

// NewNATSNotifier creates a NATS notifier. The subject defaults to "risk.alerts".
func NewNATSNotifier(conn MsgPublisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = "risk.alerts"
	}
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) Name() string {
	return "nats"
}

func (n *NATSNotifier) Notify(ctx context.Context, alert *SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	headers := nats.Header{}
	headers.Set("x-alert-id", alert.ID.String())
	headers.Set("x-alert-type", alert.AlertType)
	headers.Set("x-severity", string(alert.Severity))
	headers.Set("x-timestamp", alert.CreatedAt.UTC().Format(time.RFC3339))
	if alert.UserID != nil {
		headers.Set("x-user-id", *alert.UserID)
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    data,
		Header:  headers,
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// LogNotifier writes alerts to the structured log (development).
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) Notify(_ context.Context, alert *SecurityAlert) error {
	l.logger.Warn("security alert",
		"alert_id", alert.ID,
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"title", alert.Title,
	)
	return nil
}
