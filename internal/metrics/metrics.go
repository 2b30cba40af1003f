// Package metrics exposes Prometheus instrumentation for the risk engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Streaming path
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_events_processed_total",
			Help: "Audit events evaluated by the threat rule engine",
		},
		[]string{"outcome"}, // "incident", "no_match", "invalid"
	)

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_incidents_created_total",
			Help: "Security incidents created, by incident type and severity",
		},
		[]string{"incident_type", "severity"},
	)

	ResponsesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_auto_responses_total",
			Help: "Automated responses executed, by action and outcome",
		},
		[]string{"action", "outcome"}, // outcome: "enforced", "failed"
	)

	MonitorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_monitor_queue_depth",
			Help: "Events waiting in the real-time monitor queues",
		},
	)

	MonitorDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_monitor_dropped_total",
			Help: "Events rejected or discarded by the real-time monitor",
		},
	)

	// Batch path
	AnalysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_analysis_runs_total",
			Help: "Behavioral analysis runs, by outcome",
		},
		[]string{"outcome"}, // "success", "source_error", "canceled"
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "risk_analysis_duration_seconds",
			Help:    "Duration of behavioral analysis runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	SuspiciousUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_suspicious_users",
			Help: "Users above the suspicious risk floor in the latest analysis",
		},
	)

	UserAnalysisFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_user_analysis_failures_total",
			Help: "Per-user analysis failures that were skipped",
		},
	)

	// Alerting
	AlertsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_alerts_published_total",
			Help: "Security alerts written to the alert sink",
		},
		[]string{"alert_type", "outcome"}, // outcome: "stored", "failed"
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_notifications_total",
			Help: "Alert notifications, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// Intelligence
	SecurityScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_security_score",
			Help: "Current system security score (0-100)",
		},
	)

	ActiveThreats = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_active_threats",
			Help: "Incidents currently in active status",
		},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_http_requests_total",
			Help: "HTTP API requests, by route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "risk_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "risk_http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		},
	)
)

// RecordAnalysis records the outcome and duration of one analysis run.
func RecordAnalysis(outcome string, duration time.Duration, suspicious int) {
	AnalysisRuns.WithLabelValues(outcome).Inc()
	AnalysisDuration.Observe(duration.Seconds())
	if outcome == "success" {
		SuspiciousUsers.Set(float64(suspicious))
	}
}

// RecordIncident records a created incident.
func RecordIncident(incidentType, severity string) {
	EventsProcessed.WithLabelValues("incident").Inc()
	IncidentsCreated.WithLabelValues(incidentType, severity).Inc()
}

// RecordResponse records an executed automated response.
func RecordResponse(action string, err error) {
	outcome := "enforced"
	if err != nil {
		outcome = "failed"
	}
	ResponsesExecuted.WithLabelValues(action, outcome).Inc()
}

// RecordAlert records an alert write.
func RecordAlert(alertType string, err error) {
	outcome := "stored"
	if err != nil {
		outcome = "failed"
	}
	AlertsPublished.WithLabelValues(alertType, outcome).Inc()
}

// RecordNotification records a notifier delivery.
func RecordNotification(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	NotificationsSent.WithLabelValues(channel, outcome).Inc()
}

// UpdateHealth publishes the latest intelligence headline numbers.
func UpdateHealth(score, active int) {
	SecurityScore.Set(float64(score))
	ActiveThreats.Set(float64(active))
}

// RecordHTTPRequest records one served API request.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}
