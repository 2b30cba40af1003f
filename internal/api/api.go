// Package api exposes the risk engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/behavior"
	apperrors "boundary-risk/internal/errors"
	"boundary-risk/internal/intel"
	"boundary-risk/internal/monitor"
	"boundary-risk/internal/threat"
)

// Engine is the part of the risk engine the API serves.
type Engine interface {
	Ingest(ctx context.Context, event *audit.Event) (*threat.Incident, error)
	TrySubmit(event *audit.Event) error
	Analyze(ctx context.Context, window behavior.Window) (*behavior.Result, error)
	LatestAnalysis() *behavior.Result
	Intelligence(now time.Time) *intel.Report
	Incidents() []*threat.Incident
	Incident(id string) (*threat.Incident, error)
	UpdateIncidentStatus(id string, status threat.Status) error
	Rules() []threat.Rule
	MonitorStats() monitor.Stats
}

// Handler serves the HTTP API.
type Handler struct {
	engine     Engine
	logger     *slog.Logger
	maxPayload int64
	maxBatch   int
	startTime  time.Time
	errs       *apperrors.Sanitizer
}

// NewHandler creates a handler for engine.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     engine,
		logger:     logger,
		maxPayload: 1 << 20,
		maxBatch:   1000,
		startTime:  time.Now(),
		errs:       newSanitizer(true),
	}
}

// WithErrorRedaction toggles scrubbing of internal error text.
func (h *Handler) WithErrorRedaction(redact bool) *Handler {
	h.errs = newSanitizer(redact)
	return h
}

// newSanitizer lets caller-caused errors through unredacted.
func newSanitizer(redact bool) *apperrors.Sanitizer {
	return apperrors.NewSanitizer(redact,
		audit.ErrInvalidEvent,
		monitor.ErrQueueFull,
		monitor.ErrMonitorStopped,
		threat.ErrIncidentNotFound,
		threat.ErrInvalidTransition,
	)
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithMaxBatch sets the maximum number of events per request.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// RegisterRoutes registers every API route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("POST /v1/events/evaluate", h.HandleEvaluate)
	mux.HandleFunc("POST /v1/analysis", h.HandleAnalysis)
	mux.HandleFunc("GET /v1/analysis/latest", h.HandleLatestAnalysis)
	mux.HandleFunc("GET /v1/incidents", h.HandleIncidents)
	mux.HandleFunc("GET /v1/incidents/{id}", h.HandleIncident)
	mux.HandleFunc("POST /v1/incidents/{id}/status", h.HandleIncidentStatus)
	mux.HandleFunc("GET /v1/intelligence", h.HandleIntelligence)
	mux.HandleFunc("GET /v1/rules", h.HandleRules)
}

// IngestRequest is the body of POST /v1/events.
type IngestRequest struct {
	Events []*audit.Event `json:"events"`
}

// IngestResponse reports per-batch acceptance.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents queues a batch of events for the real-time monitor.
// All accepted: 202. Some accepted: 207. None accepted: 503 when any event
// hit a full queue or a stopped monitor, 400 otherwise.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req IngestRequest
	if status, err := h.decode(w, r, &req); err != nil {
		respondError(w, status, err.Error(), requestID)
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "invalid request: no events provided", requestID)
		return
	}
	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected int
	var msgs []string
	overloaded := false

	for i, event := range req.Events {
		if err := h.engine.TrySubmit(event); err != nil {
			rejected++
			if errors.Is(err, monitor.ErrQueueFull) || errors.Is(err, monitor.ErrMonitorStopped) {
				overloaded = true
			}
			msgs = append(msgs, fmt.Sprintf("event[%d]: %s", i, h.errs.Message(err)))
			continue
		}
		accepted++
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    msgs,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	switch {
	case accepted == 0 && overloaded:
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case accepted == 0:
		status = http.StatusBadRequest
	case rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// EvaluateResponse is the result of synchronous evaluation.
type EvaluateResponse struct {
	Matched  bool             `json:"matched"`
	Incident *threat.Incident `json:"incident,omitempty"`
}

// HandleEvaluate runs one event through the rules synchronously.
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var event audit.Event
	if status, err := h.decode(w, r, &event); err != nil {
		respondError(w, status, err.Error(), "")
		return
	}

	inc, err := h.engine.Ingest(r.Context(), &event)
	if err != nil {
		respondError(w, http.StatusBadRequest, h.errs.Message(err), "")
		return
	}
	respondJSON(w, http.StatusOK, EvaluateResponse{Matched: inc != nil, Incident: inc})
}

// AnalysisRequest bounds an analysis run. Both fields empty means the
// configured trailing window.
type AnalysisRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// HandleAnalysis runs a behavior analysis.
func (h *Handler) HandleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if r.ContentLength != 0 {
		if status, err := h.decode(w, r, &req); err != nil {
			respondError(w, status, err.Error(), "")
			return
		}
	}
	if !req.Start.IsZero() && !req.End.IsZero() && !req.End.After(req.Start) {
		respondError(w, http.StatusBadRequest, "invalid request: end must be after start", "")
		return
	}
	if req.Start.IsZero() != req.End.IsZero() {
		respondError(w, http.StatusBadRequest, "invalid request: start and end must be set together", "")
		return
	}

	result, err := h.engine.Analyze(r.Context(), behavior.Window{Start: req.Start, End: req.End})
	if err != nil {
		h.logger.Error("analysis failed", "error", err)
		respondError(w, http.StatusInternalServerError, h.errs.Message(err), "")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleLatestAnalysis returns the most recent analysis result.
func (h *Handler) HandleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	result := h.engine.LatestAnalysis()
	if result == nil {
		respondError(w, http.StatusNotFound, "no analysis has run yet: not found", "")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// IncidentList is the body of GET /v1/incidents.
type IncidentList struct {
	Incidents []*threat.Incident `json:"incidents"`
	Total     int                `json:"total"`
}

// HandleIncidents lists incidents newest first. ?status= filters and
// ?limit= caps the list.
func (h *Handler) HandleIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := threat.Status(q.Get("status"))
	if status != "" && !status.IsValid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid incident status %q", status), "")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid request: limit must be a non-negative integer", "")
			return
		}
		limit = n
	}

	all := h.engine.Incidents()
	out := make([]*threat.Incident, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if status != "" && all[i].Status != status {
			continue
		}
		out = append(out, all[i])
	}
	total := len(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	respondJSON(w, http.StatusOK, IncidentList{Incidents: out, Total: total})
}

// HandleIncident returns one incident.
func (h *Handler) HandleIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.engine.Incident(r.PathValue("id"))
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// StatusRequest is the body of POST /v1/incidents/{id}/status.
type StatusRequest struct {
	Status threat.Status `json:"status"`
}

// HandleIncidentStatus moves an incident forward in its lifecycle.
func (h *Handler) HandleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req StatusRequest
	if status, err := h.decode(w, r, &req); err != nil {
		respondError(w, status, err.Error(), "")
		return
	}
	if !req.Status.IsValid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid incident status %q", req.Status), "")
		return
	}

	if err := h.engine.UpdateIncidentStatus(id, req.Status); err != nil {
		h.respondIncidentError(w, err)
		return
	}
	inc, err := h.engine.Incident(id)
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

func (h *Handler) respondIncidentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, threat.ErrIncidentNotFound):
		respondError(w, http.StatusNotFound, h.errs.Message(err), "")
	case errors.Is(err, threat.ErrInvalidTransition):
		respondError(w, http.StatusConflict, h.errs.Message(err), "")
	default:
		h.logger.Error("incident request failed", "error", err)
		respondError(w, http.StatusInternalServerError, h.errs.Message(err), "")
	}
}

// HandleIntelligence returns a freshly computed intelligence report.
func (h *Handler) HandleIntelligence(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Intelligence(time.Now().UTC()))
}

// RuleInfo describes one threat rule.
type RuleInfo struct {
	Name     string          `json:"name"`
	Severity audit.RiskLevel `json:"severity"`
	Response threat.Action   `json:"auto_response"`
	Summary  string          `json:"summary"`
}

// HandleRules lists the threat rules in evaluation order.
func (h *Handler) HandleRules(w http.ResponseWriter, r *http.Request) {
	rules := h.engine.Rules()
	out := make([]RuleInfo, 0, len(rules))
	for _, rule := range rules {
		out = append(out, RuleInfo{
			Name:     rule.Name,
			Severity: rule.Severity,
			Response: rule.Response,
			Summary:  rule.Summary,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": out})
}

// HealthCheck reports liveness and monitor backlog.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.MonitorStats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"monitor":        stats,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// decode reads a size-limited JSON body into v, returning the HTTP status
// to use on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, errors.New("payload too large")
		}
		return http.StatusBadRequest, errors.New("invalid request: failed to read body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid request: malformed JSON: %v", err)
	}
	return 0, nil
}

// APIError is the JSON error body.
type APIError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg, requestID string) {
	respondJSON(w, status, APIError{Error: msg, RequestID: requestID})
}
