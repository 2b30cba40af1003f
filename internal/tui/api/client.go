// Package api provides the HTTP client the dashboard uses to poll the risk
// engine.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNoAnalysis is returned when the engine has not completed an analysis yet.
var ErrNoAnalysis = errors.New("no analysis available")

// Client handles API communication with the risk engine.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// MonitorStats mirrors the engine's real-time monitor counters.
type MonitorStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string       `json:"status"`
	Monitor       MonitorStats `json:"monitor"`
	UptimeSeconds int          `json:"uptime_seconds"`
}

// Incident is a security incident as listed by the engine.
type Incident struct {
	ID           string    `json:"id"`
	IncidentType string    `json:"incident_type"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	UserID       *string   `json:"user_id,omitempty"`
	Description  string    `json:"description"`
	AutoResponse string    `json:"auto_response,omitempty"`
	ThreatScore  int       `json:"threat_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// IncidentList is the body of GET /v1/incidents.
type IncidentList struct {
	Incidents []Incident `json:"incidents"`
	Total     int        `json:"total"`
}

// ThreatPattern is one recurring incident type.
type ThreatPattern struct {
	Name        string    `json:"name"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
	RiskLevel   int       `json:"risk_level"`
}

// ResponseStats summarizes one automated response type.
type ResponseStats struct {
	ResponseType string  `json:"response_type"`
	Executions   int     `json:"executions"`
	SuccessRate  float64 `json:"success_rate"`
}

// SystemHealth is the overall security posture.
type SystemHealth struct {
	OverallStatus string    `json:"overall_status"`
	SecurityScore int       `json:"security_score"`
	Timestamp     time.Time `json:"timestamp"`
}

// Intelligence is the body of GET /v1/intelligence.
type Intelligence struct {
	ActiveThreats      int             `json:"active_threats"`
	ThreatPatterns     []ThreatPattern `json:"threat_patterns"`
	AutomatedResponses []ResponseStats `json:"automated_responses"`
	SystemHealth       SystemHealth    `json:"system_health"`
	TotalIncidents     int             `json:"total_incidents"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// Analysis is the subset of the latest behavior analysis the dashboard shows.
type Analysis struct {
	GlobalRiskLevel  string    `json:"global_risk_level"`
	DetectedPatterns []string  `json:"detected_patterns"`
	Recommendations  []string  `json:"recommendations"`
	AnalyzedUsers    int       `json:"analyzed_users"`
	SuspiciousUsers  []any     `json:"suspicious_users"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Rule describes one threat rule.
type Rule struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Response string `json:"auto_response"`
	Summary  string `json:"summary"`
}

// Stats is the combined dashboard view.
type Stats struct {
	Healthy       bool
	HealthStatus  string
	StatusReason  string
	Uptime        string
	UptimeSeconds int
	Monitor       MonitorStats
	Intel         *Intelligence
	Analysis      *Analysis
}

// NewClient creates a new API client. token may be empty when the engine
// runs without authentication.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches health status.
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get("/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetIncidents fetches up to limit incidents, newest first. status filters
// when non-empty.
func (c *Client) GetIncidents(status string, limit int) (*IncidentList, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	var list IncidentList
	if err := c.get("/v1/incidents?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetIntelligence fetches the current intelligence report.
func (c *Client) GetIntelligence() (*Intelligence, error) {
	var report Intelligence
	if err := c.get("/v1/intelligence", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetLatestAnalysis fetches the most recent behavior analysis.
func (c *Client) GetLatestAnalysis() (*Analysis, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/analysis/latest", nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoAnalysis
	default:
		return nil, fmt.Errorf("/v1/analysis/latest: unexpected status %d", resp.StatusCode)
	}
	var analysis Analysis
	if err := json.NewDecoder(resp.Body).Decode(&analysis); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &analysis, nil
}

// GetRules fetches the threat rules in evaluation order.
func (c *Client) GetRules() ([]Rule, error) {
	var rules []Rule
	if err := c.get("/v1/rules", &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// GetStats fetches combined stats for the dashboard. Connection failures
// are reported in the returned Stats rather than as an error.
func (c *Client) GetStats() (*Stats, error) {
	stats := &Stats{
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to backend",
	}

	health, err := c.GetHealth()
	if err != nil {
		stats.StatusReason = err.Error()
		return stats, nil
	}

	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.Monitor = health.Monitor
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))
	stats.StatusReason = "All systems operational"

	if intel, err := c.GetIntelligence(); err == nil {
		stats.Intel = intel
		if intel.SystemHealth.OverallStatus != "healthy" {
			stats.StatusReason = fmt.Sprintf("Security posture %s (score %d)",
				intel.SystemHealth.OverallStatus, intel.SystemHealth.SecurityScore)
		}
	} else {
		stats.StatusReason = err.Error()
	}

	if analysis, err := c.GetLatestAnalysis(); err == nil {
		stats.Analysis = analysis
	}

	return stats, nil
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
