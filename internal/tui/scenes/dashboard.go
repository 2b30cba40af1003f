// Package scenes provides the dashboard's individual views.
package scenes

import (
	"fmt"
	"strings"
	"time"

	"boundary-risk/internal/tui/api"
	"boundary-risk/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardScene displays security posture and the latest analysis.
type DashboardScene struct {
	client     *api.Client
	stats      *api.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

type statsMsg struct {
	stats *api.Stats
	err   error
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
		stats:   &api.Stats{},
	}
}

// Init fetches initial data.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := d.client.GetStats()
		return statsMsg{stats: stats, err: err}
	}
}

// TickCmd returns a command that ticks every interval. The parent model
// only schedules it while this scene is active.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// TickMsg is sent on each tick.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		if msg.stats != nil {
			d.stats = msg.stats
		}
		d.err = msg.err
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Boundary Risk Dashboard"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	if !d.stats.Healthy {
		b.WriteString(fmt.Sprintf("  Status: %s\n", styles.StatusError.Render("● UNREACHABLE")))
		b.WriteString(styles.Muted.Render("  " + d.stats.StatusReason))
		return b.String()
	}

	intel := d.stats.Intel
	if intel == nil {
		intel = &api.Intelligence{}
	}
	b.WriteString(fmt.Sprintf("  Posture: %s  %s\n\n",
		styles.Posture(intel.SystemHealth.OverallStatus).Render("● "+strings.ToUpper(orUnknown(intel.SystemHealth.OverallStatus))),
		styles.Muted.Render(d.stats.StatusReason)))

	cards := []string{
		d.renderMetricCard("Security Score", fmt.Sprintf("%d", intel.SystemHealth.SecurityScore)),
		d.renderMetricCard("Active Threats", fmt.Sprintf("%d", intel.ActiveThreats)),
		d.renderMetricCard("Incidents (24h)", fmt.Sprintf("%d", intel.TotalIncidents)),
		d.renderMetricCard("Uptime", d.stats.Uptime),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Threat Patterns"))
	b.WriteString("\n")
	b.WriteString(d.renderPatterns(intel.ThreatPatterns))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Automated Responses"))
	b.WriteString("\n")
	b.WriteString(d.renderResponses(intel.AutomatedResponses))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Behavior Analysis"))
	b.WriteString("\n")
	b.WriteString(d.renderAnalysis(d.stats.Analysis))
	b.WriteString("\n")

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(20).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

func (d *DashboardScene) renderPatterns(patterns []api.ThreatPattern) string {
	if len(patterns) == 0 {
		return styles.Muted.Render("  No threat patterns in the last 24 hours")
	}
	rows := make([]string, 0, len(patterns))
	for _, p := range patterns {
		rows = append(rows, fmt.Sprintf("  %s %-28s x%-4d risk %2d  last %s",
			riskDot(p.RiskLevel), p.Name, p.Occurrences, p.RiskLevel, p.LastSeen.Local().Format("15:04:05")))
	}
	return strings.Join(rows, "\n")
}

func (d *DashboardScene) renderResponses(responses []api.ResponseStats) string {
	if len(responses) == 0 {
		return styles.Muted.Render("  No automated responses executed")
	}
	rows := make([]string, 0, len(responses))
	for _, r := range responses {
		rows = append(rows, fmt.Sprintf("  %-22s %4d runs  %5.1f%% success", r.ResponseType, r.Executions, r.SuccessRate))
	}
	return strings.Join(rows, "\n")
}

func (d *DashboardScene) renderAnalysis(a *api.Analysis) string {
	if a == nil {
		return styles.Muted.Render("  No analysis has completed yet")
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  Global risk: %s  users analyzed: %d  suspicious: %d\n",
		styles.Severity(a.GlobalRiskLevel).Render(strings.ToUpper(a.GlobalRiskLevel)),
		a.AnalyzedUsers, len(a.SuspiciousUsers)))
	for _, p := range a.DetectedPatterns {
		b.WriteString(fmt.Sprintf("  %s %s\n", styles.Muted.Render("•"), p))
	}
	for _, r := range a.Recommendations {
		b.WriteString(fmt.Sprintf("  %s %s\n", styles.StatusWarning.Render("→"), r))
	}
	return strings.TrimRight(b.String(), "\n")
}

func riskDot(level int) string {
	switch {
	case level >= 8:
		return styles.StatusError.Render("●")
	case level >= 5:
		return styles.StatusWarning.Render("●")
	default:
		return styles.StatusOK.Render("●")
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatNumber(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
