package scenes

import (
	"fmt"
	"strings"
	"time"

	"boundary-risk/internal/tui/api"
	"boundary-risk/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// SystemScene displays monitor throughput and the loaded threat rules.
type SystemScene struct {
	client     *api.Client
	stats      *api.Stats
	rules      []api.Rule
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// NewSystemScene creates a new system info scene
func NewSystemScene(client *api.Client) *SystemScene {
	return &SystemScene{
		client:  client,
		loading: true,
		stats:   &api.Stats{},
	}
}

// Init initializes the system scene
func (s *SystemScene) Init() tea.Cmd {
	return s.fetchStats()
}

func (s *SystemScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := s.client.GetStats()
		if err != nil || !stats.Healthy {
			return systemMsg{stats: stats, err: err}
		}
		rules, err := s.client.GetRules()
		return systemMsg{stats: stats, rules: rules, err: err}
	}
}

type systemMsg struct {
	stats *api.Stats
	rules []api.Rule
	err   error
}

// TickCmd returns a command that ticks every interval
func (s *SystemScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "system", Time: t}
	})
}

// Update handles messages for the system scene
func (s *SystemScene) Update(msg tea.Msg) (*SystemScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case systemMsg:
		s.loading = false
		if msg.stats != nil {
			s.stats = msg.stats
		}
		if msg.rules != nil {
			s.rules = msg.rules
		}
		s.err = msg.err
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "system" {
			return s, s.fetchStats()
		}
		return s, nil
	}

	return s, nil
}

// View renders the system info scene
func (s *SystemScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  System Information"))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(styles.Muted.Render("Loading system information..."))
		return b.String()
	}

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", s.err)))
		b.WriteString("\n\n")
	}

	b.WriteString(styles.Subtitle.Render("  Backend Connection"))
	b.WriteString("\n")
	if s.stats.Healthy {
		b.WriteString(fmt.Sprintf("  %s Connected to backend\n", styles.StatusOK.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Status: %s\n", styles.Muted.Render("├"), s.stats.HealthStatus))
		b.WriteString(fmt.Sprintf("  %s Uptime: %s\n", styles.Muted.Render("└"), s.stats.Uptime))
	} else {
		b.WriteString(fmt.Sprintf("  %s Not connected\n", styles.StatusError.Render("●")))
		b.WriteString(fmt.Sprintf("  %s Reason: %s\n", styles.Muted.Render("└"), s.stats.StatusReason))
		return b.String()
	}
	b.WriteString("\n")

	mon := s.stats.Monitor
	b.WriteString(styles.Subtitle.Render("  Real-time Monitor"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Processed:      %s\n", styles.MetricValue.Render(formatNumber(mon.Processed))))
	b.WriteString(fmt.Sprintf("  Queued:         %s\n", styles.MetricValue.Render(fmt.Sprintf("%d", mon.Queued))))
	if mon.Failed > 0 {
		b.WriteString(fmt.Sprintf("  Failed:         %s\n", styles.StatusWarning.Render(formatNumber(mon.Failed))))
	} else {
		b.WriteString(fmt.Sprintf("  Failed:         %s\n", styles.StatusOK.Render("0")))
	}
	if mon.Dropped > 0 {
		b.WriteString(fmt.Sprintf("  Dropped:        %s\n", styles.StatusError.Render(formatNumber(mon.Dropped))))
	} else {
		b.WriteString(fmt.Sprintf("  Dropped:        %s\n", styles.StatusOK.Render("0")))
	}
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Threat Rules"))
	b.WriteString("\n")
	if len(s.rules) == 0 {
		b.WriteString(styles.Muted.Render("  No rules reported\n"))
	}
	for _, r := range s.rules {
		response := r.Response
		if response == "" {
			response = "alert only"
		}
		b.WriteString(fmt.Sprintf("  %s %-26s %s %s\n",
			styles.Severity(r.Severity).Render("●"),
			r.Name,
			styles.Muted.Render(fmt.Sprintf("%-9s", r.Severity)),
			response))
		if r.Summary != "" {
			b.WriteString(fmt.Sprintf("    %s\n", styles.Muted.Render(r.Summary)))
		}
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}
