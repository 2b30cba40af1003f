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

// statusFilters cycles with the [f] key. The empty filter lists everything.
var statusFilters = []string{"", "active", "investigating", "resolved"}

// IncidentsScene lists security incidents, newest first.
type IncidentsScene struct {
	client     *api.Client
	incidents  []api.Incident
	total      int
	filter     int
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type incidentsMsg struct {
	incidents []api.Incident
	total     int
	err       string
}

// NewIncidentsScene creates a new incidents scene
func NewIncidentsScene(client *api.Client) *IncidentsScene {
	return &IncidentsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the incidents scene
func (e *IncidentsScene) Init() tea.Cmd {
	return e.fetchIncidents()
}

// Filter returns the active status filter, empty for all.
func (e *IncidentsScene) Filter() string {
	return statusFilters[e.filter]
}

func (e *IncidentsScene) fetchIncidents() tea.Cmd {
	status := e.Filter()
	return func() tea.Msg {
		list, err := e.client.GetIncidents(status, 200)
		if err != nil {
			return incidentsMsg{err: err.Error()}
		}
		return incidentsMsg{incidents: list.Incidents, total: list.Total}
	}
}

// TickCmd returns a command that ticks every interval
func (e *IncidentsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "incidents", Time: t}
	})
}

// Update handles messages for the incidents scene
func (e *IncidentsScene) Update(msg tea.Msg) (*IncidentsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		e.width = msg.Width
		e.height = msg.Height
		e.maxRows = max(5, e.height-12)
		return e, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if e.cursor > 0 {
				e.cursor--
				if e.cursor < e.offset {
					e.offset = e.cursor
				}
			}
		case "down", "j":
			if e.cursor < len(e.incidents)-1 {
				e.cursor++
				if e.cursor >= e.offset+e.maxRows {
					e.offset = e.cursor - e.maxRows + 1
				}
			}
		case "pgup":
			e.cursor = max(0, e.cursor-e.maxRows)
			e.offset = max(0, e.offset-e.maxRows)
		case "pgdown":
			e.cursor = max(0, min(len(e.incidents)-1, e.cursor+e.maxRows))
			e.offset = min(max(0, len(e.incidents)-e.maxRows), e.offset+e.maxRows)
		case "f":
			e.filter = (e.filter + 1) % len(statusFilters)
			e.cursor, e.offset = 0, 0
			e.loading = true
			return e, e.fetchIncidents()
		case "r":
			e.loading = true
			return e, e.fetchIncidents()
		}
		return e, nil

	case incidentsMsg:
		e.loading = false
		e.incidents = msg.incidents
		e.total = msg.total
		e.err = msg.err
		e.lastUpdate = time.Now()
		if e.cursor >= len(e.incidents) {
			e.cursor = max(0, len(e.incidents)-1)
		}
		if e.offset > e.cursor {
			e.offset = e.cursor
		}
		return e, nil

	case TickMsg:
		if msg.Scene == "incidents" {
			return e, e.fetchIncidents()
		}
		return e, nil
	}

	return e, nil
}

// View renders the incident list
func (e *IncidentsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Security Incidents"))
	b.WriteString("\n\n")

	if e.loading && len(e.incidents) == 0 {
		b.WriteString(styles.Muted.Render("  Loading incidents..."))
		return b.String()
	}

	if e.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", e.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	filter := e.Filter()
	if filter == "" {
		filter = "all"
	}

	if len(e.incidents) == 0 {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  No incidents (filter: %s).", filter)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Incidents appear here when a threat rule matches an ingested event."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  [f] Change filter  [r] Refresh"))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Showing %d of %d incidents (filter: %s)", len(e.incidents), e.total, filter)))
	if e.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-10s %-10s %-14s %-26s %s",
		"Created", "Severity", "Status", "Type", "Description")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(e.offset+e.maxRows, len(e.incidents))
	for i, inc := range e.incidents[e.offset:endIdx] {
		b.WriteString(e.renderRow(inc, e.offset+i == e.cursor))
		b.WriteString("\n")
	}

	if len(e.incidents) > e.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [f] filter, [r] refresh)",
			e.offset+1, endIdx, len(e.incidents))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [f] Filter  [r] Refresh"))
	}

	if !e.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", e.lastUpdate.Format("15:04:05"))))
	}

	if sel := e.selected(); sel != nil {
		b.WriteString("\n\n")
		b.WriteString(e.renderDetail(sel))
	}

	return b.String()
}

func (e *IncidentsScene) selected() *api.Incident {
	if e.cursor < 0 || e.cursor >= len(e.incidents) {
		return nil
	}
	return &e.incidents[e.cursor]
}

func (e *IncidentsScene) renderRow(inc api.Incident, selected bool) string {
	row := fmt.Sprintf("  %-10s %s %-14s %-26s %s",
		inc.CreatedAt.Local().Format("15:04:05"),
		formatSeverity(inc.Severity),
		inc.Status,
		truncate(inc.IncidentType, 26),
		truncate(inc.Description, 50),
	)
	if selected {
		return lipgloss.NewStyle().
			Background(styles.Primary).
			Foreground(styles.White).
			Render(row)
	}
	return row
}

func (e *IncidentsScene) renderDetail(inc *api.Incident) string {
	user := "-"
	if inc.UserID != nil {
		user = *inc.UserID
	}
	response := inc.AutoResponse
	if response == "" {
		response = "none"
	}
	lines := []string{
		fmt.Sprintf("ID:        %s", inc.ID),
		fmt.Sprintf("User:      %s", user),
		fmt.Sprintf("Score:     %d", inc.ThreatScore),
		fmt.Sprintf("Response:  %s", response),
	}
	return styles.Box.Render(strings.Join(lines, "\n"))
}

func formatSeverity(sev string) string {
	return styles.Severity(sev).Render(fmt.Sprintf("%-10s", strings.ToUpper(sev)))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
