// Package tui provides a terminal dashboard for the risk engine.
package tui

import (
	"fmt"
	"strings"

	"boundary-risk/internal/tui/api"
	"boundary-risk/internal/tui/scenes"
	"boundary-risk/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneDashboard Scene = iota
	SceneIncidents
	SceneSystem

	sceneCount = 3
)

// Model is the main TUI model
type Model struct {
	client *api.Client

	scene Scene

	// Only the active scene receives ticks.
	dashboard *scenes.DashboardScene
	incidents *scenes.IncidentsScene
	system    *scenes.SystemScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model. token is sent as a bearer token when set.
func New(baseURL, token string) *Model {
	client := api.NewClient(baseURL, token)

	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		incidents: scenes.NewIncidentsScene(client),
		system:    scenes.NewSystemScene(client),
	}
}

// Init fetches the dashboard and starts its ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTickCmd(),
	)
}

func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneIncidents:
		return m.incidents.TickCmd()
	case SceneSystem:
		return m.system.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.Init()
	case SceneIncidents:
		return m.incidents.Init()
	case SceneSystem:
		return m.system.Init()
	default:
		return nil
	}
}

// switchTo activates scene, refreshing it and starting its ticker.
func (m *Model) switchTo(scene Scene) tea.Cmd {
	if m.scene == scene {
		return nil
	}
	m.scene = scene
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneDashboard)
		case "2":
			return m, m.switchTo(SceneIncidents)
		case "3":
			return m, m.switchTo(SceneSystem)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.incidents, _ = m.incidents.Update(msg)
		m.system, _ = m.system.Update(msg)
		return m, nil

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case SceneIncidents:
			m.incidents, cmd = m.incidents.Update(msg)
		case SceneSystem:
			m.system, cmd = m.system.Update(msg)
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, m.activeTickCmd())
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneIncidents:
		m.incidents, cmd = m.incidents.Update(msg)
	case SceneSystem:
		m.system, cmd = m.system.Update(msg)
	}
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneIncidents:
		b.WriteString(m.incidents.View())
	case SceneSystem:
		b.WriteString(m.system.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Incidents", "2", SceneIncidents},
		{"System", "3", SceneSystem},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit ")
}

// Run starts the TUI application
func Run(baseURL, token string) error {
	p := tea.NewProgram(New(baseURL, token), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
