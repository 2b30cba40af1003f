// Package styles holds the dashboard's lipgloss styles.
package styles

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	Primary    = lipgloss.Color("#7C3AED")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	Critical   = lipgloss.Color("#B91C1C")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")
	Dark       = lipgloss.Color("#1F2937")

	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary).
		Padding(0, 2)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	// StatusCritical is inverted so critical incidents stand out in lists.
	StatusCritical = lipgloss.NewStyle().
			Foreground(White).
			Background(Critical).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)
)

// Severity returns the style for a risk level (low, medium, high, critical).
func Severity(level string) lipgloss.Style {
	switch strings.ToLower(level) {
	case "critical":
		return StatusCritical
	case "high":
		return StatusError
	case "medium":
		return StatusWarning
	case "low":
		return StatusOK
	default:
		return Muted
	}
}

// Posture returns the style for an overall security status.
func Posture(status string) lipgloss.Style {
	switch status {
	case "healthy":
		return StatusOK
	case "warning":
		return StatusWarning
	default:
		return StatusError
	}
}
