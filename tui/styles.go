// ABOUTME: Defines lipgloss styles for the monitor's panels, stage states, and log lines.
// ABOUTME: Provides StyleForState to map a stage's display state to its style.
package tui

import "github.com/charmbracelet/lipgloss"

var (
	// Panel borders
	BorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62"))

	// Title styling
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	// Stage state colors
	PendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	RunningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	CompletedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	FailedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	SkippedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	// Log event colors
	LogTimestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	LogEventStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	LogErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	LogSuccessStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	LogRetryStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	// Status bar
	StatusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)
)

// StyleForState returns the style for a stage display state.
func StyleForState(s StageState) lipgloss.Style {
	switch s {
	case StateRunning, StateRetrying:
		return RunningStyle
	case StateCompleted:
		return CompletedStyle
	case StateFailed:
		return FailedStyle
	case StateSkipped:
		return SkippedStyle
	default:
		return PendingStyle
	}
}
