// ABOUTME: Implements a scrollable event log panel using the bubbles viewport component.
// ABOUTME: Displays telemetry events with color-coded formatting based on status.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/prowzi/telemetry"
)

// LogPanelModel is a scrollable log of the most recent telemetry events.
type LogPanelModel struct {
	entries  []telemetry.StageEvent
	max      int
	viewport viewport.Model
	width    int
	height   int
}

// NewLogPanelModel creates a log panel keeping at most maxEntries events.
// If maxEntries is <= 0, it defaults to 200.
func NewLogPanelModel(maxEntries int) LogPanelModel {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return LogPanelModel{
		entries:  make([]telemetry.StageEvent, 0, maxEntries),
		max:      maxEntries,
		viewport: viewport.New(80, 10),
	}
}

// SetEvents replaces the log with the tail of events.
func (m *LogPanelModel) SetEvents(events []telemetry.StageEvent) {
	if len(events) > m.max {
		events = events[len(events)-m.max:]
	}
	m.entries = append(m.entries[:0], events...)
	m.syncViewport()
}

// Len returns the number of entries in the log.
func (m LogPanelModel) Len() int {
	return len(m.entries)
}

// SetSize sets the available dimensions and updates the viewport.
func (m *LogPanelModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	// Reserve space for the border (2 lines) and title (1 line)
	m.viewport.Width = max(w-2, 1)
	m.viewport.Height = max(h-3, 1)
	m.syncViewport()
}

// View renders the log panel.
func (m LogPanelModel) View() string {
	content := "No events yet"
	if len(m.entries) > 0 {
		content = m.viewport.View()
	}
	return BorderStyle.
		Width(max(m.width-2, 1)).
		Height(max(m.height-2, 1)).
		Render(TitleStyle.Render("EVENT LOG") + "\n" + content)
}

func (m *LogPanelModel) syncViewport() {
	lines := make([]string, 0, len(m.entries))
	for _, ev := range m.entries {
		lines = append(lines, formatEntry(ev))
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// formatEntry formats a single event as a log line.
func formatEntry(ev telemetry.StageEvent) string {
	parts := []string{
		LogTimestampStyle.Render(ev.Timestamp.Format("15:04:05")),
		eventStyle(ev.Status).Render(string(ev.Status)),
		fmt.Sprintf("[%s]", ev.Stage),
	}
	if ev.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", ev.Attempt))
	}
	if ev.Error != "" {
		parts = append(parts, LogErrorStyle.Render(ev.Error))
	}
	if len(ev.Details) > 0 {
		parts = append(parts, formatData(ev.Details))
	}
	return strings.Join(parts, " ")
}

// formatData formats event details as compact sorted key=value pairs.
func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(data))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(pairs, " ")
}

func eventStyle(s telemetry.Status) lipgloss.Style {
	switch s {
	case telemetry.StatusCompleted:
		return LogSuccessStyle
	case telemetry.StatusFailed:
		return LogErrorStyle
	case telemetry.StatusRetrying:
		return LogRetryStyle
	default:
		return LogEventStyle
	}
}
