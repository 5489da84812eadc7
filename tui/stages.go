// ABOUTME: Derives per-stage display rows from a session's telemetry events.
// ABOUTME: Rows follow the pipeline order, with unknown stages appended as they appear.
package tui

import (
	"fmt"
	"strings"

	"github.com/2389-research/prowzi/telemetry"
)

// StageState is how a stage is shown in the monitor.
type StageState string

const (
	StatePending   StageState = "pending"
	StateRunning   StageState = "running"
	StateRetrying  StageState = "retrying"
	StateCompleted StageState = "completed"
	StateFailed    StageState = "failed"
	StateSkipped   StageState = "skipped"
)

// StageRow is one line of the stage panel.
type StageRow struct {
	Name     string
	State    StageState
	Attempts int
	Seconds  float64
	Error    string
}

// BuildRows folds events into one row per stage.
func BuildRows(order []string, events []telemetry.StageEvent) []StageRow {
	rows := make([]StageRow, 0, len(order))
	index := make(map[string]int, len(order))
	for _, name := range order {
		index[name] = len(rows)
		rows = append(rows, StageRow{Name: name, State: StatePending})
	}

	for _, ev := range events {
		i, ok := index[ev.Stage]
		if !ok {
			i = len(rows)
			index[ev.Stage] = i
			rows = append(rows, StageRow{Name: ev.Stage, State: StatePending})
		}
		row := &rows[i]
		if ev.Attempt > row.Attempts {
			row.Attempts = ev.Attempt
		}
		switch ev.Status {
		case telemetry.StatusStarted:
			row.State = StateRunning
		case telemetry.StatusRetrying:
			row.State = StateRetrying
			row.Error = ev.Error
		case telemetry.StatusCompleted:
			row.State = StateCompleted
			row.Seconds = ev.DurationSeconds
			row.Error = ""
		case telemetry.StatusFailed:
			row.State = StateFailed
			row.Error = ev.Error
		case telemetry.StatusSkipped:
			row.State = StateSkipped
		}
	}
	return rows
}

// renderRows draws the stage panel body. frame replaces the marker of
// running stages.
func renderRows(rows []StageRow, frame string) string {
	if len(rows) == 0 {
		return PendingStyle.Render("No stages yet")
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Name))
	}
	var b strings.Builder
	for i, r := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		marker := markerFor(r.State)
		if (r.State == StateRunning || r.State == StateRetrying) && frame != "" {
			marker = frame
		}
		line := fmt.Sprintf("%s %-*s  %-9s", marker, width, r.Name, r.State)
		if r.Attempts > 1 {
			line += fmt.Sprintf("  attempt %d", r.Attempts)
		}
		if r.State == StateCompleted {
			line += fmt.Sprintf("  %.1fs", r.Seconds)
		}
		b.WriteString(StyleForState(r.State).Render(line))
		if r.Error != "" && r.State != StateCompleted {
			b.WriteString(" " + LogErrorStyle.Render(truncate(r.Error, 60)))
		}
	}
	return b.String()
}

func markerFor(s StageState) string {
	switch s {
	case StateCompleted:
		return "✓"
	case StateFailed:
		return "✗"
	case StateSkipped:
		return "–"
	case StateRunning, StateRetrying:
		return "•"
	default:
		return "○"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
