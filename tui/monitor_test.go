// ABOUTME: Tests for the monitor's stage rows, log panel, and Bubble Tea update loop.
// ABOUTME: Drives the model directly with messages instead of starting a program.
package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/2389-research/prowzi/telemetry"
)

type fakeSource struct {
	metrics *telemetry.WorkflowMetrics
	calls   int
}

func (f *fakeSource) LoadSession(string) (*telemetry.WorkflowMetrics, bool) {
	f.calls++
	return f.metrics, f.metrics != nil
}

func ev(stage string, status telemetry.Status, attempt int) telemetry.StageEvent {
	return telemetry.StageEvent{
		Stage:     stage,
		Status:    status,
		Attempt:   attempt,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestBuildRowsFollowsOrder(t *testing.T) {
	events := []telemetry.StageEvent{
		ev("intent", telemetry.StatusStarted, 1),
		ev("intent", telemetry.StatusCompleted, 1),
		ev("search", telemetry.StatusStarted, 1),
		{Stage: "search", Status: telemetry.StatusRetrying, Attempt: 1, Error: "timeout"},
		ev("search", telemetry.StatusStarted, 2),
		ev("extra", telemetry.StatusSkipped, 0),
	}
	rows := BuildRows([]string{"intent", "search", "writing"}, events)

	want := []struct {
		name  string
		state StageState
	}{
		{"intent", StateCompleted},
		{"search", StateRunning},
		{"writing", StatePending},
		{"extra", StateSkipped},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].Name != w.name || rows[i].State != w.state {
			t.Errorf("row %d = %s/%s, want %s/%s", i, rows[i].Name, rows[i].State, w.name, w.state)
		}
	}
	if rows[1].Attempts != 2 {
		t.Errorf("search attempts = %d, want 2", rows[1].Attempts)
	}
	if rows[1].Error != "timeout" {
		t.Errorf("search error = %q", rows[1].Error)
	}
}

func TestBuildRowsCompletionClearsError(t *testing.T) {
	events := []telemetry.StageEvent{
		{Stage: "a", Status: telemetry.StatusRetrying, Attempt: 1, Error: "boom"},
		{Stage: "a", Status: telemetry.StatusCompleted, Attempt: 2, DurationSeconds: 1.5},
	}
	rows := BuildRows([]string{"a"}, events)
	if rows[0].Error != "" || rows[0].Seconds != 1.5 {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestRenderRows(t *testing.T) {
	if got := renderRows(nil, ""); !strings.Contains(got, "No stages yet") {
		t.Errorf("empty rows = %q", got)
	}
	rows := []StageRow{
		{Name: "intent", State: StateCompleted, Attempts: 1, Seconds: 0.5},
		{Name: "search", State: StateRetrying, Attempts: 3, Error: "rate limited"},
		{Name: "writing", State: StatePending},
	}
	out := renderRows(rows, "@")
	for _, want := range []string{"✓ intent", "@ search", "attempt 3", "rate limited", "○ writing", "0.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestLogPanelKeepsTail(t *testing.T) {
	panel := NewLogPanelModel(2)
	panel.SetEvents([]telemetry.StageEvent{
		ev("a", telemetry.StatusStarted, 1),
		ev("b", telemetry.StatusStarted, 1),
		ev("c", telemetry.StatusStarted, 1),
	})
	if panel.Len() != 2 {
		t.Fatalf("Len = %d, want 2", panel.Len())
	}
	if panel.entries[0].Stage != "b" {
		t.Errorf("oldest kept = %q, want b", panel.entries[0].Stage)
	}
}

func TestFormatEntry(t *testing.T) {
	e := ev("search", telemetry.StatusFailed, 2)
	e.Error = "boom"
	e.Details = map[string]any{"z": 1, "a": "x"}
	line := formatEntry(e)
	for _, want := range []string{"03:04:05", "failed", "[search]", "attempt=2", "boom", "a=x z=1"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestMonitorUpdateSnapshot(t *testing.T) {
	src := &fakeSource{}
	m := NewMonitorModel(src, "s1", []string{"intent", "search"}, time.Millisecond)

	model, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = model.(MonitorModel)
	if !strings.Contains(m.View(), "Loading session") {
		t.Errorf("view before poll:\n%s", m.View())
	}

	model, cmd := m.Update(SnapshotMsg{Found: false})
	m = model.(MonitorModel)
	if cmd == nil {
		t.Error("expected a poll command after a missing session")
	}
	if !strings.Contains(m.View(), "session not found") {
		t.Errorf("view for missing session:\n%s", m.View())
	}

	metrics := &telemetry.WorkflowMetrics{
		SessionID: "s1",
		StartedAt: time.Now(),
		Events: []telemetry.StageEvent{
			ev("intent", telemetry.StatusStarted, 1),
			ev("intent", telemetry.StatusCompleted, 1),
			ev("search", telemetry.StatusStarted, 1),
		},
	}
	model, _ = m.Update(SnapshotMsg{Metrics: metrics, Found: true})
	m = model.(MonitorModel)
	if m.Done() {
		t.Error("session should still be running")
	}
	rows := m.Rows()
	if rows[0].State != StateCompleted || rows[1].State != StateRunning {
		t.Errorf("rows = %+v", rows)
	}
	view := m.View()
	for _, want := range []string{"STAGES", "EVENT LOG", "1/2 stages", "s1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestMonitorPollLoadsSource(t *testing.T) {
	src := &fakeSource{metrics: &telemetry.WorkflowMetrics{SessionID: "s1"}}
	m := NewMonitorModel(src, "s1", nil, 0)
	_, cmd := m.Update(PollMsg{})
	if cmd == nil {
		t.Fatal("expected load command")
	}
	msg, ok := cmd().(SnapshotMsg)
	if !ok || !msg.Found || msg.Metrics.SessionID != "s1" {
		t.Errorf("msg = %+v", msg)
	}
	if src.calls != 1 {
		t.Errorf("calls = %d", src.calls)
	}
}

func TestMonitorExitOnDone(t *testing.T) {
	done := time.Now()
	metrics := &telemetry.WorkflowMetrics{SessionID: "s1", CompletedAt: &done, Success: true}
	m := NewMonitorModel(&fakeSource{}, "s1", []string{"intent"}, 0).ExitOnDone()
	model, cmd := m.Update(SnapshotMsg{Metrics: metrics, Found: true})
	if !model.(MonitorModel).Done() {
		t.Error("expected done")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestMonitorQuitKey(t *testing.T) {
	m := NewMonitorModel(&fakeSource{}, "s1", nil, 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}
