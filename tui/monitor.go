// ABOUTME: Bubble Tea model that follows one session's telemetry file and renders its progress.
// ABOUTME: Polls the session on a tick, shows a stage panel with a spinner, an event log, and a status bar.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389-research/prowzi/telemetry"
)

// DefaultPollInterval is how often the session is reloaded.
const DefaultPollInterval = 500 * time.Millisecond

// Source loads a session's telemetry. *telemetry.Collector satisfies it.
type Source interface {
	LoadSession(sessionID string) (*telemetry.WorkflowMetrics, bool)
}

// SnapshotMsg carries a freshly loaded session.
type SnapshotMsg struct {
	Metrics *telemetry.WorkflowMetrics
	Found   bool
}

// PollMsg asks the model to reload the session.
type PollMsg struct {
	Time time.Time
}

// MonitorModel is the top-level monitor model.
type MonitorModel struct {
	source    Source
	sessionID string
	order     []string
	interval  time.Duration

	spinner spinner.Model
	log     LogPanelModel
	rows    []StageRow
	metrics *telemetry.WorkflowMetrics
	found   bool
	polled  bool

	// Exit when the session completes.
	exitOnDone bool
	done       bool
	width      int
	height     int
}

// NewMonitorModel creates a monitor for sessionID. order lists the
// pipeline's stages so pending ones are shown before they start.
func NewMonitorModel(source Source, sessionID string, order []string, interval time.Duration) MonitorModel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = RunningStyle
	return MonitorModel{
		source:    source,
		sessionID: sessionID,
		order:     order,
		interval:  interval,
		spinner:   sp,
		log:       NewLogPanelModel(200),
		rows:      BuildRows(order, nil),
	}
}

// ExitOnDone makes the program quit once the session completes.
func (m MonitorModel) ExitOnDone() MonitorModel {
	m.exitOnDone = true
	return m
}

// Init implements tea.Model.
func (m MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, loadCmd(m.source, m.sessionID))
}

// Update implements tea.Model.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.SetSize(msg.Width, m.logHeight())
		return m, nil

	case SnapshotMsg:
		m.polled = true
		m.found = msg.Found
		if msg.Found {
			m.metrics = msg.Metrics
			m.rows = BuildRows(m.order, msg.Metrics.Events)
			m.log.SetEvents(msg.Metrics.Events)
			m.done = msg.Metrics.CompletedAt != nil
		}
		if m.done && m.exitOnDone {
			return m, tea.Quit
		}
		return m, pollCmd(m.interval)

	case PollMsg:
		return m, loadCmd(m.source, m.sessionID)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m MonitorModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	header := TitleStyle.Render("prowzi monitor") + "  " + PendingStyle.Render(m.sessionID)

	var body string
	switch {
	case !m.polled:
		body = "Loading session..."
	case !m.found:
		body = FailedStyle.Render("session not found: " + m.sessionID)
	default:
		frame := ""
		if !m.done {
			frame = m.spinner.View()
		}
		body = renderRows(m.rows, frame)
	}
	stagePanel := BorderStyle.Width(max(m.width-2, 1)).Render(TitleStyle.Render("STAGES") + "\n" + body)

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		stagePanel,
		m.log.View(),
		m.statusBar(),
	)
}

// Rows returns the current stage rows.
func (m MonitorModel) Rows() []StageRow { return m.rows }

// Done reports whether the session has completed.
func (m MonitorModel) Done() bool { return m.done }

func (m MonitorModel) statusBar() string {
	parts := []string{"q quit"}
	if m.metrics != nil {
		completed := 0
		for _, r := range m.rows {
			if r.State == StateCompleted {
				completed++
			}
		}
		parts = append(parts,
			fmt.Sprintf("%d/%d stages", completed, len(m.rows)),
			fmt.Sprintf("%d retries", m.metrics.TotalRetries),
		)
		switch {
		case !m.done:
			parts = append(parts, "running "+time.Since(m.metrics.StartedAt).Round(time.Second).String())
		case m.metrics.Success:
			parts = append(parts, CompletedStyle.Render(fmt.Sprintf("succeeded in %.1fs", m.metrics.TotalDurationSeconds)))
		default:
			parts = append(parts, FailedStyle.Render("failed"))
		}
	}
	return StatusBarStyle.Width(max(m.width, 1)).Render(strings.Join(parts, " · "))
}

// logHeight gives the log panel what the header, stage panel, and status
// bar leave over.
func (m MonitorModel) logHeight() int {
	used := 1 + len(m.rows) + 3 + 1
	return max(m.height-used, 5)
}

func loadCmd(source Source, sessionID string) tea.Cmd {
	return func() tea.Msg {
		metrics, ok := source.LoadSession(sessionID)
		return SnapshotMsg{Metrics: metrics, Found: ok}
	}
}

func pollCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return PollMsg{Time: t} })
}

// Run starts the monitor in the alternate screen and blocks until the user
// quits, ctx is cancelled, or (with exitOnDone) the session completes.
func Run(ctx context.Context, source Source, sessionID string, order []string, exitOnDone bool) error {
	m := NewMonitorModel(source, sessionID, order, DefaultPollInterval)
	if exitOnDone {
		m = m.ExitOnDone()
	}
	_, err := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	return err
}
