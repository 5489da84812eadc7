// ABOUTME: Append-only NDJSON progress log usable as the orchestrator's progress callback.
// ABOUTME: Writes one line per progress event and maintains a live.json status snapshot for pollers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/prowzi/internal/fsutil"
)

// Progress event kinds derived from callback event names.
const (
	ProgressStart     = "start"
	ProgressCompleted = "completed"
	ProgressRetry     = "retry"
	ProgressSkipped   = "skipped"
)

// ProgressEntry is one line in the NDJSON log.
type ProgressEntry struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	Stage     string         `json:"stage"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// LiveState is the current run snapshot written to live.json after each event.
type LiveState struct {
	SessionID   string   `json:"session_id,omitempty"`
	Status      string   `json:"status"`
	ActiveStage string   `json:"active_stage"`
	Completed   []string `json:"completed"`
	Skipped     []string `json:"skipped"`
	Retries     int      `json:"retries"`
	StartedAt   string   `json:"started_at"`
	UpdatedAt   string   `json:"updated_at"`
	EventCount  int      `json:"event_count"`
}

// ProgressLog writes progress events to progress.ndjson and keeps live.json
// in sync with the latest state.
type ProgressLog struct {
	dir    string
	file   *os.File
	state  LiveState
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	closed bool
	// WriteErrors counts failed writes, for diagnostics.
	WriteErrors int
}

// NewProgressLog opens dir/progress.ndjson for appending and writes an
// initial live.json with pending status.
func NewProgressLog(dir, sessionID string, logger *slog.Logger) (*ProgressLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &ProgressLog{
		dir:    dir,
		file:   f,
		logger: logger,
		now:    time.Now,
		state: LiveState{
			SessionID: sessionID,
			Status:    "pending",
			Completed: []string{},
			Skipped:   []string{},
		},
	}
	if err := p.writeLive(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// ParseEvent splits a progress event name into its stage and kind:
// "{stage}_start", "{stage}_retry", "{stage}_skipped", or "{stage}" on success.
func ParseEvent(event string) (stage, kind string) {
	for _, k := range []string{ProgressStart, ProgressRetry, ProgressSkipped} {
		if s, ok := strings.CutSuffix(event, "_"+k); ok && s != "" {
			return s, k
		}
	}
	return event, ProgressCompleted
}

// Handle records one progress event. Its signature matches the
// orchestrator's progress callback. State is updated even when the NDJSON
// write fails.
func (p *ProgressLog) Handle(event string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	now := p.now().UTC().Format(time.RFC3339)
	stage, kind := ParseEvent(event)

	var writeErr error
	line, err := json.Marshal(ProgressEntry{
		Timestamp: now,
		Event:     event,
		Stage:     stage,
		Kind:      kind,
		Data:      payload,
	})
	if err != nil {
		p.WriteErrors++
		writeErr = fmt.Errorf("marshal progress entry: %w", err)
	} else if _, err := p.file.Write(append(line, '\n')); err != nil {
		p.WriteErrors++
		writeErr = fmt.Errorf("write progress entry: %w", err)
	}

	if p.state.StartedAt == "" {
		p.state.StartedAt = now
	}
	if p.state.Status == "pending" {
		p.state.Status = "running"
	}
	switch kind {
	case ProgressStart:
		p.state.ActiveStage = stage
	case ProgressCompleted:
		p.state.Completed = append(p.state.Completed, stage)
		p.state.ActiveStage = ""
	case ProgressSkipped:
		p.state.Skipped = append(p.state.Skipped, stage)
	case ProgressRetry:
		p.state.Retries++
	}
	p.state.EventCount++
	p.state.UpdatedAt = now

	if err := p.writeLive(); err != nil {
		p.logger.Warn("live.json write failed", "dir", p.dir, "error", err)
	}
	return writeErr
}

// Finish marks the run's final status ("completed", "failed", "aborted").
func (p *ProgressLog) Finish(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Status = status
	p.state.ActiveStage = ""
	p.state.UpdatedAt = p.now().UTC().Format(time.RFC3339)
	if err := p.writeLive(); err != nil {
		p.logger.Warn("live.json write failed", "dir", p.dir, "error", err)
	}
}

// Close closes the NDJSON file. After Close, Handle is a no-op.
func (p *ProgressLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// State returns a copy of the current live state.
func (p *ProgressLog) State() LiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.state
	cp.Completed = append([]string{}, p.state.Completed...)
	cp.Skipped = append([]string{}, p.state.Skipped...)
	return cp
}

// writeLive atomically writes live.json. Caller must hold p.mu.
func (p *ProgressLog) writeLive() error {
	return fsutil.WriteJSONAtomic(filepath.Join(p.dir, "live.json"), p.state)
}
