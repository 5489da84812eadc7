// ABOUTME: TelemetryCollector: records stage lifecycle events per session and folds them into WorkflowMetrics.
// ABOUTME: Every event is persisted write-through as one JSON file per session, rewritten in full.
package telemetry

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389-research/prowzi/internal/fsutil"
)

// ErrSessionNotStarted is returned when recording against a session that
// was never started.
var ErrSessionNotStarted = errors.New("telemetry session not started")

// Status is a stage lifecycle transition.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusRetrying  Status = "retrying"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

const (
	// InputSummaryLength bounds the stored input summary, in runes.
	InputSummaryLength = 500
	// PreviewLength bounds the input preview in session listings, in runes.
	PreviewLength = 100

	filePrefix = "telemetry_"
	fileSuffix = ".json"
)

// StageEvent is one recorded lifecycle transition.
type StageEvent struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Stage           string         `json:"stage"`
	Status          Status         `json:"status"`
	Attempt         int            `json:"attempt"`
	DurationSeconds float64        `json:"duration_seconds"`
	Timestamp       time.Time      `json:"timestamp"`
	Details         map[string]any `json:"details,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// WorkflowMetrics is the durable aggregate for one session.
type WorkflowMetrics struct {
	SessionID            string         `json:"session_id"`
	InputSummary         string         `json:"input_summary"`
	StartedAt            time.Time      `json:"started_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	Events               []StageEvent   `json:"stages"`
	TotalRetries         int            `json:"total_retries"`
	FailedStages         []string       `json:"failed_stages"`
	Success              bool           `json:"success"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (m *WorkflowMetrics) clone() *WorkflowMetrics {
	cp := *m
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Events = make([]StageEvent, len(m.Events))
	for i, ev := range m.Events {
		ev.Details = copyMap(ev.Details)
		cp.Events[i] = ev
	}
	cp.FailedStages = append([]string{}, m.FailedStages...)
	cp.Metadata = copyMap(m.Metadata)
	return &cp
}

// StagesCompleted counts distinct stages with a completed event.
func (m *WorkflowMetrics) StagesCompleted() int {
	seen := make(map[string]bool)
	for _, ev := range m.Events {
		if ev.Status == StatusCompleted {
			seen[ev.Stage] = true
		}
	}
	return len(seen)
}

// Summary condenses the metrics for session listings.
func (m *WorkflowMetrics) Summary() SessionSummary {
	s := SessionSummary{
		SessionID:            m.SessionID,
		InputPreview:         truncate(m.InputSummary, PreviewLength),
		StartedAt:            m.StartedAt,
		Completed:            m.CompletedAt != nil,
		Success:              m.Success,
		TotalDurationSeconds: m.TotalDurationSeconds,
		TotalRetries:         m.TotalRetries,
		StagesCompleted:      m.StagesCompleted(),
		EventCount:           len(m.Events),
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	SessionID            string     `json:"session_id"`
	InputPreview         string     `json:"input_preview"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Completed            bool       `json:"completed"`
	Success              bool       `json:"success"`
	TotalDurationSeconds float64    `json:"total_duration_seconds"`
	TotalRetries         int        `json:"total_retries"`
	StagesCompleted      int        `json:"stages_completed"`
	EventCount           int        `json:"event_count"`
}

// Index mirrors session summaries into a queryable store.
type Index interface {
	UpsertSession(s SessionSummary) error
}

// Collector records telemetry for any number of concurrent sessions. The
// in-memory map is guarded by one mutex; each session persists to its own
// file.
type Collector struct {
	dir     string
	logger  *slog.Logger
	now     func() time.Time
	index   Index
	entropy io.Reader

	mu     sync.Mutex
	active map[string]*WorkflowMetrics
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIndex mirrors session summaries into idx after each persist.
func WithIndex(idx Index) Option {
	return func(c *Collector) { c.index = idx }
}

// NewCollector creates a collector persisting under dir.
func NewCollector(dir string, opts ...Option) (*Collector, error) {
	if dir == "" {
		return nil, errors.New("telemetry dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	c := &Collector{
		dir:     dir,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
		active:  make(map[string]*WorkflowMetrics),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the directory holding session files.
func (c *Collector) Dir() string { return c.dir }

// StartSession opens a session record. If the session already has a
// persisted record (a resumed run), that history is reloaded and reopened
// so new events append to it.
func (c *Collector) StartSession(sessionID, inputSummary string) error {
	if !fsutil.ValidName(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[sessionID]
	if !ok {
		if prev, err := c.readFile(sessionID); err == nil {
			m = prev
		} else if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("discarding unreadable telemetry session", "session", sessionID, "error", err)
		}
	}
	if m == nil {
		m = &WorkflowMetrics{
			SessionID:    sessionID,
			InputSummary: truncate(inputSummary, InputSummaryLength),
			StartedAt:    c.now().UTC(),
			Events:       []StageEvent{},
			FailedStages: []string{},
		}
	} else {
		m.CompletedAt = nil
		m.Success = false
	}
	c.active[sessionID] = m
	return c.persist(m)
}

// RecordStageEvent appends ev to the session and persists the full record.
// SessionID, ID, and Timestamp are filled in when empty. The in-memory
// aggregate is updated even if the write fails.
func (c *Collector) RecordStageEvent(sessionID string, ev StageEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotStarted, sessionID)
	}

	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = c.newID(ev.Timestamp)
	}
	details, err := normalize(ev.Details)
	if err != nil {
		c.logger.Warn("stage event details not encodable", "session", sessionID, "stage", ev.Stage, "error", err)
		details = encodable(ev.Details, err)
	}
	ev.Details = details

	m.Events = append(m.Events, ev)
	switch ev.Status {
	case StatusRetrying:
		m.TotalRetries++
	case StatusFailed:
		if !contains(m.FailedStages, ev.Stage) {
			m.FailedStages = append(m.FailedStages, ev.Stage)
		}
	}
	return c.persist(m)
}

// CompleteSession finalizes the session, persists it, and releases it from
// memory. Recording against it again requires a new StartSession.
func (c *Collector) CompleteSession(sessionID string, success bool, total time.Duration, metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.active[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotStarted, sessionID)
	}
	md, err := normalize(metadata)
	if err != nil {
		c.logger.Warn("session metadata not encodable", "session", sessionID, "error", err)
		md = encodable(metadata, err)
	}
	now := c.now().UTC()
	m.CompletedAt = &now
	m.Success = success
	m.TotalDurationSeconds = total.Seconds()
	m.Metadata = md
	if err := c.persist(m); err != nil {
		return err
	}
	// Finished sessions are served from disk from here on.
	delete(c.active, sessionID)
	return nil
}

// SessionMetrics returns a copy of a session that is still open in memory.
// Completed sessions are only reachable through LoadSession.
func (c *Collector) SessionMetrics(sessionID string) (*WorkflowMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.active[sessionID]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// LoadSession returns a session from memory or, failing that, from disk.
// Missing or unreadable records report false.
func (c *Collector) LoadSession(sessionID string) (*WorkflowMetrics, bool) {
	if m, ok := c.SessionMetrics(sessionID); ok {
		return m, true
	}
	if !fsutil.ValidName(sessionID) {
		return nil, false
	}
	m, err := c.readFile(sessionID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("unreadable telemetry session", "session", sessionID, "error", err)
		}
		return nil, false
	}
	return m, true
}

// ListSessions returns summaries of persisted sessions, newest first.
// A limit of zero or less returns all of them.
func (c *Collector) ListSessions(limit int) ([]SessionSummary, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read telemetry dir: %w", err)
	}

	var out []SessionSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		m, err := readMetrics(filepath.Join(c.dir, name))
		if err != nil {
			c.logger.Warn("skipping unreadable telemetry file", "file", name, "error", err)
			continue
		}
		out = append(out, m.Summary())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].SessionID > out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// persist rewrites the session file. Caller must hold c.mu.
func (c *Collector) persist(m *WorkflowMetrics) error {
	if err := fsutil.WriteJSONAtomic(c.path(m.SessionID), m); err != nil {
		return fmt.Errorf("persist telemetry %s: %w", m.SessionID, err)
	}
	if c.index != nil {
		if err := c.index.UpsertSession(m.Summary()); err != nil {
			c.logger.Warn("telemetry index update failed", "session", m.SessionID, "error", err)
		}
	}
	return nil
}

func (c *Collector) newID(at time.Time) string {
	id, err := ulid.New(ulid.Timestamp(at), c.entropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

func (c *Collector) path(sessionID string) string {
	return filepath.Join(c.dir, filePrefix+sessionID+fileSuffix)
}

func (c *Collector) readFile(sessionID string) (*WorkflowMetrics, error) {
	return readMetrics(c.path(sessionID))
}

func readMetrics(path string) (*WorkflowMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m WorkflowMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if m.SessionID == "" {
		return nil, fmt.Errorf("decode %s: missing session id", filepath.Base(path))
	}
	if m.Events == nil {
		m.Events = []StageEvent{}
	}
	if m.FailedStages == nil {
		m.FailedStages = []string{}
	}
	return &m, nil
}

// normalize round-trips m through JSON so in-memory values match what a
// reload from disk produces.
func normalize(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// encodable is the fallback when normalize fails: non-finite floats are
// replaced by their string form ("NaN", "+Inf", "-Inf"). If the map still
// cannot be encoded it is replaced by the original encoding error.
func encodable(m map[string]any, cause error) map[string]any {
	out, err := normalize(finiteMap(m))
	if err != nil {
		return map[string]any{"encoding_error": cause.Error()}
	}
	return out
}

func finiteMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = finite(v)
	}
	return out
}

func finite(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
	case float32:
		return finite(float64(x))
	case map[string]any:
		return finiteMap(x)
	case map[string]float64:
		out := make(map[string]any, len(x))
		for k, f := range x {
			out[k] = finite(f)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = finite(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = finite(f)
		}
		return out
	}
	return v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
