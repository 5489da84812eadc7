// ABOUTME: StageContext accumulates every stage's outputs (named slots) and per-stage metrics for one run.
// ABOUTME: Slots hold canonical JSON so a context survives a checkpoint round-trip field for field.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"
)

// ErrSlotEmpty is returned when reading a slot that no stage has produced yet.
var ErrSlotEmpty = errors.New("slot empty")

// StageStatus is the terminal state of a stage as recorded in context metrics.
type StageStatus string

const (
	StatusCompleted StageStatus = "completed"
	StatusSkipped   StageStatus = "skipped"
	StatusFailed    StageStatus = "failed"
	StatusAborted   StageStatus = "aborted"
)

// Input is the original request a run was started with.
type Input struct {
	Prompt    string            `json:"prompt"`
	Documents []string          `json:"documents,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// Preview returns the prompt truncated to at most n runes.
func (in Input) Preview(n int) string {
	if n <= 0 || utf8.RuneCountInString(in.Prompt) <= n {
		return in.Prompt
	}
	r := []rune(in.Prompt)
	return string(r[:n])
}

// StageMetrics is one stage's entry in the context metrics map.
type StageMetrics struct {
	Status          StageStatus    `json:"status"`
	Attempts        int            `json:"attempts,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Reader is the read-only view of a StageContext handed to stages and
// predicates. Only the orchestrator writes.
type Reader interface {
	SessionID() string
	Input() Input
	Has(slot string) bool
	Decode(slot string, v any) error
	Metrics(stage string) (StageMetrics, bool)
}

// Get decodes slot into a value of type T.
func Get[T any](r Reader, slot string) (T, error) {
	var v T
	err := r.Decode(slot, &v)
	return v, err
}

// StageContext is the mutable accumulator for one pipeline run.
type StageContext struct {
	sessionID string
	input     Input
	slots     map[string]json.RawMessage
	metrics   map[string]StageMetrics
	mu        sync.RWMutex
}

// Compile-time check that StageContext implements Reader.
var _ Reader = (*StageContext)(nil)

// NewStageContext creates an empty context for a fresh run.
func NewStageContext(sessionID string, input Input) *StageContext {
	return &StageContext{
		sessionID: sessionID,
		input:     input,
		slots:     make(map[string]json.RawMessage),
		metrics:   make(map[string]StageMetrics),
	}
}

// SessionID returns the run's session identifier.
func (c *StageContext) SessionID() string { return c.sessionID }

// Input returns the original run input.
func (c *StageContext) Input() Input { return c.input }

// Has reports whether slot has been produced.
func (c *StageContext) Has(slot string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.slots[slot]
	return ok
}

// Decode unmarshals slot into v. Returns ErrSlotEmpty if the slot is unset.
func (c *StageContext) Decode(slot string, v any) error {
	c.mu.RLock()
	raw, ok := c.slots[slot]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotEmpty, slot)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode slot %q: %w", slot, err)
	}
	return nil
}

// Raw returns the canonical JSON for slot.
func (c *StageContext) Raw(slot string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.slots[slot]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), raw...), true
}

// SlotNames returns the names of all produced slots, sorted.
func (c *StageContext) SlotNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.slots))
	for k := range c.slots {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Apply encodes and stores each update. Nothing is stored if any value fails
// to encode.
func (c *StageContext) Apply(updates map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(updates))
	for k, v := range updates {
		if v == nil {
			return fmt.Errorf("slot %q: nil value", k)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode slot %q: %w", k, err)
		}
		encoded[k] = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range encoded {
		c.slots[k] = v
	}
	return nil
}

// Metrics returns the recorded metrics for stage.
func (c *StageContext) Metrics(stage string) (StageMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[stage]
	return m, ok
}

// AllMetrics returns a copy of the metrics map.
func (c *StageContext) AllMetrics() map[string]StageMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StageMetrics, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}

// SetMetrics records metrics for stage. Details are normalized through JSON
// so the in-memory value matches what a checkpoint reload produces.
func (c *StageContext) SetMetrics(stage string, m StageMetrics) error {
	details, err := normalizeMap(m.Details)
	if err != nil {
		return fmt.Errorf("metrics for %q: %w", stage, err)
	}
	m.Details = details

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics[stage] = m
	return nil
}

// Snapshot is the plain-data form of a StageContext used for checkpoints.
type Snapshot struct {
	SessionID string                     `json:"session_id"`
	Input     Input                      `json:"input"`
	Slots     map[string]json.RawMessage `json:"slots"`
	Metrics   map[string]StageMetrics    `json:"metrics"`
}

// Snapshot returns a deep copy of the context as plain data.
func (c *StageContext) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		SessionID: c.sessionID,
		Input:     c.input,
		Slots:     make(map[string]json.RawMessage, len(c.slots)),
		Metrics:   make(map[string]StageMetrics, len(c.metrics)),
	}
	for k, v := range c.slots {
		snap.Slots[k] = append(json.RawMessage(nil), v...)
	}
	for k, v := range c.metrics {
		snap.Metrics[k] = v
	}
	return snap
}

// Restore rebuilds a StageContext from a snapshot. Slot payloads must be
// valid JSON; they are stored in compact form.
func Restore(snap Snapshot) (*StageContext, error) {
	c := NewStageContext(snap.SessionID, snap.Input)
	for k, raw := range snap.Slots {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("slot %q: %w", k, err)
		}
		c.slots[k] = buf.Bytes()
	}
	for k, m := range snap.Metrics {
		details, err := normalizeMap(m.Details)
		if err != nil {
			return nil, fmt.Errorf("metrics for %q: %w", k, err)
		}
		m.Details = details
		c.metrics[k] = m
	}
	return c, nil
}

// normalizeMap round-trips m through JSON. Empty maps become nil.
func normalizeMap(m map[string]any) (map[string]any, error) {
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
