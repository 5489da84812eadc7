// ABOUTME: Aggregated pipeline result assembled from the final StageContext.
// ABOUTME: Verifies every non-skipped stage filled its declared slots before returning outputs and metadata.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389-research/prowzi/pipeline"
)

// StageStats is one stage's line in the aggregated result.
type StageStats struct {
	Name            string               `json:"name"`
	Status          pipeline.StageStatus `json:"status"`
	Attempts        int                  `json:"attempts"`
	DurationSeconds float64              `json:"duration_seconds"`
	Details         map[string]any       `json:"details,omitempty"`
	// Restored is true for stages completed before the checkpoint this run
	// resumed from.
	Restored bool `json:"restored,omitempty"`
}

// Result is the complete output of a successful run.
type Result struct {
	SessionID string                     `json:"session_id"`
	Outputs   map[string]json.RawMessage `json:"outputs"`
	Stages    []StageStats               `json:"stages"`
	Metadata  map[string]any             `json:"metadata"`
	Duration  time.Duration              `json:"-"`
}

// Decode unmarshals the named output slot into v.
func (r *Result) Decode(slot string, v any) error {
	raw, ok := r.Outputs[slot]
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrSlotEmpty, slot)
	}
	return json.Unmarshal(raw, v)
}

// Skipped returns the names of stages skipped by their predicate.
func (r *Result) Skipped() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Status == pipeline.StatusSkipped {
			out = append(out, s.Name)
		}
	}
	return out
}

// assemble builds the Result, failing if any stage that was not skipped
// left a declared slot empty.
func (r *run) assemble(started time.Time) (*Result, error) {
	metrics := r.sc.AllMetrics()

	stages := make([]StageStats, 0, len(r.o.specs))
	skipped := []string{}
	totalRetries := 0
	for i, spec := range r.o.specs {
		name := spec.Name()
		m, ok := metrics[name]
		if !ok {
			return nil, fmt.Errorf("%w: stage %q never ran", ErrIncompletePipeline, name)
		}
		switch m.Status {
		case pipeline.StatusSkipped:
			skipped = append(skipped, name)
		case pipeline.StatusCompleted:
			for _, slot := range spec.Produces {
				if !r.sc.Has(slot) {
					return nil, fmt.Errorf("%w: stage %q left slot %q empty", ErrIncompletePipeline, name, slot)
				}
			}
			if m.Attempts > 1 {
				totalRetries += m.Attempts - 1
			}
		default:
			return nil, fmt.Errorf("%w: stage %q ended %s", ErrIncompletePipeline, name, m.Status)
		}
		stages = append(stages, StageStats{
			Name:            name,
			Status:          m.Status,
			Attempts:        m.Attempts,
			DurationSeconds: m.DurationSeconds,
			Details:         m.Details,
			Restored:        i < r.startIdx,
		})
	}

	outputs := make(map[string]json.RawMessage)
	for _, slot := range r.sc.SlotNames() {
		raw, _ := r.sc.Raw(slot)
		outputs[slot] = raw
	}

	duration := time.Since(started)
	metadata := map[string]any{
		"workflow_duration_seconds": duration.Seconds(),
		"stage_metrics":             metrics,
		"session_id":                r.sessionID,
		"total_retries":             totalRetries,
		"skipped_stages":            skipped,
	}
	if r.resumedFrom != "" {
		metadata["resumed_from"] = r.resumedFrom
	}
	if r.lastSaved != "" {
		metadata["last_checkpoint"] = r.lastSaved
	}

	return &Result{
		SessionID: r.sessionID,
		Outputs:   outputs,
		Stages:    stages,
		Metadata:  metadata,
		Duration:  duration,
	}, nil
}
