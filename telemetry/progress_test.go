// ABOUTME: Tests for the NDJSON progress log and its live.json snapshot.
package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		event, stage, kind string
	}{
		{"intent_start", "intent", ProgressStart},
		{"intent", "intent", ProgressCompleted},
		{"search_retry", "search", ProgressRetry},
		{"post_compliance_evaluation_skipped", "post_compliance_evaluation", ProgressSkipped},
		{"post_compliance_evaluation", "post_compliance_evaluation", ProgressCompleted},
		{"_start", "_start", ProgressCompleted},
	}
	for _, tc := range cases {
		stage, kind := ParseEvent(tc.event)
		if stage != tc.stage || kind != tc.kind {
			t.Errorf("ParseEvent(%q) = %q, %q; want %q, %q", tc.event, stage, kind, tc.stage, tc.kind)
		}
	}
}

func readLive(t *testing.T, dir string) LiveState {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "live.json"))
	if err != nil {
		t.Fatal(err)
	}
	var s LiveState
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestProgressLogWritesEntriesAndLiveState(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProgressLog(dir, "sess", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s := readLive(t, dir); s.Status != "pending" || s.SessionID != "sess" {
		t.Errorf("initial live state %+v", s)
	}

	steps := []struct {
		event   string
		payload map[string]any
	}{
		{"intent_start", map[string]any{"attempt": 1}},
		{"intent", map[string]any{"summary": "ok"}},
		{"search_start", map[string]any{"attempt": 1}},
		{"search_retry", map[string]any{"attempt": 1, "error": "timeout"}},
		{"search_start", map[string]any{"attempt": 2}},
		{"search", nil},
		{"compliance_skipped", map[string]any{"reason": "predicate"}},
	}
	for _, s := range steps {
		if err := p.Handle(s.event, s.payload); err != nil {
			t.Fatalf("Handle(%s): %v", s.event, err)
		}
	}

	live := readLive(t, dir)
	if live.Status != "running" || live.EventCount != len(steps) || live.Retries != 1 {
		t.Errorf("live state %+v", live)
	}
	if len(live.Completed) != 2 || live.Completed[1] != "search" {
		t.Errorf("completed %v", live.Completed)
	}
	if len(live.Skipped) != 1 || live.Skipped[0] != "compliance" {
		t.Errorf("skipped %v", live.Skipped)
	}

	p.Finish("completed")
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if s := readLive(t, dir); s.Status != "completed" {
		t.Errorf("final status %q", s.Status)
	}

	f, err := os.Open(filepath.Join(dir, "progress.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var entries []ProgressEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e ProgressEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != len(steps) {
		t.Fatalf("expected %d lines, got %d", len(steps), len(entries))
	}
	if entries[3].Stage != "search" || entries[3].Kind != ProgressRetry || entries[3].Data["error"] != "timeout" {
		t.Errorf("unexpected retry entry %+v", entries[3])
	}
}

func TestProgressLogHandleAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	p, _ := NewProgressLog(dir, "s", nil)
	p.Close()
	if err := p.Handle("intent_start", nil); err != nil {
		t.Errorf("Handle after Close: %v", err)
	}
	if p.State().EventCount != 0 {
		t.Error("state changed after Close")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
