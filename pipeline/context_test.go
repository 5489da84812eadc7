// ABOUTME: Tests for StageContext slot storage, metrics normalization, and snapshot/restore.
// ABOUTME: Covers empty-slot errors, typed decoding, atomic Apply, and field-wise equality after restore.
package pipeline

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

type plan struct {
	Queries  []string `json:"queries"`
	Sections int      `json:"sections"`
}

func TestStageContextDecodeEmptySlot(t *testing.T) {
	sc := NewStageContext("s1", Input{Prompt: "p"})
	var p plan
	err := sc.Decode("plan", &p)
	if !errors.Is(err, ErrSlotEmpty) {
		t.Fatalf("expected ErrSlotEmpty, got %v", err)
	}
	if sc.Has("plan") {
		t.Error("expected Has(plan)=false")
	}
}

func TestStageContextApplyAndGet(t *testing.T) {
	sc := NewStageContext("s1", Input{Prompt: "p"})
	want := plan{Queries: []string{"a", "b"}, Sections: 3}
	if err := sc.Apply(map[string]any{"plan": want}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := Get[plan](sc, "plan")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if names := sc.SlotNames(); len(names) != 1 || names[0] != "plan" {
		t.Errorf("unexpected slot names %v", names)
	}
}

func TestStageContextApplyIsAllOrNothing(t *testing.T) {
	sc := NewStageContext("s1", Input{})
	err := sc.Apply(map[string]any{
		"good": "value",
		"bad":  make(chan int),
	})
	if err == nil {
		t.Fatal("expected encode error")
	}
	if sc.Has("good") {
		t.Error("no slot should be stored when any update fails to encode")
	}
}

func TestStageContextApplyRejectsNil(t *testing.T) {
	sc := NewStageContext("s1", Input{})
	if err := sc.Apply(map[string]any{"x": nil}); err == nil {
		t.Error("expected error for nil slot value")
	}
}

func TestStageContextMetricsNormalized(t *testing.T) {
	sc := NewStageContext("s1", Input{})
	err := sc.SetMetrics("search", StageMetrics{
		Status:   StatusCompleted,
		Attempts: 2,
		Details:  map[string]any{"results": 12},
	})
	if err != nil {
		t.Fatalf("SetMetrics: %v", err)
	}
	m, ok := sc.Metrics("search")
	if !ok {
		t.Fatal("metrics missing")
	}
	if v, ok := m.Details["results"].(float64); !ok || v != 12 {
		t.Errorf("expected normalized float64 12, got %#v", m.Details["results"])
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sc := NewStageContext("sess", Input{
		Prompt:    "write about tides",
		Documents: []string{"a.pdf"},
		Params:    map[string]string{"max_sections": "4"},
	})
	if err := sc.Apply(map[string]any{
		"intent": map[string]any{"summary": "tides", "confidence": 0.9},
		"plan":   plan{Queries: []string{"q1"}, Sections: 4},
	}); err != nil {
		t.Fatal(err)
	}
	if err := sc.SetMetrics("intent", StageMetrics{Status: StatusCompleted, Attempts: 1, DurationSeconds: 0.5, Details: map[string]any{"confidence": 0.9}}); err != nil {
		t.Fatal(err)
	}
	if err := sc.SetMetrics("optional", StageMetrics{Status: StatusSkipped}); err != nil {
		t.Fatal(err)
	}

	snap := sc.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored, err := Restore(decoded)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(restored.Snapshot(), snap) {
		t.Errorf("restored snapshot differs:\n got %+v\nwant %+v", restored.Snapshot(), snap)
	}
	if restored.SessionID() != "sess" {
		t.Errorf("session id %q", restored.SessionID())
	}
}

func TestRestoreRejectsInvalidSlot(t *testing.T) {
	_, err := Restore(Snapshot{
		SessionID: "s",
		Slots:     map[string]json.RawMessage{"x": json.RawMessage(`{bad`)},
	})
	if err == nil {
		t.Error("expected error for invalid slot JSON")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	sc := NewStageContext("s", Input{})
	_ = sc.Apply(map[string]any{"a": "one"})
	snap := sc.Snapshot()
	snap.Slots["a"][1] = 'X'
	v, _ := Get[string](sc, "a")
	if v != "one" {
		t.Errorf("mutating snapshot leaked into context: %q", v)
	}
}

func TestInputPreview(t *testing.T) {
	in := Input{Prompt: "héllo world"}
	if got := in.Preview(5); got != "héllo" {
		t.Errorf("Preview(5) = %q", got)
	}
	if got := in.Preview(0); got != in.Prompt {
		t.Errorf("Preview(0) = %q", got)
	}
	if got := in.Preview(100); got != in.Prompt {
		t.Errorf("Preview(100) = %q", got)
	}
}
