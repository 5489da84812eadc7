// ABOUTME: Tests for telemetry event filtering, pagination, tailing, and summarization.
package telemetry

import (
	"testing"
	"time"
)

func seededCollector(t *testing.T) *Collector {
	t.Helper()
	c := newTestCollector(t)
	c.StartSession("s", "p")
	for _, ev := range []StageEvent{
		{Stage: "intent", Status: StatusStarted},
		{Stage: "intent", Status: StatusCompleted},
		{Stage: "search", Status: StatusStarted},
		{Stage: "search", Status: StatusRetrying},
		{Stage: "search", Status: StatusCompleted},
		{Stage: "compliance", Status: StatusSkipped},
	} {
		if err := c.RecordStageEvent("s", ev); err != nil {
			t.Fatal(err)
		}
	}
	return c
}

func TestEventsFilter(t *testing.T) {
	c := seededCollector(t)

	all, ok := c.Events("s", EventFilter{})
	if !ok || len(all) != 6 {
		t.Fatalf("expected 6 events, got %d (ok=%v)", len(all), ok)
	}

	byStage, _ := c.Events("s", EventFilter{Stage: "search"})
	if len(byStage) != 3 {
		t.Errorf("stage filter: got %d", len(byStage))
	}

	byStatus, _ := c.Events("s", EventFilter{Statuses: []Status{StatusCompleted, StatusSkipped}})
	if len(byStatus) != 3 {
		t.Errorf("status filter: got %d", len(byStatus))
	}

	since := all[2].Timestamp
	until := all[4].Timestamp
	window, _ := c.Events("s", EventFilter{Since: &since, Until: &until})
	if len(window) != 3 || window[0].Stage != "search" {
		t.Errorf("time window: got %+v", window)
	}

	page, _ := c.Events("s", EventFilter{Offset: 1, Limit: 2})
	if len(page) != 2 || page[0].ID != all[1].ID {
		t.Errorf("pagination: got %+v", page)
	}

	empty, _ := c.Events("s", EventFilter{Offset: 10})
	if len(empty) != 0 {
		t.Errorf("offset past end: got %d", len(empty))
	}

	if _, ok := c.Events("missing", EventFilter{}); ok {
		t.Error("expected not found for unknown session")
	}
}

func TestTail(t *testing.T) {
	c := seededCollector(t)
	tail, ok := c.Tail("s", 2)
	if !ok || len(tail) != 2 || tail[1].Status != StatusSkipped {
		t.Errorf("unexpected tail %+v", tail)
	}
	if all, _ := c.Tail("s", 100); len(all) != 6 {
		t.Errorf("tail larger than log: %d", len(all))
	}
	if none, _ := c.Tail("s", 0); len(none) != 0 {
		t.Errorf("tail 0: %d", len(none))
	}
}

func TestSummarize(t *testing.T) {
	c := seededCollector(t)
	sum, ok := c.Summarize("s")
	if !ok {
		t.Fatal("summary missing")
	}
	if sum.TotalEvents != 6 {
		t.Errorf("TotalEvents = %d", sum.TotalEvents)
	}
	if sum.ByStatus[StatusStarted] != 2 || sum.ByStatus[StatusCompleted] != 2 || sum.ByStatus[StatusRetrying] != 1 {
		t.Errorf("ByStatus = %v", sum.ByStatus)
	}
	if sum.ByStage["search"] != 3 {
		t.Errorf("ByStage = %v", sum.ByStage)
	}
	if sum.FirstEvent == nil || sum.LastEvent == nil || !sum.LastEvent.After(*sum.FirstEvent) {
		t.Errorf("bad bounds %v..%v", sum.FirstEvent, sum.LastEvent)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := summarize("x", nil)
	if s.TotalEvents != 0 || s.FirstEvent != nil || s.LastEvent != nil {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestMatchesFilterBounds(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := StageEvent{Stage: "a", Status: StatusStarted, Timestamp: ts}
	if !matchesFilter(ev, EventFilter{Since: &ts, Until: &ts}) {
		t.Error("bounds should be inclusive")
	}
	later := ts.Add(time.Second)
	if matchesFilter(ev, EventFilter{Since: &later}) {
		t.Error("event before Since should not match")
	}
}
