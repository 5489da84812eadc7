// ABOUTME: Query API over a session's telemetry events.
// ABOUTME: Provides filtering, pagination, tailing, and summarization of StageEvents.
package telemetry

import (
	"time"
)

// EventFilter specifies criteria for selecting events from a session.
type EventFilter struct {
	Statuses []Status   // filter by status; empty means all
	Stage    string     // filter by stage; empty means all stages
	Since    *time.Time // events at or after this time
	Until    *time.Time // events at or before this time
	Limit    int        // max results; 0 means unlimited
	Offset   int        // skip first N results after filtering
}

// EventSummary holds aggregate statistics about a session's events.
type EventSummary struct {
	SessionID   string         `json:"session_id"`
	TotalEvents int            `json:"total_events"`
	ByStatus    map[Status]int `json:"by_status"`
	ByStage     map[string]int `json:"by_stage"`
	FirstEvent  *time.Time     `json:"first_event,omitempty"`
	LastEvent   *time.Time     `json:"last_event,omitempty"`
}

// Events returns the session's events matching filter, in recorded order.
func (c *Collector) Events(sessionID string, filter EventFilter) ([]StageEvent, bool) {
	m, ok := c.LoadSession(sessionID)
	if !ok {
		return nil, false
	}
	return applyPagination(applyFilter(m.Events, filter), filter.Offset, filter.Limit), true
}

// Tail returns the last n events of a session.
func (c *Collector) Tail(sessionID string, n int) ([]StageEvent, bool) {
	m, ok := c.LoadSession(sessionID)
	if !ok {
		return nil, false
	}
	if n <= 0 {
		return []StageEvent{}, true
	}
	if n >= len(m.Events) {
		return m.Events, true
	}
	return m.Events[len(m.Events)-n:], true
}

// Summarize produces aggregate statistics about a session's events.
func (c *Collector) Summarize(sessionID string) (*EventSummary, bool) {
	m, ok := c.LoadSession(sessionID)
	if !ok {
		return nil, false
	}
	return summarize(sessionID, m.Events), true
}

func summarize(sessionID string, events []StageEvent) *EventSummary {
	summary := &EventSummary{
		SessionID:   sessionID,
		TotalEvents: len(events),
		ByStatus:    make(map[Status]int),
		ByStage:     make(map[string]int),
	}

	for i, evt := range events {
		summary.ByStatus[evt.Status]++
		summary.ByStage[evt.Stage]++

		ts := evt.Timestamp
		if i == 0 || ts.Before(*summary.FirstEvent) {
			t := ts
			summary.FirstEvent = &t
		}
		if i == 0 || ts.After(*summary.LastEvent) {
			t := ts
			summary.LastEvent = &t
		}
	}
	return summary
}

// applyFilter returns only the events that match all filter criteria.
func applyFilter(events []StageEvent, filter EventFilter) []StageEvent {
	result := make([]StageEvent, 0, len(events))
	for _, evt := range events {
		if matchesFilter(evt, filter) {
			result = append(result, evt)
		}
	}
	return result
}

func matchesFilter(evt StageEvent, filter EventFilter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if evt.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.Stage != "" && evt.Stage != filter.Stage {
		return false
	}

	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && evt.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

func applyPagination(events []StageEvent, offset, limit int) []StageEvent {
	if offset > 0 {
		if offset >= len(events) {
			return []StageEvent{}
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}
