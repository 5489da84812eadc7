// ABOUTME: Tests for report building and rendering from contexts, plus the HTML cache.
// ABOUTME: Checks draft selection, quality rows, stage tables, and raw-HTML stripping.
package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/prowzi/orchestrator"
	"github.com/2389-research/prowzi/pipeline"
	"github.com/2389-research/prowzi/stages"
)

func sampleContext(t *testing.T) *pipeline.StageContext {
	t.Helper()
	sc := pipeline.NewStageContext("sess-1", pipeline.Input{Prompt: "p"})
	draft := stages.Draft{
		Title:        "Tidal storage",
		Sections:     []stages.Section{{Heading: "Overview", Body: "Original body.", Citations: []string{"a.md#p1"}}},
		Bibliography: []string{"a.md ¶1 (a.md#p1)"},
	}
	final := draft
	final.Sections = []stages.Section{{Heading: "Overview", Body: "Rewritten body <script>alert(1)</script>."}}
	err := sc.Apply(map[string]any{
		stages.SlotDraft:      draft,
		stages.SlotEvaluation: stages.Evaluation{Score: 81.5, PassThreshold: 70, Passed: true},
		stages.SlotCompliance: stages.Compliance{
			Iterations: []stages.ComplianceIteration{{Attempt: 1, Similarity: 0.4, RedraftApplied: true}, {Attempt: 2, Similarity: 0}},
			Threshold:  0.3,
			Passed:     true,
			FinalDraft: final,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.SetMetrics("writing", pipeline.StageMetrics{Status: pipeline.StatusCompleted, Attempts: 2, DurationSeconds: 1.25}); err != nil {
		t.Fatal(err)
	}
	return sc
}

func TestFromContextPrefersCompliantDraft(t *testing.T) {
	r := FromContext(sampleContext(t), []string{"intent", "writing"})
	if r.SessionID != "sess-1" {
		t.Errorf("session = %q", r.SessionID)
	}
	if r.Draft == nil || !strings.HasPrefix(r.Draft.Sections[0].Body, "Rewritten") {
		t.Fatalf("draft = %+v", r.Draft)
	}
	if r.FinalEvaluation != nil {
		t.Error("unexpected final evaluation")
	}
	if len(r.Stages) != 1 || r.Stages[0].Name != "writing" || r.Stages[0].Attempts != 2 {
		t.Errorf("stages = %+v", r.Stages)
	}
}

func TestMarkdownSections(t *testing.T) {
	md := FromContext(sampleContext(t), []string{"writing"}).Markdown()
	for _, want := range []string{
		"# Tidal storage",
		"_Session sess-1_",
		"## Overview",
		"## Bibliography",
		"| Evaluation | 81.5 / pass 70 (passed) |",
		"| Similarity | 0.40 → 0.00 (threshold 0.30, passed) |",
		"| writing | completed | 2 | 1.25 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestMarkdownWithoutDraft(t *testing.T) {
	r := FromContext(pipeline.NewStageContext("s", pipeline.Input{}), nil)
	md := r.Markdown()
	if !strings.Contains(md, "# Research report") || !strings.Contains(md, "No draft") {
		t.Errorf("markdown = %s", md)
	}
}

func TestFromResult(t *testing.T) {
	sc := sampleContext(t)
	res := &orchestrator.Result{
		SessionID: "sess-1",
		Outputs:   map[string]json.RawMessage{},
		Stages:    []orchestrator.StageStats{{Name: "intent", Status: pipeline.StatusCompleted, Attempts: 1}},
	}
	for _, slot := range sc.SlotNames() {
		raw, _ := sc.Raw(slot)
		res.Outputs[slot] = raw
	}
	r := FromResult(res)
	if r.Compliance == nil || r.Evaluation == nil || len(r.Stages) != 1 {
		t.Fatalf("report = %+v", r)
	}
}

func TestHTMLStripsRawHTML(t *testing.T) {
	html, err := FromContext(sampleContext(t), []string{"writing"}).HTML()
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if strings.Contains(html, "<script>") {
		t.Error("raw script tag rendered")
	}
	for _, want := range []string{"<title>Tidal storage</title>", "<h2>Overview</h2>", "<table>"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestCacheReusesAndExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	r := FromContext(sampleContext(t), nil)

	first, err := c.HTML(r)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := c.HTML(r)
	if first != second || c.Len() != 1 {
		t.Fatalf("cache miss on identical report (len %d)", c.Len())
	}

	r.SessionID = "other"
	if _, err := c.HTML(r); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.HTML(r); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("expired entry should be replaced, len = %d", c.Len())
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("len after clear = %d", c.Len())
	}
}
