// ABOUTME: Builds the research report from a run result or a checkpointed context.
// ABOUTME: Renders Markdown, and HTML through goldmark wrapped in a standalone page.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389-research/prowzi/orchestrator"
	"github.com/2389-research/prowzi/pipeline"
	"github.com/2389-research/prowzi/stages"
)

// Decoder reads a named artifact. Both *orchestrator.Result and
// *pipeline.StageContext satisfy it.
type Decoder interface {
	Decode(slot string, v any) error
}

// StageLine is one row of the stage table.
type StageLine struct {
	Name            string
	Status          pipeline.StageStatus
	Attempts        int
	DurationSeconds float64
}

// Report is everything a rendered report shows. Optional parts are nil when
// the run did not reach the stage that produces them.
type Report struct {
	SessionID       string
	Draft           *stages.Draft
	Evaluation      *stages.Evaluation
	FinalEvaluation *stages.Evaluation
	Compliance      *stages.Compliance
	Stages          []StageLine
}

// FromResult builds a report for a completed run.
func FromResult(res *orchestrator.Result) *Report {
	r := build(res)
	r.SessionID = res.SessionID
	for _, s := range res.Stages {
		r.Stages = append(r.Stages, StageLine{Name: s.Name, Status: s.Status, Attempts: s.Attempts, DurationSeconds: s.DurationSeconds})
	}
	return r
}

// FromContext builds a report from a possibly partial context, listing
// stages in order. Stages without metrics are omitted.
func FromContext(sc *pipeline.StageContext, order []string) *Report {
	r := build(sc)
	r.SessionID = sc.SessionID()
	for _, name := range order {
		m, ok := sc.Metrics(name)
		if !ok {
			continue
		}
		r.Stages = append(r.Stages, StageLine{Name: name, Status: m.Status, Attempts: m.Attempts, DurationSeconds: m.DurationSeconds})
	}
	return r
}

func build(src Decoder) *Report {
	r := &Report{}
	var c stages.Compliance
	if src.Decode(stages.SlotCompliance, &c) == nil {
		r.Compliance = &c
		d := c.FinalDraft
		r.Draft = &d
	}
	if r.Draft == nil {
		var d stages.Draft
		if src.Decode(stages.SlotDraft, &d) == nil {
			r.Draft = &d
		}
	}
	var e stages.Evaluation
	if src.Decode(stages.SlotEvaluation, &e) == nil {
		r.Evaluation = &e
	}
	var fe stages.Evaluation
	if src.Decode(stages.SlotFinalEvaluation, &fe) == nil {
		r.FinalEvaluation = &fe
	}
	return r
}

// Title is the draft title, or a placeholder before writing has run.
func (r *Report) Title() string {
	if r.Draft != nil && strings.TrimSpace(r.Draft.Title) != "" {
		return r.Draft.Title
	}
	return "Research report"
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title())
	if r.SessionID != "" {
		fmt.Fprintf(&b, "_Session %s_\n\n", r.SessionID)
	}

	if r.Draft == nil {
		b.WriteString("No draft has been written yet.\n\n")
	} else {
		for _, s := range r.Draft.Sections {
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Heading, s.Body)
			if len(s.Citations) > 0 {
				fmt.Fprintf(&b, "Sources: %s\n\n", strings.Join(s.Citations, ", "))
			}
		}
		if len(r.Draft.Bibliography) > 0 {
			b.WriteString("## Bibliography\n\n")
			for _, entry := range r.Draft.Bibliography {
				fmt.Fprintf(&b, "- %s\n", entry)
			}
			b.WriteString("\n")
		}
	}

	if r.Evaluation != nil || r.Compliance != nil {
		b.WriteString("## Quality\n\n| Check | Result |\n| --- | --- |\n")
		if r.Evaluation != nil {
			fmt.Fprintf(&b, "| Evaluation | %s |\n", scoreLine(*r.Evaluation))
		}
		if r.Compliance != nil {
			first := r.Compliance.Similarity
			if len(r.Compliance.Iterations) > 0 {
				first = r.Compliance.Iterations[0].Similarity
			}
			fmt.Fprintf(&b, "| Similarity | %.2f → %.2f (threshold %.2f, %s) |\n",
				first, r.Compliance.Similarity, r.Compliance.Threshold, passWord(r.Compliance.Passed))
		}
		if r.FinalEvaluation != nil {
			fmt.Fprintf(&b, "| Final evaluation | %s |\n", scoreLine(*r.FinalEvaluation))
		}
		b.WriteString("\n")
	}

	if len(r.Stages) > 0 {
		b.WriteString("## Stages\n\n| Stage | Status | Attempts | Seconds |\n| --- | --- | --- | --- |\n")
		for _, s := range r.Stages {
			fmt.Fprintf(&b, "| %s | %s | %d | %.2f |\n", s.Name, s.Status, s.Attempts, s.DurationSeconds)
		}
	}
	return b.String()
}

func scoreLine(e stages.Evaluation) string {
	return fmt.Sprintf("%.1f / pass %.0f (%s)", e.Score, e.PassThreshold, passWord(e.Passed))
}

func passWord(ok bool) string {
	if ok {
		return "passed"
	}
	return "failed"
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; line-height: 1.5; padding: 0 1rem; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.25rem 0.5rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the report as a standalone page. Raw HTML in generated text
// is dropped by goldmark's default renderer.
func (r *Report) HTML() (string, error) {
	return RenderHTML(r.Title(), r.Markdown())
}

// RenderHTML converts Markdown to a standalone HTML page.
func RenderHTML(title, md string) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())})
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return out.String(), nil
}
