// ABOUTME: The research pipeline: intent, planning, search, verification, writing, evaluation, compliance, and re-evaluation.
// ABOUTME: Stages read earlier artifacts from the context and return their own; none mutates the context directly.
package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/2389-research/prowzi/pipeline"
)

// Stage names in execution order.
const (
	StageIntent                   = "intent"
	StagePlanning                 = "planning"
	StageSearch                   = "search"
	StageVerification             = "verification"
	StageWriting                  = "writing"
	StageEvaluation               = "evaluation"
	StageCompliance               = "compliance"
	StagePostComplianceEvaluation = "post_compliance_evaluation"
)

// Input parameter keys read from pipeline.Input.Params.
const (
	ParamMaxSections         = "max_sections"
	ParamMaxResultsPerQuery  = "max_results_per_query"
	ParamMinRelevance        = "min_relevance"
	ParamPassThreshold       = "pass_threshold"
	ParamSimilarityThreshold = "similarity_threshold"
	ParamComplianceAttempts  = "compliance_attempts"
)

// Options wires the stages to their collaborators.
type Options struct {
	Generator Generator
	// Searcher overrides the default DocumentSearcher over Input.Documents.
	Searcher Searcher
}

type research struct {
	gen      Generator
	searcher Searcher
}

// Research returns the full research pipeline. A nil Generator uses Offline.
func Research(opts Options) []pipeline.Spec {
	r := &research{gen: opts.Generator, searcher: opts.Searcher}
	if r.gen == nil {
		r.gen = Offline{}
	}
	return []pipeline.Spec{
		{Stage: pipeline.Func(StageIntent, r.intent), MaxRetries: 2, Produces: []string{SlotIntent}},
		{Stage: pipeline.Func(StagePlanning, r.planning), MaxRetries: 2, Produces: []string{SlotPlan}},
		{Stage: pipeline.Func(StageSearch, r.search), MaxRetries: 3, BackoffBase: 2.0, Produces: []string{SlotSearch}},
		{Stage: pipeline.Func(StageVerification, r.verification), MaxRetries: 2, Produces: []string{SlotVerification}},
		{Stage: pipeline.Func(StageWriting, r.writing), MaxRetries: 2, Produces: []string{SlotDraft}},
		{Stage: pipeline.Func(StageEvaluation, r.evaluation), MaxRetries: 2, Produces: []string{SlotEvaluation}},
		{Stage: pipeline.Func(StageCompliance, r.compliance), MaxRetries: 2, Produces: []string{SlotCompliance}},
		{
			Stage:      pipeline.Func(StagePostComplianceEvaluation, r.postComplianceEvaluation),
			MaxRetries: 2,
			Produces:   []string{SlotFinalEvaluation},
			Predicate:  RedraftApplied,
		},
	}
}

// RedraftApplied gates re-evaluation on the compliance stage having
// rewritten the draft.
func RedraftApplied(sc pipeline.Reader) bool {
	c, err := pipeline.Get[Compliance](sc, SlotCompliance)
	return err == nil && c.RedraftApplied()
}

// need reads a prerequisite slot. A missing prerequisite is a wiring
// defect, so it is not retried.
func need[T any](sc pipeline.Reader, stage, slot string) (T, error) {
	v, err := pipeline.Get[T](sc, slot)
	if err != nil {
		return v, pipeline.Permanent(fmt.Errorf("%s requires %s: %w", stage, slot, err))
	}
	return v, nil
}

func (r *research) intent(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	in := sc.Input()
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, pipeline.Permanent(errors.New("empty prompt"))
	}
	text, err := r.gen.Generate(ctx,
		"Summarise the request in one line. Then list each explicit requirement as a bullet.",
		in.Prompt)
	if err != nil {
		return nil, fmt.Errorf("analyse intent: %w", err)
	}
	lead, items := parseBullets(text)
	if lead == "" {
		lead = clip(in.Prompt, 200)
	}

	var missing []string
	if len(in.Documents) == 0 {
		missing = append(missing, "no reference documents supplied")
	}
	confidence := 0.5 + 0.1*float64(len(items))
	if len(missing) > 0 {
		confidence -= 0.2
	}
	confidence = clamp(confidence, 0, 1)

	intent := Intent{Summary: lead, Requirements: items, MissingInfo: missing, Confidence: round2(confidence)}
	return &pipeline.Outcome{
		Summary: map[string]any{"intent": intent},
		Metrics: map[string]any{
			"confidence":            intent.Confidence,
			"explicit_requirements": len(items),
			"missing_info":          len(missing),
		},
		Updates: map[string]any{SlotIntent: intent},
	}, nil
}

func (r *research) planning(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	intent, err := need[Intent](sc, StagePlanning, SlotIntent)
	if err != nil {
		return nil, err
	}
	maxSections := intParam(sc.Input(), ParamMaxSections, 8)

	prompt := intent.Summary + "\n" + strings.Join(intent.Requirements, "\n")
	text, err := r.gen.Generate(ctx, "Outline the document. Give one bullet per section heading.", prompt)
	if err != nil {
		return nil, fmt.Errorf("outline: %w", err)
	}
	_, headings := parseBullets(text)
	if len(headings) == 0 {
		headings = []string{"Overview"}
	}
	if len(headings) > maxSections {
		headings = headings[:maxSections]
	}

	topic := strings.Join(keyTerms(sc.Input().Prompt, 2), " ")
	plan := Plan{Sections: headings, Queries: make([]string, len(headings))}
	for i, h := range headings {
		plan.Queries[i] = strings.TrimSpace(h + " " + topic)
	}
	return &pipeline.Outcome{
		Summary: map[string]any{"tasks": len(plan.Sections), "search_queries": len(plan.Queries), "plan": plan},
		Metrics: map[string]any{"tasks": len(plan.Sections), "search_queries": len(plan.Queries)},
		Updates: map[string]any{SlotPlan: plan},
	}, nil
}

func (r *research) search(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	plan, err := need[Plan](sc, StageSearch, SlotPlan)
	if err != nil {
		return nil, err
	}
	in := sc.Input()
	limit := intParam(in, ParamMaxResultsPerQuery, 12)
	searcher := r.searcher
	if searcher == nil {
		searcher = DocumentSearcher{Paths: in.Documents}
	}

	results := SearchResults{Sources: []Source{}}
	seen := map[string]int{}
	total := 0.0
	for _, q := range plan.Queries {
		hits, err := searcher.Search(ctx, q, limit)
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", q, err)
		}
		if len(hits) == 0 {
			results.CoverageGaps = append(results.CoverageGaps, q)
			continue
		}
		for _, h := range hits {
			if i, dup := seen[h.Location]; dup {
				if h.Relevance > results.Sources[i].Relevance {
					total += h.Relevance - results.Sources[i].Relevance
					results.Sources[i] = h
				}
				continue
			}
			seen[h.Location] = len(results.Sources)
			results.Sources = append(results.Sources, h)
			total += h.Relevance
		}
	}

	avg := 0.0
	if n := len(results.Sources); n > 0 {
		avg = round2(total / float64(n))
	}
	return &pipeline.Outcome{
		Summary: map[string]any{"total_results": len(results.Sources), "coverage_gaps": results.CoverageGaps},
		Metrics: map[string]any{"total_results": len(results.Sources), "average_relevance": avg, "coverage_gaps": len(results.CoverageGaps)},
		Updates: map[string]any{SlotSearch: results},
	}, nil
}

func (r *research) verification(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	results, err := need[SearchResults](sc, StageVerification, SlotSearch)
	if err != nil {
		return nil, err
	}
	minRel := floatParam(sc.Input(), ParamMinRelevance, 0.5)

	v := Verification{Accepted: []Source{}}
	sum := 0.0
	for _, s := range results.Sources {
		if s.Relevance >= minRel && strings.TrimSpace(s.Snippet) != "" {
			v.Accepted = append(v.Accepted, s)
			sum += s.Relevance
		} else {
			v.Rejected = append(v.Rejected, s)
		}
	}
	if len(v.Accepted) > 0 {
		v.AverageScore = round2(sum / float64(len(v.Accepted)))
	}
	return &pipeline.Outcome{
		Summary: map[string]any{"accepted": len(v.Accepted), "rejected": len(v.Rejected), "average_score": v.AverageScore},
		Metrics: map[string]any{"accepted_count": len(v.Accepted), "rejected_count": len(v.Rejected)},
		Updates: map[string]any{SlotVerification: v},
	}, nil
}

func (r *research) writing(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	intent, err := need[Intent](sc, StageWriting, SlotIntent)
	if err != nil {
		return nil, err
	}
	plan, err := need[Plan](sc, StageWriting, SlotPlan)
	if err != nil {
		return nil, err
	}
	v, err := need[Verification](sc, StageWriting, SlotVerification)
	if err != nil {
		return nil, err
	}

	draft := Draft{Title: titleCase(clip(intent.Summary, 120))}
	cited := map[string]bool{}
	for i, heading := range plan.Sections {
		query := ""
		if i < len(plan.Queries) {
			query = plan.Queries[i]
		}
		sources := sourcesFor(v.Accepted, query, 2)

		prompt := "Section: " + heading + "\nTopic: " + intent.Summary
		text, err := r.gen.Generate(ctx, "Write the section body in plain prose.", prompt)
		if err != nil {
			return nil, fmt.Errorf("write section %q: %w", heading, err)
		}
		lead, items := parseBullets(text)
		parts := []string{sentence(lead)}
		for _, it := range items {
			parts = append(parts, sentence(it))
		}

		sec := Section{Heading: heading}
		for _, s := range sources {
			parts = append(parts, fmt.Sprintf("As %s notes, %s", s.Title, sentence(firstSentence(s.Snippet))))
			sec.Citations = append(sec.Citations, s.Location)
			if !cited[s.Location] {
				cited[s.Location] = true
				draft.Bibliography = append(draft.Bibliography, s.Title+" ("+s.Location+")")
			}
		}
		sec.Body = strings.Join(nonEmpty(parts), " ")
		draft.Sections = append(draft.Sections, sec)
	}
	draft.WordCount = wordCount(draft)

	return &pipeline.Outcome{
		Summary: map[string]any{"sections": len(draft.Sections), "word_count": draft.WordCount},
		Metrics: map[string]any{"sections": len(draft.Sections), "word_count": draft.WordCount, "bibliography_entries": len(draft.Bibliography)},
		Updates: map[string]any{SlotDraft: draft},
	}, nil
}

func (r *research) evaluation(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	plan, err := need[Plan](sc, StageEvaluation, SlotPlan)
	if err != nil {
		return nil, err
	}
	v, err := need[Verification](sc, StageEvaluation, SlotVerification)
	if err != nil {
		return nil, err
	}
	draft, err := need[Draft](sc, StageEvaluation, SlotDraft)
	if err != nil {
		return nil, err
	}
	e := Evaluate(draft, plan, v, floatParam(sc.Input(), ParamPassThreshold, 70))
	return &pipeline.Outcome{
		Summary: map[string]any{"score": e.Score, "pass_threshold": e.PassThreshold, "risks": e.Risks},
		Metrics: map[string]any{"score": e.Score, "pass_threshold": e.PassThreshold, "risk_count": len(e.Risks)},
		Updates: map[string]any{SlotEvaluation: e},
	}, nil
}

func (r *research) compliance(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	draft, err := need[Draft](sc, StageCompliance, SlotDraft)
	if err != nil {
		return nil, err
	}
	v, err := need[Verification](sc, StageCompliance, SlotVerification)
	if err != nil {
		return nil, err
	}
	in := sc.Input()
	threshold := floatParam(in, ParamSimilarityThreshold, 0.3)
	attempts := max(intParam(in, ParamComplianceAttempts, 2), 1)

	c := Compliance{Threshold: threshold, FinalDraft: draft}
	for attempt := 1; attempt <= attempts; attempt++ {
		sim, copied := Similarity(c.FinalDraft, v.Accepted)
		it := ComplianceIteration{Attempt: attempt, Similarity: sim}
		c.Similarity = sim
		if sim <= threshold || attempt == attempts {
			c.Iterations = append(c.Iterations, it)
			break
		}
		redrafted, err := r.redraft(ctx, c.FinalDraft, copied)
		if err != nil {
			return nil, fmt.Errorf("redraft: %w", err)
		}
		it.RedraftApplied = true
		c.Iterations = append(c.Iterations, it)
		c.FinalDraft = redrafted
	}
	c.Passed = c.Similarity <= threshold

	return &pipeline.Outcome{
		Summary: map[string]any{"success": c.Passed, "attempts": len(c.Iterations), "similarity": c.Similarity},
		Metrics: map[string]any{"success": c.Passed, "attempts": len(c.Iterations), "similarity": c.Similarity, "redraft_applied": c.RedraftApplied()},
		Updates: map[string]any{SlotCompliance: c},
	}, nil
}

// redraft paraphrases every copied sentence in d.
func (r *research) redraft(ctx context.Context, d Draft, copied map[string]bool) (Draft, error) {
	out := d
	out.Sections = make([]Section, len(d.Sections))
	for i, sec := range d.Sections {
		parts := sentences(sec.Body)
		for j, s := range parts {
			if !copied[s] {
				continue
			}
			text, err := r.gen.Generate(ctx, "Paraphrase the passage in new words", s)
			if err != nil {
				return Draft{}, err
			}
			lead, _ := parseBullets(text)
			parts[j] = sentence(lead)
		}
		sec.Body = strings.Join(nonEmpty(parts), " ")
		out.Sections[i] = sec
	}
	out.WordCount = wordCount(out)
	return out, nil
}

func (r *research) postComplianceEvaluation(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	plan, err := need[Plan](sc, StagePostComplianceEvaluation, SlotPlan)
	if err != nil {
		return nil, err
	}
	v, err := need[Verification](sc, StagePostComplianceEvaluation, SlotVerification)
	if err != nil {
		return nil, err
	}
	c, err := need[Compliance](sc, StagePostComplianceEvaluation, SlotCompliance)
	if err != nil {
		return nil, err
	}
	e := Evaluate(c.FinalDraft, plan, v, floatParam(sc.Input(), ParamPassThreshold, 70))

	metrics := map[string]any{"score": e.Score, "risk_count": len(e.Risks)}
	if prev, err := pipeline.Get[Evaluation](sc, SlotEvaluation); err == nil {
		metrics["delta"] = round2(e.Score - prev.Score)
	}
	return &pipeline.Outcome{
		Summary: map[string]any{"score": e.Score, "pass_threshold": e.PassThreshold, "risks": e.Risks},
		Metrics: metrics,
		Updates: map[string]any{SlotFinalEvaluation: e},
	}, nil
}

// sourcesFor picks up to n accepted sources found by query, best first.
func sourcesFor(accepted []Source, query string, n int) []Source {
	var out []Source
	for _, s := range accepted {
		if s.Query == query {
			out = append(out, s)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func intParam(in pipeline.Input, key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(in.Params[key])); err == nil && v > 0 {
		return v
	}
	return def
}

func floatParam(in pipeline.Input, key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(in.Params[key]), 64)
	if err == nil && v >= 0 && !math.IsInf(v, 0) {
		return v
	}
	return def
}
