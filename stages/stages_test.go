// ABOUTME: End-to-end tests running the research pipeline offline through the orchestrator.
// ABOUTME: Covers redraft-gated re-evaluation, search retries, and missing-prerequisite handling.
package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/2389-research/prowzi/orchestrator"
	"github.com/2389-research/prowzi/pipeline"
)

const tidalPrompt = "Research tidal energy storage for coastal grids. Compare tidal turbines with battery storage costs."

func writeDocs(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	docs := map[string]string{
		"tidal.md": "# Tidal notes\n\n" +
			"Tidal storage schemes hold water behind a barrage and release it through turbines when demand peaks. They smooth coastal supply.\n\n" +
			"Pumped tidal storage lagoons can shift several hours of generation into the evening peak for nearby towns.\n",
		"battery.txt": "Battery storage costs fell sharply over the last decade as cell production scaled.\n\n" +
			"Grid operators now pair battery storage with wind and solar farms to firm output.\n",
	}
	var paths []string
	for name, body := range docs {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func runResearch(t *testing.T, opts Options, input pipeline.Input) (*orchestrator.Result, error) {
	t.Helper()
	o, err := orchestrator.New(Research(opts), orchestrator.Config{BackoffUnit: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o.Run(context.Background(), input, orchestrator.RunOptions{})
}

func TestResearchStageOrder(t *testing.T) {
	var names []string
	for _, s := range Research(Options{}) {
		names = append(names, s.Name())
	}
	want := []string{
		StageIntent, StagePlanning, StageSearch, StageVerification,
		StageWriting, StageEvaluation, StageCompliance, StagePostComplianceEvaluation,
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("stages = %v, want %v", names, want)
	}
	if err := pipeline.ValidateSpecs(Research(Options{})); err != nil {
		t.Fatalf("ValidateSpecs: %v", err)
	}
}

func TestResearchRedraftTriggersReevaluation(t *testing.T) {
	input := pipeline.Input{
		Prompt:    tidalPrompt,
		Documents: writeDocs(t),
		Params:    map[string]string{ParamSimilarityThreshold: "0.01"},
	}
	res, err := runResearch(t, Options{}, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Skipped()) != 0 {
		t.Fatalf("skipped = %v", res.Skipped())
	}

	var c Compliance
	if err := res.Decode(SlotCompliance, &c); err != nil {
		t.Fatalf("decode compliance: %v", err)
	}
	if !c.RedraftApplied() {
		t.Fatalf("expected a redraft: %+v", c.Iterations)
	}
	if !c.Passed || c.Similarity != 0 {
		t.Errorf("compliance after redraft = passed %v similarity %v", c.Passed, c.Similarity)
	}
	if c.Iterations[0].Similarity <= 0.01 {
		t.Errorf("first similarity = %v, want above threshold", c.Iterations[0].Similarity)
	}

	var final Evaluation
	if err := res.Decode(SlotFinalEvaluation, &final); err != nil {
		t.Fatalf("decode final evaluation: %v", err)
	}
	if final.PassThreshold != 70 {
		t.Errorf("pass threshold = %v", final.PassThreshold)
	}

	var search SearchResults
	if err := res.Decode(SlotSearch, &search); err != nil {
		t.Fatal(err)
	}
	if len(search.Sources) == 0 {
		t.Error("expected search hits from the documents")
	}
}

func TestResearchSkipsReevaluationWithoutRedraft(t *testing.T) {
	input := pipeline.Input{
		Prompt:    tidalPrompt,
		Documents: writeDocs(t),
		Params:    map[string]string{ParamSimilarityThreshold: "0.9"},
	}
	res, err := runResearch(t, Options{}, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Skipped(); !reflect.DeepEqual(got, []string{StagePostComplianceEvaluation}) {
		t.Fatalf("skipped = %v", got)
	}
	if _, ok := res.Outputs[SlotFinalEvaluation]; ok {
		t.Error("final evaluation produced by a skipped stage")
	}
}

func TestResearchWithoutDocuments(t *testing.T) {
	res, err := runResearch(t, Options{}, pipeline.Input{Prompt: tidalPrompt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var intent Intent
	if err := res.Decode(SlotIntent, &intent); err != nil {
		t.Fatal(err)
	}
	if len(intent.MissingInfo) != 1 {
		t.Errorf("missing info = %v", intent.MissingInfo)
	}
	var search SearchResults
	if err := res.Decode(SlotSearch, &search); err != nil {
		t.Fatal(err)
	}
	if len(search.Sources) != 0 || len(search.CoverageGaps) == 0 {
		t.Errorf("search = %+v", search)
	}
}

type flakySearcher struct {
	failures int
	calls    int
}

func (f *flakySearcher) Search(ctx context.Context, query string, limit int) ([]Source, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("search backend unavailable")
	}
	return []Source{{Title: "t", Location: query, Snippet: "A relevant finding.", Query: query, Relevance: 0.9}}, nil
}

func TestResearchRetriesSearch(t *testing.T) {
	fs := &flakySearcher{failures: 2}
	res, err := runResearch(t, Options{Searcher: fs}, pipeline.Input{Prompt: tidalPrompt})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, s := range res.Stages {
		if s.Name == StageSearch && s.Attempts != 3 {
			t.Errorf("search attempts = %d, want 3", s.Attempts)
		}
	}
	if res.Metadata["total_retries"] != 2 {
		t.Errorf("total_retries = %v", res.Metadata["total_retries"])
	}
}

func TestResearchEmptyPromptIsPermanent(t *testing.T) {
	fs := &flakySearcher{}
	_, err := runResearch(t, Options{Searcher: fs}, pipeline.Input{Prompt: "   "})
	var se *orchestrator.StageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StageError", err)
	}
	if se.Stage != StageIntent || se.Attempts != 1 {
		t.Errorf("stage error = %+v", se)
	}
}

func TestMissingPrerequisiteIsPermanent(t *testing.T) {
	r := &research{gen: Offline{}}
	sc := pipeline.NewStageContext("s", pipeline.Input{Prompt: "p"})
	_, err := r.planning(context.Background(), sc)
	if err == nil || !pipeline.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if !errors.Is(err, pipeline.ErrSlotEmpty) {
		t.Errorf("err = %v, want ErrSlotEmpty in chain", err)
	}
}

func TestFloatParamRejectsNonFinite(t *testing.T) {
	cases := map[string]float64{
		"0.25": 0.25,
		"inf":  70,
		"+Inf": 70,
		"-inf": 70,
		"NaN":  70,
		"-1":   70,
		"abc":  70,
		"":     70,
	}
	for raw, want := range cases {
		in := pipeline.Input{Params: map[string]string{ParamPassThreshold: raw}}
		if got := floatParam(in, ParamPassThreshold, 70); got != want {
			t.Errorf("floatParam(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestResearchInfiniteThresholdFallsBack(t *testing.T) {
	input := pipeline.Input{
		Prompt:    tidalPrompt,
		Documents: writeDocs(t),
		Params: map[string]string{
			ParamPassThreshold:       "inf",
			ParamSimilarityThreshold: "inf",
		},
	}
	res, err := runResearch(t, Options{}, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var e Evaluation
	if err := res.Decode(SlotEvaluation, &e); err != nil {
		t.Fatalf("decode evaluation: %v", err)
	}
	if e.PassThreshold != 70 {
		t.Errorf("pass threshold = %v, want default 70", e.PassThreshold)
	}
}
