// ABOUTME: Tests for the Spec descriptor, Spec list validation, Func adapter, and Permanent errors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func okStage(name string) Stage {
	return Func(name, func(ctx context.Context, sc Reader) (*Outcome, error) {
		return &Outcome{}, nil
	})
}

func TestValidateSpecs(t *testing.T) {
	cases := []struct {
		name    string
		specs   []Spec
		wantErr bool
	}{
		{"empty", nil, true},
		{"nil stage", []Spec{{}}, true},
		{"empty name", []Spec{{Stage: okStage("")}}, true},
		{"duplicate", []Spec{{Stage: okStage("a")}, {Stage: okStage("a")}}, true},
		{"negative retries", []Spec{{Stage: okStage("a"), MaxRetries: -1}}, true},
		{"start suffix", []Spec{{Stage: okStage("warm_start")}}, true},
		{"retry suffix", []Spec{{Stage: okStage("auto_retry")}}, true},
		{"skipped suffix", []Spec{{Stage: okStage("was_skipped")}}, true},
		{"suffix mid-name", []Spec{{Stage: okStage("start_retry_check")}}, false},
		{"negative backoff", []Spec{{Stage: okStage("a"), BackoffBase: -2}}, true},
		{"valid", []Spec{{Stage: okStage("a"), MaxRetries: 2}, {Stage: okStage("b")}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSpecs(tc.specs)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateSpecs err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestSpecOwns(t *testing.T) {
	s := Spec{Stage: okStage("writing"), Produces: []string{"draft"}}
	if !s.Owns("draft") {
		t.Error("expected Owns(draft)")
	}
	if s.Owns("plan") {
		t.Error("did not expect Owns(plan)")
	}
	if s.Name() != "writing" {
		t.Errorf("Name() = %q", s.Name())
	}
	if (Spec{}).Name() != "" {
		t.Error("nil stage should have empty name")
	}
}

func TestFuncStage(t *testing.T) {
	called := false
	st := Func("intent", func(ctx context.Context, sc Reader) (*Outcome, error) {
		called = true
		return &Outcome{Summary: map[string]any{"prompt": sc.Input().Prompt}}, nil
	})
	out, err := st.Execute(context.Background(), NewStageContext("s", Input{Prompt: "hi"}))
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("function not invoked")
	}
	if out.Summary["prompt"] != "hi" {
		t.Errorf("unexpected summary %v", out.Summary)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	base := errors.New("bad api key")
	err := fmt.Errorf("stage intent: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Error("expected wrapped permanent error to be detected")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error should unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Error("plain error is not permanent")
	}
}
