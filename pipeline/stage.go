// ABOUTME: Stage contract for the workflow engine: the Stage interface, its Outcome, and the Spec descriptor.
// ABOUTME: Also provides the Func adapter and the Permanent marker for errors that must not be retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage is one named unit of work. Execute must be safe to retry: it reads
// the accumulated context and returns an Outcome, never mutating the context
// itself.
type Stage interface {
	Name() string
	Execute(ctx context.Context, sc Reader) (*Outcome, error)
}

// Outcome is what a stage returns on success.
type Outcome struct {
	// Summary is the payload delivered to the progress callback.
	Summary map[string]any
	// Metrics are folded into the stage's entry in the context metrics map.
	Metrics map[string]any
	// Updates maps slot names to values. Only slots listed in the stage's
	// Spec.Produces may appear here.
	Updates map[string]any
}

// Predicate decides whether an optional stage runs.
type Predicate func(sc Reader) bool

// Spec is the static, immutable descriptor of a stage in the pipeline.
// Position in the list passed to the orchestrator defines execution order.
type Spec struct {
	Stage Stage

	// MaxRetries is the total number of attempts (minimum 1). Zero means the
	// orchestrator default.
	MaxRetries int

	// BackoffBase is the exponential base of the retry delay. Zero means the
	// orchestrator default.
	BackoffBase float64

	// Produces lists the slots this stage owns. They must all be filled when
	// the stage succeeds.
	Produces []string

	// Predicate, when set and false, skips the stage without invoking it.
	Predicate Predicate

	// Timeout bounds a single attempt. Zero leaves timing to the stage.
	Timeout time.Duration
}

// Name returns the stage name, or "" if Stage is nil.
func (s Spec) Name() string {
	if s.Stage == nil {
		return ""
	}
	return s.Stage.Name()
}

// Owns reports whether slot is declared in Produces.
func (s Spec) Owns(slot string) bool {
	for _, p := range s.Produces {
		if p == slot {
			return true
		}
	}
	return false
}

// reservedSuffixes are appended to stage names to form progress event
// names, so a stage name ending in one would be read back as another
// stage's event.
var reservedSuffixes = []string{"_start", "_retry", "_skipped"}

// ValidateSpecs checks that every spec has a stage, names are unique,
// non-empty and free of progress event suffixes, and retry settings are
// not negative.
func ValidateSpecs(specs []Spec) error {
	if len(specs) == 0 {
		return errors.New("pipeline has no stages")
	}
	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		if s.Stage == nil {
			return fmt.Errorf("stage %d: nil stage", i)
		}
		name := s.Stage.Name()
		if name == "" {
			return fmt.Errorf("stage %d: empty name", i)
		}
		for _, suffix := range reservedSuffixes {
			if strings.HasSuffix(name, suffix) {
				return fmt.Errorf("stage %q: name must not end in %q", name, suffix)
			}
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("stage %q declared twice (positions %d and %d)", name, prev, i)
		}
		seen[name] = i
		if s.MaxRetries < 0 {
			return fmt.Errorf("stage %q: max retries must not be negative", name)
		}
		if s.BackoffBase < 0 {
			return fmt.Errorf("stage %q: backoff base must not be negative", name)
		}
	}
	return nil
}

// StageFunc is the executor signature wrapped by Func.
type StageFunc func(ctx context.Context, sc Reader) (*Outcome, error)

type funcStage struct {
	name string
	fn   StageFunc
}

// Func adapts a plain function into a Stage.
func Func(name string, fn StageFunc) Stage {
	return &funcStage{name: name, fn: fn}
}

func (f *funcStage) Name() string { return f.name }

func (f *funcStage) Execute(ctx context.Context, sc Reader) (*Outcome, error) {
	return f.fn(ctx, sc)
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the orchestrator fails the stage without retrying.
// A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
