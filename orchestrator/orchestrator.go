// ABOUTME: Orchestrator drives an ordered list of stage specs against a StageContext for one run.
// ABOUTME: Handles predicate skips, retries with backoff, checkpoints, telemetry, resume, and cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/pipeline"
	"github.com/2389-research/prowzi/telemetry"
)

var (
	// ErrIncompletePipeline means a non-skipped stage left a declared slot
	// empty by the end of the run.
	ErrIncompletePipeline = errors.New("pipeline incomplete")
	// ErrCancelled wraps the context error when a run is cancelled.
	ErrCancelled = errors.New("pipeline cancelled")
	// ErrUnknownStage means a checkpoint names a stage this pipeline lacks.
	ErrUnknownStage = errors.New("checkpoint stage not in pipeline")
	// ErrCheckpointingDisabled means a resume was requested with no
	// checkpoint store configured.
	ErrCheckpointingDisabled = errors.New("checkpointing disabled")
)

// StageError is returned when a stage fails for good.
type StageError struct {
	Stage    string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// CheckpointStore saves and loads context snapshots.
type CheckpointStore interface {
	Save(sessionID, stage string, sc *pipeline.StageContext) (string, error)
	Load(id string) (*checkpoint.Record, error)
}

// Recorder receives telemetry for a run.
type Recorder interface {
	StartSession(sessionID, inputSummary string) error
	RecordStageEvent(sessionID string, ev telemetry.StageEvent) error
	CompleteSession(sessionID string, success bool, total time.Duration, metadata map[string]any) error
}

// ProgressFunc receives "{stage}_start", "{stage}", "{stage}_retry", and
// "{stage}_skipped" events. Errors and panics are logged and ignored.
type ProgressFunc func(event string, payload map[string]any) error

// Config is the explicit configuration of an Orchestrator.
type Config struct {
	// EnableCheckpointing saves a checkpoint after each successful stage.
	// Requires Checkpoints.
	EnableCheckpointing bool
	// DefaultMaxRetries applies to specs with MaxRetries unset.
	DefaultMaxRetries int
	// DefaultBackoffBase applies to specs with BackoffBase unset.
	DefaultBackoffBase float64
	// BackoffUnit scales delays: a delay of base^n waits n units.
	BackoffUnit time.Duration
	// MaxDelay caps any single backoff delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter randomizes delays. Delays are no longer monotone when set.
	Jitter bool

	Checkpoints CheckpointStore
	Telemetry   Recorder
	Logger      *slog.Logger
}

// Orchestrator runs a fixed pipeline. It is safe to call Run concurrently
// for distinct sessions.
type Orchestrator struct {
	cfg    Config
	specs  []pipeline.Spec
	index  map[string]int
	logger *slog.Logger
}

// New validates specs and returns an Orchestrator.
func New(specs []pipeline.Spec, cfg Config) (*Orchestrator, error) {
	if err := pipeline.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	if cfg.EnableCheckpointing && cfg.Checkpoints == nil {
		return nil, errors.New("checkpointing enabled without a checkpoint store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		cfg:    cfg,
		specs:  append([]pipeline.Spec(nil), specs...),
		index:  make(map[string]int, len(specs)),
		logger: logger,
	}
	for i, s := range o.specs {
		o.index[s.Name()] = i
	}
	return o, nil
}

// Stages returns the stage names in execution order.
func (o *Orchestrator) Stages() []string {
	names := make([]string, len(o.specs))
	for i, s := range o.specs {
		names[i] = s.Name()
	}
	return names
}

// RunOptions are the per-run inputs besides the prompt.
type RunOptions struct {
	// ResumeFrom is a checkpoint id. The run continues after the stage it
	// recorded, with its session id and input.
	ResumeFrom string
	// SessionID fixes the id of a fresh run. Empty generates a UUID.
	// Ignored when resuming.
	SessionID string
	// Progress receives progress events.
	Progress ProgressFunc
}

// run is the state of one in-flight Run call.
type run struct {
	o           *Orchestrator
	ctx         context.Context
	sc          *pipeline.StageContext
	sessionID   string
	startIdx    int
	resumedFrom string
	lastSaved   string
	progress    ProgressFunc
	logger      *slog.Logger
}

// Run executes the pipeline and returns the aggregated result. It either
// returns a complete result or an error, never a partial result.
func (o *Orchestrator) Run(ctx context.Context, input pipeline.Input, opts RunOptions) (*Result, error) {
	started := time.Now()

	r, err := o.prepare(ctx, input, opts)
	if err != nil {
		return nil, err
	}

	if rec := o.cfg.Telemetry; rec != nil {
		if err := rec.StartSession(r.sessionID, r.sc.Input().Prompt); err != nil {
			r.logger.Warn("telemetry start failed", "error", err)
		}
	}
	if r.resumedFrom != "" {
		r.logger.Info("resuming pipeline", "checkpoint", r.resumedFrom, "next_stage_index", r.startIdx)
	}

	for i := r.startIdx; i < len(o.specs); i++ {
		spec := o.specs[i]
		if err := ctx.Err(); err != nil {
			return nil, r.fail(started, r.abort(spec, 0, err))
		}

		ok, err := r.shouldRun(spec)
		if err != nil {
			return nil, r.fail(started, err)
		}
		if !ok {
			r.skip(spec)
			continue
		}

		if err := r.executeStage(spec); err != nil {
			return nil, r.fail(started, err)
		}
	}

	result, err := r.assemble(started)
	if err != nil {
		return nil, r.fail(started, err)
	}
	if rec := o.cfg.Telemetry; rec != nil {
		if err := rec.CompleteSession(r.sessionID, true, result.Duration, result.Metadata); err != nil {
			r.logger.Warn("telemetry completion failed", "error", err)
		}
	}
	r.logger.Info("pipeline completed", "duration", result.Duration)
	return result, nil
}

// prepare builds a fresh context or restores one from a checkpoint.
func (o *Orchestrator) prepare(ctx context.Context, input pipeline.Input, opts RunOptions) (*run, error) {
	r := &run{o: o, ctx: ctx, progress: opts.Progress}

	if opts.ResumeFrom == "" {
		r.sessionID = opts.SessionID
		if r.sessionID == "" {
			r.sessionID = uuid.NewString()
		}
		r.sc = pipeline.NewStageContext(r.sessionID, input)
		r.logger = o.logger.With("session", r.sessionID)
		return r, nil
	}

	if o.cfg.Checkpoints == nil {
		return nil, fmt.Errorf("resume %s: %w", opts.ResumeFrom, ErrCheckpointingDisabled)
	}
	rec, err := o.cfg.Checkpoints.Load(opts.ResumeFrom)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", opts.ResumeFrom, err)
	}
	idx, ok := o.index[rec.Stage]
	if !ok {
		return nil, fmt.Errorf("resume %s: %w: %q", opts.ResumeFrom, ErrUnknownStage, rec.Stage)
	}

	r.sessionID = rec.SessionID
	r.sc = rec.Context
	r.startIdx = idx + 1
	r.resumedFrom = opts.ResumeFrom
	r.logger = o.logger.With("session", r.sessionID)
	return r, nil
}

// shouldRun evaluates the stage predicate. A panicking predicate fails the
// stage without retry.
func (r *run) shouldRun(spec pipeline.Spec) (ok bool, err error) {
	if spec.Predicate == nil {
		return true, nil
	}
	defer func() {
		if p := recover(); p != nil {
			cause := fmt.Errorf("predicate panic: %v", p)
			r.recordFailure(spec, cause)
			err = &StageError{Stage: spec.Name(), Err: pipeline.Permanent(cause)}
		}
	}()
	return spec.Predicate(r.sc), nil
}

// skip records a predicate skip. The executor is never invoked.
func (r *run) skip(spec pipeline.Spec) {
	name := spec.Name()
	r.logger.Info("stage skipped", "stage", name)
	r.setMetrics(name, pipeline.StageMetrics{Status: pipeline.StatusSkipped})
	r.event(telemetry.StageEvent{Stage: name, Status: telemetry.StatusSkipped, Attempt: 1})
	r.emit(name+"_skipped", map[string]any{"reason": "predicate"})
}

// executeStage runs the retry loop for one stage.
func (r *run) executeStage(spec pipeline.Spec) error {
	name := spec.Name()
	policy := r.o.policyFor(spec)
	var elapsed time.Duration

	r.event(telemetry.StageEvent{Stage: name, Status: telemetry.StatusStarted, Attempt: 1})

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := r.ctx.Err(); err != nil {
			return r.abort(spec, attempt-1, err)
		}

		r.emit(name+"_start", map[string]any{"attempt": attempt})
		attemptStart := time.Now()
		out, err := r.attempt(spec)
		took := time.Since(attemptStart)
		elapsed += took

		if err == nil {
			r.complete(spec, attempt, elapsed, took, out)
			return nil
		}

		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return r.abort(spec, attempt, ctxErr)
		}

		final := attempt >= policy.MaxAttempts || pipeline.IsPermanent(err)
		status := telemetry.StatusRetrying
		if final {
			status = telemetry.StatusFailed
		}
		r.logger.Warn("stage attempt failed", "stage", name, "attempt", attempt, "final", final, "error", err)
		r.event(telemetry.StageEvent{
			Stage:           name,
			Status:          status,
			Attempt:         attempt,
			DurationSeconds: took.Seconds(),
			Error:           err.Error(),
		})
		r.emit(name+"_retry", map[string]any{"attempt": attempt, "error": err.Error()})

		if final {
			r.setMetrics(name, pipeline.StageMetrics{
				Status:          pipeline.StatusFailed,
				Attempts:        attempt,
				DurationSeconds: elapsed.Seconds(),
				Error:           err.Error(),
			})
			return &StageError{Stage: name, Attempts: attempt, Err: err}
		}

		if !sleepWithContext(r.ctx, policy.Backoff.DelayForAttempt(attempt)) {
			return r.abort(spec, attempt, r.ctx.Err())
		}
	}
	// MaxAttempts is always at least 1, so the loop returns.
	return &StageError{Stage: name, Attempts: policy.MaxAttempts, Err: errors.New("no attempts made")}
}

// attempt runs the executor once and applies its updates.
func (r *run) attempt(spec pipeline.Spec) (*pipeline.Outcome, error) {
	ctx := r.ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	out, err := safeExecute(ctx, spec.Stage, r.sc)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &pipeline.Outcome{}
	}
	if err := checkOwnership(spec, out.Updates); err != nil {
		return nil, pipeline.Permanent(err)
	}
	if err := r.sc.Apply(out.Updates); err != nil {
		return nil, pipeline.Permanent(err)
	}
	return out, nil
}

// complete records a successful stage and saves a checkpoint.
func (r *run) complete(spec pipeline.Spec, attempt int, elapsed, took time.Duration, out *pipeline.Outcome) {
	name := spec.Name()
	r.setMetrics(name, pipeline.StageMetrics{
		Status:          pipeline.StatusCompleted,
		Attempts:        attempt,
		DurationSeconds: elapsed.Seconds(),
		Details:         out.Metrics,
	})
	r.event(telemetry.StageEvent{
		Stage:           name,
		Status:          telemetry.StatusCompleted,
		Attempt:         attempt,
		DurationSeconds: took.Seconds(),
		Details:         out.Metrics,
	})
	r.emit(name, out.Summary)
	r.logger.Info("stage completed", "stage", name, "attempts", attempt, "duration", elapsed)

	if !r.o.cfg.EnableCheckpointing {
		return
	}
	id, err := r.o.cfg.Checkpoints.Save(r.sessionID, name, r.sc)
	if err != nil {
		r.logger.Warn("checkpoint save failed", "stage", name, "error", err)
		return
	}
	r.lastSaved = id
	r.logger.Debug("checkpoint saved", "stage", name, "checkpoint", id)
}

// abort marks the stage aborted after cancellation and returns an error
// matching both ErrCancelled and the context error.
func (r *run) abort(spec pipeline.Spec, attempts int, cause error) error {
	name := spec.Name()
	r.logger.Warn("pipeline cancelled", "stage", name, "error", cause)
	r.setMetrics(name, pipeline.StageMetrics{
		Status:   pipeline.StatusAborted,
		Attempts: attempts,
		Error:    cause.Error(),
	})
	r.event(telemetry.StageEvent{
		Stage:   name,
		Status:  telemetry.StatusFailed,
		Attempt: max(attempts, 1),
		Details: map[string]any{"aborted": true},
		Error:   cause.Error(),
	})
	return fmt.Errorf("%w at stage %q: %w", ErrCancelled, name, cause)
}

// recordFailure records a stage failure that happened outside the retry loop.
func (r *run) recordFailure(spec pipeline.Spec, cause error) {
	name := spec.Name()
	r.setMetrics(name, pipeline.StageMetrics{
		Status: pipeline.StatusFailed,
		Error:  cause.Error(),
	})
	r.event(telemetry.StageEvent{
		Stage:   name,
		Status:  telemetry.StatusFailed,
		Attempt: 1,
		Error:   cause.Error(),
	})
}

// fail closes the telemetry session as unsuccessful and passes err through.
func (r *run) fail(started time.Time, err error) error {
	if rec := r.o.cfg.Telemetry; rec != nil {
		md := map[string]any{
			"session_id":    r.sessionID,
			"error":         err.Error(),
			"stage_metrics": r.sc.AllMetrics(),
		}
		var se *StageError
		if errors.As(err, &se) {
			md["failed_stage"] = se.Stage
		}
		if r.resumedFrom != "" {
			md["resumed_from"] = r.resumedFrom
		}
		if r.lastSaved != "" {
			md["last_checkpoint"] = r.lastSaved
		}
		if cerr := rec.CompleteSession(r.sessionID, false, time.Since(started), md); cerr != nil {
			r.logger.Warn("telemetry completion failed", "error", cerr)
		}
	}
	r.logger.Error("pipeline failed", "error", err)
	return err
}

func (r *run) setMetrics(stage string, m pipeline.StageMetrics) {
	if err := r.sc.SetMetrics(stage, m); err != nil {
		// Details that cannot be encoded are dropped rather than failing
		// an otherwise successful stage.
		r.logger.Warn("stage metrics not encodable", "stage", stage, "error", err)
		m.Details = nil
		_ = r.sc.SetMetrics(stage, m)
	}
}

// event sends a telemetry event. Failures are logged and never abort.
func (r *run) event(ev telemetry.StageEvent) {
	rec := r.o.cfg.Telemetry
	if rec == nil {
		return
	}
	if err := rec.RecordStageEvent(r.sessionID, ev); err != nil {
		r.logger.Warn("telemetry event failed", "stage", ev.Stage, "status", ev.Status, "error", err)
	}
}

// emit invokes the progress callback, containing its errors and panics.
func (r *run) emit(event string, payload map[string]any) {
	if r.progress == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("progress callback panicked", "event", event, "panic", p)
		}
	}()
	if err := r.progress(event, payload); err != nil {
		r.logger.Warn("progress callback failed", "event", event, "error", err)
	}
}

// safeExecute wraps Stage.Execute with panic recovery, converting panics
// into errors carrying the stack.
func safeExecute(ctx context.Context, stage pipeline.Stage, sc pipeline.Reader) (out *pipeline.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %q panicked: %v\n%s", stage.Name(), p, debug.Stack())
			out = nil
		}
	}()
	return stage.Execute(ctx, sc)
}

// checkOwnership verifies an outcome writes exactly the stage's declared slots.
func checkOwnership(spec pipeline.Spec, updates map[string]any) error {
	for slot := range updates {
		if !spec.Owns(slot) {
			return fmt.Errorf("stage %q wrote undeclared slot %q", spec.Name(), slot)
		}
	}
	for _, slot := range spec.Produces {
		if v, ok := updates[slot]; !ok || v == nil {
			return fmt.Errorf("stage %q did not produce slot %q", spec.Name(), slot)
		}
	}
	return nil
}
