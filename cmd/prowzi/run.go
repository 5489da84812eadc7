// ABOUTME: Subcommands that execute the research pipeline: run, resume, batch, and report.
// ABOUTME: Attaches an NDJSON progress log per session and writes Markdown, HTML, or JSON results.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/orchestrator"
	"github.com/2389-research/prowzi/pipeline"
	"github.com/2389-research/prowzi/report"
	"github.com/2389-research/prowzi/telemetry"
)

// outputOptions controls where a finished result goes.
type outputOptions struct {
	markdownPath string
	htmlPath     string
	asJSON       bool
	quiet        bool
}

func registerOutputFlags(fs *flag.FlagSet, o *outputOptions) {
	fs.StringVar(&o.markdownPath, "out", "", "Write the Markdown report to this file")
	fs.StringVar(&o.htmlPath, "html", "", "Write the HTML report to this file")
	fs.BoolVar(&o.asJSON, "json", false, "Print the full result as JSON instead of Markdown")
	fs.BoolVar(&o.quiet, "quiet", false, "Print only the session id")
}

// inputFlags are shared by run and batch.
type inputFlags struct {
	docs       stringList
	params     stringList
	checkpoint bool
}

func (f *inputFlags) register(fs *flag.FlagSet) {
	fs.Var(&f.docs, "doc", "Source document to search (repeatable)")
	fs.Var(&f.params, "param", "Stage parameter as key=value (repeatable)")
	fs.BoolVar(&f.checkpoint, "checkpoint", false, "Save a checkpoint after each stage")
}

func (f *inputFlags) input(prompt string) (pipeline.Input, error) {
	in := pipeline.Input{Prompt: prompt, Documents: f.docs}
	params, err := parseParams(f.params)
	if err != nil {
		return in, err
	}
	in.Params = params
	return in, nil
}

// parseParams turns key=value pairs into a map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid -param %q: want key=value", p)
		}
		params[k] = strings.TrimSpace(v)
	}
	return params, nil
}

// readPrompt takes the prompt from a file, the positional args, or stdin
// when the only arg is "-".
func readPrompt(file string, args []string, stdin io.Reader) (string, error) {
	var prompt string
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		prompt = string(data)
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", err
		}
		prompt = string(data)
	default:
		prompt = strings.Join(args, " ")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}

func cmdRun(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("run", "[flags] <prompt | ->", stderr)
	var in inputFlags
	var out outputOptions
	in.register(fs)
	registerOutputFlags(fs, &out)
	inputFile := fs.String("input-file", "", "Read the prompt from a file")
	sessionID := fs.String("session", "", "Session id for this run (default: a new UUID)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	prompt, err := readPrompt(*inputFile, fs.Args(), os.Stdin)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 2
	}
	input, err := in.input(prompt)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 2
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()
	if in.checkpoint {
		a.cfg.EnableCheckpointing = true
	}

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}
	return a.execute(ctx, input, orchestrator.RunOptions{SessionID: id}, id, out, stdout, stderr)
}

func cmdResume(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("resume", "[flags] <checkpoint-id> | -session <id>", stderr)
	var out outputOptions
	registerOutputFlags(fs, &out)
	session := fs.String("session", "", "Resume from the newest checkpoint of this session")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if (fs.NArg() == 0) == (*session == "") {
		fs.Usage()
		return 2
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()
	// A resumed session keeps checkpointing so a second failure is resumable too.
	a.cfg.EnableCheckpointing = true

	id := fs.Arg(0)
	if *session != "" {
		latest, err := a.checkpoints.Latest(*session)
		if err != nil {
			fmtError(stderr, "no checkpoint for session %s: %v", *session, err)
			return 1
		}
		id = latest.CheckpointID
	}

	rec, err := a.checkpoints.Load(id)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	fmt.Fprintf(stderr, "Resuming session %s after stage %s\n", rec.SessionID, rec.Stage)
	return a.execute(ctx, pipeline.Input{}, orchestrator.RunOptions{ResumeFrom: id}, rec.SessionID, out, stdout, stderr)
}

// execute runs one session with a progress log and reports the outcome.
func (a *app) execute(ctx context.Context, input pipeline.Input, opts orchestrator.RunOptions, sessionID string, out outputOptions, stdout, stderr io.Writer) int {
	orch, err := a.orchestrator(stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}

	progress := a.openProgress(sessionID, stderr)
	if progress != nil {
		opts.Progress = progress.Handle
		defer progress.Close()
	}

	res, runErr := orch.Run(ctx, input, opts)
	if progress != nil {
		progress.Finish(finishStatus(runErr))
	}
	if runErr != nil {
		a.reportFailure(sessionID, runErr, stderr)
		return 1
	}
	if err := writeResult(res, out, stdout); err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	return 0
}

// openProgress opens the session's progress log. Failure is a warning.
func (a *app) openProgress(sessionID string, stderr io.Writer) *telemetry.ProgressLog {
	p, err := telemetry.NewProgressLog(a.progressDir(sessionID), sessionID, a.logger)
	if err != nil {
		fmtWarning(stderr, "progress log disabled: %v", err)
		return nil
	}
	return p
}

func finishStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, orchestrator.ErrCancelled), errors.Is(err, context.Canceled):
		return "aborted"
	default:
		return "failed"
	}
}

// reportFailure prints the error and, when one exists, how to resume.
func (a *app) reportFailure(sessionID string, err error, stderr io.Writer) {
	var se *orchestrator.StageError
	if errors.As(err, &se) {
		fmtError(stderr, "stage %s failed after %d attempt(s): %v", se.Stage, se.Attempts, se.Err)
	} else {
		fmtError(stderr, "%v", err)
	}
	if latest, lerr := a.checkpoints.Latest(sessionID); lerr == nil {
		fmt.Fprintf(stderr, "Resume with: prowzi resume %s\n", latest.CheckpointID)
	} else if !errors.Is(lerr, checkpoint.ErrNotFound) {
		a.logger.Warn("looking up latest checkpoint failed", "session", sessionID, "error", lerr)
	}
}

// writeResult prints the result and writes any requested report files.
func writeResult(res *orchestrator.Result, out outputOptions, stdout io.Writer) error {
	rep := report.FromResult(res)
	md := rep.Markdown()

	if out.markdownPath != "" {
		if err := writeFile(out.markdownPath, md); err != nil {
			return err
		}
	}
	if out.htmlPath != "" {
		html, err := rep.HTML()
		if err != nil {
			return fmt.Errorf("render html: %w", err)
		}
		if err := writeFile(out.htmlPath, html); err != nil {
			return err
		}
	}

	switch {
	case out.quiet:
		fmt.Fprintln(stdout, res.SessionID)
	case out.asJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	default:
		fmt.Fprint(stdout, md)
	}
	return nil
}

func writeFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// readBatch reads one prompt per line, skipping blank lines and # comments.
func readBatch(r io.Reader) ([]string, error) {
	var prompts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	return prompts, scanner.Err()
}

func cmdBatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("batch", "[flags] <prompts-file | ->", stderr)
	var in inputFlags
	in.register(fs)
	concurrency := fs.Int("concurrency", 4, "Maximum sessions running at once")
	outDir := fs.String("out-dir", "", "Write each session's Markdown report to <out-dir>/<session>.md")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	var src io.Reader = os.Stdin
	if fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmtError(stderr, "%v", err)
			return 1
		}
		defer f.Close()
		src = f
	}
	prompts, err := readBatch(src)
	if err != nil {
		fmtError(stderr, "read prompts: %v", err)
		return 1
	}
	if len(prompts) == 0 {
		fmtError(stderr, "no prompts in %s", fs.Arg(0))
		return 2
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()
	if in.checkpoint {
		a.cfg.EnableCheckpointing = true
	}
	orch, err := a.orchestrator(stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}

	jobs := make([]orchestrator.Job, len(prompts))
	logs := make([]*telemetry.ProgressLog, len(prompts))
	for i, prompt := range prompts {
		input, err := in.input(prompt)
		if err != nil {
			fmtError(stderr, "%v", err)
			return 2
		}
		id := uuid.NewString()
		jobs[i] = orchestrator.Job{Input: input, Options: orchestrator.RunOptions{SessionID: id}}
		if logs[i] = a.openProgress(id, stderr); logs[i] != nil {
			jobs[i].Options.Progress = logs[i].Handle
		}
	}

	results := orch.RunAll(ctx, jobs, *concurrency)

	failed := 0
	for i, r := range results {
		id := jobs[i].Options.SessionID
		if logs[i] != nil {
			logs[i].Finish(finishStatus(r.Err))
			logs[i].Close()
		}
		if r.Err != nil {
			failed++
			fmt.Fprintf(stdout, "failed  %s  %v\n", id, r.Err)
			continue
		}
		rep := report.FromResult(r.Result)
		if *outDir != "" {
			if err := writeFile(filepath.Join(*outDir, id+".md"), rep.Markdown()); err != nil {
				fmtWarning(stderr, "write report for %s: %v", id, err)
			}
		}
		fmt.Fprintf(stdout, "ok      %s  %s\n", id, rep.Title())
	}

	fmt.Fprintf(stderr, "%d of %d sessions succeeded\n", len(results)-failed, len(results))
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdReport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("report", "[flags] <checkpoint-id>", stderr)
	htmlOut := fs.Bool("html", false, "Render HTML instead of Markdown")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	rec, err := a.checkpoints.Load(fs.Arg(0))
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	rep := report.FromContext(rec.Context, a.stageOrder())
	if !*htmlOut {
		fmt.Fprint(stdout, rep.Markdown())
		return 0
	}
	html, err := rep.HTML()
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	fmt.Fprint(stdout, html)
	return 0
}
