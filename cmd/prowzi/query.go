// ABOUTME: Read-side subcommands: sessions, show, monitor, checkpoints, delete-checkpoint, and reindex.
// ABOUTME: List queries use the SQLite index when configured and fall back to scanning files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/telemetry"
	"github.com/2389-research/prowzi/tui"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// listSessions prefers the index over scanning telemetry files.
func (a *app) listSessions(limit int) ([]telemetry.SessionSummary, error) {
	if a.index != nil {
		return a.index.ListSessions(limit)
	}
	return a.telemetry.ListSessions(limit)
}

// listCheckpoints prefers the index over scanning checkpoint files.
func (a *app) listCheckpoints(sessionID string) ([]checkpoint.Metadata, error) {
	if a.index != nil {
		return a.index.ListCheckpoints(sessionID)
	}
	return a.checkpoints.List(sessionID)
}

func cmdSessions(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("sessions", "[flags]", stderr)
	limit := fs.Int("limit", 20, "Maximum sessions to list (0 lists all)")
	asJSON := fs.Bool("json", false, "Print as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	sessions, err := a.listSessions(*limit)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	if *asJSON {
		if err := printJSON(stdout, sessions); err != nil {
			fmtError(stderr, "%v", err)
			return 1
		}
		return 0
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions.")
		return 0
	}
	fmt.Fprintf(stdout, "%-36s  %-20s  %-9s  %6s  %7s  %s\n", "SESSION", "STARTED", "STATUS", "STAGES", "RETRIES", "INPUT")
	for _, s := range sessions {
		fmt.Fprintf(stdout, "%-36s  %-20s  %-9s  %6d  %7d  %s\n",
			s.SessionID,
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			sessionStatus(s),
			s.StagesCompleted,
			s.TotalRetries,
			oneLine(s.InputPreview, 60),
		)
	}
	return 0
}

func sessionStatus(s telemetry.SessionSummary) string {
	switch {
	case !s.Completed:
		return "running"
	case s.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func cmdShow(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("show", "[flags] <session-id>", stderr)
	asJSON := fs.Bool("json", false, "Print the full session record as JSON")
	status := fs.String("status", "", "Only events with these statuses (comma separated)")
	stage := fs.String("stage", "", "Only events for this stage")
	tail := fs.Int("tail", 0, "Only the last N matching events")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	id := fs.Arg(0)

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	metrics, ok := a.telemetry.LoadSession(id)
	if !ok {
		fmtError(stderr, "session %s not found", id)
		return 1
	}
	if *asJSON {
		if err := printJSON(stdout, metrics); err != nil {
			fmtError(stderr, "%v", err)
			return 1
		}
		return 0
	}

	filter := telemetry.EventFilter{Stage: *stage}
	for _, s := range strings.Split(*status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, telemetry.Status(s))
		}
	}
	events, _ := a.telemetry.Events(id, filter)
	if *tail > 0 && len(events) > *tail {
		events = events[len(events)-*tail:]
	}

	sum := metrics.Summary()
	fmt.Fprintf(stdout, "Session:   %s\n", sum.SessionID)
	fmt.Fprintf(stdout, "Input:     %s\n", oneLine(sum.InputPreview, 100))
	fmt.Fprintf(stdout, "Started:   %s\n", sum.StartedAt.Local().Format(time.RFC3339))
	if sum.CompletedAt != nil {
		fmt.Fprintf(stdout, "Completed: %s (%.1fs)\n", sum.CompletedAt.Local().Format(time.RFC3339), sum.TotalDurationSeconds)
	}
	fmt.Fprintf(stdout, "Status:    %s\n", sessionStatus(sum))
	fmt.Fprintf(stdout, "Retries:   %d\n", sum.TotalRetries)
	if len(metrics.FailedStages) > 0 {
		fmt.Fprintf(stdout, "Failed:    %s\n", strings.Join(metrics.FailedStages, ", "))
	}
	fmt.Fprintln(stdout)

	if len(events) == 0 {
		fmt.Fprintln(stdout, "No matching events.")
		return 0
	}
	fmt.Fprintf(stdout, "%-8s  %-28s  %-9s  %7s  %8s  %s\n", "TIME", "STAGE", "STATUS", "ATTEMPT", "SECONDS", "ERROR")
	for _, ev := range events {
		fmt.Fprintf(stdout, "%-8s  %-28s  %-9s  %7d  %8.2f  %s\n",
			ev.Timestamp.Local().Format("15:04:05"),
			ev.Stage,
			ev.Status,
			ev.Attempt,
			ev.DurationSeconds,
			oneLine(ev.Error, 60),
		)
	}
	return 0
}

func cmdMonitor(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("monitor", "[flags] [session-id]", stderr)
	exit := fs.Bool("exit", false, "Quit when the session completes")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	id := fs.Arg(0)
	if id == "" {
		recent, err := a.telemetry.ListSessions(1)
		if err != nil || len(recent) == 0 {
			fmtError(stderr, "no session to monitor")
			return 1
		}
		id = recent[0].SessionID
	}

	if err := tui.Run(ctx, a.telemetry, id, a.stageOrder(), *exit); err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	return 0
}

func cmdCheckpoints(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("checkpoints", "[flags]", stderr)
	session := fs.String("session", "", "Only checkpoints of this session")
	asJSON := fs.Bool("json", false, "Print as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	list, err := a.listCheckpoints(*session)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	if *asJSON {
		if err := printJSON(stdout, list); err != nil {
			fmtError(stderr, "%v", err)
			return 1
		}
		return 0
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No checkpoints.")
		return 0
	}
	for _, m := range list {
		fmt.Fprintf(stdout, "%s  %s  %s\n", m.CheckpointID, m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.Stage)
	}
	return 0
}

func cmdDeleteCheckpoint(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("delete-checkpoint", "[flags] <checkpoint-id>...", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	code := 0
	for _, id := range fs.Args() {
		removed, err := a.checkpoints.Delete(id)
		switch {
		case err != nil:
			fmtError(stderr, "%v", err)
			code = 1
		case !removed:
			fmtError(stderr, "checkpoint %s not found", id)
			code = 1
		default:
			fmt.Fprintf(stdout, "Deleted %s\n", id)
		}
	}
	return code
}

func cmdReindex(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("reindex", "[flags]", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, err := newApp(g, stderr)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	defer a.Close()

	if a.index == nil {
		fmtError(stderr, "no index configured (set index_path or PROWZI_INDEX_PATH)")
		return 1
	}
	sessions, checkpoints, err := a.index.RebuildFrom(a.telemetry, a.checkpoints)
	if err != nil {
		fmtError(stderr, "%v", err)
		return 1
	}
	fmt.Fprintf(stdout, "Indexed %d sessions and %d checkpoints\n", sessions, checkpoints)
	return 0
}
