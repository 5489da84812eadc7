// ABOUTME: CLI entrypoint for prowzi with run, resume, batch, query, monitor, and server subcommands.
// ABOUTME: Loads .env and YAML configuration, wires the stores and orchestrator, and handles signals.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

var version = "dev"

// command runs one subcommand and returns the process exit code.
type command func(ctx context.Context, args []string, stdout, stderr io.Writer) int

// commands maps subcommand names to their implementations.
func commands() map[string]command {
	return map[string]command{
		"run":               cmdRun,
		"resume":            cmdResume,
		"batch":             cmdBatch,
		"sessions":          cmdSessions,
		"show":              cmdShow,
		"monitor":           cmdMonitor,
		"checkpoints":       cmdCheckpoints,
		"delete-checkpoint": cmdDeleteCheckpoint,
		"serve":             cmdServe,
		"reindex":           cmdReindex,
		"report":            cmdReport,
	}
}

func main() {
	loadDotEnvAuto(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches args to a subcommand. Exit codes: 0 success, 1 failure,
// 2 usage error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr, version)
		return 2
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		printHelp(stdout, version)
		return 0
	case "-version", "--version", "version":
		fmt.Fprintf(stdout, "prowzi %s\n", version)
		return 0
	}

	cmd, ok := commands()[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "error: unknown command %q\n\n", args[0])
		printHelp(stderr, version)
		return 2
	}
	return cmd(ctx, args[1:], stdout, stderr)
}

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	verbose    bool
}

// newFlagSet creates a subcommand flag set with the global flags registered.
func newFlagSet(name, usage string, stderr io.Writer) (*flag.FlagSet, *globalFlags) {
	g := &globalFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&g.configPath, "config", "", "Path to config.yaml (default: $XDG_CONFIG_HOME/prowzi/config.yaml)")
	fs.StringVar(&g.dataDir, "data-dir", "", "Data directory; checkpoint and telemetry directories are derived from it")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&g.verbose, "verbose", false, "Shorthand for -log-level debug")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: prowzi %s %s\n\nFlags:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs, g
}

// parseFlags parses args and maps -help to exit code 0 and other parse
// errors to 2. ok is false when the caller should return code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func fmtError(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "error: "+format+"\n", args...)
}

func fmtWarning(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "warning: "+format+"\n", args...)
}
