// ABOUTME: Help display for the prowzi CLI with grouped commands, examples, and environment status.
// ABOUTME: Provides printHelp for usage output and envStatus for API key detection.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/2389-research/prowzi/config"
)

// printHelp writes a formatted help message to w, including commands,
// global flags, examples, and environment status.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "prowzi %s: staged research pipeline with retries, checkpoints, and telemetry\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  prowzi <command> [flags] [args]")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Pipeline Commands:")
	fmt.Fprintln(w, "  run <prompt | ->              Run the pipeline on a prompt (- reads stdin)")
	fmt.Fprintln(w, "  resume <checkpoint-id>        Continue a session after its checkpointed stage")
	fmt.Fprintln(w, "  resume -session <id>          Continue from the session's newest checkpoint")
	fmt.Fprintln(w, "  batch <prompts-file | ->      Run one session per line, several at once")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Query Commands:")
	fmt.Fprintln(w, "  sessions                      List recent sessions")
	fmt.Fprintln(w, "  show <session-id>             Show a session's summary and events")
	fmt.Fprintln(w, "  monitor [session-id]          Follow a session live in the terminal")
	fmt.Fprintln(w, "  checkpoints [-session <id>]   List checkpoints")
	fmt.Fprintln(w, "  report <checkpoint-id>        Render a checkpoint's draft as Markdown or HTML")
	fmt.Fprintln(w, "  delete-checkpoint <id>...     Delete checkpoints")
	fmt.Fprintln(w, "  reindex                       Rebuild the SQLite index from files")
	fmt.Fprintln(w, "  serve [-addr host:port]       Start the HTTP query API (default: 127.0.0.1:2389)")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -doc <file>           Source document to search (repeatable)")
	fmt.Fprintln(w, "  -param <key=value>    Stage parameter, e.g. pass_threshold=80 (repeatable)")
	fmt.Fprintln(w, "  -checkpoint           Save a checkpoint after each stage")
	fmt.Fprintln(w, "  -out <file>           Write the Markdown report to a file")
	fmt.Fprintln(w, "  -html <file>          Write the HTML report to a file")
	fmt.Fprintln(w, "  -json                 Print the full result as JSON")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Global Flags:")
	fmt.Fprintln(w, "  -config <file>        Config file (default: $XDG_CONFIG_HOME/prowzi/config.yaml)")
	fmt.Fprintln(w, "  -data-dir <dir>       Data directory (default: $XDG_DATA_HOME/prowzi)")
	fmt.Fprintln(w, "  -log-level <level>    debug, info, warn, error")
	fmt.Fprintln(w, "  -verbose              Same as -log-level debug")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  prowzi run -doc notes.md \"How do retries interact with checkpoints?\"")
	fmt.Fprintln(w, "  prowzi run -checkpoint -out report.md -input-file question.txt")
	fmt.Fprintln(w, "  prowzi resume -session 5f0c...")
	fmt.Fprintln(w, "  prowzi batch -concurrency 2 -out-dir reports prompts.txt")
	fmt.Fprintln(w, "  prowzi show -status retrying,failed 5f0c...")
	fmt.Fprintln(w)

	key := config.Default().LLM.APIKeyEnv
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %-28s %s\n", key, envStatus(key))
	fmt.Fprintf(w, "  %-28s %s\n", config.EnvLLMOffline, envStatus(config.EnvLLMOffline))
	fmt.Fprintf(w, "  %-28s %s\n", config.EnvDataDir, envStatus(config.EnvDataDir))
	fmt.Fprintf(w, "  %-28s %s\n", config.EnvEnableCheckpointing, envStatus(config.EnvEnableCheckpointing))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Without %s the pipeline uses the offline generator.\n", key)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Docs: https://github.com/2389-research/prowzi")
}

// envStatus returns "[set]" if the named environment variable is non-empty,
// or "[not set]" otherwise.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
