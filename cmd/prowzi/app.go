// ABOUTME: Builds the components a subcommand needs from configuration and global flags.
// ABOUTME: Owns the telemetry collector, checkpoint manager, optional SQLite index, and the orchestrator.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/config"
	"github.com/2389-research/prowzi/llm"
	"github.com/2389-research/prowzi/orchestrator"
	"github.com/2389-research/prowzi/pipeline"
	"github.com/2389-research/prowzi/stages"
	"github.com/2389-research/prowzi/store"
	"github.com/2389-research/prowzi/telemetry"
)

// app holds the wired components for one CLI invocation.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	telemetry   *telemetry.Collector
	checkpoints *checkpoint.Manager
	// index is nil unless index_path is configured.
	index *store.SqliteIndex
}

// loadConfig applies the global flags on top of config.Load.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		if err := cfg.SetDataDir(g.dataDir); err != nil {
			return nil, err
		}
	}
	if g.verbose {
		cfg.LogLevel = "debug"
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp loads configuration and opens the stores. Logs go to logOut.
func newApp(g *globalFlags, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	var tOpts []telemetry.Option
	var cOpts []checkpoint.Option
	if cfg.IndexPath != "" {
		a.index, err = store.OpenSqlite(cfg.IndexPath)
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		tOpts = append(tOpts, telemetry.WithIndex(a.index))
		cOpts = append(cOpts, checkpoint.WithIndex(a.index))
	}

	a.telemetry, err = telemetry.NewCollector(cfg.TelemetryDir, append(tOpts, telemetry.WithLogger(logger))...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open telemetry: %w", err)
	}
	a.checkpoints, err = checkpoint.NewManager(cfg.CheckpointDir, append(cOpts, checkpoint.WithLogger(logger))...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}
	return a, nil
}

// Close releases the index, if open.
func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("closing index failed", "error", err)
		}
	}
}

// generator picks the LLM client, or the offline generator when offline
// mode is set or no API key is available.
func (a *app) generator(stderr io.Writer) stages.Generator {
	if a.cfg.LLM.Offline {
		return stages.Offline{}
	}
	key := os.Getenv(a.cfg.LLM.APIKeyEnv)
	if key == "" {
		fmtWarning(stderr, "%s is not set, using the offline generator", a.cfg.LLM.APIKeyEnv)
		return stages.Offline{}
	}
	opts := []llm.Option{
		llm.WithMaxTokens(a.cfg.LLM.MaxTokens),
		llm.WithTimeout(a.cfg.LLM.Timeout.Std()),
	}
	if a.cfg.LLM.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(a.cfg.LLM.BaseURL))
	}
	if a.cfg.LLM.Model != "" {
		opts = append(opts, llm.WithModel(a.cfg.LLM.Model))
	}
	client := llm.NewClient(key, opts...)
	a.logger.Debug("using LLM generator", "model", client.Model())
	return client
}

// specs returns the research pipeline with configured stage overrides.
func (a *app) specs(gen stages.Generator) ([]pipeline.Spec, error) {
	specs := stages.Research(stages.Options{Generator: gen})
	if err := a.cfg.ApplyStageOverrides(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// stageOrder is the research pipeline's stage order, for display.
func (a *app) stageOrder() []string {
	specs := stages.Research(stages.Options{})
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name()
	}
	return names
}

// orchestrator builds an orchestrator over the research pipeline.
func (a *app) orchestrator(stderr io.Writer) (*orchestrator.Orchestrator, error) {
	specs, err := a.specs(a.generator(stderr))
	if err != nil {
		return nil, err
	}
	ocfg := orchestrator.Config{
		EnableCheckpointing: a.cfg.EnableCheckpointing,
		DefaultMaxRetries:   a.cfg.Retry.DefaultMaxRetries,
		DefaultBackoffBase:  a.cfg.Retry.BackoffBase,
		BackoffUnit:         a.cfg.Retry.BackoffUnit.Std(),
		MaxDelay:            a.cfg.Retry.MaxDelay.Std(),
		Jitter:              a.cfg.Retry.Jitter,
		Checkpoints:         a.checkpoints,
		Logger:              a.logger,
	}
	if a.cfg.EnableTelemetry {
		ocfg.Telemetry = a.telemetry
	}
	return orchestrator.New(specs, ocfg)
}

// progressDir is where a session's progress.ndjson and live.json live.
func (a *app) progressDir(sessionID string) string {
	return filepath.Join(a.cfg.DataDir, "runs", sessionID)
}
