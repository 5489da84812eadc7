// ABOUTME: Tests for configuration loading, environment overrides, validation, and stage overrides.
// ABOUTME: Uses temp YAML files and injected env lookups so tests never touch the real environment.
package config

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/prowzi/pipeline"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.EnableCheckpointing {
		t.Error("checkpointing should be off by default")
	}
	if !cfg.EnableTelemetry {
		t.Error("telemetry should be on by default")
	}
	if cfg.Retry.BackoffBase != 1.5 || cfg.Retry.DefaultMaxRetries != 1 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
data_dir: ` + dir + `
enable_checkpointing: true
log_format: json
retry:
  default_max_retries: 3
  backoff_unit: 10ms
  max_delay: 2s
stages:
  search:
    max_retries: 5
    timeout: 30s
llm:
  model: test-model
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.EnableCheckpointing || !cfg.EnableTelemetry {
		t.Errorf("flags = checkpointing %v telemetry %v", cfg.EnableCheckpointing, cfg.EnableTelemetry)
	}
	if cfg.Retry.DefaultMaxRetries != 3 || cfg.Retry.BackoffBase != 1.5 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Retry.BackoffUnit.Std() != 10*time.Millisecond || cfg.Retry.MaxDelay.Std() != 2*time.Second {
		t.Errorf("durations = %v %v", cfg.Retry.BackoffUnit.Std(), cfg.Retry.MaxDelay.Std())
	}
	if cfg.LLM.Model != "test-model" || cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env override lost: log level %q", cfg.LogLevel)
	}
	if cfg.CheckpointDir != filepath.Join(dir, "checkpoints") {
		t.Errorf("checkpoint dir = %q", cfg.CheckpointDir)
	}
	if cfg.TelemetryDir != filepath.Join(dir, "checkpoints", "telemetry") {
		t.Errorf("telemetry dir = %q", cfg.TelemetryDir)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("retries: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestMergeEmptyDocument(t *testing.T) {
	cfg := Default()
	if err := cfg.Merge(nil); err != nil {
		t.Fatalf("Merge(nil): %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvDataDir:             "/tmp/prowzi",
		EnvEnableCheckpointing: "true",
		EnvEnableTelemetry:     "false",
		EnvMaxRetries:          "4",
		EnvBackoffBase:         "2.5",
		EnvBackoffUnit:         "250ms",
		EnvLLMOffline:          "1",
		EnvServerAddr:          ":9000",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.DataDir != "/tmp/prowzi" || !cfg.EnableCheckpointing || cfg.EnableTelemetry {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Retry.DefaultMaxRetries != 4 || cfg.Retry.BackoffBase != 2.5 || cfg.Retry.BackoffUnit.Std() != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if !cfg.LLM.Offline || cfg.Server.Addr != ":9000" {
		t.Errorf("llm/server = %+v %+v", cfg.LLM, cfg.Server)
	}
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvMaxRetries:          "many",
		EnvEnableCheckpointing: "maybe",
		EnvMaxDelay:            "soon",
	}))
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, key := range []string{EnvMaxRetries, EnvEnableCheckpointing, EnvMaxDelay} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero retries":      func(c *Config) { c.Retry.DefaultMaxRetries = 0 },
		"zero backoff base": func(c *Config) { c.Retry.BackoffBase = 0 },
		"NaN backoff base":  func(c *Config) { c.Retry.BackoffBase = math.NaN() },
		"inf backoff base":  func(c *Config) { c.Retry.BackoffBase = math.Inf(1) },
		"NaN override base": func(c *Config) { c.Stages = map[string]StageOverride{"search": {BackoffBase: math.NaN()}} },
		"negative delay":    func(c *Config) { c.Retry.MaxDelay = Duration(-time.Second) },
		"bad level":         func(c *Config) { c.LogLevel = "loud" },
		"bad format":        func(c *Config) { c.LogFormat = "xml" },
		"negative override": func(c *Config) { c.Stages = map[string]StageOverride{"search": {MaxRetries: -1}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNaNBackoffFromEnvFailsValidation(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(envMap(map[string]string{EnvBackoffBase: "NaN"})); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "retry.backoff_base") {
		t.Errorf("Validate = %v", err)
	}
}

func TestSetDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/old"
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetDataDir("/new"); err != nil {
		t.Fatal(err)
	}
	if cfg.CheckpointDir != filepath.Join("/new", "checkpoints") || cfg.TelemetryDir != filepath.Join("/new", "checkpoints", "telemetry") {
		t.Errorf("derived dirs did not follow: %q %q", cfg.CheckpointDir, cfg.TelemetryDir)
	}

	cfg = Default()
	cfg.DataDir = "/old"
	cfg.CheckpointDir = "/pinned/cp"
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetDataDir("/new"); err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/new" || cfg.CheckpointDir != "/pinned/cp" {
		t.Errorf("explicit checkpoint dir moved: %+v", cfg)
	}
	if cfg.TelemetryDir != filepath.Join("/pinned/cp", "telemetry") {
		t.Errorf("telemetry dir = %q", cfg.TelemetryDir)
	}
}

func noop(ctx context.Context, sc pipeline.Reader) (*pipeline.Outcome, error) {
	return &pipeline.Outcome{}, nil
}

func TestApplyStageOverrides(t *testing.T) {
	specs := []pipeline.Spec{
		{Stage: pipeline.Func("intent", noop), MaxRetries: 2},
		{Stage: pipeline.Func("search", noop), MaxRetries: 3, BackoffBase: 2},
	}
	cfg := Default()
	cfg.Stages = map[string]StageOverride{"search": {MaxRetries: 6, Timeout: Duration(time.Minute)}}
	if err := cfg.ApplyStageOverrides(specs); err != nil {
		t.Fatalf("ApplyStageOverrides: %v", err)
	}
	if specs[0].MaxRetries != 2 {
		t.Errorf("intent changed: %+v", specs[0])
	}
	if specs[1].MaxRetries != 6 || specs[1].BackoffBase != 2 || specs[1].Timeout != time.Minute {
		t.Errorf("search = %+v", specs[1])
	}

	cfg.Stages = map[string]StageOverride{"typo": {MaxRetries: 1}}
	if err := cfg.ApplyStageOverrides(specs); err == nil {
		t.Error("expected unknown stage error")
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %q", out)
	}
}

func TestDefaultDataDirUsesXDGDataHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	got, err := DefaultDataDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "prowzi"); got != want {
		t.Errorf("DefaultDataDir() = %q, want %q", got, want)
	}
}

func TestDefaultConfigDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".config", "prowzi"); got != want {
		t.Errorf("DefaultConfigDir() = %q, want %q", got, want)
	}
}
