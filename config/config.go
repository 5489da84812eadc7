// ABOUTME: Explicit prowzi configuration: defaults, YAML file, PROWZI_* environment overrides, validation.
// ABOUTME: Also builds the slog logger and applies per-stage retry overrides to a pipeline.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/prowzi/pipeline"
)

// Environment variables read by ApplyEnv.
const (
	EnvDataDir             = "PROWZI_DATA_DIR"
	EnvCheckpointDir       = "PROWZI_CHECKPOINT_DIR"
	EnvTelemetryDir        = "PROWZI_TELEMETRY_DIR"
	EnvIndexPath           = "PROWZI_INDEX_PATH"
	EnvEnableCheckpointing = "PROWZI_ENABLE_CHECKPOINTING"
	EnvEnableTelemetry     = "PROWZI_ENABLE_TELEMETRY"
	EnvLogLevel            = "PROWZI_LOG_LEVEL"
	EnvLogFormat           = "PROWZI_LOG_FORMAT"
	EnvMaxRetries          = "PROWZI_MAX_RETRIES"
	EnvBackoffBase         = "PROWZI_BACKOFF_BASE"
	EnvBackoffUnit         = "PROWZI_BACKOFF_UNIT"
	EnvMaxDelay            = "PROWZI_MAX_DELAY"
	EnvLLMBaseURL          = "PROWZI_LLM_BASE_URL"
	EnvLLMModel            = "PROWZI_LLM_MODEL"
	EnvLLMOffline          = "PROWZI_LLM_OFFLINE"
	EnvServerAddr          = "PROWZI_SERVER_ADDR"
)

// ConfigFileName is looked up in the config directory when no path is given.
const ConfigFileName = "config.yaml"

// Config is the root configuration.
type Config struct {
	DataDir             string                   `yaml:"data_dir"`
	CheckpointDir       string                   `yaml:"checkpoint_dir"`
	TelemetryDir        string                   `yaml:"telemetry_dir"`
	IndexPath           string                   `yaml:"index_path"`
	EnableCheckpointing bool                     `yaml:"enable_checkpointing"`
	EnableTelemetry     bool                     `yaml:"enable_telemetry"`
	LogLevel            string                   `yaml:"log_level"`
	LogFormat           string                   `yaml:"log_format"`
	Retry               RetryConfig              `yaml:"retry"`
	Stages              map[string]StageOverride `yaml:"stages"`
	LLM                 LLMConfig                `yaml:"llm"`
	Server              ServerConfig             `yaml:"server"`
}

// RetryConfig holds pipeline-wide retry defaults.
type RetryConfig struct {
	DefaultMaxRetries int      `yaml:"default_max_retries"`
	BackoffBase       float64  `yaml:"backoff_base"`
	BackoffUnit       Duration `yaml:"backoff_unit"`
	MaxDelay          Duration `yaml:"max_delay"`
	Jitter            bool     `yaml:"jitter"`
}

// StageOverride replaces a stage's built-in retry settings. Zero fields
// keep the built-in value.
type StageOverride struct {
	MaxRetries  int      `yaml:"max_retries"`
	BackoffBase float64  `yaml:"backoff_base"`
	Timeout     Duration `yaml:"timeout"`
}

// LLMConfig selects the text generator.
type LLMConfig struct {
	// Offline uses the deterministic built-in generator.
	Offline   bool     `yaml:"offline"`
	BaseURL   string   `yaml:"base_url"`
	Model     string   `yaml:"model"`
	APIKeyEnv string   `yaml:"api_key_env"`
	MaxTokens int      `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
}

// ServerConfig configures the query API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration. Directories stay empty until
// Finalize derives them.
func Default() *Config {
	return &Config{
		EnableTelemetry: true,
		LogLevel:        "info",
		LogFormat:       "text",
		Retry: RetryConfig{
			DefaultMaxRetries: 1,
			BackoffBase:       1.5,
			BackoffUnit:       Duration(time.Second),
		},
		LLM: LLMConfig{
			APIKeyEnv: "OPENAI_API_KEY",
			MaxTokens: 2048,
			Timeout:   Duration(2 * time.Minute),
		},
		Server: ServerConfig{Addr: "127.0.0.1:2389"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// the default config file if path is empty and it exists), then PROWZI_*
// variables. The result is finalized and validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, ConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Merge(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge overlays YAML onto c. Keys absent from data keep their current
// values; unknown keys are rejected.
func (c *Config) Merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PROWZI_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvDataDir, &c.DataDir)
	str(EnvCheckpointDir, &c.CheckpointDir)
	str(EnvTelemetryDir, &c.TelemetryDir)
	str(EnvIndexPath, &c.IndexPath)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)
	str(EnvLLMBaseURL, &c.LLM.BaseURL)
	str(EnvLLMModel, &c.LLM.Model)
	str(EnvServerAddr, &c.Server.Addr)

	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	boolean(EnvEnableCheckpointing, &c.EnableCheckpointing)
	boolean(EnvEnableTelemetry, &c.EnableTelemetry)
	boolean(EnvLLMOffline, &c.LLM.Offline)

	if v, ok := lookup(EnvMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxRetries, err))
		} else {
			c.Retry.DefaultMaxRetries = n
		}
	}
	if v, ok := lookup(EnvBackoffBase); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBackoffBase, err))
		} else {
			c.Retry.BackoffBase = f
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	duration(EnvBackoffUnit, &c.Retry.BackoffUnit)
	duration(EnvMaxDelay, &c.Retry.MaxDelay)

	return errors.Join(errs...)
}

// Finalize fills derived paths: the data directory from XDG defaults, the
// checkpoint directory under it, and the telemetry directory under that.
func (c *Config) Finalize() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.TelemetryDir == "" {
		c.TelemetryDir = filepath.Join(c.CheckpointDir, "telemetry")
	}
	return nil
}

// SetDataDir moves the data directory. Checkpoint and telemetry
// directories derived from the old location follow it; ones that were set
// explicitly stay where they are.
func (c *Config) SetDataDir(dir string) error {
	oldCheckpoints := c.CheckpointDir
	if c.CheckpointDir == filepath.Join(c.DataDir, "checkpoints") {
		c.CheckpointDir = ""
	}
	if c.TelemetryDir == filepath.Join(oldCheckpoints, "telemetry") {
		c.TelemetryDir = ""
	}
	c.DataDir = dir
	return c.Finalize()
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.DefaultMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.default_max_retries must be at least 1, got %d", c.Retry.DefaultMaxRetries))
	}
	if !(c.Retry.BackoffBase > 0) || math.IsInf(c.Retry.BackoffBase, 0) {
		errs = append(errs, fmt.Errorf("retry.backoff_base must be a positive finite number, got %g", c.Retry.BackoffBase))
	}
	if c.Retry.BackoffUnit < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry durations must not be negative"))
	}
	for name, o := range c.Stages {
		if o.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("stages.%s.max_retries must not be negative", name))
		}
		if o.BackoffBase < 0 || math.IsNaN(o.BackoffBase) || math.IsInf(o.BackoffBase, 0) {
			errs = append(errs, fmt.Errorf("stages.%s.backoff_base must be a finite, non-negative number", name))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ApplyStageOverrides rewrites the retry settings of specs named in
// c.Stages. Overrides naming unknown stages are an error.
func (c *Config) ApplyStageOverrides(specs []pipeline.Spec) error {
	known := make(map[string]bool, len(specs))
	for i := range specs {
		name := specs[i].Name()
		known[name] = true
		o, ok := c.Stages[name]
		if !ok {
			continue
		}
		if o.MaxRetries > 0 {
			specs[i].MaxRetries = o.MaxRetries
		}
		if o.BackoffBase > 0 {
			specs[i].BackoffBase = o.BackoffBase
		}
		if o.Timeout > 0 {
			specs[i].Timeout = o.Timeout.Std()
		}
	}
	for name := range c.Stages {
		if !known[name] {
			return fmt.Errorf("stages.%s: unknown stage", name)
		}
	}
	return nil
}

// Logger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
