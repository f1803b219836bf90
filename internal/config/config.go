// Package config provides configuration loading for refine.
//
// Configuration is an immutable value: it is loaded once (YAML file, then
// REFINE_* environment variables, then CLI flag overrides), validated, and
// passed by value into every component constructor.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete refine configuration.
type Config struct {
	Run           RunConfig           `koanf:"run"`
	Gates         GatesConfig         `koanf:"gates"`
	Stagnation    StagnationConfig    `koanf:"stagnation"`
	Feedback      FeedbackConfig      `koanf:"feedback"`
	Generation    GenerationConfig    `koanf:"generation"`
	Store         StoreConfig         `koanf:"store"`
	Events        EventsConfig        `koanf:"events"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// RunConfig controls artifact enumeration and the revision budgets.
type RunConfig struct {
	SourceDir        string        `koanf:"source_dir"`
	Manifest         string        `koanf:"manifest"`
	Extensions       []string      `koanf:"extensions"`
	OutputDir        string        `koanf:"output_dir"`
	Workers          int           `koanf:"workers"`
	MaxRevisions     int           `koanf:"max_revisions"`
	IterationTimeout time.Duration `koanf:"iteration_timeout"`
	ArtifactTimeout  time.Duration `koanf:"artifact_timeout"`
}

// GatesConfig holds per-gate switches and settings.
type GatesConfig struct {
	Validity    ValidityConfig    `koanf:"validity"`
	Compliance  JudgeConfig       `koanf:"compliance"`
	Alignment   JudgeConfig       `koanf:"alignment"`
	Winnability WinnabilityConfig `koanf:"winnability"`
}

// ValidityConfig configures the execution-validity gate.
type ValidityConfig struct {
	Interpreter string        `koanf:"interpreter"`
	Args        []string      `koanf:"args"`
	Timeout     time.Duration `koanf:"timeout"`
	// AliveWindow treats a program still running after this long as runnable.
	// Zero requires the program to exit 0.
	AliveWindow time.Duration `koanf:"alive_window"`
	KillGrace   time.Duration `koanf:"kill_grace"`
	ErrorLines  int           `koanf:"error_lines"`
}

// JudgeConfig configures an LLM-backed judging gate.
type JudgeConfig struct {
	Enabled bool   `koanf:"enabled"`
	Model   string `koanf:"model"` // empty reuses generation.model
}

// WinnabilityConfig configures the interactive-winnability probe.
type WinnabilityConfig struct {
	Enabled bool          `koanf:"enabled"`
	Command []string      `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
}

// StagnationConfig holds the non-progress and regression thresholds.
type StagnationConfig struct {
	DetectUnchanged bool    `koanf:"detect_unchanged"`
	ShrinkRatio     float64 `koanf:"shrink_ratio"` // 0 disables the regression check
}

// FeedbackConfig controls repair prompt rendering.
type FeedbackConfig struct {
	IncludeReference   bool `koanf:"include_reference"`
	MaxTranscriptChars int  `koanf:"max_transcript_chars"`
}

// GenerationConfig configures the generation service client.
type GenerationConfig struct {
	BaseURL      string  `koanf:"base_url"`
	Model        string  `koanf:"model"`
	APIKey       Secret  `koanf:"api_key"`
	MaxTokens    int     `koanf:"max_tokens"`
	Temperature  float64 `koanf:"temperature"`
	RateLimit    float64 `koanf:"rate_limit"` // requests per second
	Burst        int     `koanf:"burst"`
	MaxRetries   int     `koanf:"max_retries"`
	ScrubSecrets bool    `koanf:"scrub_secrets"`
	Allowlist    string  `koanf:"allowlist"` // optional TOML allowlist for the scrubber
}

// StoreConfig configures the Result Store.
type StoreConfig struct {
	Path     string        `koanf:"path"` // defaults to <output_dir>/results.json
	LockWait time.Duration `koanf:"lock_wait"`
	LockPoll time.Duration `koanf:"lock_poll"`
}

// EventsConfig configures the optional NATS progress stream.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig configures the optional status endpoint.
type ServerConfig struct {
	StatusAddr      string        `koanf:"status_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	ServiceName     string `koanf:"service_name"`
	Insecure        bool   `koanf:"insecure"`
}

// Default returns a configuration with the reference defaults.
func Default() Config {
	return Config{
		Run: RunConfig{
			SourceDir:        "programs",
			Extensions:       []string{".py"},
			OutputDir:        "out",
			Workers:          1,
			MaxRevisions:     5,
			IterationTimeout: 60 * time.Second,
			ArtifactTimeout:  30 * time.Minute,
		},
		Gates: GatesConfig{
			Validity: ValidityConfig{
				Interpreter: "python3",
				Timeout:     30 * time.Second,
				KillGrace:   2 * time.Second,
				ErrorLines:  20,
			},
			Winnability: WinnabilityConfig{
				Timeout: 120 * time.Second,
			},
		},
		Stagnation: StagnationConfig{
			DetectUnchanged: true,
			ShrinkRatio:     0.5,
		},
		Feedback: FeedbackConfig{
			MaxTranscriptChars: 4000,
		},
		Generation: GenerationConfig{
			Model:        "gpt-4o-mini",
			MaxTokens:    8192,
			Temperature:  0.2,
			RateLimit:    1,
			Burst:        2,
			MaxRetries:   3,
			ScrubSecrets: true,
		},
		Store: StoreConfig{
			LockWait: 30 * time.Second,
			LockPoll: 50 * time.Millisecond,
		},
		Events: EventsConfig{
			SubjectPrefix: "refine",
		},
		Server: ServerConfig{
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "refine",
			Insecure:    true,
		},
	}
}

// StorePath returns the effective Result Store location.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Run.OutputDir, "results.json")
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Run.SourceDir == "" && c.Run.Manifest == "" {
		return errors.New("run.source_dir or run.manifest is required")
	}
	if c.Run.OutputDir == "" {
		return errors.New("run.output_dir is required")
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be >= 1, got %d", c.Run.Workers)
	}
	if c.Run.MaxRevisions < 0 {
		return fmt.Errorf("run.max_revisions must be >= 0, got %d", c.Run.MaxRevisions)
	}
	if c.Run.IterationTimeout < 0 || c.Run.ArtifactTimeout < 0 {
		return errors.New("run timeouts cannot be negative")
	}
	if c.Gates.Validity.Interpreter == "" {
		return errors.New("gates.validity.interpreter is required")
	}
	if c.Gates.Validity.Timeout <= 0 {
		return errors.New("gates.validity.timeout must be positive")
	}
	if c.Gates.Winnability.Enabled && len(c.Gates.Winnability.Command) == 0 {
		return errors.New("gates.winnability.command is required when winnability is enabled")
	}
	if c.Stagnation.ShrinkRatio < 0 || c.Stagnation.ShrinkRatio > 1 {
		return fmt.Errorf("stagnation.shrink_ratio must be within [0,1], got %v", c.Stagnation.ShrinkRatio)
	}
	if c.Generation.RateLimit < 0 || c.Generation.MaxRetries < 0 {
		return errors.New("generation.rate_limit and generation.max_retries cannot be negative")
	}
	if c.Store.LockPoll <= 0 {
		return errors.New("store.lock_poll must be positive")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
