// Package config loads the gyoshu.yaml project configuration. Decoding is
// strict: unknown fields are errors, so a typoed budget key fails loudly
// instead of silently running unbounded.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/boshu2/gyoshu/internal/dbglog"
)

// FileName is the project config file looked up at the project root.
const FileName = "gyoshu.yaml"

// QueueConfig tunes the parallel job queue. Pointers distinguish unset
// from explicit zero.
type QueueConfig struct {
	MaxJobAttempts      *int `json:"max_job_attempts,omitempty" yaml:"max_job_attempts,omitempty"`
	StaleClaimMS        *int `json:"stale_claim_ms,omitempty" yaml:"stale_claim_ms,omitempty"`
	HeartbeatIntervalMS *int `json:"heartbeat_interval_ms,omitempty" yaml:"heartbeat_interval_ms,omitempty"`
}

// LoopConfig bounds auto-loop executions.
type LoopConfig struct {
	MaxIterations  *int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxCycles      *int `json:"max_cycles,omitempty" yaml:"max_cycles,omitempty"`
	MaxToolCalls   *int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
	MaxTimeMinutes *int `json:"max_time_minutes,omitempty" yaml:"max_time_minutes,omitempty"`
	MaxAttempts    *int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// BridgeConfig tunes bridge session hygiene.
type BridgeConfig struct {
	IdleThresholdMinutes *int `json:"idle_threshold_minutes,omitempty" yaml:"idle_threshold_minutes,omitempty"`
	SweepIntervalMinutes *int `json:"sweep_interval_minutes,omitempty" yaml:"sweep_interval_minutes,omitempty"`
}

// GateConfig tunes the report readiness gate.
type GateConfig struct {
	PassThreshold *int `json:"pass_threshold,omitempty" yaml:"pass_threshold,omitempty"`
}

// File is the on-disk configuration document.
type File struct {
	Version     int    `json:"version" yaml:"version"`
	ProjectRoot string `json:"project_root,omitempty" yaml:"project_root,omitempty"`
	RuntimeDir  string `json:"runtime_dir,omitempty" yaml:"runtime_dir,omitempty"`

	Queue  QueueConfig  `json:"queue,omitempty" yaml:"queue,omitempty"`
	Loop   LoopConfig   `json:"loop,omitempty" yaml:"loop,omitempty"`
	Bridge BridgeConfig `json:"bridge,omitempty" yaml:"bridge,omitempty"`
	Gate   GateConfig   `json:"gate,omitempty" yaml:"gate,omitempty"`
}

// Load reads, decodes, defaults, and validates a config file. JSON is
// accepted for generated configs; everything else decodes as YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadProject resolves configuration for a project root: .env first (so
// env overrides see it), then gyoshu.yaml when present, else defaults.
func LoadProject(projectRoot string) (*File, error) {
	if err := godotenv.Load(filepath.Join(projectRoot, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		dbglog.Ignored("config: load .env", err)
	}
	path := filepath.Join(projectRoot, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := &File{Version: 1, ProjectRoot: projectRoot}
		applyDefaults(cfg)
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = projectRoot
	}
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	setDefault(&cfg.Queue.MaxJobAttempts, 3)
	setDefault(&cfg.Queue.StaleClaimMS, 120000)
	setDefault(&cfg.Queue.HeartbeatIntervalMS, 30000)
	setDefault(&cfg.Loop.MaxIterations, 10)
	setDefault(&cfg.Loop.MaxCycles, 10)
	setDefault(&cfg.Loop.MaxToolCalls, 500)
	setDefault(&cfg.Loop.MaxTimeMinutes, 120)
	setDefault(&cfg.Loop.MaxAttempts, 3)
	setDefault(&cfg.Bridge.IdleThresholdMinutes, 30)
	setDefault(&cfg.Bridge.SweepIntervalMinutes, 5)
	setDefault(&cfg.Gate.PassThreshold, 80)
}

func setDefault(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

// applyEnvOverrides lets operators pin a few knobs without editing the
// file. Values must parse as integers; garbage is logged and ignored.
func applyEnvOverrides(cfg *File) {
	overrideInt := func(env string, dst **int) {
		raw := strings.TrimSpace(os.Getenv(env))
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			dbglog.Printf("config: ignoring %s=%q: %v", env, raw, err)
			return
		}
		*dst = &v
	}
	overrideInt("GYOSHU_MAX_ITERATIONS", &cfg.Loop.MaxIterations)
	overrideInt("GYOSHU_MAX_TOOL_CALLS", &cfg.Loop.MaxToolCalls)
	overrideInt("GYOSHU_MAX_TIME_MINUTES", &cfg.Loop.MaxTimeMinutes)
	overrideInt("GYOSHU_STALE_CLAIM_MS", &cfg.Queue.StaleClaimMS)
	if v := strings.TrimSpace(os.Getenv("GYOSHU_RUNTIME_DIR")); v != "" {
		cfg.RuntimeDir = v
	}
}

func validate(cfg *File) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	checks := []struct {
		name string
		v    *int
		min  int
	}{
		{"queue.max_job_attempts", cfg.Queue.MaxJobAttempts, 1},
		{"queue.stale_claim_ms", cfg.Queue.StaleClaimMS, 1},
		{"queue.heartbeat_interval_ms", cfg.Queue.HeartbeatIntervalMS, 1},
		{"loop.max_iterations", cfg.Loop.MaxIterations, 1},
		{"loop.max_cycles", cfg.Loop.MaxCycles, 1},
		{"loop.max_tool_calls", cfg.Loop.MaxToolCalls, 1},
		{"loop.max_time_minutes", cfg.Loop.MaxTimeMinutes, 1},
		{"loop.max_attempts", cfg.Loop.MaxAttempts, 1},
		{"bridge.idle_threshold_minutes", cfg.Bridge.IdleThresholdMinutes, 1},
		{"bridge.sweep_interval_minutes", cfg.Bridge.SweepIntervalMinutes, 1},
		{"gate.pass_threshold", cfg.Gate.PassThreshold, 0},
	}
	for _, c := range checks {
		if c.v != nil && *c.v < c.min {
			return fmt.Errorf("%s must be >= %d, got %d", c.name, c.min, *c.v)
		}
	}
	if cfg.Gate.PassThreshold != nil && *cfg.Gate.PassThreshold > 100 {
		return fmt.Errorf("gate.pass_threshold must be <= 100, got %d", *cfg.Gate.PassThreshold)
	}
	return nil
}
