package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the drover.yaml configuration file
type Config struct {
	WorkspaceRoot string    `yaml:"workspace_root"`
	DatabasePath  string    `yaml:"database_path"`
	WorkflowDir   string    `yaml:"workflow_dir"`
	Assistant     Assistant `yaml:"assistant"`
	Limits        Limits    `yaml:"limits"`
}

// Assistant describes how to invoke the external coding assistant
type Assistant struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args,omitempty"`
}

// Limits contains concurrency and timing policy
type Limits struct {
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	DefaultTimeoutS   int `yaml:"default_timeout_s"`
	KillGraceS        int `yaml:"kill_grace_s"`
	StuckThresholdS   int `yaml:"stuck_threshold_s"`
	SweepIntervalS    int `yaml:"sweep_interval_s"`
}

// Default returns a configuration with working defaults rooted at dir
func Default(dir string) *Config {
	return &Config{
		WorkspaceRoot: filepath.Join(dir, "workspaces"),
		DatabasePath:  filepath.Join(dir, "drover.db"),
		WorkflowDir:   filepath.Join(dir, "workflows"),
		Assistant: Assistant{
			Binary: "claude",
		},
		Limits: Limits{
			MaxConcurrentRuns: 4,
			DefaultTimeoutS:   1800,
			KillGraceS:        10,
			StuckThresholdS:   3600,
			SweepIntervalS:    300,
		},
	}
}

// Validate checks the configuration and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("configuration error: missing 'workspace_root'\n\nHint: set the directory where run workspaces are created:\n  workspace_root: ./workspaces")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("configuration error: missing 'database_path'\n\nHint: set the sqlite database location:\n  database_path: ./drover.db")
	}
	if c.Assistant.Binary == "" {
		return fmt.Errorf("configuration error: missing 'assistant.binary'\n\nHint: name the assistant executable:\n  assistant:\n    binary: claude")
	}
	if c.Limits.MaxConcurrentRuns < 1 {
		return fmt.Errorf("configuration error: 'limits.max_concurrent_runs' must be at least 1, got %d", c.Limits.MaxConcurrentRuns)
	}
	if c.Limits.KillGraceS < 1 {
		return fmt.Errorf("configuration error: 'limits.kill_grace_s' must be at least 1, got %d", c.Limits.KillGraceS)
	}
	return nil
}

// DefaultTimeout returns the per-run timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Limits.DefaultTimeoutS) * time.Second
}

// KillGrace returns the graceful-termination grace period
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Limits.KillGraceS) * time.Second
}

// StuckThreshold returns the staleness threshold for the recovery sweep
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Limits.StuckThresholdS) * time.Second
}

// SweepInterval returns the period between recovery sweeps
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Limits.SweepIntervalS) * time.Second
}

// LoadFromFile loads a configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a YAML file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
