// Package project provides per-project configuration management
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/wrangler/internal/config"
)

// FileName is the project configuration file at the repository root
const FileName = ".wrangler.toml"

// Config holds per-project Wrangler configuration. Zero values mean
// "not set" and leave the environment/default value in place.
type Config struct {
	// Agent configuration
	Agent       string        `toml:"agent"`
	MaxWorkers  int           `toml:"max_workers"`
	TaskTimeout time.Duration `toml:"task_timeout"`

	// Loop settings
	MaxIterations    int  `toml:"max_iterations"`
	RetryAttempts    int  `toml:"retry_attempts"`
	ResolutionRounds *int `toml:"resolution_rounds"` // pointer so 0 can disable

	// Git settings
	BranchPrefix string `toml:"branch_prefix"`

	// Specialists to run after each iteration
	Specialists []string `toml:"specialists"`

	// Project-specific guidelines
	Guidelines string `toml:"guidelines"`

	// Event notifications
	Webhooks []Webhook `toml:"webhooks"`

	// File path where this config was loaded
	configPath string
}

// Webhook is a [[webhooks]] table
type Webhook struct {
	URL    string   `toml:"url"`
	Secret string   `toml:"secret,omitempty"`
	Events []string `toml:"events,omitempty"`
}

// DefaultConfig returns the configuration written by `wrangler init`
func DefaultConfig() *Config {
	rounds := 1
	return &Config{
		Agent:            "claude",
		MaxWorkers:       3,
		TaskTimeout:      60 * time.Minute,
		MaxIterations:    50,
		RetryAttempts:    3,
		ResolutionRounds: &rounds,
		BranchPrefix:     "wrangler",
		Specialists:      []string{"code_reviewer"},
	}
}

// Load loads the project configuration from the project directory.
// A missing file yields an empty config that changes nothing on merge.
func Load(projectDir string) (*Config, error) {
	cfg := &Config{configPath: filepath.Join(projectDir, FileName)}

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfg.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", cfg.configPath, err)
	}
	return cfg, nil
}

// SetPath sets where Save writes
func (c *Config) SetPath(projectDir string) {
	c.configPath = filepath.Join(projectDir, FileName)
}

// Save saves the configuration to .wrangler.toml
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Validate checks that set values are within range
func (c *Config) Validate() error {
	if c.MaxWorkers < 0 || c.MaxWorkers > 20 {
		return fmt.Errorf("max_workers must be between 1 and 20")
	}
	if c.TaskTimeout != 0 && (c.TaskTimeout < time.Minute || c.TaskTimeout > 4*time.Hour) {
		return fmt.Errorf("task_timeout must be between 1m and 4h")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations cannot be negative")
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > 10 {
		return fmt.Errorf("retry_attempts must be between 1 and 10")
	}
	if c.ResolutionRounds != nil && (*c.ResolutionRounds < 0 || *c.ResolutionRounds > 5) {
		return fmt.Errorf("resolution_rounds must be between 0 and 5")
	}
	if c.Agent != "" && c.Agent != "claude" {
		return fmt.Errorf("unknown agent type: %s (valid: claude)", c.Agent)
	}
	for _, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("webhook url %q must be http or https", w.URL)
		}
	}
	if strings.ContainsAny(c.BranchPrefix, " /~^:?*[\\") {
		return fmt.Errorf("branch_prefix %q is not a valid ref component", c.BranchPrefix)
	}
	return nil
}

// MergeInto applies the values set in the project file onto cfg.
// Environment variables win: a value is only applied when the matching
// WRANGLER_* variable is unset.
func (c *Config) MergeInto(cfg *config.Config) {
	unset := func(env string) bool { return os.Getenv(env) == "" }

	if c.Agent != "" && unset("WRANGLER_AGENT_TYPE") {
		cfg.AgentType = c.Agent
	}
	if c.MaxWorkers > 0 && unset("WRANGLER_WORKERS") {
		cfg.Workers = c.MaxWorkers
	}
	if c.TaskTimeout > 0 && unset("WRANGLER_TASK_TIMEOUT") {
		cfg.TaskTimeout = c.TaskTimeout
	}
	if c.MaxIterations > 0 && unset("WRANGLER_MAX_ITERATIONS") {
		cfg.MaxIterations = c.MaxIterations
	}
	if c.RetryAttempts > 0 && unset("WRANGLER_RETRY_ATTEMPTS") {
		cfg.RetryAttempts = c.RetryAttempts
	}
	if c.ResolutionRounds != nil && unset("WRANGLER_RESOLUTION_ROUNDS") {
		cfg.ResolutionRounds = *c.ResolutionRounds
	}
	if c.BranchPrefix != "" && unset("WRANGLER_BRANCH_PREFIX") {
		cfg.BranchPrefix = c.BranchPrefix
	}
	if len(c.Specialists) > 0 {
		cfg.Specialists = c.Specialists
	}
	for _, w := range c.Webhooks {
		cfg.Webhooks = append(cfg.Webhooks, config.Webhook{URL: w.URL, Secret: w.Secret, Events: w.Events})
	}
	if g := c.GetGuidelines(); g != "" {
		cfg.Guidelines = g
	}
}

// GetGuidelines returns the project guidelines formatted for prompt inclusion
func (c *Config) GetGuidelines() string {
	return strings.TrimSpace(c.Guidelines)
}
