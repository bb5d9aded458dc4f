// Package config handles Wrangler configuration
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloud-shuttle/wrangler/internal/merge"
	"github.com/cloud-shuttle/wrangler/internal/retry"
)

// StateDirName is the per-project state directory
const StateDirName = ".wrangler"

// Config holds Wrangler configuration
type Config struct {
	// Project directory (detected); every state path derives from it
	ProjectDir string

	// Loop settings
	Workers       int
	MaxIterations int
	TaskTimeout   time.Duration

	// Retry settings for planner and verifier calls
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Merge settings
	ResolutionRounds int

	// Git settings
	BranchPrefix string
	IsolateRun   bool

	// Agent settings
	AgentType string // only "claude" today
	AgentPath string // path to agent binary
	Stream    bool   // echo agent output to the terminal

	// Tracker CLI
	TrcPath string

	// Specialists to run after each iteration; empty means all
	Specialists []string

	// Project guidelines included in agent prompts
	Guidelines string

	// DBOS system database; when set iterations run as durable workflows
	DBOSURL string

	// Endpoints that receive loop events
	Webhooks []Webhook

	// Verbose mode for debugging
	Verbose bool
}

// Webhook is an HTTP endpoint loop events are posted to. Empty Events
// subscribes to all of them.
type Webhook struct {
	URL    string
	Secret string
	Events []string
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		Workers:          3,
		MaxIterations:    50,
		TaskTimeout:      60 * time.Minute,
		RetryAttempts:    retry.DefaultPolicy().MaxAttempts,
		RetryBaseDelay:   retry.DefaultPolicy().BaseDelay,
		RetryMaxDelay:    retry.DefaultPolicy().MaxDelay,
		ResolutionRounds: merge.DefaultPolicy().ResolutionRounds,
		BranchPrefix:     "wrangler",
		IsolateRun:       true,
		AgentType:        "claude",
		AgentPath:        "claude",
		TrcPath:          "trc",
	}

	// Environment overrides
	if v := os.Getenv("WRANGLER_WORKERS"); v != "" {
		cfg.Workers = parseIntOrDefault(v, cfg.Workers)
	}
	if v := os.Getenv("WRANGLER_MAX_ITERATIONS"); v != "" {
		cfg.MaxIterations = parseIntOrDefault(v, cfg.MaxIterations)
	}
	if v := os.Getenv("WRANGLER_TASK_TIMEOUT"); v != "" {
		cfg.TaskTimeout = parseDurationOrDefault(v, cfg.TaskTimeout)
	}
	if v := os.Getenv("WRANGLER_RETRY_ATTEMPTS"); v != "" {
		cfg.RetryAttempts = parseIntOrDefault(v, cfg.RetryAttempts)
	}
	if v := os.Getenv("WRANGLER_RETRY_BASE_DELAY"); v != "" {
		cfg.RetryBaseDelay = parseDurationOrDefault(v, cfg.RetryBaseDelay)
	}
	if v := os.Getenv("WRANGLER_RETRY_MAX_DELAY"); v != "" {
		cfg.RetryMaxDelay = parseDurationOrDefault(v, cfg.RetryMaxDelay)
	}
	if v := os.Getenv("WRANGLER_RESOLUTION_ROUNDS"); v != "" {
		cfg.ResolutionRounds = parseIntOrDefault(v, cfg.ResolutionRounds)
	}
	if v := os.Getenv("WRANGLER_BRANCH_PREFIX"); v != "" {
		cfg.BranchPrefix = v
	}
	if v := os.Getenv("WRANGLER_ISOLATE_RUN"); v != "" {
		cfg.IsolateRun = v == "true" || v == "1"
	}
	if v := os.Getenv("WRANGLER_AGENT_TYPE"); v != "" {
		cfg.AgentType = v
	}
	if v := os.Getenv("WRANGLER_AGENT_PATH"); v != "" {
		cfg.AgentPath = v
	}
	if v := os.Getenv("WRANGLER_STREAM"); v != "" {
		cfg.Stream = v == "true" || v == "1"
	}
	if v := os.Getenv("WRANGLER_TRC_PATH"); v != "" {
		cfg.TrcPath = v
	}
	if v := os.Getenv("DBOS_SYSTEM_DATABASE_URL"); v != "" {
		cfg.DBOSURL = v
	}
	if v := os.Getenv("WRANGLER_WEBHOOK_URL"); v != "" {
		cfg.Webhooks = append(cfg.Webhooks, Webhook{URL: v, Secret: os.Getenv("WRANGLER_WEBHOOK_SECRET")})
	}
	if v := os.Getenv("WRANGLER_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	return cfg, nil
}

// Validate rejects settings the loop cannot run with
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("invalid config: workers must be at least 1")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("invalid config: max iterations must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("invalid config: retry attempts must be at least 1")
	}
	if c.ResolutionRounds < 0 {
		return fmt.Errorf("invalid config: resolution rounds cannot be negative")
	}
	if c.BranchPrefix == "" {
		return fmt.Errorf("invalid config: branch prefix cannot be empty")
	}
	return nil
}

// RetryPolicy returns the retry policy for planner and verifier calls
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.RetryAttempts
	p.BaseDelay = c.RetryBaseDelay
	p.MaxDelay = c.RetryMaxDelay
	return p
}

// MergePolicy returns the conflict handling policy
func (c *Config) MergePolicy() merge.Policy {
	return merge.Policy{ResolutionRounds: c.ResolutionRounds}
}

// StateDir returns <project>/.wrangler
func (c *Config) StateDir() string {
	return filepath.Join(c.ProjectDir, StateDirName)
}

// DatabasePath returns the SQLite store location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir(), "wrangler.db")
}

// OutputsDir returns where agent transcripts are written
func (c *Config) OutputsDir() string {
	return filepath.Join(c.StateDir(), "outputs")
}

// SummariesDir returns where run summaries are written
func (c *Config) SummariesDir() string {
	return filepath.Join(c.StateDir(), "summaries")
}

// MemoryPath returns the project memory file curated by the planner
func (c *Config) MemoryPath() string {
	return filepath.Join(c.StateDir(), "memory.md")
}

// EnsureStateDir creates <projectDir>/.wrangler and a .gitignore inside it
// that hides the whole directory from git. An existing .gitignore is kept.
func EnsureStateDir(projectDir string) error {
	dir := filepath.Join(projectDir, StateDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", StateDirName, err)
	}
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte("*\n"), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetOperator returns the current operator name from environment or
// ~/.wrangler/config.json; it labels human inputs and tracker comments
func GetOperator() string {
	if v := os.Getenv("WRANGLER_OPERATOR"); v != "" {
		return v
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	data, err := os.ReadFile(filepath.Join(homeDir, StateDirName, "config.json"))
	if err != nil {
		return ""
	}

	var cfg struct {
		Operator string `json:"operator"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	return cfg.Operator
}
