// Package executor runs coding agents for each loop role: planner,
// executor workers, verifier, conflict resolver and specialists
package executor

import (
	"context"
	"fmt"
	"time"
)

// Agent types
const (
	AgentTypeClaude = "claude"
)

// Runner runs one agent session in a directory and returns its transcript
type Runner interface {
	// Run executes prompt with dir as the working directory. role names
	// the loop role for logging and telemetry.
	Run(ctx context.Context, dir, role, prompt string) *ExecutionResult

	// CheckInstalled verifies the agent CLI is available
	CheckInstalled() error

	// SetVerbose enables or disables verbose logging
	SetVerbose(bool)
}

// AgentConfig contains configuration for creating an agent runner
type AgentConfig struct {
	// Type is the agent type; only "claude" is supported
	Type string

	// Path is the path to the agent binary
	Path string

	// Timeout bounds a single agent session
	Timeout time.Duration

	// Stream copies agent output to the terminal while it runs
	Stream bool

	Verbose bool
}

// NewAgent creates a Runner from the configuration
func NewAgent(cfg *AgentConfig) (Runner, error) {
	var agent Runner

	switch cfg.Type {
	case AgentTypeClaude, "":
		path := cfg.Path
		if path == "" {
			path = "claude"
		}
		claude := NewClaudeAgent(path, cfg.Timeout)
		claude.SetStream(cfg.Stream)
		agent = claude
	default:
		return nil, fmt.Errorf("unsupported agent type %q", cfg.Type)
	}

	if cfg.Verbose {
		agent.SetVerbose(true)
	}
	return agent, nil
}
