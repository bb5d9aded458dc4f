package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
)

// ExecutionResult contains the result of one agent session
type ExecutionResult struct {
	Success  bool
	Output   string
	Error    error
	Duration time.Duration
}

// ClaudeAgent runs sessions with the Claude Code CLI in print mode
type ClaudeAgent struct {
	claudePath string
	timeout    time.Duration
	verbose    bool
	stream     bool
}

// NewClaudeAgent creates a new Claude Code runner
func NewClaudeAgent(claudePath string, timeout time.Duration) *ClaudeAgent {
	return &ClaudeAgent{
		claudePath: claudePath,
		timeout:    timeout,
	}
}

// SetVerbose enables or disables verbose logging
func (a *ClaudeAgent) SetVerbose(v bool) {
	a.verbose = v
}

// SetStream enables copying agent stdout/stderr to the terminal
func (a *ClaudeAgent) SetStream(s bool) {
	a.stream = s
}

// Run executes one session. Failures carry the tail of the output so the
// retry classifier can see rate-limit and authentication messages.
func (a *ClaudeAgent) Run(ctx context.Context, dir, role, prompt string) *ExecutionResult {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartAgentSpan(ctx, AgentTypeClaude, role)
	defer span.End()

	if a.verbose {
		log.Printf("🤖 Sending %s prompt to Claude (length: %d chars)", role, len(prompt))
		log.Printf("📝 Prompt preview: %s", truncateString(prompt, 200))
	}

	// --dangerously-skip-permissions keeps print mode from hanging on prompts
	cmd := exec.CommandContext(ctx, a.claudePath, "-p", prompt,
		"--output-format", "json",
		"--dangerously-skip-permissions")
	cmd.Dir = dir
	// Grandchildren can hold the output pipes open after a timeout kill
	cmd.WaitDelay = 5 * time.Second

	var outputBuf, errBuf strings.Builder
	if a.stream {
		cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
		cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)
	} else {
		cmd.Stdout = &outputBuf
		cmd.Stderr = &errBuf
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	fullOutput := outputBuf.String() + errBuf.String()

	if err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if a.verbose {
			log.Printf("❌ Claude (%s) exited with code %d after %v", role, exitCode, duration)
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("claude %s timed out after %v", role, duration.Round(time.Second))
			telemetry.RecordError(span, err, "TimeoutError", telemetry.ErrorCategoryTimeout)
			return &ExecutionResult{Output: fullOutput, Error: err, Duration: duration}
		}

		err = fmt.Errorf("claude %s failed after %v: %w: %s", role, duration.Round(time.Second), err, tail(fullOutput, 500))
		telemetry.RecordError(span, err, "ExecutionError", telemetry.ErrorCategoryAgent)
		return &ExecutionResult{Output: fullOutput, Error: err, Duration: duration}
	}

	if a.verbose {
		log.Printf("✅ Claude (%s) completed in %v", role, duration.Round(time.Second))
	}

	return &ExecutionResult{
		Success:  true,
		Output:   outputBuf.String(),
		Duration: duration,
	}
}

// CheckInstalled verifies Claude Code is available
func (a *ClaudeAgent) CheckInstalled() error {
	cmd := exec.Command(a.claudePath, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude not found at %s: %w\n%s", a.claudePath, err, output)
	}
	return nil
}

// truncateString truncates a string to a maximum length for logging
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
