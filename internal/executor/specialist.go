package executor

import (
	"context"
	"fmt"

	"github.com/cloud-shuttle/wrangler/internal/outcome"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Specialist reviews the integration branch from one angle and reports
// prioritized findings for the planner
type Specialist interface {
	Name() string
	// AllowedOperations lists the tools the specialist may use; specialists
	// are read-only
	AllowedOperations() []string
	Run(ctx context.Context, objective, memory string) ([]types.FeedbackItem, error)
}

// CodeReviewer reviews code quality and test coverage
type CodeReviewer struct {
	runner Runner
	dir    string
}

// NewCodeReviewer creates a reviewer for the repository at repoDir
func NewCodeReviewer(runner Runner, repoDir string) *CodeReviewer {
	return &CodeReviewer{runner: runner, dir: repoDir}
}

// Name implements Specialist
func (c *CodeReviewer) Name() string { return "code_reviewer" }

// AllowedOperations implements Specialist
func (c *CodeReviewer) AllowedOperations() []string {
	return []string{"Read", "Glob", "Grep", "Bash(git diff:*)", "Bash(git log:*)"}
}

// Run implements Specialist
func (c *CodeReviewer) Run(ctx context.Context, objective, memory string) ([]types.FeedbackItem, error) {
	res := c.runner.Run(ctx, c.dir, c.Name(), buildReviewerPrompt(c.Name(), objective, memory))
	if !res.Success {
		return nil, fmt.Errorf("running %s: %w", c.Name(), res.Error)
	}
	items, err := outcome.ParseFeedback(res.Output)
	if err != nil {
		return nil, fmt.Errorf("parsing %s output: %w", c.Name(), err)
	}
	return items, nil
}

// DefaultSpecialists returns the fixed specialist registry, optionally
// filtered by name. Unknown names are ignored.
func DefaultSpecialists(runner Runner, repoDir string, names ...string) []Specialist {
	all := []Specialist{
		NewCodeReviewer(runner, repoDir),
	}
	if len(names) == 0 {
		return all
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []Specialist
	for _, s := range all {
		if wanted[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}
