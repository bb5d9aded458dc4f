// Package git handles git branch and worktree operations for parallel task execution
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the outcome of a single git command: a success flag plus the
// raw combined output for diagnostics
type Result struct {
	OK     bool
	Output string
}

// Err converts a failed result into an error naming the operation
func (r Result) Err(op string) error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s: %s", op, strings.TrimSpace(r.Output))
}

// Gateway is the command surface over the version-control tool.
// Implementations perform no retries; callers must serialize operations
// that change the checked-out branch.
type Gateway interface {
	BranchExists(ctx context.Context, name string) bool
	CreateBranch(ctx context.Context, name, base string) Result
	DeleteBranch(ctx context.Context, name string, force bool) Result
	CreateWorkspace(ctx context.Context, path, branch string) Result
	RemoveWorkspace(ctx context.Context, path string, force bool) Result
	Checkout(ctx context.Context, branch string) Result
	Merge(ctx context.Context, branch string) Result
	AbortMerge(ctx context.Context) Result
	HasConflicts(ctx context.Context) (bool, []string)
}

// conflictCodes are the porcelain XY codes for unmerged paths
var conflictCodes = map[string]bool{
	"UU": true, "AA": true, "DD": true,
	"AU": true, "UA": true, "DU": true, "UD": true,
}

// CLI implements Gateway by shelling out to git in the repository root
type CLI struct {
	repoDir string
	gitPath string
}

// NewCLI creates a gateway rooted at repoDir
func NewCLI(repoDir string) *CLI {
	return &CLI{repoDir: repoDir, gitPath: "git"}
}

// RepoDir returns the repository root the gateway operates on
func (g *CLI) RepoDir() string {
	return g.repoDir
}

func (g *CLI) run(ctx context.Context, dir string, args ...string) Result {
	cmd := exec.CommandContext(ctx, g.gitPath, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return Result{OK: err == nil, Output: string(output)}
}

// BranchExists reports whether refs/heads/<name> resolves
func (g *CLI) BranchExists(ctx context.Context, name string) bool {
	return g.run(ctx, g.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+name).OK
}

// CreateBranch creates name at base, or at HEAD when base is empty
func (g *CLI) CreateBranch(ctx context.Context, name, base string) Result {
	if base == "" {
		base = "HEAD"
	}
	return g.run(ctx, g.repoDir, "branch", name, base)
}

// DeleteBranch deletes a branch; force uses -D
func (g *CLI) DeleteBranch(ctx context.Context, name string, force bool) Result {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return g.run(ctx, g.repoDir, "branch", flag, name)
}

// CreateWorkspace adds a worktree at path checked out on an existing branch
func (g *CLI) CreateWorkspace(ctx context.Context, path, branch string) Result {
	return g.run(ctx, g.repoDir, "worktree", "add", path, branch)
}

// RemoveWorkspace removes the worktree registered at path
func (g *CLI) RemoveWorkspace(ctx context.Context, path string, force bool) Result {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	return g.run(ctx, g.repoDir, append(args, path)...)
}

// Checkout switches the main checkout to branch
func (g *CLI) Checkout(ctx context.Context, branch string) Result {
	return g.run(ctx, g.repoDir, "checkout", branch)
}

// Merge merges branch into the currently checked-out branch
func (g *CLI) Merge(ctx context.Context, branch string) Result {
	return g.run(ctx, g.repoDir, "merge", "--no-edit", branch)
}

// AbortMerge abandons an in-progress merge
func (g *CLI) AbortMerge(ctx context.Context) Result {
	return g.run(ctx, g.repoDir, "merge", "--abort")
}

// HasConflicts reports unmerged paths in the main checkout
func (g *CLI) HasConflicts(ctx context.Context) (bool, []string) {
	res := g.run(ctx, g.repoDir, "status", "--porcelain")
	if !res.OK {
		return false, nil
	}
	files := parseConflicts(res.Output)
	return len(files) > 0, files
}

func parseConflicts(porcelain string) []string {
	var files []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		if conflictCodes[line[:2]] {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files
}

// ConcludeMerge commits an in-progress merge whose conflicts were resolved.
// Only tracked paths are staged; untracked files in the main checkout
// never enter the merge commit. It succeeds when there is nothing left to
// commit.
func (g *CLI) ConcludeMerge(ctx context.Context) Result {
	if res := g.run(ctx, g.repoDir, "add", "-u"); !res.OK {
		return res
	}
	res := g.run(ctx, g.repoDir, "commit", "--no-edit")
	if !res.OK && (strings.Contains(res.Output, "nothing to commit") ||
		strings.Contains(res.Output, "no changes added")) {
		return Result{OK: true, Output: res.Output}
	}
	return res
}

// CurrentBranch returns the branch checked out in the main repository
func (g *CLI) CurrentBranch(ctx context.Context) (string, error) {
	res := g.run(ctx, g.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if !res.OK {
		return "", res.Err("reading current branch")
	}
	return strings.TrimSpace(res.Output), nil
}

// Prune drops registrations of worktrees whose directories are gone
func (g *CLI) Prune(ctx context.Context) Result {
	return g.run(ctx, g.repoDir, "worktree", "prune")
}

// ListWorkspaces returns the paths of all registered worktrees
func (g *CLI) ListWorkspaces(ctx context.Context) ([]string, error) {
	res := g.run(ctx, g.repoDir, "worktree", "list", "--porcelain")
	if !res.OK {
		return nil, res.Err("listing worktrees")
	}
	var paths []string
	for _, line := range strings.Split(res.Output, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "worktree ")))
		}
	}
	return paths, nil
}

// ListBranches returns local branch names matching a glob pattern
func (g *CLI) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	res := g.run(ctx, g.repoDir, "branch", "--list", "--format=%(refname:short)", pattern)
	if !res.OK {
		return nil, res.Err("listing branches")
	}
	var branches []string
	for _, line := range strings.Split(res.Output, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

// HasUncommittedChanges reports whether dir has staged, unstaged or untracked changes
func (g *CLI) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "status", "--porcelain")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// CommitAll stages and commits every change in dir.
// Returns (hasChanges, error); a clean tree is not an error.
func (g *CLI) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	dirty, err := g.HasUncommittedChanges(ctx, dir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	if res := g.run(ctx, dir, "add", "-A"); !res.OK {
		return false, fmt.Errorf("staging changes: %s", res.Output)
	}

	res := g.run(ctx, dir, "commit", "-m", message)
	if !res.OK {
		// The tree can become clean between the status check and the commit
		if strings.Contains(res.Output, "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %s", res.Output)
	}
	return true, nil
}
