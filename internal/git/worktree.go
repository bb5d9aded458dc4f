package git

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloud-shuttle/wrangler/internal/tracker"
	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Repository is the gateway plus the housekeeping commands the workspace
// manager needs for sweeping and auto-commit
type Repository interface {
	Gateway
	RepoDir() string
	Prune(ctx context.Context) Result
	ListWorkspaces(ctx context.Context) ([]string, error)
	ListBranches(ctx context.Context, pattern string) ([]string, error)
	CommitAll(ctx context.Context, dir, message string) (bool, error)
}

// Recorder persists workspace lifecycle so leftovers can be found later
type Recorder interface {
	RecordWorktree(taskID, runID, path, branch string) error
	DeleteWorktree(taskID, runID string) error
}

// Naming derives branch names and sibling worktree paths
type Naming struct {
	Prefix     string // e.g. "wrangler"
	IsolateRun bool   // include the run ID in branch names
}

// Branch returns prefix/taskID or prefix/runID/taskID
func (n Naming) Branch(runID, taskID string) string {
	if n.IsolateRun && runID != "" {
		return fmt.Sprintf("%s/%s/%s", n.Prefix, runID, taskID)
	}
	return fmt.Sprintf("%s/%s", n.Prefix, taskID)
}

// Path returns <parent-of-repo>/<prefix>-<runID>-<taskID>
func (n Naming) Path(repoDir, runID, taskID string) string {
	return filepath.Join(filepath.Dir(repoDir), fmt.Sprintf("%s-%s-%s", n.Prefix, runID, taskID))
}

// CreateFailure records a task whose workspace could not be created
type CreateFailure struct {
	TaskID string
	Err    error
}

// WorkspaceManager creates and tears down one isolated worktree + branch per task
type WorkspaceManager struct {
	repo     Repository
	repoDir  string
	naming   Naming
	recorder Recorder
	verbose  bool
}

// NewWorkspaceManager creates a workspace manager over repo
func NewWorkspaceManager(repo Repository, naming Naming) *WorkspaceManager {
	dir := repo.RepoDir()
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if naming.Prefix == "" {
		naming.Prefix = "wrangler"
	}
	return &WorkspaceManager{
		repo:    repo,
		repoDir: dir,
		naming:  naming,
	}
}

// SetVerbose enables or disables verbose logging
func (wm *WorkspaceManager) SetVerbose(v bool) {
	wm.verbose = v
}

// SetRecorder attaches a store that tracks live workspaces
func (wm *WorkspaceManager) SetRecorder(r Recorder) {
	wm.recorder = r
}

// Naming returns the naming scheme in use
func (wm *WorkspaceManager) Naming() Naming {
	return wm.naming
}

// CreateAll creates a branch and worktree for each task, one at a time.
// A task that fails is reported in the failures and left out of the
// returned workspaces; the rest of the batch still proceeds.
func (wm *WorkspaceManager) CreateAll(ctx context.Context, taskIDs []string, runID, baseBranch string) ([]types.Workspace, []CreateFailure) {
	var (
		created  []types.Workspace
		failures []CreateFailure
		seen     = make(map[string]bool, len(taskIDs))
	)

	for _, taskID := range taskIDs {
		if seen[taskID] {
			failures = append(failures, CreateFailure{TaskID: taskID, Err: fmt.Errorf("duplicate task %s in batch", taskID)})
			continue
		}
		seen[taskID] = true

		ws, err := wm.create(ctx, taskID, runID, baseBranch)
		if err != nil {
			log.Printf("❌ Workspace for %s not created: %v", taskID, err)
			failures = append(failures, CreateFailure{TaskID: taskID, Err: err})
			continue
		}
		created = append(created, ws)
	}

	return created, failures
}

func (wm *WorkspaceManager) create(ctx context.Context, taskID, runID, baseBranch string) (types.Workspace, error) {
	if err := tracker.ValidateID(taskID); err != nil {
		return types.Workspace{}, err
	}
	if err := tracker.ValidateID(runID); err != nil {
		return types.Workspace{}, fmt.Errorf("run: %w", err)
	}

	ws := types.Workspace{
		TaskID: taskID,
		RunID:  runID,
		Branch: wm.naming.Branch(runID, taskID),
		Path:   wm.naming.Path(wm.repoDir, runID, taskID),
	}

	_, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeCreate, ws.Path,
		telemetry.WorkspaceAttrs(ws.TaskID, ws.RunID, ws.Branch)...)
	defer span.End()

	// Leftovers from an interrupted run would make both commands fail
	wm.removeStale(ctx, ws)

	if res := wm.repo.CreateBranch(ctx, ws.Branch, baseBranch); !res.OK {
		err := res.Err("creating branch " + ws.Branch)
		telemetry.RecordError(span, err, "BranchCreationFailed", telemetry.ErrorCategoryGit)
		return types.Workspace{}, err
	}

	if res := wm.repo.CreateWorkspace(ctx, ws.Path, ws.Branch); !res.OK {
		err := res.Err("creating worktree " + ws.Path)
		if rb := wm.repo.DeleteBranch(ctx, ws.Branch, true); !rb.OK {
			err = fmt.Errorf("%w (rollback of branch failed: %s)", err, strings.TrimSpace(rb.Output))
		}
		// git may leave a partial directory behind
		_ = os.RemoveAll(ws.Path)
		telemetry.RecordError(span, err, "WorktreeCreationFailed", telemetry.ErrorCategoryWorktree)
		return types.Workspace{}, err
	}

	ws.Created = true
	if wm.recorder != nil {
		if err := wm.recorder.RecordWorktree(ws.TaskID, ws.RunID, ws.Path, ws.Branch); err != nil {
			log.Printf("⚠️  Failed to record worktree %s: %v", ws.Path, err)
		}
	}
	if wm.verbose {
		log.Printf("🌿 Created worktree %s on %s", ws.Path, ws.Branch)
	}
	return ws, nil
}

// removeStale clears a worktree or branch left at this task's names
func (wm *WorkspaceManager) removeStale(ctx context.Context, ws types.Workspace) {
	if _, err := os.Stat(ws.Path); err == nil {
		wm.repo.RemoveWorkspace(ctx, ws.Path, true)
		_ = os.RemoveAll(ws.Path)
		wm.repo.Prune(ctx)
		if wm.verbose {
			log.Printf("🧹 Removed stale worktree %s", ws.Path)
		}
	}
	if wm.repo.BranchExists(ctx, ws.Branch) {
		wm.repo.DeleteBranch(ctx, ws.Branch, true)
		if wm.verbose {
			log.Printf("🧹 Removed stale branch %s", ws.Branch)
		}
	}
}

// CleanupAll force-removes every worktree and then its branch. Failures
// are logged and never returned; calling it again on the same list is a no-op.
func (wm *WorkspaceManager) CleanupAll(ctx context.Context, workspaces []types.Workspace) {
	// Cleanup must run even when the iteration context was cancelled
	ctx = context.WithoutCancel(ctx)

	for _, ws := range workspaces {
		wm.cleanup(ctx, ws)
	}
	wm.repo.Prune(ctx)
}

func (wm *WorkspaceManager) cleanup(ctx context.Context, ws types.Workspace) {
	_, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeCleanup, ws.Path,
		telemetry.WorkspaceAttrs(ws.TaskID, ws.RunID, ws.Branch)...)
	defer span.End()

	if res := wm.repo.RemoveWorkspace(ctx, ws.Path, true); !res.OK && !isMissingWorktree(res.Output) {
		log.Printf("⚠️  Failed to remove worktree %s: %s", ws.Path, strings.TrimSpace(res.Output))
		telemetry.RecordError(span, res.Err("removing worktree"), "WorktreeRemovalFailed", telemetry.ErrorCategoryWorktree)
	}
	if _, err := os.Stat(ws.Path); err == nil {
		if err := os.RemoveAll(ws.Path); err != nil {
			log.Printf("⚠️  Failed to delete directory %s: %v", ws.Path, err)
		}
	}

	if res := wm.repo.DeleteBranch(ctx, ws.Branch, true); !res.OK && !isMissingBranch(res.Output) {
		log.Printf("⚠️  Failed to delete branch %s: %s", ws.Branch, strings.TrimSpace(res.Output))
		telemetry.RecordError(span, res.Err("deleting branch"), "BranchDeletionFailed", telemetry.ErrorCategoryGit)
	}

	if wm.recorder != nil {
		if err := wm.recorder.DeleteWorktree(ws.TaskID, ws.RunID); err != nil {
			log.Printf("⚠️  Failed to drop worktree record %s: %v", ws.TaskID, err)
		}
	}
}

// CommitPending commits work a worker left uncommitted in its worktree
func (wm *WorkspaceManager) CommitPending(ctx context.Context, ws types.Workspace, message string) (bool, error) {
	committed, err := wm.repo.CommitAll(ctx, ws.Path, message)
	if err != nil {
		return false, fmt.Errorf("auto-committing %s: %w", ws.TaskID, err)
	}
	if committed && wm.verbose {
		log.Printf("📝 Auto-committed uncommitted work for %s", ws.TaskID)
	}
	return committed, nil
}

// SweepAbandoned removes worktrees and branches in this manager's namespace
// left behind by interrupted iterations. Branches named in keep survive.
// Returns the number of worktrees and branches removed.
func (wm *WorkspaceManager) SweepAbandoned(ctx context.Context, keep ...string) int {
	removed := 0
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}

	paths, err := wm.repo.ListWorkspaces(ctx)
	if err != nil {
		log.Printf("⚠️  Could not list worktrees for sweep: %v", err)
	}
	parent := filepath.Dir(wm.repoDir)
	for _, p := range paths {
		if filepath.Dir(p) != parent || !strings.HasPrefix(filepath.Base(p), wm.naming.Prefix+"-") {
			continue
		}
		wm.repo.RemoveWorkspace(ctx, p, true)
		_ = os.RemoveAll(p)
		removed++
		log.Printf("🧹 Cleaning up abandoned worktree: %s", p)
	}
	wm.repo.Prune(ctx)

	branches, err := wm.repo.ListBranches(ctx, wm.naming.Prefix+"/*")
	if err != nil {
		log.Printf("⚠️  Could not list branches for sweep: %v", err)
	}
	for _, b := range branches {
		if keepSet[b] {
			continue
		}
		if res := wm.repo.DeleteBranch(ctx, b, true); res.OK {
			removed++
			log.Printf("🧹 Cleaning up abandoned branch: %s", b)
		} else {
			log.Printf("⚠️  Could not delete abandoned branch %s: %s", b, strings.TrimSpace(res.Output))
		}
	}

	return removed
}

func isMissingWorktree(output string) bool {
	return strings.Contains(output, "is not a working tree") ||
		strings.Contains(output, "Not a worktree") ||
		strings.Contains(output, "No such file or directory") ||
		strings.Contains(output, "does not exist")
}

func isMissingBranch(output string) bool {
	return strings.Contains(output, "not found")
}
