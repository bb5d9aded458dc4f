package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Wrangler-specific attributes
const (
	KeyRunID     = "wrangler.run.id"
	KeyIteration = "wrangler.iteration.number"
	KeyLoopState = "wrangler.loop.state"

	KeyTaskID    = "wrangler.task.id"
	KeyTaskState = "wrangler.task.state"

	KeyWorktreePath = "wrangler.worktree.path"
	KeyBranch       = "wrangler.git.branch"
	KeyTargetBranch = "wrangler.git.target"

	KeyAgentType = "wrangler.agent.type"
	KeyAgentRole = "wrangler.agent.role"

	KeyWorkerCount   = "wrangler.dispatch.workers"
	KeyErrorCategory = "wrangler.error.category"
	KeyErrorClass    = "wrangler.error.class"
)

// Error categories
const (
	ErrorCategoryAgent    = "agent"
	ErrorCategoryGit      = "git"
	ErrorCategoryWorktree = "worktree"
	ErrorCategoryDatabase = "database"
	ErrorCategoryTimeout  = "timeout"
	ErrorCategoryUnknown  = "unknown"
)

// WorkspaceAttrs returns attributes describing a task workspace
func WorkspaceAttrs(taskID, runID, branch string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, taskID),
		attribute.String(KeyRunID, runID),
		attribute.String(KeyBranch, branch),
	}
}
