package db

import (
	"fmt"
	"time"
)

// Worktree status values
const (
	WorktreeActive  = "active"
	WorktreeMerged  = "merged"
	WorktreeFailed  = "failed"
	WorktreeRemoved = "removed"
)

// WorktreeInfo represents a recorded task workspace
type WorktreeInfo struct {
	TaskID    string
	RunID     string
	Path      string
	Branch    string
	CreatedAt int64
	Status    string
}

// RecordWorktree records a newly created workspace. Re-recording the same
// task in the same run replaces the stale row.
func (s *Store) RecordWorktree(taskID, runID, path, branch string) error {
	_, err := s.DB.Exec(`
		INSERT OR REPLACE INTO worktrees (task_id, run_id, path, branch, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, taskID, runID, path, branch, time.Now().Unix(), WorktreeActive)
	if err != nil {
		return fmt.Errorf("creating worktree record: %w", err)
	}
	return nil
}

// UpdateWorktreeStatus updates the status of a workspace
func (s *Store) UpdateWorktreeStatus(taskID, runID, status string) error {
	_, err := s.DB.Exec(`
		UPDATE worktrees SET status = ? WHERE task_id = ? AND run_id = ?
	`, status, taskID, runID)
	if err != nil {
		return fmt.Errorf("updating worktree status: %w", err)
	}
	return nil
}

// DeleteWorktree removes a workspace record
func (s *Store) DeleteWorktree(taskID, runID string) error {
	_, err := s.DB.Exec(`
		DELETE FROM worktrees WHERE task_id = ? AND run_id = ?
	`, taskID, runID)
	if err != nil {
		return fmt.Errorf("deleting worktree record: %w", err)
	}
	return nil
}

// ListWorktrees returns recorded workspaces, oldest first. An empty runID
// lists every run.
func (s *Store) ListWorktrees(runID string) ([]*WorktreeInfo, error) {
	query := `SELECT task_id, run_id, path, branch, created_at, COALESCE(status, '') FROM worktrees`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at ASC, task_id ASC`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying worktrees: %w", err)
	}
	defer rows.Close()

	var worktrees []*WorktreeInfo
	for rows.Next() {
		var w WorktreeInfo
		if err := rows.Scan(&w.TaskID, &w.RunID, &w.Path, &w.Branch, &w.CreatedAt, &w.Status); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		worktrees = append(worktrees, &w)
	}
	return worktrees, rows.Err()
}
