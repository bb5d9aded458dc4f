// Package types defines core data structures for Wrangler
package types

import "fmt"

// TaskStatus is the outcome a worker reports for one work item
type TaskStatus string

const (
	TaskStatusCompleted TaskStatus = "Completed"
	TaskStatusBlocked   TaskStatus = "Blocked"
	TaskStatusUncertain TaskStatus = "Uncertain"
)

// IsValid reports whether s is one of the known statuses
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusBlocked, TaskStatusUncertain:
		return true
	}
	return false
}

// Icon returns an emoji for log output
func (s TaskStatus) Icon() string {
	switch s {
	case TaskStatusCompleted:
		return "✅"
	case TaskStatusBlocked:
		return "🚫"
	default:
		return "❓"
	}
}

// WorkItem is one unit of work assigned by the planner for an iteration
type WorkItem struct {
	ID             string `json:"work_item_id"`
	Description    string `json:"description"`
	ExecutorNumber int    `json:"executor_number"`
}

// Workspace is an isolated worktree + branch owned by a single task for
// the duration of one iteration
type Workspace struct {
	TaskID  string `json:"task_id"`
	RunID   string `json:"run_id"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

// TaskOutcome is the structured result of a worker invocation.
// Infrastructure is set when the outcome was synthesized because the
// worker itself failed (error or panic) rather than reporting a status.
type TaskOutcome struct {
	TaskID          string     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	WorkCommitted   bool       `json:"work_committed"`
	WhatWasDone     string     `json:"what_was_done,omitempty"`
	Blockers        string     `json:"blockers,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	EfficiencyNotes string     `json:"efficiency_notes,omitempty"`
	TracesUpdated   bool       `json:"traces_updated,omitempty"`
	Infrastructure  bool       `json:"infrastructure,omitempty"`
}

// BlockedOutcome builds the synthetic outcome used when a worker fails
func BlockedOutcome(taskID string, err error) *TaskOutcome {
	return &TaskOutcome{
		TaskID:         taskID,
		Status:         TaskStatusBlocked,
		WhatWasDone:    "Worker failed before reporting an outcome",
		Blockers:       err.Error(),
		Infrastructure: true,
	}
}

// Summary renders the outcome as the short text fed back to the planner
func (o *TaskOutcome) Summary() string {
	s := fmt.Sprintf("Status: %s\nWhat was done: %s", o.Status, o.WhatWasDone)
	if o.Blockers != "" {
		s += "\nBlockers: " + o.Blockers
	}
	if o.Notes != "" {
		s += "\nNotes: " + o.Notes
	}
	return s
}

// ConflictInfo describes a failed merge of a task branch
type ConflictInfo struct {
	TaskID string   `json:"task_id"`
	Branch string   `json:"branch"`
	Target string   `json:"target"`
	Files  []string `json:"files,omitempty"`
	Output string   `json:"output,omitempty"`
}

// MergeResult is produced and consumed within one merge pass
type MergeResult struct {
	TaskID   string
	Success  bool
	Resolved bool // merged after a conflict-resolution round
	Conflict *ConflictInfo
	Err      error
}
