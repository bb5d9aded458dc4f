// Package events provides real-time event streaming for iteration lifecycle events
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventIterationStarted is emitted when an iteration begins planning
	EventIterationStarted EventType = "iteration.started"
	// EventIterationCompleted is emitted when an iteration has been evaluated
	EventIterationCompleted EventType = "iteration.completed"
	// EventTaskCompleted is emitted when a worker reports its task completed
	EventTaskCompleted EventType = "task.completed"
	// EventTaskBlocked is emitted when a worker is blocked or fails
	EventTaskBlocked EventType = "task.blocked"
	// EventMergeFailed is emitted when a task branch could not be merged
	EventMergeFailed EventType = "merge.failed"
	// EventRunFinished is emitted once when the loop reaches a terminal state
	EventRunFinished EventType = "run.finished"
)

// Event represents a single loop lifecycle event
type Event struct {
	ID        string         `json:"id" db:"id"`
	Type      EventType      `json:"type" db:"type"`
	Timestamp int64          `json:"timestamp" db:"timestamp"`
	RunID     string         `json:"run_id" db:"run_id"`
	TaskID    string         `json:"task_id,omitempty" db:"task_id"`
	Data      map[string]any `json:"data,omitempty" db:"data"` // JSON encoded
}

// MarshalData converts the Data map to JSON for storage
func (e *Event) MarshalData() ([]byte, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Data)
}

// UnmarshalData parses JSON data into the Data map
func (e *Event) UnmarshalData(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &e.Data)
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, runID, taskID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		RunID:     runID,
		TaskID:    taskID,
		Data:      data,
	}
}

// EventFilter defines filters for querying events
type EventFilter struct {
	Types  []EventType `json:"types,omitempty"`
	RunID  string      `json:"run_id,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
	Since  int64       `json:"since,omitempty"` // Unix timestamp
	Limit  int         `json:"limit,omitempty"` // Max events to return
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		typeMatch := false
		for _, t := range f.Types {
			if event.Type == t {
				typeMatch = true
				break
			}
		}
		if !typeMatch {
			return false
		}
	}
	if f.RunID != "" && event.RunID != f.RunID {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}
	return true
}
