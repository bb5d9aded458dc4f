package db

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// runIDPattern matches run IDs like run-1a2b3c4d
var runIDPattern = regexp.MustCompile(`^run-[0-9a-f]{8}$`)

// workflowIDPattern matches per-iteration workflow IDs like:
//   - run-1a2b3c4d-iter-1
//   - run-1a2b3c4d-iter-12
var workflowIDPattern = regexp.MustCompile(`^(run-[0-9a-f]{8})-iter-(\d+)$`)

// NewRunID generates a run ID of the form run-<8 hex>
func NewRunID() string {
	return "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// IsRunID reports whether id looks like a generated run ID
func IsRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// WorkflowID returns the durable workflow ID for iteration n of a run.
// The same run and iteration always yield the same ID, so a restarted
// process resumes the recorded workflow instead of starting a new one.
func WorkflowID(runID string, n int) string {
	return fmt.Sprintf("%s-iter-%d", runID, n)
}

// ParseWorkflowID extracts the run ID and iteration number from a workflow ID
//
// Examples:
//
//	"run-1a2b3c4d-iter-3" -> ("run-1a2b3c4d", 3, nil)
//	"run-1a2b3c4d"        -> ("", 0, error)
func ParseWorkflowID(id string) (string, int, error) {
	m := workflowIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, fmt.Errorf("invalid workflow ID format: %s", id)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("invalid iteration in workflow ID: %s", id)
	}
	return m[1], n, nil
}
