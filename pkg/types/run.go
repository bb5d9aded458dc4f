package types

import "time"

// LoopState is the state of the iteration controller
type LoopState string

const (
	LoopRunning              LoopState = "running"
	LoopDone                 LoopState = "done"
	LoopStuck                LoopState = "stuck"
	LoopPaused               LoopState = "paused"
	LoopAborted              LoopState = "aborted"
	LoopMaxIterationsReached LoopState = "max_iterations_reached"
)

// IsTerminal reports whether the loop ends in this state
func (s LoopState) IsTerminal() bool {
	return s != LoopRunning
}

// RunStatus returns the persisted run status for a loop state
func (s LoopState) RunStatus() RunStatus {
	switch s {
	case LoopDone:
		return RunStatusCompleted
	case LoopStuck:
		return RunStatusStuck
	case LoopPaused:
		return RunStatusPaused
	case LoopAborted:
		return RunStatusAborted
	case LoopMaxIterationsReached:
		return RunStatusMaxIterations
	default:
		return RunStatusRunning
	}
}

// RunStatus is the status column of a run record
type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusStuck         RunStatus = "stuck"
	RunStatusPaused        RunStatus = "paused"
	RunStatusAborted       RunStatus = "aborted"
	RunStatusMaxIterations RunStatus = "max_iterations"
)

// Decision is a planner or verifier verdict
type Decision string

const (
	DecisionContinue Decision = "CONTINUE"
	DecisionDone     Decision = "DONE"
	DecisionStuck    Decision = "STUCK"
)

// IsValid reports whether d is a known decision
func (d Decision) IsValid() bool {
	return d == DecisionContinue || d == DecisionDone || d == DecisionStuck
}

// PlanResult is the planner's structured output
type PlanResult struct {
	Decision        Decision   `json:"decision"`
	Reason          string     `json:"reason"`
	Blocker         string     `json:"blocker,omitempty"`
	IterationIntent string     `json:"iteration_intent"`
	WorkItems       []WorkItem `json:"work_items,omitempty"`
	MemoryUpdates   string     `json:"memory_updates,omitempty"`
	Raw             string     `json:"-"`
}

// CriterionStatus is the verifier's judgment of one acceptance criterion
type CriterionStatus struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status"` // satisfied, not_satisfied, unverifiable
	Evidence  string `json:"evidence"`
}

// VerifyResult is the verifier's structured output
type VerifyResult struct {
	Outcome         Decision          `json:"outcome"`
	CriteriaStatus  []CriterionStatus `json:"criteria_status"`
	Gaps            []string          `json:"gaps,omitempty"`
	Blocker         string            `json:"blocker,omitempty"`
	EfficiencyNotes string            `json:"efficiency_notes,omitempty"`
	Raw             string            `json:"-"`
}

// Priority ranks specialist feedback, P0 being most urgent
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// FeedbackItem is one finding from a specialist
type FeedbackItem struct {
	Priority   Priority `json:"priority"`
	Location   string   `json:"location"`
	Issue      string   `json:"issue"`
	Impact     string   `json:"impact"`
	Suggestion string   `json:"suggestion"`
}

// String formats the item for planner context
func (f FeedbackItem) String() string {
	return "[" + string(f.Priority) + "] " + f.Location + ": " + f.Issue + " -> " + f.Suggestion
}

// Run is a persisted run record
type Run struct {
	ID                string
	ObjectivePath     string
	Objective         string
	Status            RunStatus
	Config            map[string]any
	StartedAt         time.Time
	EndedAt           *time.Time
	RootWorkItemID    string
	IntegrationBranch string
}

// Iteration is a persisted iteration record
type Iteration struct {
	ID        int64
	RunID     string
	Number    int
	Intent    string
	Outcome   string
	StartedAt time.Time
	EndedAt   *time.Time
}

// AgentOutput references an agent transcript saved on disk
type AgentOutput struct {
	ID            int64
	IterationID   int64
	AgentType     string
	RawOutputPath string
	Summary       string
}

// HumanInputType is the kind of out-of-band control signal
type HumanInputType string

const (
	HumanInputComment HumanInputType = "comment"
	HumanInputPause   HumanInputType = "pause"
	HumanInputAbort   HumanInputType = "abort"
)

// HumanInput is a control signal recorded for a run
type HumanInput struct {
	ID         int64
	RunID      string
	Type       HumanInputType
	Content    string
	CreatedAt  time.Time
	ConsumedAt *time.Time
}
