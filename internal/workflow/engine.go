// Package workflow drives an objective through repeated plan, dispatch,
// merge and evaluate iterations until it is done, stuck or interrupted
package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/wrangler/internal/db"
	"github.com/cloud-shuttle/wrangler/internal/dispatch"
	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/internal/executor"
	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/internal/merge"
	"github.com/cloud-shuttle/wrangler/internal/retry"
	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Store is the persistence the loop writes to. *db.Store implements it.
type Store interface {
	CreateIteration(runID string, n int) (*types.Iteration, error)
	UpdateIterationIntent(id int64, intent string) error
	CompleteIteration(id int64, outcome string) error
	ListIterations(runID string) ([]*types.Iteration, error)
	CreateAgentOutput(out *types.AgentOutput) error
	UnconsumedInputs(runID string) ([]*types.HumanInput, error)
	MarkInputConsumed(id int64) error
	UpdateRunStatus(id string, status types.RunStatus) error
	UpdateWorktreeStatus(taskID, runID, status string) error
}

// Planner produces the plan for an iteration
type Planner interface {
	Plan(ctx context.Context, in executor.PlanInput) (*types.PlanResult, string, error)
}

// Verifier checks the integration branch against the objective
type Verifier interface {
	Verify(ctx context.Context, objective, memory, executorSummary string) (*types.VerifyResult, string, error)
}

// Tracker receives progress annotations for work items
type Tracker interface {
	Comment(ctx context.Context, id, text, source string) error
	Close(ctx context.Context, id, message string) error
}

// Options tunes the loop
type Options struct {
	MaxIterations int
	MaxWorkers    int
	Retry         retry.Policy
	Guidelines    string
	MemoryPath    string
	SummariesDir  string
	Verbose       bool
}

// Deps are the collaborators an Engine drives
type Deps struct {
	Store       Store
	Workspaces  *git.WorkspaceManager
	Dispatcher  *dispatch.Dispatcher
	Merger      *merge.Coordinator
	Planner     Planner
	Verifier    Verifier // optional
	Specialists []executor.Specialist
	Tracker     Tracker               // optional
	Transcripts *executor.Transcripts // optional
	Bus         *events.Bus           // optional
}

// IterationInput is everything one iteration needs. It is plain data so
// a durable runner can checkpoint it.
type IterationInput struct {
	RunID             string
	Number            int
	IterationID       int64
	Objective         string
	IntegrationBranch string
	RootWorkItemID    string
	Memory            string
	HumanComments     []string
	Previous          *IterationReport
}

// MergeReport is the persisted form of a merge result
type MergeReport struct {
	TaskID   string
	Success  bool
	Resolved bool
	Error    string
}

// ExecutionReport is the outcome of the dispatch and merge phase
type ExecutionReport struct {
	Outcomes []*types.TaskOutcome
	Merges   []MergeReport
}

// EvaluationReport is the outcome of verification and specialist review
type EvaluationReport struct {
	Verify   *types.VerifyResult
	Feedback []types.FeedbackItem
}

// IterationReport is what one iteration decided and did
type IterationReport struct {
	Number     int
	State      types.LoopState
	Blocker    string
	Plan       *types.PlanResult
	Execution  *ExecutionReport
	Evaluation *EvaluationReport
}

// IterationRunner executes the plan, execute and evaluate phases of one
// iteration
type IterationRunner interface {
	RunIteration(ctx context.Context, in IterationInput) (*IterationReport, error)
}

// Engine implements the phases of an iteration and runs them inline
type Engine struct {
	deps Deps
	opts Options
}

var _ IterationRunner = (*Engine)(nil)

// NewEngine creates an engine over deps
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Engine{deps: deps, opts: opts}
}

// RunIteration runs plan, then execute and evaluate when the plan has work
func (e *Engine) RunIteration(ctx context.Context, in IterationInput) (*IterationReport, error) {
	plan, err := e.Plan(ctx, in)
	if err != nil {
		return nil, err
	}

	report := &IterationReport{Number: in.Number, Plan: plan}
	report.State, report.Blocker = decide(plan)
	if report.State.IsTerminal() {
		return report, nil
	}

	exec, err := e.Execute(ctx, in, plan)
	if err != nil {
		return nil, err
	}
	report.Execution = exec

	eval, err := e.Evaluate(ctx, in, exec)
	if err != nil {
		return nil, err
	}
	report.Evaluation = eval
	return report, nil
}

// decide maps the planner's decision onto a loop state. The planner has
// the final word on termination; verifier output only informs the next plan.
func decide(plan *types.PlanResult) (types.LoopState, string) {
	switch plan.Decision {
	case types.DecisionDone:
		return types.LoopDone, ""
	case types.DecisionStuck:
		return types.LoopStuck, plan.Blocker
	default:
		return types.LoopRunning, ""
	}
}

// Plan asks the planner for the iteration's work, retrying transient failures
func (e *Engine) Plan(ctx context.Context, in IterationInput) (*types.PlanResult, error) {
	ctx, span := telemetry.StartIterationSpan(ctx, telemetry.SpanPlan, in.Number)
	defer span.End()

	input := executor.PlanInput{
		Iteration:        in.Number,
		Objective:        in.Objective,
		Memory:           in.Memory,
		MemoryPath:       e.opts.MemoryPath,
		RootWorkItemID:   in.RootWorkItemID,
		MaxWorkers:       e.opts.MaxWorkers,
		HumanComments:    in.HumanComments,
		ProjectGuideline: e.opts.Guidelines,
	}
	if prev := in.Previous; prev != nil {
		input.ExecutorSummary = executorSummary(prev.Execution)
		if prev.Evaluation != nil {
			input.VerifierSummary = verifierSummary(prev.Evaluation.Verify)
			input.Feedback = prev.Evaluation.Feedback
		}
	}

	var raw string
	plan, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) (*types.PlanResult, error) {
		p, out, err := e.deps.Planner.Plan(ctx, input)
		raw = out
		return p, err
	})

	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryAgent)
		e.recordAgent(in, executor.RolePlanner, raw, "failed: "+err.Error())
		return nil, fmt.Errorf("planning iteration %d: %w", in.Number, err)
	}

	e.recordAgent(in, executor.RolePlanner, raw, fmt.Sprintf("%s: %s", plan.Decision, plan.Reason))
	if err := e.deps.Store.UpdateIterationIntent(in.IterationID, plan.IterationIntent); err != nil {
		log.Printf("⚠️  Failed to record iteration intent: %v", err)
	}

	log.Printf("📝 Iteration %d plan: %s (%d work items)", in.Number, plan.Decision, len(plan.WorkItems))
	if plan.IterationIntent != "" {
		log.Printf("   %s", plan.IterationIntent)
	}
	if e.opts.Verbose && plan.MemoryUpdates != "" {
		log.Printf("   memory: %s", plan.MemoryUpdates)
	}
	return plan, nil
}

// Execute creates one workspace per work item, runs the workers, merges
// eligible branches into the integration branch and always cleans up
func (e *Engine) Execute(ctx context.Context, in IterationInput, plan *types.PlanResult) (*ExecutionReport, error) {
	ids := make([]string, 0, len(plan.WorkItems))
	descriptions := make(map[string]string, len(plan.WorkItems))
	for _, item := range plan.WorkItems {
		if _, dup := descriptions[item.ID]; dup {
			log.Printf("⚠️  Plan lists %s more than once; running it once", item.ID)
			continue
		}
		ids = append(ids, item.ID)
		descriptions[item.ID] = item.Description
	}

	if swept := e.deps.Workspaces.SweepAbandoned(ctx, in.IntegrationBranch); swept > 0 {
		log.Printf("🧹 Swept %d abandoned workspaces and branches", swept)
	}

	workspaces, failures := e.deps.Workspaces.CreateAll(ctx, ids, in.RunID, in.IntegrationBranch)
	// Cleanup must survive cancellation of the iteration
	defer e.deps.Workspaces.CleanupAll(context.WithoutCancel(ctx), workspaces)

	outcomes := make(map[string]*types.TaskOutcome, len(ids))
	for _, f := range failures {
		outcomes[f.TaskID] = types.BlockedOutcome(f.TaskID, f.Err)
	}

	base := dispatch.Request{
		Iteration: in.Number,
		Memory:    in.Memory,
		Context:   humanContext(in.HumanComments),
	}
	results := e.deps.Dispatcher.RunAll(ctx, workspaces, descriptions, base)

	var candidates []merge.Candidate
	for _, r := range results {
		o := r.Outcome
		if o.Status == types.TaskStatusCompleted {
			msg := fmt.Sprintf("wrangler: auto-commit %s (iteration %d)", r.Workspace.TaskID, in.Number)
			committed, err := e.deps.Workspaces.CommitPending(ctx, r.Workspace, msg)
			if err != nil {
				log.Printf("⚠️  Auto-commit for %s failed: %v", r.Workspace.TaskID, err)
			} else if committed {
				log.Printf("🔧 Auto-committed leftover changes for %s", r.Workspace.TaskID)
				o.WorkCommitted = true
			}
		}
		log.Printf("%s %s: %s", o.Status.Icon(), o.TaskID, o.Status)

		outcomes[r.Workspace.TaskID] = o
		e.recordExecutor(in, o)
		if merge.Eligible(o) {
			candidates = append(candidates, merge.Candidate{TaskID: r.Workspace.TaskID, Branch: r.Workspace.Branch})
		}
	}

	report := &ExecutionReport{}
	for _, m := range e.deps.Merger.MergeSerially(ctx, candidates, in.IntegrationBranch) {
		mr := MergeReport{TaskID: m.TaskID, Success: m.Success, Resolved: m.Resolved}
		status := db.WorktreeMerged
		if !m.Success {
			status = db.WorktreeFailed
			if m.Err != nil {
				mr.Error = m.Err.Error()
			}
			// Unmerged work is not done, whatever the worker reported
			if o := outcomes[m.TaskID]; o != nil {
				o.Status = types.TaskStatusBlocked
				o.Blockers = strings.TrimSpace(o.Blockers + "\nmerge into " + in.IntegrationBranch + " failed: " + mr.Error)
			}
			e.emit(ctx, events.EventMergeFailed, in.RunID, m.TaskID, map[string]any{
				"iteration": in.Number,
				"error":     mr.Error,
			})
		}
		if err := e.deps.Store.UpdateWorktreeStatus(m.TaskID, in.RunID, status); err != nil && e.opts.Verbose {
			log.Printf("⚠️  Failed to update worktree status for %s: %v", m.TaskID, err)
		}
		report.Merges = append(report.Merges, mr)
	}

	for _, id := range ids {
		o, ok := outcomes[id]
		if !ok {
			continue
		}
		report.Outcomes = append(report.Outcomes, o)

		kind := events.EventTaskCompleted
		if o.Status != types.TaskStatusCompleted {
			kind = events.EventTaskBlocked
		}
		e.emit(ctx, kind, in.RunID, id, map[string]any{
			"iteration":      in.Number,
			"status":         string(o.Status),
			"infrastructure": o.Infrastructure,
		})
		e.annotate(ctx, in, o)
	}
	return report, nil
}

// Evaluate runs the verifier and the specialists concurrently. Only a
// verifier failure fails the phase; specialist failures are logged.
func (e *Engine) Evaluate(ctx context.Context, in IterationInput, exec *ExecutionReport) (*EvaluationReport, error) {
	ctx, span := telemetry.StartIterationSpan(ctx, telemetry.SpanEvaluate, in.Number)
	defer span.End()

	summary := executorSummary(exec)
	report := &EvaluationReport{}
	feedback := make([][]types.FeedbackItem, len(e.deps.Specialists))

	var g errgroup.Group
	if e.deps.Verifier != nil {
		g.Go(func() error {
			var raw string
			v, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) (*types.VerifyResult, error) {
				res, out, err := e.deps.Verifier.Verify(ctx, in.Objective, in.Memory, summary)
				raw = out
				return res, err
			})
			if err != nil {
				e.recordAgent(in, executor.RoleVerifier, raw, "failed: "+err.Error())
				return fmt.Errorf("verifying iteration %d: %w", in.Number, err)
			}
			e.recordAgent(in, executor.RoleVerifier, raw, verifierSummary(v))
			report.Verify = v
			return nil
		})
	}
	for i, s := range e.deps.Specialists {
		i, s := i, s
		g.Go(func() error {
			items, err := s.Run(ctx, in.Objective, in.Memory)
			if err != nil {
				log.Printf("⚠️  Specialist %s failed: %v", s.Name(), err)
				e.recordAgent(in, s.Name(), "", "failed: "+err.Error())
				return nil
			}
			feedback[i] = items
			e.recordAgent(in, s.Name(), "", fmt.Sprintf("%d findings", len(items)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryAgent)
		return nil, err
	}

	for _, items := range feedback {
		report.Feedback = append(report.Feedback, items...)
	}
	if report.Verify != nil {
		log.Printf("🔍 Verifier: %s (%d gaps)", report.Verify.Outcome, len(report.Verify.Gaps))
	}
	if len(report.Feedback) > 0 {
		log.Printf("🔍 Specialists reported %d findings", len(report.Feedback))
	}
	return report, nil
}

// recordAgent saves a transcript (when there is one) and its agent_outputs row
func (e *Engine) recordAgent(in IterationInput, agent, raw, summary string) {
	out := &types.AgentOutput{IterationID: in.IterationID, AgentType: agent, Summary: summary}
	if raw != "" && e.deps.Transcripts != nil {
		path, err := e.deps.Transcripts.Save(in.RunID, in.Number, agent, raw)
		if err != nil {
			log.Printf("⚠️  Failed to save %s transcript: %v", agent, err)
		}
		out.RawOutputPath = path
	}
	if err := e.deps.Store.CreateAgentOutput(out); err != nil {
		log.Printf("⚠️  Failed to record %s output: %v", agent, err)
	}
}

// recordExecutor records an executor outcome; the worker saved its own transcript
func (e *Engine) recordExecutor(in IterationInput, o *types.TaskOutcome) {
	name := executor.ExecutorAgentName(o.TaskID)
	out := &types.AgentOutput{IterationID: in.IterationID, AgentType: name, Summary: o.Summary()}
	if e.deps.Transcripts != nil {
		out.RawOutputPath = e.deps.Transcripts.Path(in.RunID, in.Number, name)
	}
	if err := e.deps.Store.CreateAgentOutput(out); err != nil {
		log.Printf("⚠️  Failed to record %s output: %v", name, err)
	}
}

// annotate posts the outcome to the tracker and closes completed items.
// Both calls are retried like planner calls; a final failure is only logged.
func (e *Engine) annotate(ctx context.Context, in IterationInput, o *types.TaskOutcome) {
	if e.deps.Tracker == nil || in.RootWorkItemID == "" {
		return
	}
	err := e.withRetry(ctx, func(ctx context.Context) error {
		return e.deps.Tracker.Comment(ctx, o.TaskID, o.Summary(), "wrangler")
	})
	if err != nil {
		log.Printf("⚠️  Failed to comment on %s: %v", o.TaskID, err)
	}
	if o.Status == types.TaskStatusCompleted {
		err := e.withRetry(ctx, func(ctx context.Context) error {
			return e.deps.Tracker.Close(ctx, o.TaskID, fmt.Sprintf("completed in iteration %d", in.Number))
		})
		if err != nil {
			log.Printf("⚠️  Failed to close %s: %v", o.TaskID, err)
		}
	}
}

func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, e.opts.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (e *Engine) emit(ctx context.Context, kind events.EventType, runID, taskID string, data map[string]any) {
	publish(ctx, e.deps.Bus, events.NewEvent(kind, runID, taskID, data), e.opts.Verbose)
}

func publish(ctx context.Context, bus *events.Bus, ev *events.Event, verbose bool) {
	if bus == nil {
		return
	}
	if err := bus.Publish(context.WithoutCancel(ctx), ev); err != nil && verbose {
		log.Printf("⚠️  Failed to publish %s: %v", ev.Type, err)
	}
}

// executorSummary renders an iteration's outcomes for the planner and verifier
func executorSummary(exec *ExecutionReport) string {
	if exec == nil || len(exec.Outcomes) == 0 {
		return ""
	}
	merged := make(map[string]MergeReport, len(exec.Merges))
	for _, m := range exec.Merges {
		merged[m.TaskID] = m
	}

	var b strings.Builder
	for _, o := range exec.Outcomes {
		fmt.Fprintf(&b, "### %s\n%s\n", o.TaskID, o.Summary())
		if m, ok := merged[o.TaskID]; ok {
			switch {
			case m.Success && m.Resolved:
				b.WriteString("Merge: merged after conflict resolution\n")
			case m.Success:
				b.WriteString("Merge: merged\n")
			default:
				fmt.Fprintf(&b, "Merge: failed (%s)\n", m.Error)
			}
		} else {
			b.WriteString("Merge: not attempted\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func verifierSummary(v *types.VerifyResult) string {
	if v == nil {
		return ""
	}
	s := "Outcome: " + string(v.Outcome)
	for _, c := range v.CriteriaStatus {
		s += fmt.Sprintf("\n- [%s] %s", c.Status, c.Criterion)
	}
	if len(v.Gaps) > 0 {
		s += "\nGaps:\n- " + strings.Join(v.Gaps, "\n- ")
	}
	if v.Blocker != "" {
		s += "\nBlocker: " + v.Blocker
	}
	return s
}

func humanContext(comments []string) string {
	if len(comments) == 0 {
		return ""
	}
	return "Comments from the operator:\n- " + strings.Join(comments, "\n- ")
}

// sinceRounded is used for log lines
func sinceRounded(t time.Time) time.Duration {
	return time.Since(t).Round(time.Second)
}
