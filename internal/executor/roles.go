package executor

import (
	"context"
	"fmt"
	"log"

	"github.com/cloud-shuttle/wrangler/internal/dispatch"
	"github.com/cloud-shuttle/wrangler/internal/outcome"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Role names used for transcripts, agent_outputs rows and spans
const (
	RolePlanner  = "planner"
	RoleExecutor = "executor"
	RoleVerifier = "verifier"
	RoleResolver = "resolver"
)

// Planner decides what the next iteration works on
type Planner struct {
	runner Runner
	dir    string
}

// NewPlanner creates a planner that runs in the repository root
func NewPlanner(runner Runner, repoDir string) *Planner {
	return &Planner{runner: runner, dir: repoDir}
}

// Plan runs one planning session. The raw transcript is returned even
// when parsing fails so it can be saved.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*types.PlanResult, string, error) {
	res := p.runner.Run(ctx, p.dir, RolePlanner, buildPlannerPrompt(in))
	if !res.Success {
		return nil, res.Output, fmt.Errorf("running planner: %w", res.Error)
	}
	plan, err := outcome.ParsePlan(res.Output)
	if err != nil {
		return nil, res.Output, fmt.Errorf("parsing planner output: %w", err)
	}
	return plan, res.Output, nil
}

// Verifier checks the integration branch against the objective
type Verifier struct {
	runner Runner
	dir    string
}

// NewVerifier creates a verifier that runs in the repository root
func NewVerifier(runner Runner, repoDir string) *Verifier {
	return &Verifier{runner: runner, dir: repoDir}
}

// Verify runs one verification session
func (v *Verifier) Verify(ctx context.Context, objective, memory, executorSummary string) (*types.VerifyResult, string, error) {
	res := v.runner.Run(ctx, v.dir, RoleVerifier, buildVerifierPrompt(objective, memory, executorSummary))
	if !res.Success {
		return nil, res.Output, fmt.Errorf("running verifier: %w", res.Error)
	}
	result, err := outcome.ParseVerify(res.Output)
	if err != nil {
		return nil, res.Output, fmt.Errorf("parsing verifier output: %w", err)
	}
	return result, res.Output, nil
}

// ExecutorWorker implements dispatch.Worker by running an agent session
// inside the task's workspace
type ExecutorWorker struct {
	runner      Runner
	parser      outcome.Parser
	guidelines  string
	transcripts *Transcripts
}

var _ dispatch.Worker = (*ExecutorWorker)(nil)

// NewExecutorWorker creates a worker; parser defaults to JSON with the
// legacy text fallback
func NewExecutorWorker(runner Runner, parser outcome.Parser) *ExecutorWorker {
	if parser == nil {
		parser = outcome.JSONParser{Legacy: &outcome.LegacyParser{}}
	}
	return &ExecutorWorker{runner: runner, parser: parser}
}

// SetProjectGuidelines sets project-specific guidelines for the prompt
func (w *ExecutorWorker) SetProjectGuidelines(g string) {
	w.guidelines = g
}

// SetTranscripts enables saving each session transcript
func (w *ExecutorWorker) SetTranscripts(t *Transcripts) {
	w.transcripts = t
}

// Invoke implements dispatch.Worker
func (w *ExecutorWorker) Invoke(ctx context.Context, req dispatch.Request) (*types.TaskOutcome, error) {
	prompt := buildExecutorPrompt(req.TaskID, req.Description, req.Memory, w.guidelines, req.Context)
	res := w.runner.Run(ctx, req.WorkspacePath, RoleExecutor, prompt)

	if w.transcripts != nil && req.RunID != "" {
		if _, err := w.transcripts.Save(req.RunID, req.Iteration, ExecutorAgentName(req.TaskID), res.Output); err != nil {
			log.Printf("⚠️  Failed to save transcript for %s: %v", req.TaskID, err)
		}
	}

	if !res.Success {
		return nil, fmt.Errorf("running executor for %s: %w", req.TaskID, res.Error)
	}
	o, err := w.parser.ParseExecutor(res.Output)
	if err != nil {
		return nil, fmt.Errorf("parsing executor output for %s: %w", req.TaskID, err)
	}
	o.TaskID = req.TaskID
	return o, nil
}

// ExecutorAgentName is the transcript name of the executor for a task
func ExecutorAgentName(taskID string) string {
	return RoleExecutor + "_" + taskID
}

// ConflictResolver implements merge.Resolver by running an agent session
// in the main checkout while the merge is in progress
type ConflictResolver struct {
	runner Runner
	dir    string
}

// NewConflictResolver creates a resolver for the repository at repoDir
func NewConflictResolver(runner Runner, repoDir string) *ConflictResolver {
	return &ConflictResolver{runner: runner, dir: repoDir}
}

// Resolve runs one resolution session
func (r *ConflictResolver) Resolve(ctx context.Context, c types.ConflictInfo) error {
	res := r.runner.Run(ctx, r.dir, RoleResolver, buildResolverPrompt(c))
	if !res.Success {
		return fmt.Errorf("resolving conflicts for %s: %w", c.TaskID, res.Error)
	}
	return nil
}
