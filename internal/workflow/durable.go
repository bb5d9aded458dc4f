package workflow

import (
	"context"
	"fmt"
	"log"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/wrangler/internal/db"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// DurableRunner runs each iteration as a DBOS workflow with plan, execute
// and evaluate as checkpointed steps. A process restarted mid-iteration
// re-runs the same workflow ID and skips the steps that already finished.
type DurableRunner struct {
	engine  *Engine
	dbosCtx dbos.DBOSContext
}

var _ IterationRunner = (*DurableRunner)(nil)

// NewDurableRunner registers the iteration workflow; call it before dbos.Launch
func NewDurableRunner(dbosCtx dbos.DBOSContext, engine *Engine) *DurableRunner {
	r := &DurableRunner{engine: engine, dbosCtx: dbosCtx}
	dbos.RegisterWorkflow(dbosCtx, r.IterationWorkflow)
	log.Println("✅ DBOS iteration workflow registered")
	return r
}

// RunIteration starts (or reattaches to) the workflow for in and waits for it
func (r *DurableRunner) RunIteration(ctx context.Context, in IterationInput) (*IterationReport, error) {
	id := db.WorkflowID(in.RunID, in.Number)
	handle, err := dbos.RunWorkflow(r.dbosCtx, r.IterationWorkflow, in, dbos.WithWorkflowID(id))
	if err != nil {
		return nil, fmt.Errorf("starting workflow %s: %w", id, err)
	}

	type outcome struct {
		report IterationReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := handle.GetResult()
		done <- outcome{report, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, o.err)
		}
		return &o.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IterationWorkflow is the DBOS workflow for one iteration
func (r *DurableRunner) IterationWorkflow(ctx dbos.DBOSContext, in IterationInput) (IterationReport, error) {
	plan, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (*types.PlanResult, error) {
		return r.engine.Plan(stepCtx, in)
	})
	if err != nil {
		return IterationReport{}, err
	}

	report := IterationReport{Number: in.Number, Plan: plan}
	report.State, report.Blocker = decide(plan)
	if report.State.IsTerminal() {
		return report, nil
	}

	exec, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (*ExecutionReport, error) {
		return r.engine.Execute(stepCtx, in, plan)
	})
	if err != nil {
		return IterationReport{}, err
	}
	report.Execution = exec

	eval, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (*EvaluationReport, error) {
		return r.engine.Evaluate(stepCtx, in, exec)
	})
	if err != nil {
		return IterationReport{}, err
	}
	report.Evaluation = eval
	return report, nil
}
