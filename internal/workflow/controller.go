package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Result is how a Run call ended
type Result struct {
	RunID       string
	State       types.LoopState
	Blocker     string
	Iterations  int // iterations executed by this call
	SummaryPath string
}

// Controller is the iteration state machine. It polls control signals
// at iteration boundaries, delegates the phases to an IterationRunner and
// persists every iteration before deciding whether to continue.
type Controller struct {
	store  Store
	runner IterationRunner
	bus    *events.Bus
	opts   Options
}

// NewController creates a controller; runner is usually an *Engine or a
// *DurableRunner wrapping one
func NewController(store Store, runner IterationRunner, opts Options) *Controller {
	return &Controller{store: store, runner: runner, opts: opts}
}

// SetEventBus publishes loop events to bus
func (c *Controller) SetEventBus(bus *events.Bus) {
	c.bus = bus
}

// Run drives run until it reaches a terminal state. A run that already
// has iterations continues after the last completed one. The returned
// error is only set when the run's own records could not be written.
func (c *Controller) Run(ctx context.Context, run *types.Run) (*Result, error) {
	ctx, span := telemetry.StartRunSpan(ctx, run.ID)
	defer span.End()
	if id := telemetry.GetTraceID(ctx); id != "" && c.opts.Verbose {
		log.Printf("🔍 Trace %s", id)
	}

	start := time.Now()
	res := &Result{RunID: run.ID, State: types.LoopRunning}

	n, open, err := c.nextIteration(run.ID)
	if err != nil {
		return res, err
	}
	if n > 1 {
		log.Printf("🐂 Resuming run %s at iteration %d", run.ID, n)
	} else {
		log.Printf("🐂 Starting run %s on %s", run.ID, run.IntegrationBranch)
	}

	var prev *IterationReport
	for ; ; n++ {
		if c.opts.MaxIterations > 0 && n > c.opts.MaxIterations {
			res.State = types.LoopMaxIterationsReached
			break
		}
		if ctx.Err() != nil {
			res.State = types.LoopAborted
			break
		}

		signal, comments, err := c.pollSignals(run.ID)
		if err != nil {
			log.Printf("⚠️  Failed to read control signals: %v", err)
		}
		if signal.IsTerminal() {
			log.Printf("🛑 Received %s signal", signal)
			res.State = signal
			break
		}

		iter := open
		open = nil
		if iter == nil {
			iter, err = c.store.CreateIteration(run.ID, n)
			if err != nil {
				res.State = types.LoopStuck
				res.Blocker = err.Error()
				c.finish(ctx, run, res, start)
				return res, fmt.Errorf("starting iteration %d: %w", n, err)
			}
		}

		iterCtx, iterSpan := telemetry.StartIterationSpan(ctx, telemetry.SpanIteration, n, attribute.String(telemetry.KeyRunID, run.ID))
		log.Printf("🔄 Iteration %d", n)
		c.emit(ctx, events.EventIterationStarted, run.ID, map[string]any{"iteration": n})

		in := IterationInput{
			RunID:             run.ID,
			Number:            n,
			IterationID:       iter.ID,
			Objective:         run.Objective,
			IntegrationBranch: run.IntegrationBranch,
			RootWorkItemID:    run.RootWorkItemID,
			Memory:            readMemory(c.opts.MemoryPath),
			Previous:          prev,
		}
		for _, cm := range comments {
			in.HumanComments = append(in.HumanComments, cm.Content)
		}

		report, err := c.runner.RunIteration(iterCtx, in)
		for _, cm := range comments {
			if err := c.store.MarkInputConsumed(cm.ID); err != nil {
				log.Printf("⚠️  Failed to mark input %d consumed: %v", cm.ID, err)
			}
		}

		state, blocker := types.LoopRunning, ""
		switch {
		case err != nil && ctx.Err() != nil:
			state = types.LoopAborted
		case err != nil:
			log.Printf("❌ Iteration %d failed: %v", n, err)
			state, blocker = types.LoopStuck, err.Error()
			telemetry.RecordError(iterSpan, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryAgent)
		default:
			state, blocker = report.State, report.Blocker
		}
		telemetry.SetLoopState(iterSpan, string(state))
		iterSpan.End()

		outcome := describeOutcome(report, state, blocker)
		if err := c.store.CompleteIteration(iter.ID, outcome); err != nil {
			log.Printf("⚠️  Failed to record iteration %d outcome: %v", n, err)
		}
		c.emit(ctx, events.EventIterationCompleted, run.ID, map[string]any{
			"iteration": n,
			"outcome":   outcome,
		})

		res.Iterations++
		prev = report
		if state.IsTerminal() {
			res.State, res.Blocker = state, blocker
			break
		}
	}

	telemetry.SetLoopState(span, string(res.State))
	if err := c.finish(ctx, run, res, start); err != nil {
		return res, err
	}
	return res, nil
}

// nextIteration returns the number to run next and, when the last
// iteration was interrupted before completing, that iteration to reuse
func (c *Controller) nextIteration(runID string) (int, *types.Iteration, error) {
	iterations, err := c.store.ListIterations(runID)
	if err != nil {
		return 0, nil, fmt.Errorf("listing iterations: %w", err)
	}
	if len(iterations) == 0 {
		return 1, nil, nil
	}
	last := iterations[len(iterations)-1]
	if last.EndedAt == nil {
		return last.Number, last, nil
	}
	return last.Number + 1, nil, nil
}

// pollSignals consumes pause and abort signals and returns pending
// comments. Abort wins over pause. Comments stay pending until an
// iteration has passed them to the planner.
func (c *Controller) pollSignals(runID string) (types.LoopState, []*types.HumanInput, error) {
	inputs, err := c.store.UnconsumedInputs(runID)
	if err != nil {
		return types.LoopRunning, nil, err
	}

	state := types.LoopRunning
	var comments []*types.HumanInput
	for _, in := range inputs {
		switch in.Type {
		case types.HumanInputComment:
			comments = append(comments, in)
			continue
		case types.HumanInputAbort:
			state = types.LoopAborted
		case types.HumanInputPause:
			if state != types.LoopAborted {
				state = types.LoopPaused
			}
		}
		if err := c.store.MarkInputConsumed(in.ID); err != nil {
			return state, comments, fmt.Errorf("consuming %s signal: %w", in.Type, err)
		}
	}
	return state, comments, nil
}

// finish records the terminal status, writes the summary and announces the end
func (c *Controller) finish(ctx context.Context, run *types.Run, res *Result, start time.Time) error {
	var firstErr error
	if err := c.store.UpdateRunStatus(run.ID, res.State.RunStatus()); err != nil {
		firstErr = fmt.Errorf("updating run status: %w", err)
	}

	if c.opts.SummariesDir != "" {
		iterations, err := c.store.ListIterations(run.ID)
		if err != nil {
			log.Printf("⚠️  Failed to list iterations for summary: %v", err)
		}
		path, err := WriteSummary(c.opts.SummariesDir, run, iterations, res)
		if err != nil {
			log.Printf("⚠️  Failed to write run summary: %v", err)
		} else {
			res.SummaryPath = path
		}
	}

	c.emit(ctx, events.EventRunFinished, run.ID, map[string]any{
		"status":     string(res.State.RunStatus()),
		"iterations": res.Iterations,
		"blocker":    res.Blocker,
	})

	switch res.State {
	case types.LoopDone:
		log.Printf("✅ Run %s completed after %d iterations in %v", run.ID, res.Iterations, sinceRounded(start))
	case types.LoopStuck:
		log.Printf("❌ Run %s stuck: %s", run.ID, res.Blocker)
	default:
		log.Printf("🛑 Run %s ended: %s", run.ID, res.State)
	}
	return firstErr
}

func (c *Controller) emit(ctx context.Context, kind events.EventType, runID string, data map[string]any) {
	publish(ctx, c.bus, events.NewEvent(kind, runID, "", data), c.opts.Verbose)
}

// describeOutcome is the iteration outcome column: the loop decision,
// plus the verifier's view when it ran
func describeOutcome(report *IterationReport, state types.LoopState, blocker string) string {
	var s string
	switch {
	case state == types.LoopAborted && report == nil:
		s = "ABORTED"
	case report == nil || report.Plan == nil:
		s = "STUCK"
	default:
		s = string(report.Plan.Decision)
	}
	if blocker != "" {
		s += ": " + blocker
	}
	if report != nil && report.Evaluation != nil && report.Evaluation.Verify != nil {
		v := report.Evaluation.Verify
		s += fmt.Sprintf(" (verifier: %s", v.Outcome)
		if len(v.Gaps) > 0 {
			s += fmt.Sprintf(", %d gaps", len(v.Gaps))
		}
		s += ")"
	}
	return s
}

// readMemory returns the project memory, or "" when there is none yet
func readMemory(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("⚠️  Failed to read memory: %v", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
