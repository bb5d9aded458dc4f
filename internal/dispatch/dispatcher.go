// Package dispatch runs one worker per workspace concurrently and gathers
// a tagged outcome for each
package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// Request is everything a worker needs to carry out one task
type Request struct {
	TaskID        string
	Description   string
	WorkspacePath string
	Branch        string
	RunID         string
	Iteration     int
	Memory        string
	Context       string // human comments, prior feedback
}

// Worker performs one task inside its workspace. It must not touch any
// other workspace or the main checkout.
type Worker interface {
	Invoke(ctx context.Context, req Request) (*types.TaskOutcome, error)
}

// WorkerFunc adapts a function to Worker
type WorkerFunc func(ctx context.Context, req Request) (*types.TaskOutcome, error)

// Invoke calls f
func (f WorkerFunc) Invoke(ctx context.Context, req Request) (*types.TaskOutcome, error) {
	return f(ctx, req)
}

// Result pairs a workspace with the outcome its worker produced.
// Err is set when the outcome was synthesized from a worker failure.
type Result struct {
	Workspace types.Workspace
	Outcome   *types.TaskOutcome
	Err       error
	Duration  time.Duration
}

// Dispatcher fans out workers with an optional concurrency limit
type Dispatcher struct {
	worker  Worker
	limit   int
	verbose bool
}

// New creates a dispatcher; limit <= 0 runs every task at once
func New(worker Worker, limit int) *Dispatcher {
	return &Dispatcher{worker: worker, limit: limit}
}

// SetVerbose enables verbose logging
func (d *Dispatcher) SetVerbose(v bool) {
	d.verbose = v
}

// RunAll invokes the worker once per workspace and waits for all of them.
// A failing or panicking worker yields a Blocked outcome marked
// Infrastructure and never cancels its siblings. Results are in input
// order; descriptions maps task ID to work description.
func (d *Dispatcher) RunAll(ctx context.Context, workspaces []types.Workspace, descriptions map[string]string, base Request) []Result {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanDispatch)
	defer span.End()

	results := make([]Result, len(workspaces))
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}

	for i, ws := range workspaces {
		i, ws := i, ws
		req := base
		req.TaskID = ws.TaskID
		req.Description = descriptions[ws.TaskID]
		req.WorkspacePath = ws.Path
		req.Branch = ws.Branch
		req.RunID = ws.RunID

		g.Go(func() error {
			results[i] = d.invoke(ctx, ws, req)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Dispatcher) invoke(ctx context.Context, ws types.Workspace, req Request) (res Result) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskInvoke, telemetry.WorkspaceAttrs(ws.TaskID, ws.RunID, ws.Branch)...)
	defer span.End()

	res.Workspace = ws
	start := time.Now()

	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			err := fmt.Errorf("worker panicked: %v", r)
			if d.verbose {
				log.Printf("❌ Worker for %s panicked: %v\n%s", ws.TaskID, r, debug.Stack())
			} else {
				log.Printf("❌ Worker for %s panicked: %v", ws.TaskID, r)
			}
			res.Outcome = types.BlockedOutcome(ws.TaskID, err)
			res.Err = err
		}
		if res.Err != nil {
			telemetry.RecordError(span, res.Err, telemetry.ErrorTypeFromError(res.Err), telemetry.ErrorCategoryAgent)
		}
		if res.Outcome != nil {
			telemetry.SetTaskStatus(span, string(res.Outcome.Status))
		}
	}()

	if d.verbose {
		log.Printf("🐂 Dispatching %s in %s", ws.TaskID, ws.Path)
	}

	outcome, err := d.worker.Invoke(ctx, req)
	switch {
	case err != nil:
		log.Printf("❌ Worker for %s failed: %v", ws.TaskID, err)
		res.Outcome = types.BlockedOutcome(ws.TaskID, err)
		res.Err = err
	case outcome == nil:
		err = fmt.Errorf("worker returned no outcome")
		res.Outcome = types.BlockedOutcome(ws.TaskID, err)
		res.Err = err
	default:
		if outcome.TaskID == "" {
			outcome.TaskID = ws.TaskID
		}
		res.Outcome = outcome
		log.Printf("%s Task %s: %s", outcome.Status.Icon(), ws.TaskID, outcome.Status)
	}
	return res
}
