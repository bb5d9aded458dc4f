package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloud-shuttle/wrangler/pkg/types"
)

func workspaces(ids ...string) []types.Workspace {
	out := make([]types.Workspace, len(ids))
	for i, id := range ids {
		out[i] = types.Workspace{TaskID: id, RunID: "run-1", Branch: "wrangler/run-1/" + id, Path: "/tmp/" + id, Created: true}
	}
	return out
}

func TestRunAll_PreservesOrderAndFields(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, req Request) (*types.TaskOutcome, error) {
		// Later tasks finish first
		if req.TaskID == "a" {
			time.Sleep(20 * time.Millisecond)
		}
		return &types.TaskOutcome{Status: types.TaskStatusCompleted, WorkCommitted: true, WhatWasDone: req.Description}, nil
	})

	d := New(w, 0)
	results := d.RunAll(context.Background(), workspaces("a", "b", "c"),
		map[string]string{"a": "do a", "b": "do b", "c": "do c"}, Request{Iteration: 2})

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, id := range []string{"a", "b", "c"} {
		r := results[i]
		if r.Workspace.TaskID != id || r.Outcome.TaskID != id {
			t.Errorf("Result %d belongs to %s/%s, want %s", i, r.Workspace.TaskID, r.Outcome.TaskID, id)
		}
		if r.Outcome.WhatWasDone != "do "+id {
			t.Errorf("Description not passed for %s", id)
		}
		if r.Err != nil {
			t.Errorf("Unexpected error for %s: %v", id, r.Err)
		}
	}
}

func TestRunAll_ErrorsAndPanicsBecomeBlocked(t *testing.T) {
	w := WorkerFunc(func(ctx context.Context, req Request) (*types.TaskOutcome, error) {
		switch req.TaskID {
		case "fails":
			return nil, errors.New("agent crashed")
		case "panics":
			panic("boom")
		case "empty":
			return nil, nil
		}
		return &types.TaskOutcome{Status: types.TaskStatusCompleted, WorkCommitted: true}, nil
	})

	results := New(w, 2).RunAll(context.Background(), workspaces("fails", "panics", "empty", "ok"), nil, Request{})

	for _, r := range results[:3] {
		if r.Outcome == nil || r.Outcome.Status != types.TaskStatusBlocked {
			t.Errorf("%s: expected Blocked outcome, got %+v", r.Workspace.TaskID, r.Outcome)
			continue
		}
		if !r.Outcome.Infrastructure {
			t.Errorf("%s: expected Infrastructure flag", r.Workspace.TaskID)
		}
		if r.Err == nil {
			t.Errorf("%s: expected Err to be set", r.Workspace.TaskID)
		}
	}
	if results[3].Outcome.Status != types.TaskStatusCompleted {
		t.Error("A failing sibling should not affect other workers")
	}
}

func TestRunAll_RespectsLimit(t *testing.T) {
	var inFlight, peak int32
	var mu sync.Mutex
	w := WorkerFunc(func(ctx context.Context, req Request) (*types.TaskOutcome, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &types.TaskOutcome{Status: types.TaskStatusUncertain}, nil
	})

	New(w, 2).RunAll(context.Background(), workspaces("a", "b", "c", "d", "e"), nil, Request{})
	if peak > 2 {
		t.Errorf("Peak concurrency %d exceeds limit 2", peak)
	}
}

func TestRunAll_Empty(t *testing.T) {
	d := New(WorkerFunc(func(ctx context.Context, req Request) (*types.TaskOutcome, error) {
		t.Fatal("worker should not be called")
		return nil, nil
	}), 0)
	if results := d.RunAll(context.Background(), nil, nil, Request{}); len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}
