// Package db_test provides tests for the db package
package db_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloud-shuttle/wrangler/internal/db"
	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()

	// Nested path so Open has to create the state directory
	dbPath := filepath.Join(t.TempDir(), ".wrangler", "test.db")

	store, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	if err := store.MigrateSchema(); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	return store
}

func createRun(t *testing.T, store *db.Store, objective string) *types.Run {
	t.Helper()
	run := &types.Run{
		ObjectivePath:     "objective.md",
		Objective:         objective,
		IntegrationBranch: "build-the-thing",
		Config:            map[string]any{"workers": float64(3)},
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestStore_CreateAndGetRun(t *testing.T) {
	store := setupTestDB(t)

	run := createRun(t, store, "# Build the thing")
	if !db.IsRunID(run.ID) {
		t.Errorf("Expected generated run ID, got %q", run.ID)
	}
	if run.Status != types.RunStatusRunning {
		t.Errorf("Expected running status, got %s", run.Status)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Objective != run.Objective || got.IntegrationBranch != "build-the-thing" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if got.Config["workers"] != float64(3) {
		t.Errorf("Config not preserved: %v", got.Config)
	}
	if got.EndedAt != nil {
		t.Error("New run should not have ended")
	}
}

func TestStore_GetRun_NotFound(t *testing.T) {
	store := setupTestDB(t)

	_, err := store.GetRun("run-00000000")
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.LatestRun(); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound from empty LatestRun, got %v", err)
	}
}

func TestStore_LatestRunning(t *testing.T) {
	store := setupTestDB(t)

	first := createRun(t, store, "first")
	second := createRun(t, store, "second")

	latest, err := store.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Expected latest run %s, got %s", second.ID, latest.ID)
	}

	if err := store.UpdateRunStatus(second.ID, types.RunStatusStuck); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	running, err := store.LatestRunning()
	if err != nil {
		t.Fatalf("LatestRunning failed: %v", err)
	}
	if running.ID != first.ID {
		t.Errorf("Expected running run %s, got %s", first.ID, running.ID)
	}

	stuck, _ := store.GetRun(second.ID)
	if stuck.EndedAt == nil {
		t.Error("Terminal status should stamp ended_at")
	}

	if err := store.UpdateRunStatus("run-ffffffff", types.RunStatusAborted); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating a missing run, got %v", err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := setupTestDB(t)
	for _, o := range []string{"a", "b", "c"} {
		createRun(t, store, o)
	}

	runs, err := store.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].Objective != "c" {
		t.Errorf("Expected newest first, got %s", runs[0].Objective)
	}

	all, _ := store.ListRuns(0)
	if len(all) != 3 {
		t.Errorf("Expected 3 runs without limit, got %d", len(all))
	}
}

func TestStore_Iterations(t *testing.T) {
	store := setupTestDB(t)
	run := createRun(t, store, "objective")

	it1, err := store.CreateIteration(run.ID, 1)
	if err != nil {
		t.Fatalf("CreateIteration failed: %v", err)
	}
	if err := store.UpdateIterationIntent(it1.ID, "add the parser"); err != nil {
		t.Fatalf("UpdateIterationIntent failed: %v", err)
	}
	if err := store.CompleteIteration(it1.ID, "CONTINUE"); err != nil {
		t.Fatalf("CompleteIteration failed: %v", err)
	}
	if _, err := store.CreateIteration(run.ID, 2); err != nil {
		t.Fatalf("CreateIteration 2 failed: %v", err)
	}
	if _, err := store.CreateIteration(run.ID, 2); err == nil {
		t.Error("Duplicate iteration number should fail")
	}

	iterations, err := store.ListIterations(run.ID)
	if err != nil {
		t.Fatalf("ListIterations failed: %v", err)
	}
	if len(iterations) != 2 {
		t.Fatalf("Expected 2 iterations, got %d", len(iterations))
	}
	if iterations[0].Intent != "add the parser" || iterations[0].Outcome != "CONTINUE" || iterations[0].EndedAt == nil {
		t.Errorf("Iteration 1 not recorded: %+v", iterations[0])
	}
	if iterations[1].Number != 2 || iterations[1].EndedAt != nil {
		t.Errorf("Iteration 2 should be open: %+v", iterations[1])
	}
}

func TestStore_AgentOutputs(t *testing.T) {
	store := setupTestDB(t)
	run := createRun(t, store, "objective")
	it, _ := store.CreateIteration(run.ID, 1)

	for _, agent := range []string{"planner", "executor_task-a"} {
		out := &types.AgentOutput{
			IterationID:   it.ID,
			AgentType:     agent,
			RawOutputPath: filepath.Join("outputs", run.ID, "iteration_1_"+agent+".log"),
			Summary:       agent + " done",
		}
		if err := store.CreateAgentOutput(out); err != nil {
			t.Fatalf("CreateAgentOutput failed: %v", err)
		}
		if out.ID == 0 {
			t.Error("Expected ID to be assigned")
		}
	}

	outputs, err := store.ListAgentOutputs(it.ID)
	if err != nil {
		t.Fatalf("ListAgentOutputs failed: %v", err)
	}
	if len(outputs) != 2 || outputs[0].AgentType != "planner" {
		t.Errorf("Unexpected outputs: %+v", outputs)
	}
}

func TestStore_HumanInputs(t *testing.T) {
	store := setupTestDB(t)
	run := createRun(t, store, "objective")

	if _, err := store.AddHumanInput(run.ID, types.HumanInputComment, "prefer small commits"); err != nil {
		t.Fatalf("AddHumanInput failed: %v", err)
	}
	pause, err := store.AddHumanInput(run.ID, types.HumanInputPause, "")
	if err != nil {
		t.Fatalf("AddHumanInput pause failed: %v", err)
	}
	if _, err := store.AddHumanInput(run.ID, "shout", "x"); err == nil {
		t.Error("Unknown input type should be rejected")
	}

	inputs, err := store.UnconsumedInputs(run.ID)
	if err != nil {
		t.Fatalf("UnconsumedInputs failed: %v", err)
	}
	if len(inputs) != 2 || inputs[0].Type != types.HumanInputComment || inputs[1].Type != types.HumanInputPause {
		t.Fatalf("Unexpected inputs: %+v", inputs)
	}

	if err := store.MarkInputConsumed(pause.ID); err != nil {
		t.Fatalf("MarkInputConsumed failed: %v", err)
	}
	inputs, _ = store.UnconsumedInputs(run.ID)
	if len(inputs) != 1 || inputs[0].Content != "prefer small commits" {
		t.Errorf("Expected only the comment to remain, got %+v", inputs)
	}
}

func TestStore_Worktrees(t *testing.T) {
	store := setupTestDB(t)

	if err := store.RecordWorktree("task-a", "run-1", "/work/wrangler-run-1-task-a", "wrangler/run-1/task-a"); err != nil {
		t.Fatalf("RecordWorktree failed: %v", err)
	}
	if err := store.RecordWorktree("task-b", "run-1", "/work/wrangler-run-1-task-b", "wrangler/run-1/task-b"); err != nil {
		t.Fatalf("RecordWorktree failed: %v", err)
	}
	// Recording again replaces the stale row
	if err := store.RecordWorktree("task-a", "run-1", "/work/wrangler-run-1-task-a", "wrangler/run-1/task-a"); err != nil {
		t.Fatalf("RecordWorktree replace failed: %v", err)
	}
	if err := store.RecordWorktree("task-a", "run-2", "/work/wrangler-run-2-task-a", "wrangler/run-2/task-a"); err != nil {
		t.Fatalf("RecordWorktree other run failed: %v", err)
	}

	if err := store.UpdateWorktreeStatus("task-b", "run-1", db.WorktreeMerged); err != nil {
		t.Fatalf("UpdateWorktreeStatus failed: %v", err)
	}

	run1, err := store.ListWorktrees("run-1")
	if err != nil {
		t.Fatalf("ListWorktrees failed: %v", err)
	}
	if len(run1) != 2 {
		t.Fatalf("Expected 2 worktrees for run-1, got %d", len(run1))
	}
	for _, w := range run1 {
		if w.TaskID == "task-b" && w.Status != db.WorktreeMerged {
			t.Errorf("Status not updated: %+v", w)
		}
	}

	if err := store.DeleteWorktree("task-a", "run-1"); err != nil {
		t.Fatalf("DeleteWorktree failed: %v", err)
	}
	all, _ := store.ListWorktrees("")
	if len(all) != 2 {
		t.Errorf("Expected 2 worktrees across runs after delete, got %d", len(all))
	}
}

func TestStore_Events(t *testing.T) {
	store := setupTestDB(t)

	evs := []*events.Event{
		events.NewEvent(events.EventIterationStarted, "run-1", "", map[string]any{"iteration": float64(1)}),
		events.NewEvent(events.EventTaskCompleted, "run-1", "task-a", nil),
		events.NewEvent(events.EventMergeFailed, "run-1", "task-b", map[string]any{"error": "conflict"}),
		events.NewEvent(events.EventRunFinished, "run-2", "", nil),
	}
	for _, e := range evs {
		if err := store.RecordEvent(e); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
		if e.ID == "" {
			t.Error("RecordEvent should assign an ID")
		}
	}

	run1, err := store.ListEvents(events.EventFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(run1) != 3 {
		t.Fatalf("Expected 3 events for run-1, got %d", len(run1))
	}
	if run1[0].Data["iteration"] != float64(1) {
		t.Errorf("Event data not preserved: %v", run1[0].Data)
	}

	merges, _ := store.ListEvents(events.EventFilter{Types: []events.EventType{events.EventMergeFailed}})
	if len(merges) != 1 || merges[0].TaskID != "task-b" {
		t.Errorf("Type filter failed: %+v", merges)
	}
}

func TestStore_ConcurrentWrites(t *testing.T) {
	store := setupTestDB(t)
	run := createRun(t, store, "objective")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.RecordEvent(events.NewEvent(events.EventTaskCompleted, run.ID, "task", nil)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent RecordEvent failed: %v", err)
	}

	got, _ := store.ListEvents(events.EventFilter{RunID: run.ID})
	if len(got) != 20 {
		t.Errorf("Expected 20 events, got %d", len(got))
	}
}
