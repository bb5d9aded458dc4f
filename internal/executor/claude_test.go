// Package executor_test provides tests for the executor package
package executor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/wrangler/internal/dispatch"
	"github.com/cloud-shuttle/wrangler/internal/executor"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// createMockClaudeScript creates a shell script that records its arguments,
// prints output and exits with the given code
func createMockClaudeScript(t *testing.T, dir, output string, exitCode int, sleepSec int) string {
	t.Helper()
	scriptPath := filepath.Join(dir, "mock-claude.sh")
	script := fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$@" > "%s/args"
sleep %d
cat <<'OUT'
%s
OUT
exit %d
`, dir, sleepSec, output, exitCode)

	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create mock claude script: %v", err)
	}
	return scriptPath
}

func TestClaudeAgent_Run_Success(t *testing.T) {
	tmpDir := t.TempDir()
	mock := createMockClaudeScript(t, tmpDir, `{"type":"result","result":"ok"}`, 0, 0)

	agent := executor.NewClaudeAgent(mock, time.Minute)
	agent.SetVerbose(true)

	res := agent.Run(context.Background(), tmpDir, executor.RolePlanner, "plan something")
	if !res.Success {
		t.Fatalf("Run failed: %v", res.Error)
	}
	if !strings.Contains(res.Output, `"result":"ok"`) {
		t.Errorf("Unexpected output: %q", res.Output)
	}

	args, err := os.ReadFile(filepath.Join(tmpDir, "args"))
	if err != nil {
		t.Fatalf("reading recorded args: %v", err)
	}
	for _, want := range []string{"-p", "plan something", "--output-format", "json", "--dangerously-skip-permissions"} {
		if !strings.Contains(string(args), want+"\n") {
			t.Errorf("Expected arg %q in %q", want, args)
		}
	}
}

func TestClaudeAgent_Run_Timeout(t *testing.T) {
	tmpDir := t.TempDir()
	mock := createMockClaudeScript(t, tmpDir, "late", 0, 5)

	agent := executor.NewClaudeAgent(mock, 100*time.Millisecond)
	res := agent.Run(context.Background(), tmpDir, executor.RoleExecutor, "x")
	if res.Success {
		t.Fatal("Expected timeout error, got success")
	}
	if res.Error == nil || !strings.Contains(res.Error.Error(), "timed out") {
		t.Errorf("Expected timeout error message, got: %v", res.Error)
	}
}

func TestClaudeAgent_Run_FailureCarriesOutput(t *testing.T) {
	tmpDir := t.TempDir()
	mock := createMockClaudeScript(t, tmpDir, "API Error: 429 rate limit exceeded", 1, 0)

	agent := executor.NewClaudeAgent(mock, time.Minute)
	res := agent.Run(context.Background(), tmpDir, executor.RoleVerifier, "x")
	if res.Success {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(res.Error.Error(), "rate limit") {
		t.Errorf("Error should include output tail, got: %v", res.Error)
	}
}

func TestClaudeAgent_CheckInstalled(t *testing.T) {
	tmpDir := t.TempDir()
	mock := createMockClaudeScript(t, tmpDir, "1.0.0", 0, 0)

	if err := executor.NewClaudeAgent(mock, time.Minute).CheckInstalled(); err != nil {
		t.Errorf("CheckInstalled failed: %v", err)
	}
	if err := executor.NewClaudeAgent(filepath.Join(tmpDir, "missing"), time.Minute).CheckInstalled(); err == nil {
		t.Error("Expected error for missing binary")
	}
}

func TestNewAgent(t *testing.T) {
	if _, err := executor.NewAgent(&executor.AgentConfig{Type: "claude", Path: "claude"}); err != nil {
		t.Errorf("NewAgent(claude) failed: %v", err)
	}
	if _, err := executor.NewAgent(&executor.AgentConfig{Type: "unknown"}); err == nil {
		t.Error("Expected error for unsupported agent type")
	}
}

// fakeRunner returns canned output and records prompts by role
type fakeRunner struct {
	outputs map[string]string
	fail    map[string]error
	prompts map[string]string
	dirs    map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{},
		fail:    map[string]error{},
		prompts: map[string]string{},
		dirs:    map[string]string{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, dir, role, prompt string) *executor.ExecutionResult {
	f.prompts[role] = prompt
	f.dirs[role] = dir
	if err := f.fail[role]; err != nil {
		return &executor.ExecutionResult{Output: "partial", Error: err}
	}
	return &executor.ExecutionResult{Success: true, Output: f.outputs[role]}
}

func (f *fakeRunner) CheckInstalled() error { return nil }
func (f *fakeRunner) SetVerbose(bool)       {}

func TestPlanner_Plan(t *testing.T) {
	r := newFakeRunner()
	r.outputs[executor.RolePlanner] = `{"decision": "CONTINUE", "reason": "gaps", "iteration_intent": "add retry",
		"work_items": [{"work_item_id": "ralph-a1", "description": "retry", "executor_number": 1}]}`

	p := executor.NewPlanner(r, "/repo")
	plan, raw, err := p.Plan(context.Background(), executor.PlanInput{
		Iteration:     2,
		Objective:     "# Build retry",
		MaxWorkers:    3,
		HumanComments: []string{"prefer small commits"},
		Feedback:      []types.FeedbackItem{{Priority: types.PriorityP1, Location: "a.go:1", Issue: "no tests", Suggestion: "add tests"}},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Decision != types.DecisionContinue || len(plan.WorkItems) != 1 {
		t.Errorf("Unexpected plan: %+v", plan)
	}
	if raw == "" {
		t.Error("Raw transcript should be returned")
	}

	prompt := r.prompts[executor.RolePlanner]
	for _, want := range []string{"# Build retry", "prefer small commits", "[P1] a.go:1: no tests", "at most 3 work items"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Planner prompt missing %q", want)
		}
	}
	if r.dirs[executor.RolePlanner] != "/repo" {
		t.Errorf("Planner ran in %s", r.dirs[executor.RolePlanner])
	}
}

func TestPlanner_PlanErrors(t *testing.T) {
	r := newFakeRunner()
	r.fail[executor.RolePlanner] = errors.New("claude planner failed: 503")
	if _, raw, err := executor.NewPlanner(r, "/repo").Plan(context.Background(), executor.PlanInput{}); err == nil || raw != "partial" {
		t.Errorf("Expected run error with transcript, got %v / %q", err, raw)
	}

	r = newFakeRunner()
	r.outputs[executor.RolePlanner] = "no json here"
	if _, _, err := executor.NewPlanner(r, "/repo").Plan(context.Background(), executor.PlanInput{}); err == nil {
		t.Error("Expected parse error")
	}
}

func TestVerifier_Verify(t *testing.T) {
	r := newFakeRunner()
	r.outputs[executor.RoleVerifier] = `{"outcome": "DONE", "criteria_status": [{"criterion": "c1", "status": "satisfied", "evidence": "tests pass"}]}`

	v, _, err := executor.NewVerifier(r, "/repo").Verify(context.Background(), "objective", "", "did things")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if v.Outcome != types.DecisionDone {
		t.Errorf("Expected DONE, got %s", v.Outcome)
	}
	if !strings.Contains(r.prompts[executor.RoleVerifier], "did things") {
		t.Error("Verifier prompt should include executor summary")
	}
}

func TestExecutorWorker_Invoke(t *testing.T) {
	r := newFakeRunner()
	r.outputs[executor.RoleExecutor] = "Work done.\n" + `{"status": "Completed", "what_was_done": "added retry", "work_committed": true, "traces_updated": true}`

	outputs := t.TempDir()
	w := executor.NewExecutorWorker(r, nil)
	w.SetProjectGuidelines("use table tests")
	w.SetTranscripts(executor.NewTranscripts(outputs))

	var _ dispatch.Worker = w
	o, err := w.Invoke(context.Background(), dispatch.Request{
		TaskID:        "ralph-a1",
		Description:   "add retry",
		WorkspacePath: "/ws/a1",
		RunID:         "run-1",
		Iteration:     3,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if o.TaskID != "ralph-a1" || o.Status != types.TaskStatusCompleted || !o.WorkCommitted {
		t.Errorf("Unexpected outcome: %+v", o)
	}
	if r.dirs[executor.RoleExecutor] != "/ws/a1" {
		t.Errorf("Executor must run in its workspace, ran in %s", r.dirs[executor.RoleExecutor])
	}
	if !strings.Contains(r.prompts[executor.RoleExecutor], "use table tests") {
		t.Error("Executor prompt should include guidelines")
	}

	path := executor.NewTranscripts(outputs).Path("run-1", 3, executor.ExecutorAgentName("ralph-a1"))
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Transcript not saved at %s: %v", path, err)
	}
}

func TestExecutorWorker_TranscriptFailureKeepsOutcome(t *testing.T) {
	r := newFakeRunner()
	r.outputs[executor.RoleExecutor] = `{"status": "Completed", "what_was_done": "added retry", "work_committed": true}`

	// A regular file where the transcripts directory should be
	notDir := filepath.Join(t.TempDir(), "outputs")
	if err := os.WriteFile(notDir, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	w := executor.NewExecutorWorker(r, nil)
	w.SetTranscripts(executor.NewTranscripts(notDir))

	o, err := w.Invoke(context.Background(), dispatch.Request{TaskID: "ralph-a1", WorkspacePath: "/ws/a1", RunID: "run-1", Iteration: 1})
	if err != nil {
		t.Fatalf("Invoke should not fail on transcript errors: %v", err)
	}
	if o.Status != types.TaskStatusCompleted || !o.WorkCommitted {
		t.Errorf("Completed work lost: %+v", o)
	}
}

func TestExecutorWorker_LegacyFallback(t *testing.T) {
	r := newFakeRunner()
	r.outputs[executor.RoleExecutor] = "EXECUTOR_SUMMARY:\nStatus: Uncertain\nWhat was done: explored\n"

	o, err := executor.NewExecutorWorker(r, nil).Invoke(context.Background(), dispatch.Request{TaskID: "t1", WorkspacePath: "/ws"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if o.Status != types.TaskStatusUncertain {
		t.Errorf("Expected Uncertain, got %s", o.Status)
	}
}

func TestConflictResolver_Resolve(t *testing.T) {
	r := newFakeRunner()
	res := executor.NewConflictResolver(r, "/repo")
	err := res.Resolve(context.Background(), types.ConflictInfo{TaskID: "t1", Branch: "wrangler/t1", Target: "main", Files: []string{"a.go"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	prompt := r.prompts[executor.RoleResolver]
	if !strings.Contains(prompt, "wrangler/t1") || !strings.Contains(prompt, "a.go") {
		t.Errorf("Resolver prompt missing conflict details: %s", prompt)
	}

	r.fail[executor.RoleResolver] = errors.New("boom")
	if err := res.Resolve(context.Background(), types.ConflictInfo{TaskID: "t1"}); err == nil {
		t.Error("Expected error from failed session")
	}
}

func TestCodeReviewer_Run(t *testing.T) {
	r := newFakeRunner()
	r.outputs["code_reviewer"] = `{"specialist_name": "code_reviewer", "feedback_items": [{"priority": "P2", "location": "x.go:1", "issue": "long func", "impact": "hard to read", "suggestion": "split"}]}`

	specs := executor.DefaultSpecialists(r, "/repo")
	if len(specs) != 1 || specs[0].Name() != "code_reviewer" {
		t.Fatalf("Unexpected registry: %v", specs)
	}
	items, err := specs[0].Run(context.Background(), "objective", "memory")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(items) != 1 || items[0].Priority != types.PriorityP2 {
		t.Errorf("Unexpected feedback: %+v", items)
	}
	if len(specs[0].AllowedOperations()) == 0 {
		t.Error("Specialist should declare allowed operations")
	}

	if got := executor.DefaultSpecialists(r, "/repo", "security"); len(got) != 0 {
		t.Errorf("Unknown names should filter everything, got %d", len(got))
	}
}
