package merge_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/internal/merge"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

func setupTestRepo(t *testing.T) (string, *git.CLI) {
	t.Helper()

	repoDir := t.TempDir()
	runGit(t, repoDir, "init")
	runGit(t, repoDir, "config", "user.email", "test@example.com")
	runGit(t, repoDir, "config", "user.name", "Test User")

	writeFile(t, repoDir, "shared.txt", "base\n")
	runGit(t, repoDir, "add", ".")
	runGit(t, repoDir, "commit", "-m", "Initial commit")
	runGit(t, repoDir, "branch", "-M", "main")
	runGit(t, repoDir, "branch", "integration")

	return repoDir, git.NewCLI(repoDir)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, output)
	}
	return string(output)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
}

// taskBranch commits one file change on a new branch cut from main
func taskBranch(t *testing.T, repoDir, branch, file, content string) merge.Candidate {
	t.Helper()
	runGit(t, repoDir, "checkout", "-b", branch, "main")
	writeFile(t, repoDir, file, content)
	runGit(t, repoDir, "add", file)
	runGit(t, repoDir, "commit", "-m", "work on "+branch)
	runGit(t, repoDir, "checkout", "main")
	return merge.Candidate{TaskID: strings.TrimPrefix(branch, "wrangler/"), Branch: branch}
}

func readFile(t *testing.T, repoDir, branch, file string) string {
	t.Helper()
	return runGit(t, repoDir, "show", branch+":"+file)
}

type fixingResolver struct {
	repoDir string
	content string
	calls   int
}

func (r *fixingResolver) Resolve(ctx context.Context, c types.ConflictInfo) error {
	r.calls++
	for _, f := range c.Files {
		if err := os.WriteFile(filepath.Join(r.repoDir, f), []byte(r.content), 0644); err != nil {
			return err
		}
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = r.repoDir
	return cmd.Run()
}

type idleResolver struct {
	calls int
}

func (r *idleResolver) Resolve(ctx context.Context, c types.ConflictInfo) error {
	r.calls++
	return errors.New("could not decide")
}

func TestMergeSerially_CleanMerges(t *testing.T) {
	repoDir, cli := setupTestRepo(t)
	a := taskBranch(t, repoDir, "wrangler/a", "a.txt", "a\n")
	b := taskBranch(t, repoDir, "wrangler/b", "b.txt", "b\n")

	c := merge.NewCoordinator(cli, merge.DefaultPolicy())
	results := c.MergeSerially(context.Background(), []merge.Candidate{a, b}, "integration")

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b"} {
		if results[i].TaskID != want || !results[i].Success {
			t.Errorf("Result %d = %+v, want success for %s", i, results[i], want)
		}
	}
	if readFile(t, repoDir, "integration", "a.txt") != "a\n" || readFile(t, repoDir, "integration", "b.txt") != "b\n" {
		t.Error("Integration branch is missing merged work")
	}
}

func TestMergeSerially_ConflictDoesNotBlockLaterCandidates(t *testing.T) {
	repoDir, cli := setupTestRepo(t)
	a := taskBranch(t, repoDir, "wrangler/a", "shared.txt", "from a\n")
	b := taskBranch(t, repoDir, "wrangler/b", "shared.txt", "from b\n")
	d := taskBranch(t, repoDir, "wrangler/d", "d.txt", "d\n")

	c := merge.NewCoordinator(cli, merge.Policy{ResolutionRounds: 0})
	results := c.MergeSerially(context.Background(), []merge.Candidate{a, b, d}, "integration")

	if !results[0].Success {
		t.Errorf("First merge should succeed: %v", results[0].Err)
	}
	if results[1].Success {
		t.Fatal("Conflicting merge should fail")
	}
	if results[1].Conflict == nil || len(results[1].Conflict.Files) != 1 || results[1].Conflict.Files[0] != "shared.txt" {
		t.Errorf("Unexpected conflict info: %+v", results[1].Conflict)
	}
	if !results[2].Success {
		t.Errorf("Later merge should still succeed: %v", results[2].Err)
	}

	if conflicted, _ := cli.HasConflicts(context.Background()); conflicted {
		t.Error("Conflict state left in main checkout")
	}
	data, _ := os.ReadFile(filepath.Join(repoDir, "shared.txt"))
	if strings.Contains(string(data), "<<<<<<<") {
		t.Error("Conflict markers left in target")
	}
	if readFile(t, repoDir, "integration", "shared.txt") != "from a\n" {
		t.Error("Target should keep the first task's version")
	}
}

func TestMergeSerially_ResolverFixesConflict(t *testing.T) {
	repoDir, cli := setupTestRepo(t)
	a := taskBranch(t, repoDir, "wrangler/a", "shared.txt", "from a\n")
	b := taskBranch(t, repoDir, "wrangler/b", "shared.txt", "from b\n")

	resolver := &fixingResolver{repoDir: repoDir, content: "from a and b\n"}
	c := merge.NewCoordinator(cli, merge.DefaultPolicy())
	c.SetResolver(resolver)

	results := c.MergeSerially(context.Background(), []merge.Candidate{a, b}, "integration")

	if !results[1].Success || !results[1].Resolved {
		t.Fatalf("Expected resolved merge, got %+v", results[1])
	}
	if resolver.calls != 1 {
		t.Errorf("Expected 1 resolver call, got %d", resolver.calls)
	}
	if got := readFile(t, repoDir, "integration", "shared.txt"); got != "from a and b\n" {
		t.Errorf("Unexpected resolved content %q", got)
	}
	ahead := strings.TrimSpace(runGit(t, repoDir, "rev-list", "--count", "integration..wrangler/b"))
	if ahead != "0" {
		t.Errorf("Task branch not fully merged, %s commits missing", ahead)
	}
}

func TestMergeSerially_ResolvedMergeLeavesUntrackedState(t *testing.T) {
	repoDir, cli := setupTestRepo(t)
	if err := os.MkdirAll(filepath.Join(repoDir, ".wrangler"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, repoDir, ".wrangler/wrangler.db", "sqlite")
	a := taskBranch(t, repoDir, "wrangler/a", "shared.txt", "from a\n")
	b := taskBranch(t, repoDir, "wrangler/b", "shared.txt", "from b\n")

	c := merge.NewCoordinator(cli, merge.DefaultPolicy())
	c.SetResolver(&fixingResolver{repoDir: repoDir, content: "from a and b\n"})

	results := c.MergeSerially(context.Background(), []merge.Candidate{a, b}, "integration")
	if !results[1].Success || !results[1].Resolved {
		t.Fatalf("Expected resolved merge, got %+v", results[1])
	}

	tree := runGit(t, repoDir, "ls-tree", "-r", "--name-only", "integration")
	if strings.Contains(tree, ".wrangler/") {
		t.Errorf("State directory committed into integration branch:\n%s", tree)
	}
	if _, err := os.Stat(filepath.Join(repoDir, ".wrangler", "wrangler.db")); err != nil {
		t.Errorf("State file should be left in place: %v", err)
	}
}

func TestMergeSerially_ResolverRoundsBounded(t *testing.T) {
	repoDir, cli := setupTestRepo(t)
	a := taskBranch(t, repoDir, "wrangler/a", "shared.txt", "from a\n")
	b := taskBranch(t, repoDir, "wrangler/b", "shared.txt", "from b\n")

	resolver := &idleResolver{}
	c := merge.NewCoordinator(cli, merge.Policy{ResolutionRounds: 2})
	c.SetResolver(resolver)

	results := c.MergeSerially(context.Background(), []merge.Candidate{a, b}, "integration")

	if results[1].Success {
		t.Fatal("Merge should fail when the resolver cannot fix it")
	}
	if resolver.calls != 2 {
		t.Errorf("Expected 2 resolver rounds, got %d", resolver.calls)
	}
	if conflicted, _ := cli.HasConflicts(context.Background()); conflicted {
		t.Error("Conflict state left after failed resolution")
	}
}

func TestMergeSerially_MissingBranch(t *testing.T) {
	_, cli := setupTestRepo(t)
	c := merge.NewCoordinator(cli, merge.DefaultPolicy())

	results := c.MergeSerially(context.Background(), []merge.Candidate{{TaskID: "ghost", Branch: "wrangler/ghost"}}, "integration")
	if results[0].Success || results[0].Err == nil {
		t.Errorf("Expected failure for missing branch, got %+v", results[0])
	}
	if results[0].Conflict != nil {
		t.Error("Missing branch is not a conflict")
	}
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name    string
		outcome *types.TaskOutcome
		want    bool
	}{
		{"nil", nil, false},
		{"completed with commits", &types.TaskOutcome{Status: types.TaskStatusCompleted, WorkCommitted: true}, true},
		{"completed without commits", &types.TaskOutcome{Status: types.TaskStatusCompleted}, false},
		{"blocked with commits", &types.TaskOutcome{Status: types.TaskStatusBlocked, WorkCommitted: true}, false},
		{"uncertain", &types.TaskOutcome{Status: types.TaskStatusUncertain, WorkCommitted: true}, false},
	}
	for _, tt := range tests {
		if got := merge.Eligible(tt.outcome); got != tt.want {
			t.Errorf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}
