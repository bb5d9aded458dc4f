package tracker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id    string
		valid bool
	}{
		{"ralph-abc123", true},
		{"task1", true},
		{"run-1f2e3d4c", true},
		{"A-B-C", true},
		{"", false},
		{"-leading", false},
		{"trailing-", false},
		{"double--hyphen", false},
		{"has space", false},
		{"semi;colon", false},
		{"$(rm -rf)", false},
		{"slash/inside", false},
		{"dot.inside", false},
		{strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		if got := IsValidID(tt.id); got != tt.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}

func TestParseCreatedID(t *testing.T) {
	id, err := parseCreatedID("Created issue ralph-abc123: Fix the parser\n")
	if err != nil {
		t.Fatalf("parseCreatedID failed: %v", err)
	}
	if id != "ralph-abc123" {
		t.Errorf("expected ralph-abc123, got %s", id)
	}

	if _, err := parseCreatedID("something else"); err == nil {
		t.Error("expected error for unparseable output")
	}
}

func TestParseTree(t *testing.T) {
	output := `○ ralph-root - Milestone [open]
   ├─ ○ ralph-a1 - First child [open]
   ├─ ● ralph-b2 - Done child [closed]
   └─ ○ ralph-c3 - Last child [open]
`
	items := parseTree("ralph-root", output)
	if len(items) != 3 {
		t.Fatalf("expected 3 children, got %d: %+v", len(items), items)
	}
	if items[0].ID != "ralph-a1" || items[0].Title != "First child" || items[0].Status != "open" {
		t.Errorf("unexpected first child: %+v", items[0])
	}
	if items[1].Status != "closed" {
		t.Errorf("expected closed status, got %s", items[1].Status)
	}
}

func TestParseShow(t *testing.T) {
	output := `ralph-a1 [P2] Implement retry
Status: open

Description:
Add exponential backoff to planner calls.

Comments:
  [2026-01-20 10:30:00] wrangler: Completed in iteration 2
  [2026-01-20 11:00:00] code-reviewer: Missing tests
`
	item := parseShow("ralph-a1", output)
	if item.Title != "Implement retry" {
		t.Errorf("unexpected title %q", item.Title)
	}
	if item.Status != "open" {
		t.Errorf("unexpected status %q", item.Status)
	}
	if item.Description != "Add exponential backoff to planner calls." {
		t.Errorf("unexpected description %q", item.Description)
	}
	if len(item.Comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(item.Comments))
	}
	if item.Comments[1].Source != "code-reviewer" {
		t.Errorf("unexpected comment source %q", item.Comments[1].Source)
	}
}

func TestClient_RejectsUnsafeIDs(t *testing.T) {
	c := NewClient(t.TempDir(), "/nonexistent/trc")
	ctx := context.Background()

	if err := c.Close(ctx, "x; rm -rf /", ""); err == nil {
		t.Error("Close accepted an unsafe ID")
	}
	if err := c.Comment(ctx, "../etc", "hi", ""); err == nil {
		t.Error("Comment accepted an unsafe ID")
	}
	if _, err := c.Show(ctx, ""); err == nil {
		t.Error("Show accepted an empty ID")
	}
	if _, err := c.Create(ctx, "title", "desc", "bad parent"); err == nil {
		t.Error("Create accepted an unsafe parent ID")
	}
}

func TestClient_CreateWithFakeBinary(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "trc")
	body := "#!/bin/sh\necho \"$@\" > \"$(dirname \"$0\")/args\"\necho 'Created issue ralph-new1: title'\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("writing fake trc: %v", err)
	}

	c := NewClient(dir, script)
	id, err := c.Create(context.Background(), "title", "desc", "ralph-root")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id != "ralph-new1" {
		t.Errorf("expected ralph-new1, got %s", id)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	if err != nil {
		t.Fatalf("reading recorded args: %v", err)
	}
	if !strings.Contains(string(args), "--parent ralph-root") {
		t.Errorf("expected --parent in args, got %q", args)
	}
}
