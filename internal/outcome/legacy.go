package outcome

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// SummaryMarker opens the free-text executor report
const SummaryMarker = "EXECUTOR_SUMMARY:"

// LegacyParser reads the line-oriented report older agent prompts asked for:
//
//	EXECUTOR_SUMMARY:
//	Status: Completed
//	What was done: ...
//	Blockers: ...
//	Notes: ...
//	Efficiency Notes: ...
type LegacyParser struct{}

// ParseExecutor implements Parser. The report carries no commit flag, so
// WorkCommitted is left false and the caller's auto-commit check decides.
func (LegacyParser) ParseExecutor(output string) (*types.TaskOutcome, error) {
	text := ResultText(output)
	idx := strings.LastIndex(text, SummaryMarker)
	if idx < 0 {
		return nil, fmt.Errorf("no %s block in agent output", SummaryMarker)
	}

	o := &types.TaskOutcome{}
	var current *string
	scanner := bufio.NewScanner(strings.NewReader(text[idx+len(SummaryMarker):]))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, ":")
		if found {
			if field := legacyField(o, strings.ToLower(strings.TrimSpace(key))); field != nil {
				*field = strings.TrimSpace(value)
				current = field
				continue
			}
		}
		// Continuation lines belong to the previous field
		if current != nil && line != "" {
			*current += "\n" + line
		}
	}

	status := types.TaskStatus(strings.Trim(string(o.Status), "[] "))
	for _, s := range []types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusBlocked, types.TaskStatusUncertain} {
		if strings.EqualFold(string(status), string(s)) {
			status = s
		}
	}
	if !status.IsValid() {
		return nil, &ValidationError{Kind: "executor", Problems: []string{fmt.Sprintf("status %q must be Completed, Blocked or Uncertain", o.Status)}}
	}
	o.Status = status
	if strings.EqualFold(o.Blockers, "none") {
		o.Blockers = ""
	}
	return o, nil
}

func legacyField(o *types.TaskOutcome, key string) *string {
	switch key {
	case "status":
		return (*string)(&o.Status)
	case "what was done":
		return &o.WhatWasDone
	case "blockers":
		return &o.Blockers
	case "notes":
		return &o.Notes
	case "efficiency notes":
		return &o.EfficiencyNotes
	}
	return nil
}
