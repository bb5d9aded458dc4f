package outcome

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/wrangler/internal/tracker"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// ResultText unwraps the CLI JSON envelope when present and returns the
// agent's final message; other output is returned unchanged
func ResultText(output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return output
	}
	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil || env.Type != "result" {
		return output
	}
	return env.Result
}

// ExtractJSON returns the last top-level JSON object in output that
// decodes successfully. Fenced code blocks and surrounding prose are
// ignored. A balanced block that is not valid JSON is skipped whole, so
// objects nested inside code are not considered.
func ExtractJSON(output string) (string, error) {
	text := ResultText(output)

	var last string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := matchBrace(text, start)
		if end < 0 {
			continue
		}
		if candidate := text[start : end+1]; json.Valid([]byte(candidate)) {
			last = candidate
		}
		start = end
	}
	if last == "" {
		return "", ErrNoJSON
	}
	return last, nil
}

// matchBrace returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decode(output, kind string, v any) (string, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return "", fmt.Errorf("decoding %s output: %w", kind, err)
	}
	return raw, nil
}

// ParsePlan validates the planner's decision payload. CONTINUE requires
// at least one work item with a valid ID; STUCK requires a blocker.
func ParsePlan(output string) (*types.PlanResult, error) {
	var w planWire
	raw, err := decode(output, "plan", &w)
	if err != nil {
		return nil, err
	}

	plan := &types.PlanResult{
		Decision:        types.Decision(strings.ToUpper(string(w.Decision))),
		Reason:          w.Reason,
		Blocker:         w.Blocker,
		IterationIntent: w.IterationIntent,
		WorkItems:       w.WorkItems,
		MemoryUpdates:   w.MemoryUpdates,
		Raw:             raw,
	}
	if w.IterationPlan != nil && len(w.IterationPlan.WorkItems) > 0 {
		plan.WorkItems = w.IterationPlan.WorkItems
	}

	var problems []string
	if !plan.Decision.IsValid() {
		problems = append(problems, fmt.Sprintf("decision %q must be CONTINUE, DONE or STUCK", w.Decision))
	}
	if plan.Decision == types.DecisionStuck && strings.TrimSpace(plan.Blocker) == "" {
		problems = append(problems, "STUCK requires a blocker")
	}
	if plan.Decision == types.DecisionContinue {
		if len(plan.WorkItems) == 0 {
			problems = append(problems, "CONTINUE requires at least one work item")
		}
		seen := make(map[string]bool)
		for i, item := range plan.WorkItems {
			if err := tracker.ValidateID(item.ID); err != nil {
				problems = append(problems, fmt.Sprintf("work item %d: %v", i+1, err))
				continue
			}
			if seen[item.ID] {
				problems = append(problems, fmt.Sprintf("work item %s assigned twice", item.ID))
			}
			seen[item.ID] = true
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Kind: "plan", Problems: problems}
	}
	return plan, nil
}

// ParseExecutor validates a worker's final report
func ParseExecutor(output string) (*types.TaskOutcome, error) {
	var w executorWire
	if _, err := decode(output, "executor", &w); err != nil {
		return nil, err
	}

	var problems []string
	if !w.Status.IsValid() {
		problems = append(problems, fmt.Sprintf("status %q must be Completed, Blocked or Uncertain", w.Status))
	}
	if w.WorkCommitted == nil {
		problems = append(problems, "work_committed is required")
	}
	if w.Status == types.TaskStatusBlocked && strings.TrimSpace(w.Blockers) == "" {
		problems = append(problems, "Blocked requires blockers")
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Kind: "executor", Problems: problems}
	}

	return &types.TaskOutcome{
		Status:          w.Status,
		WorkCommitted:   *w.WorkCommitted,
		WhatWasDone:     w.WhatWasDone,
		Blockers:        w.Blockers,
		Notes:           w.Notes,
		EfficiencyNotes: w.EfficiencyNotes,
		TracesUpdated:   w.TracesUpdated,
	}, nil
}

// ParseVerify validates the verifier's assessment
func ParseVerify(output string) (*types.VerifyResult, error) {
	var v types.VerifyResult
	raw, err := decode(output, "verify", &v)
	if err != nil {
		return nil, err
	}
	v.Outcome = types.Decision(strings.ToUpper(string(v.Outcome)))
	v.Raw = raw

	var problems []string
	if !v.Outcome.IsValid() {
		problems = append(problems, fmt.Sprintf("outcome %q must be CONTINUE, DONE or STUCK", v.Outcome))
	}
	for _, c := range v.CriteriaStatus {
		switch c.Status {
		case "satisfied", "not_satisfied", "unverifiable":
		default:
			problems = append(problems, fmt.Sprintf("criterion %q has unknown status %q", c.Criterion, c.Status))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Kind: "verify", Problems: problems}
	}
	return &v, nil
}

// ParseFeedback validates a specialist's findings. Items with an unknown
// priority are rejected; an empty list is valid.
func ParseFeedback(output string) ([]types.FeedbackItem, error) {
	var w feedbackWire
	if _, err := decode(output, "feedback", &w); err != nil {
		return nil, err
	}

	var problems []string
	for i, item := range w.FeedbackItems {
		switch item.Priority {
		case types.PriorityP0, types.PriorityP1, types.PriorityP2, types.PriorityP3:
		default:
			problems = append(problems, fmt.Sprintf("item %d: priority %q must be P0-P3", i+1, item.Priority))
		}
		if strings.TrimSpace(item.Issue) == "" {
			problems = append(problems, fmt.Sprintf("item %d: issue is required", i+1))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Kind: "feedback", Problems: problems}
	}
	return w.FeedbackItems, nil
}

// JSONParser is the default Parser; it falls back to the legacy text
// format only when the output has no JSON object at all
type JSONParser struct {
	Legacy *LegacyParser
}

// ParseExecutor implements Parser
func (p JSONParser) ParseExecutor(output string) (*types.TaskOutcome, error) {
	o, err := ParseExecutor(output)
	if errors.Is(err, ErrNoJSON) && p.Legacy != nil {
		return p.Legacy.ParseExecutor(output)
	}
	return o, err
}
