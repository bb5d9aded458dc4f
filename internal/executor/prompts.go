package executor

import (
	"fmt"
	"strings"

	"github.com/cloud-shuttle/wrangler/pkg/types"
)

const plannerContract = `End your response with a single JSON object:
{"decision": "CONTINUE|DONE|STUCK", "reason": "...", "blocker": "required when STUCK",
 "iteration_intent": "1-2 sentences on what this iteration accomplishes",
 "work_items": [{"work_item_id": "tracker id", "description": "...", "executor_number": 1}],
 "memory_updates": "what you changed in project memory, if anything"}`

const executorContract = `End your response with a single JSON object:
{"status": "Completed|Blocked|Uncertain", "what_was_done": "...", "blockers": "required when Blocked",
 "notes": "...", "efficiency_notes": "insights that save time next iteration",
 "work_committed": true, "traces_updated": true}`

const verifierContract = `End your response with a single JSON object:
{"outcome": "DONE|CONTINUE|STUCK",
 "criteria_status": [{"criterion": "...", "status": "satisfied|not_satisfied|unverifiable", "evidence": "..."}],
 "gaps": ["unsatisfied criteria"], "blocker": "required when STUCK", "efficiency_notes": "..."}`

const feedbackContract = `End your response with a single JSON object:
{"specialist_name": "%s", "feedback_items": [{"priority": "P0|P1|P2|P3",
 "location": "path/to/file.go:10-20", "issue": "...", "impact": "...", "suggestion": "..."}],
 "summary": "..."}`

// PlanInput is what the planner sees at the start of an iteration
type PlanInput struct {
	Iteration        int
	Objective        string
	Memory           string
	MemoryPath       string
	RootWorkItemID   string
	MaxWorkers       int
	ExecutorSummary  string // outcomes of the previous iteration
	VerifierSummary  string
	Feedback         []types.FeedbackItem
	HumanComments    []string
	ProjectGuideline string
}

func buildPlannerPrompt(in PlanInput) string {
	var p strings.Builder

	p.WriteString("You are the planner for an autonomous coding loop. You do not write code.\n")
	p.WriteString("Review the objective, the task tracker and last iteration's feedback, then decide whether to CONTINUE, declare DONE or report STUCK.\n\n")
	p.WriteString("Rules:\n")
	p.WriteString("- CONTINUE when implementable work remains, even if some work is blocked.\n")
	p.WriteString("- DONE only when the verifier reports every criterion satisfied and no P0/P1 work is open.\n")
	p.WriteString("- STUCK only when every remaining task needs external input; name the blocker.\n")
	fmt.Fprintf(&p, "- Assign at most %d work items, each an existing tracker id, and never two items that edit the same files.\n", max(in.MaxWorkers, 1))
	p.WriteString("- Use `trc ready`, `trc show <id>` and `trc create \"title\" --description \"...\" --parent <id>` to manage tasks.\n")
	if in.MemoryPath != "" {
		fmt.Fprintf(&p, "- Curate project memory at %s: keep it short, actionable and deduplicated.\n", in.MemoryPath)
	}
	if in.RootWorkItemID != "" {
		fmt.Fprintf(&p, "- All tasks for this run live under root work item %s. When DONE, close it with `trc close %s`.\n", in.RootWorkItemID, in.RootWorkItemID)
	}

	fmt.Fprintf(&p, "\n## Iteration\n%d\n", in.Iteration)
	fmt.Fprintf(&p, "\n## Objective\n%s\n", in.Objective)
	writeSection(&p, "Project guidelines", in.ProjectGuideline)
	writeSection(&p, "Project memory", in.Memory)
	writeSection(&p, "Last executor results", in.ExecutorSummary)
	writeSection(&p, "Last verifier assessment", in.VerifierSummary)
	if len(in.Feedback) > 0 {
		p.WriteString("\n## Specialist feedback\n")
		for _, f := range in.Feedback {
			p.WriteString("- " + f.String() + "\n")
		}
	}
	if len(in.HumanComments) > 0 {
		p.WriteString("\n## Human comments (take these into account)\n")
		for _, c := range in.HumanComments {
			p.WriteString("- " + c + "\n")
		}
	}

	p.WriteString("\n" + plannerContract + "\n")
	return p.String()
}

func buildExecutorPrompt(taskID, description, memory, guidelines, extra string) string {
	var p strings.Builder

	p.WriteString("You are an executor in an autonomous coding loop. Complete exactly one work item in this working directory.\n\n")
	fmt.Fprintf(&p, "## Work item\n%s\n\n%s\n", taskID, description)
	fmt.Fprintf(&p, "\nRead details with `trc show %s` and record progress with `trc comment %s \"...\"`.\n", taskID, taskID)
	p.WriteString("Stay inside this directory. Write tests for what you build and run them.\n")
	p.WriteString("Commit all of your work with git before finishing; uncommitted work may be lost.\n")
	p.WriteString("If you cannot finish, report Blocked with the reason instead of guessing.\n")
	writeSection(&p, "Project guidelines", guidelines)
	writeSection(&p, "Project memory", memory)
	writeSection(&p, "Context", extra)

	p.WriteString("\n" + executorContract + "\n")
	return p.String()
}

func buildVerifierPrompt(objective, memory, executorSummary string) string {
	var p strings.Builder

	p.WriteString("You are the verifier in an autonomous coding loop. Do not modify any files.\n")
	p.WriteString("Check every acceptance criterion of the objective against the code as it is now. Run tests and commands to gather evidence; reading code alone is not evidence.\n")
	p.WriteString("Report DONE only when every criterion is satisfied, CONTINUE when gaps remain, STUCK when verification needs resources you do not have.\n")
	fmt.Fprintf(&p, "\n## Objective\n%s\n", objective)
	writeSection(&p, "Project memory", memory)
	writeSection(&p, "What executors did this iteration", executorSummary)

	p.WriteString("\n" + verifierContract + "\n")
	return p.String()
}

func buildResolverPrompt(c types.ConflictInfo) string {
	var p strings.Builder

	fmt.Fprintf(&p, "# Merge conflict resolution\n\nMerging branch %s into %s stopped with conflicts", c.Branch, c.Target)
	if len(c.Files) > 0 {
		fmt.Fprintf(&p, " in: %s", strings.Join(c.Files, ", "))
	}
	p.WriteString(".\n")
	if c.Output != "" {
		fmt.Fprintf(&p, "\n```\n%s\n```\n", c.Output)
	}
	p.WriteString(`
1. Inspect the conflicted files with git status and by reading them.
2. Edit each file so it keeps the intent of both sides and has no conflict markers.
3. Stage the resolved files with git add.
4. Do not abort the merge and do not switch branches.
`)
	return p.String()
}

func buildReviewerPrompt(name, objective, memory string) string {
	var p strings.Builder

	p.WriteString("You are a code reviewer. Do not modify any files.\n")
	p.WriteString("Review the code changed for the objective below for correctness, missing tests, error handling and maintainability.\n")
	p.WriteString("Report concrete findings only, each with a file location. P0 and P1 are for defects that must be fixed before the objective is done.\n")
	fmt.Fprintf(&p, "\n## Objective\n%s\n", objective)
	writeSection(&p, "Project memory", memory)

	p.WriteString("\n" + fmt.Sprintf(feedbackContract, name) + "\n")
	return p.String()
}

func writeSection(p *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(p, "\n## %s\n%s\n", title, strings.TrimSpace(body))
}
