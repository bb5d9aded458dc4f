package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloud-shuttle/wrangler/internal/db"
	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/internal/workflow"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	dimStyle     = lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("245"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func statusStyle(status types.RunStatus) lipgloss.Style {
	switch status {
	case types.RunStatusCompleted:
		return successStyle
	case types.RunStatusRunning, types.RunStatusPaused, types.RunStatusMaxIterations:
		return warnStyle
	default:
		return errorStyle
	}
}

func field(label, value string) string {
	return labelStyle.Render(label) + " " + value
}

// printResult renders how a run call ended
func printResult(res *workflow.Result) {
	status := res.State.RunStatus()
	lines := []string{
		titleStyle.Render("🐂 Run " + res.RunID),
		field("Status", statusStyle(status).Render(string(status))),
		field("Iterations", fmt.Sprintf("%d", res.Iterations)),
	}
	if res.Blocker != "" {
		lines = append(lines, field("Blocker", res.Blocker))
	}
	if res.SummaryPath != "" {
		lines = append(lines, field("Summary", res.SummaryPath))
	}
	fmt.Println()
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func printStatus(run *types.Run, iterations []*types.Iteration, worktrees []*db.WorktreeInfo, pending []*types.HumanInput) {
	lines := []string{
		titleStyle.Render(git.TitleFromObjective(run.Objective)),
		field("Run", run.ID),
		field("Status", statusStyle(run.Status).Render(string(run.Status))),
		field("Branch", run.IntegrationBranch),
		field("Started", run.StartedAt.Format(time.RFC3339)),
	}
	if run.EndedAt != nil {
		lines = append(lines, field("Ended", run.EndedAt.Format(time.RFC3339)))
	}
	if run.RootWorkItemID != "" {
		lines = append(lines, field("Work item", run.RootWorkItemID))
	}
	lines = append(lines, field("Iterations", fmt.Sprintf("%d", len(iterations))))

	if n := len(iterations); n > 0 {
		last := iterations[n-1]
		outcome := last.Outcome
		if last.EndedAt == nil {
			outcome = "in progress"
		}
		lines = append(lines, "", headerStyle.Render(fmt.Sprintf("Iteration %d", last.Number)))
		if last.Intent != "" {
			lines = append(lines, field("Intent", last.Intent))
		}
		lines = append(lines, field("Outcome", outcome))
	}

	if len(worktrees) > 0 {
		lines = append(lines, "", headerStyle.Render("Worktrees"))
		for _, wt := range worktrees {
			lines = append(lines, fmt.Sprintf("  %s %s %s", wt.TaskID, dimStyle.Render(wt.Branch), wt.Status))
		}
	}

	if len(pending) > 0 {
		lines = append(lines, "", headerStyle.Render("Pending input"))
		for _, in := range pending {
			s := "  " + string(in.Type)
			if in.Content != "" {
				s += ": " + in.Content
			}
			lines = append(lines, s)
		}
	}

	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func printRuns(runs []*types.Run) {
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-14s %-16s %-20s %s", "RUN", "STATUS", "STARTED", "OBJECTIVE")))
	for _, r := range runs {
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-16s", r.Status))
		fmt.Printf("%-14s %s %-20s %s\n", r.ID, status, r.StartedAt.Format("2006-01-02 15:04"), git.TitleFromObjective(r.Objective))
	}
}

func printIterations(run *types.Run, iterations []*types.Iteration, outputs map[int64][]*types.AgentOutput) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s  %s", run.ID, git.TitleFromObjective(run.Objective))))
	fmt.Println(field("Status", statusStyle(run.Status).Render(string(run.Status))))
	fmt.Println(field("Branch", run.IntegrationBranch))

	for _, it := range iterations {
		fmt.Println()
		fmt.Println(headerStyle.Render(fmt.Sprintf("Iteration %d", it.Number)))
		if it.Intent != "" {
			fmt.Println(field("Intent", it.Intent))
		}
		if it.EndedAt != nil {
			fmt.Println(field("Outcome", it.Outcome))
			fmt.Println(field("Took", it.EndedAt.Sub(it.StartedAt).Round(time.Second).String()))
		} else {
			fmt.Println(field("Outcome", warnStyle.Render("in progress")))
		}
		for _, o := range outputs[it.ID] {
			summary := strings.SplitN(o.Summary, "\n", 2)[0]
			fmt.Printf("  %-24s %s\n", o.AgentType, summary)
			if o.RawOutputPath != "" {
				fmt.Printf("  %-24s %s\n", "", dimStyle.Render(o.RawOutputPath))
			}
		}
	}
}
