package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// WriteSummary writes <dir>/<runID>.md describing how the run ended and
// returns its path
func WriteSummary(dir string, run *types.Run, iterations []*types.Iteration, res *Result) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating summaries directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", git.TitleFromObjective(run.Objective))
	fmt.Fprintf(&b, "- Run: %s\n", run.ID)
	fmt.Fprintf(&b, "- Status: %s\n", res.State.RunStatus())
	if run.IntegrationBranch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", run.IntegrationBranch)
	}
	if run.ObjectivePath != "" {
		fmt.Fprintf(&b, "- Objective: %s\n", run.ObjectivePath)
	}
	fmt.Fprintf(&b, "- Started: %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", time.Now().Format(time.RFC3339))
	if res.Blocker != "" {
		fmt.Fprintf(&b, "\n## Blocker\n\n%s\n", res.Blocker)
	}

	if len(iterations) > 0 {
		b.WriteString("\n## Iterations\n\n| # | Intent | Outcome |\n|---|---|---|\n")
		for _, it := range iterations {
			fmt.Fprintf(&b, "| %d | %s | %s |\n", it.Number, tableCell(it.Intent), tableCell(it.Outcome))
		}
	}

	path := filepath.Join(dir, run.ID+".md")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}
	return path, nil
}

func tableCell(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if s == "" {
		return "-"
	}
	return s
}
