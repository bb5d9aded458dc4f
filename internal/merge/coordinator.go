// Package merge folds completed task branches into the integration branch
// one at a time, with optional agent-assisted conflict resolution
package merge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/pkg/telemetry"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

// mergeMutex serializes merges across coordinators sharing a repository;
// the main checkout and its index can only host one merge at a time
var mergeMutex sync.Mutex

// Gateway is the git surface the coordinator drives
type Gateway interface {
	git.Gateway
	ConcludeMerge(ctx context.Context) git.Result
}

// Resolver attempts to resolve an in-progress conflicted merge in the
// main checkout. It may edit, stage and commit; success is judged by the
// coordinator, not by the returned error.
type Resolver interface {
	Resolve(ctx context.Context, conflict types.ConflictInfo) error
}

// Policy controls conflict handling
type Policy struct {
	// ResolutionRounds is the number of resolve attempts per conflicted
	// merge; 0 disables resolution
	ResolutionRounds int
}

// DefaultPolicy allows one resolution round
func DefaultPolicy() Policy {
	return Policy{ResolutionRounds: 1}
}

// Candidate is a task branch offered for merging
type Candidate struct {
	TaskID string
	Branch string
}

// Eligible reports whether an outcome's branch should be merged
func Eligible(outcome *types.TaskOutcome) bool {
	return outcome != nil && outcome.Status == types.TaskStatusCompleted && outcome.WorkCommitted
}

// Coordinator merges candidates serially into a target branch
type Coordinator struct {
	gw       Gateway
	policy   Policy
	resolver Resolver
	verbose  bool
}

// NewCoordinator creates a coordinator over gw
func NewCoordinator(gw Gateway, policy Policy) *Coordinator {
	if policy.ResolutionRounds < 0 {
		policy.ResolutionRounds = 0
	}
	return &Coordinator{gw: gw, policy: policy}
}

// SetResolver installs the conflict resolver; nil disables resolution
func (c *Coordinator) SetResolver(r Resolver) {
	c.resolver = r
}

// SetVerbose enables verbose logging
func (c *Coordinator) SetVerbose(v bool) {
	c.verbose = v
}

// MergeSerially merges each candidate into target in order. A failed
// merge never leaves conflict markers behind and never prevents the next
// candidate from being attempted. Results are returned in input order.
func (c *Coordinator) MergeSerially(ctx context.Context, candidates []Candidate, target string) []types.MergeResult {
	mergeMutex.Lock()
	defer mergeMutex.Unlock()

	results := make([]types.MergeResult, 0, len(candidates))
	for _, cand := range candidates {
		res := c.mergeOne(ctx, cand, target)
		if res.Success {
			if res.Resolved {
				log.Printf("✅ Merged %s into %s after resolving conflicts", cand.Branch, target)
			} else {
				log.Printf("✅ Merged %s into %s", cand.Branch, target)
			}
		} else {
			log.Printf("❌ Merge of %s into %s failed: %v", cand.Branch, target, res.Err)
		}
		results = append(results, res)
	}
	return results
}

func (c *Coordinator) mergeOne(ctx context.Context, cand Candidate, target string) types.MergeResult {
	ctx, span := telemetry.StartMergeSpan(ctx, telemetry.SpanGitMerge, cand.Branch, target)
	defer span.End()

	result := types.MergeResult{TaskID: cand.TaskID}
	fail := func(err error) types.MergeResult {
		result.Err = err
		telemetry.RecordError(span, err, "MergeError", telemetry.ErrorCategoryGit)
		return result
	}

	// A previous crash can leave a merge in progress on the target
	if conflicted, _ := c.gw.HasConflicts(ctx); conflicted {
		c.gw.AbortMerge(ctx)
	}

	if res := c.gw.Checkout(ctx, target); !res.OK {
		return fail(res.Err("checking out " + target))
	}

	res := c.gw.Merge(ctx, cand.Branch)
	if res.OK {
		result.Success = true
		return result
	}

	conflicted, files := c.gw.HasConflicts(ctx)
	if !conflicted {
		c.gw.AbortMerge(ctx)
		return fail(res.Err("merging " + cand.Branch))
	}

	info := &types.ConflictInfo{
		TaskID: cand.TaskID,
		Branch: cand.Branch,
		Target: target,
		Files:  files,
		Output: strings.TrimSpace(res.Output),
	}
	result.Conflict = info
	log.Printf("⚠️  Merge conflict for %s in: %s", cand.TaskID, strings.Join(files, ", "))

	if c.resolve(ctx, info) {
		result.Success = true
		result.Resolved = true
		return result
	}

	if res := c.gw.AbortMerge(ctx); !res.OK {
		log.Printf("⚠️  Failed to abort merge of %s: %s", cand.Branch, strings.TrimSpace(res.Output))
	}
	return fail(fmt.Errorf("merge conflict in %s", strings.Join(info.Files, ", ")))
}

// resolve runs up to ResolutionRounds resolver rounds. Each round must
// leave no conflicted paths; the merge is then concluded and retried to
// confirm the branch is fully merged.
func (c *Coordinator) resolve(ctx context.Context, info *types.ConflictInfo) bool {
	if c.resolver == nil || c.policy.ResolutionRounds == 0 {
		return false
	}

	ctx, span := telemetry.StartMergeSpan(ctx, telemetry.SpanGitResolve, info.Branch, info.Target)
	defer span.End()

	for round := 1; round <= c.policy.ResolutionRounds; round++ {
		if ctx.Err() != nil {
			return false
		}
		if c.verbose {
			log.Printf("🔧 Resolution round %d/%d for %s", round, c.policy.ResolutionRounds, info.TaskID)
		}

		if err := c.resolver.Resolve(ctx, *info); err != nil {
			log.Printf("⚠️  Conflict resolver failed for %s: %v", info.TaskID, err)
		}

		if conflicted, files := c.gw.HasConflicts(ctx); conflicted {
			info.Files = files
			continue
		}

		if res := c.gw.ConcludeMerge(ctx); !res.OK {
			info.Output = strings.TrimSpace(res.Output)
			continue
		}

		// The resolver may have aborted instead of resolving; merging
		// again either reports up to date or reproduces the conflict
		res := c.gw.Merge(ctx, info.Branch)
		if res.OK {
			return true
		}
		conflicted, files := c.gw.HasConflicts(ctx)
		if !conflicted {
			info.Output = strings.TrimSpace(res.Output)
			return false
		}
		info.Files = files
		info.Output = strings.TrimSpace(res.Output)
	}

	telemetry.RecordError(span, fmt.Errorf("unresolved conflicts after %d rounds", c.policy.ResolutionRounds), "ConflictError", telemetry.ErrorCategoryGit)
	return false
}
