package git

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// maxSlugLen keeps branch names readable in `git branch` output
const maxSlugLen = 60

var titlePattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// TitleFromObjective returns the first markdown H1 of an objective document
func TitleFromObjective(content string) string {
	if m := titlePattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "wrangler run"
}

// Slugify converts text to a lowercase ASCII slug joined by hyphens
func Slugify(text string) string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(clean))
	prevHyphen := false
	for _, r := range strings.ToLower(clean) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				b.WriteRune('-')
				prevHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// IntegrationBranchName derives a free branch name from title, appending
// -2, -3, ... while the candidate already exists
func IntegrationBranchName(ctx context.Context, gw Gateway, title string) string {
	base := Slugify(title)
	if base == "" {
		base = "integration"
	}
	name := base
	for i := 2; gw.BranchExists(ctx, name); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

// EnsureIntegrationBranch creates the integration branch from base when it
// does not exist yet. Existing branches are reused untouched.
func EnsureIntegrationBranch(ctx context.Context, gw Gateway, name, base string) error {
	if gw.BranchExists(ctx, name) {
		return nil
	}
	if res := gw.CreateBranch(ctx, name, base); !res.OK {
		return res.Err("creating integration branch " + name)
	}
	return nil
}
