package tracker

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// WorkItem is a tracker entry
type WorkItem struct {
	ID          string
	Title       string
	Description string
	Status      string
	Comments    []Comment
}

// Comment is a note attached to a work item
type Comment struct {
	Timestamp string
	Source    string
	Text      string
}

var (
	createdPattern = regexp.MustCompile(`Created issue (\S+):`)
	treePattern    = regexp.MustCompile(`[├└]─\s+[○●]\s+([A-Za-z0-9\-]+)\s+-\s+(.+?)\s+\[(\w+)\]`)
	titleLine      = regexp.MustCompile(`^(?:[○●]\s+)?(\S+)\s+(?:\[P\d+\]\s+)?(.+)$`)
	statusLine     = regexp.MustCompile(`(?m)^Status:\s*(\S+)`)
	descPattern    = regexp.MustCompile(`(?s)Description:\s*\n(.+?)(?:\n\n|\nDependencies:|\nComments:|\z)`)
	commentLine    = regexp.MustCompile(`^\s+\[([^\]]+)\]\s+([^:]+):\s+(.+)$`)
)

// Client runs the trc CLI in a project directory
type Client struct {
	dir     string
	trcPath string
	verbose bool
}

// NewClient creates a tracker client; trcPath defaults to "trc"
func NewClient(dir, trcPath string) *Client {
	if trcPath == "" {
		trcPath = "trc"
	}
	return &Client{dir: dir, trcPath: trcPath}
}

// SetVerbose enables or disables verbose logging
func (c *Client) SetVerbose(v bool) {
	c.verbose = v
}

// CheckInstalled verifies the trc binary can be run
func (c *Client) CheckInstalled() error {
	if _, err := exec.LookPath(c.trcPath); err != nil {
		return fmt.Errorf("trc not found: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.trcPath, args...)
	cmd.Dir = c.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("trc %s: %w\n%s", args[0], err, output)
	}
	return string(output), nil
}

// Create adds a work item, optionally under parent, and returns its ID
func (c *Client) Create(ctx context.Context, title, description, parent string) (string, error) {
	args := []string{"create", title, "--description", description}
	if parent != "" {
		if err := ValidateID(parent); err != nil {
			return "", err
		}
		args = append(args, "--parent", parent)
	}

	output, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return parseCreatedID(output)
}

// Show returns the details of a work item
func (c *Client) Show(ctx context.Context, id string) (*WorkItem, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	output, err := c.run(ctx, "show", id)
	if err != nil {
		return nil, err
	}
	return parseShow(id, output), nil
}

// Close marks a work item closed
func (c *Client) Close(ctx context.Context, id, message string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	args := []string{"close", id}
	if message != "" {
		args = append(args, "--message", message)
	}
	_, err := c.run(ctx, args...)
	return err
}

// Comment posts text on a work item, tagged with source
func (c *Client) Comment(ctx context.Context, id, text, source string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	args := []string{"comment", id, text}
	if source != "" {
		args = append(args, "--source", source)
	}
	_, err := c.run(ctx, args...)
	return err
}

// ListChildren returns the descendants of id listed by `trc tree`
func (c *Client) ListChildren(ctx context.Context, id string) ([]WorkItem, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	output, err := c.run(ctx, "tree", id)
	if err != nil {
		return nil, err
	}
	return parseTree(id, output), nil
}

func parseCreatedID(output string) (string, error) {
	m := createdPattern.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("could not parse work item ID from: %s", strings.TrimSpace(output))
	}
	id := strings.TrimSuffix(m[1], ":")
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func parseTree(rootID, output string) []WorkItem {
	var items []WorkItem
	for _, line := range strings.Split(output, "\n") {
		m := treePattern.FindStringSubmatch(line)
		if m == nil || m[1] == rootID {
			continue
		}
		items = append(items, WorkItem{ID: m[1], Title: m[2], Status: m[3]})
	}
	return items
}

func parseShow(id, output string) *WorkItem {
	item := &WorkItem{ID: id}

	lines := strings.Split(output, "\n")
	if len(lines) > 0 {
		if m := titleLine.FindStringSubmatch(strings.TrimSpace(lines[0])); m != nil && m[1] == id {
			item.Title = m[2]
		}
	}
	if m := statusLine.FindStringSubmatch(output); m != nil {
		item.Status = m[1]
	}
	if m := descPattern.FindStringSubmatch(output); m != nil {
		item.Description = strings.TrimSpace(m[1])
	}

	inComments := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "Comments:" {
			inComments = true
			continue
		}
		if !inComments {
			continue
		}
		if m := commentLine.FindStringSubmatch(line); m != nil {
			item.Comments = append(item.Comments, Comment{
				Timestamp: m[1],
				Source:    strings.TrimSpace(m[2]),
				Text:      m[3],
			})
		}
	}
	return item
}
