package executor

import (
	"fmt"
	"os"
	"path/filepath"
)

// Transcripts stores raw agent output under <dir>/<runID>/
type Transcripts struct {
	dir string
}

// NewTranscripts creates a store rooted at dir (usually .wrangler/outputs)
func NewTranscripts(dir string) *Transcripts {
	return &Transcripts{dir: dir}
}

// Path returns where the transcript for an agent in an iteration lives
func (t *Transcripts) Path(runID string, iteration int, agent string) string {
	return filepath.Join(t.dir, runID, fmt.Sprintf("iteration_%d_%s.log", iteration, agent))
}

// Save writes output and returns its path
func (t *Transcripts) Save(runID string, iteration int, agent, output string) (string, error) {
	path := t.Path(runID, iteration, agent)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating transcript directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	return path, nil
}
