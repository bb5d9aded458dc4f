// Package tracker talks to the trc work-item tracker used to enumerate and
// annotate units of work
package tracker

import (
	"fmt"
	"regexp"
)

// idPattern matches alphanumeric segments joined by single hyphens, e.g.
// "ralph-abc123" or "run-1f2e3d4c". IDs reach exec argument lists and git
// ref names, so anything else is rejected.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)

// maxIDLen bounds IDs used in branch names and directory names
const maxIDLen = 128

// ValidateID returns an error unless id is safe to use in commands
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("invalid ID: empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("invalid ID %.20q...: longer than %d characters", id, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid ID %q: must be alphanumeric segments joined by hyphens", id)
	}
	return nil
}

// IsValidID reports whether id passes ValidateID
func IsValidID(id string) bool {
	return ValidateID(id) == nil
}
