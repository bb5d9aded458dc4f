// Package retry classifies failures and re-runs transient ones with
// exponential backoff
package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// Class is the retry classification of a failure
type Class string

const (
	Transient Class = "transient" // Worth another attempt
	Fatal     Class = "fatal"     // Retrying cannot help
)

// Error carries an explicit classification, overriding pattern matching
type Error struct {
	Kind Class
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MarkTransient wraps err so Classify reports it as Transient
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Transient, Err: err}
}

// MarkFatal wraps err so Classify reports it as Fatal
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Fatal, Err: err}
}

// Message fragments, checked after the typed errors.
// Fatal patterns win over transient ones.
var (
	fatalPatterns = []string{
		"401", "403",
		"unauthorized", "forbidden",
		"invalid api key", "authentication",
		"permission denied", "no such file",
		"not found: config", "invalid config",
	}
	transientPatterns = []string{
		"429", "500", "502", "503", "504",
		"rate limit", "timeout", "timed out",
		"connection", "overloaded", "temporarily unavailable",
	}
)

// Classify decides whether err is worth retrying. Unknown failures are
// Transient so a flaky collaborator gets its bounded number of attempts.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var explicit *Error
	if errors.As(err, &explicit) {
		return explicit.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, context.Canceled):
		return Fatal
	case errors.Is(err, os.ErrPermission), errors.Is(err, os.ErrNotExist):
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return Fatal
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}
	return Transient
}
