package retry

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Policy bounds how often and how slowly an operation is retried
type Policy struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Cap on any single delay
	Jitter      float64       // Fraction of the delay randomized, 0..1
}

// DefaultPolicy returns the policy used for planner and verifier calls
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Jitter:      0.5,
	}
}

// ExhaustedError is returned when every attempt failed transiently
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based), before jitter
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	j := p.Jitter
	if j > 1 {
		j = 1
	}
	factor := 1 - j + rand.Float64()*2*j
	return time.Duration(float64(d) * factor)
}

// Do runs fn until it succeeds, fails fatally, runs out of attempts or
// ctx is done. Fatal errors are returned unwrapped on the first
// occurrence; exhaustion returns *ExhaustedError.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		last = err

		if Classify(err) == Fatal {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := p.jittered(p.Delay(attempt))
		log.Printf("⚠️  attempt %d/%d failed, retrying in %v: %v", attempt, attempts, wait.Round(time.Millisecond), err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: last}
}
