package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetrySchedule is one planned attempt.
type RetrySchedule struct {
	AttemptIndex int   `json:"attempt_index"`
	DelayMs      int64 `json:"delay_ms"`
}

// Plan returns the delays before each attempt. The first attempt is immediate.
func Plan(key string, policy BackoffPolicy) []RetrySchedule {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	schedule := make([]RetrySchedule, attempts)
	for i := range schedule {
		schedule[i].AttemptIndex = i
		if i > 0 {
			schedule[i].DelayMs = ComputeBackoff(BackoffParams{Key: key, AttemptIndex: i}, policy).Milliseconds()
		}
	}
	return schedule
}

// ErrExhausted wraps the last error once every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Permanent marks an error that must not be retried.
func Permanent(err error) error { return &permanentError{err} }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs op until it succeeds, returns a Permanent error, the plan is
// exhausted or ctx is done.
func Do(ctx context.Context, key string, policy BackoffPolicy, op func(ctx context.Context, attempt int) error) error {
	var last error
	for _, step := range Plan(key, policy) {
		if step.DelayMs > 0 {
			t := time.NewTimer(time.Duration(step.DelayMs) * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(ctx.Err(), last)
			case <-t.C:
			}
		}
		err := op(ctx, step.AttemptIndex)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
	}
	return fmt.Errorf("%w: %v", ErrExhausted, last)
}
