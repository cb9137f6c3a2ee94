package backoff

import (
	"context"
	"errors"
)

// ErrExhausted is returned when all retry attempts have been used up.
var ErrExhausted = errors.New("retry attempts exhausted")

// Result holds the outcome of a retry operation.
type Result[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry executes fn with exponential backoff between failures, up to
// maxAttempts times. fn receives the current attempt number (1-indexed).
// Context cancellation is honored between attempts and during sleeps.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (Result[T], error) {
	var result Result[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}

		lastErr = err
		result.LastError = err

		// No sleep after the final attempt.
		if attempt < maxAttempts {
			if err := SleepBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrExhausted
}
