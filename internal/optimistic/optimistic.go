// Package optimistic runs read-compute-conditional-write cycles with bounded retries.
package optimistic

import (
	"context"
	"errors"
	"fmt"
)

// DefaultAttempts is used when Retry is given a non-positive attempt count.
const DefaultAttempts = 3

var (
	// ErrConflict is returned by an attempt whose conditional write lost a race.
	ErrConflict = errors.New("optimistic: write conflict")
	// ErrExhausted is returned when every attempt ended in ErrConflict.
	ErrExhausted = errors.New("optimistic: attempts exhausted")
)

// Retry calls fn until it returns nil or a non-conflict error, at most attempts times.
// fn receives the 1-based attempt number. Errors other than ErrConflict stop the
// loop and are returned unchanged.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context, attempt int) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
}
