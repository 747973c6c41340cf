package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by errors.Is for every *TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError is returned when an operation did not settle within its
// deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation did not complete within %s", e.Timeout)
}

// Is lets errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

type outcome[T any] struct {
	val T
	err error
}

// WithDeadline runs op and returns its result if it settles within timeout,
// or a *TimeoutError if it does not. A timeout <= 0 runs op without a
// deadline.
//
// Cancellation is cooperative. The context passed to op is cancelled when the
// deadline fires, but op is not stopped: it keeps running in the background
// and its late result is discarded. Any side effect op performs must be
// idempotent.
func WithDeadline[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		// op may have noticed the expired context before we did.
		if out.err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Timeout: timeout}
		}
		return out.val, out.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{Timeout: timeout}
	}
}
