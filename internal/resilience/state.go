package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrStateUnavailable is wrapped when a state store cannot be read or written.
var ErrStateUnavailable = errors.New("resilience state store unavailable")

// RateBucket is one fixed window of counted requests for a key.
type RateBucket struct {
	Count   int
	ResetAt time.Time
}

// CircuitState is the failure record for one operation key. A zero
// OpenedUntil means the breaker has not tripped.
type CircuitState struct {
	Failures      int
	OpenedUntil   time.Time
	LastFailureAt time.Time
}

// Open reports whether calls must fast-fail at now.
func (s CircuitState) Open(now time.Time) bool {
	return now.Before(s.OpenedUntil)
}

// BucketStore holds rate-limit buckets.
type BucketStore interface {
	// Hit counts one request against key. When no bucket exists or its
	// ResetAt is not after now, the bucket is replaced by {1, now+window}.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (RateBucket, error)
}

// CircuitStore holds circuit breaker state.
type CircuitStore interface {
	// Get returns the state for key and whether any exists.
	Get(ctx context.Context, key string) (CircuitState, bool, error)

	// RecordFailure increments the failure count for key and, once the count
	// reaches threshold, sets OpenedUntil to now+cooldown.
	RecordFailure(ctx context.Context, key string, threshold int, cooldown time.Duration, now time.Time) (CircuitState, error)

	// Delete removes all state for key.
	Delete(ctx context.Context, key string) error
}

// nextFailure applies one failure to prior.
func nextFailure(prior CircuitState, threshold int, cooldown time.Duration, now time.Time) CircuitState {
	next := CircuitState{
		Failures:      prior.Failures + 1,
		OpenedUntil:   prior.OpenedUntil,
		LastFailureAt: now,
	}
	if next.Failures >= threshold {
		next.OpenedUntil = now.Add(cooldown)
	}
	return next
}
