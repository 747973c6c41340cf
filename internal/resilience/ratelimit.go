package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is matched by errors.Is for every *RateLimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError is returned when a key is over quota. ResetAt is the
// earliest time a retry can succeed.
type RateLimitError struct {
	Key     string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q until %s", e.Key, e.ResetAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RatePolicy is a fixed-window quota: at most Limit requests per Window.
type RatePolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Decision is the outcome of one Limiter.Check.
type Decision struct {
	Key       string
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Err returns a *RateLimitError when the decision rejected the call, nil
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RateLimitError{Key: d.Key, ResetAt: d.ResetAt}
}

// Limiter is a fixed-window counter keyed by an opaque string. It never
// queues or delays: a call over quota is rejected immediately.
type Limiter struct {
	store BucketStore
	clock Clock
}

// NewLimiter creates a Limiter backed by store. A nil clock uses the system
// clock.
func NewLimiter(store BucketStore, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{store: store, clock: clock}
}

// Check counts one call against key. The limit-th call in a window is
// allowed; the (limit+1)-th is not. Once the window has elapsed the next call
// starts a fresh window with a count of 1.
func (l *Limiter) Check(ctx context.Context, key string, policy RatePolicy) (Decision, error) {
	b, err := l.store.Hit(ctx, key, policy.Window, l.clock.Now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %q: %w: %w", key, ErrStateUnavailable, err)
	}

	return Decision{
		Key:       key,
		Allowed:   b.Count <= policy.Limit,
		Limit:     policy.Limit,
		Remaining: max(policy.Limit-b.Count, 0),
		ResetAt:   b.ResetAt,
	}, nil
}
