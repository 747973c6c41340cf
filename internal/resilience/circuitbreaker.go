package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCircuitOpen is matched by errors.Is for every *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned without invoking the operation while the
// breaker for Key is open. Remaining is the cooldown left.
type CircuitOpenError struct {
	Key       string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open for another %s", e.Key, e.Remaining.Round(time.Millisecond))
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// BreakerPolicy defines when a breaker trips and for how long.
type BreakerPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultBreakerPolicy returns the policy used for provider probes.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock sets the clock used for cooldown arithmetic.
func WithBreakerClock(c Clock) BreakerOption {
	return func(b *Breaker) { b.clock = c }
}

// WithBreakerLogger sets the logger for trips and state store errors.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

// WithTripHook registers fn to run whenever a failure opens the breaker.
func WithTripHook(fn func(key string, state CircuitState)) BreakerOption {
	return func(b *Breaker) { b.onTrip = fn }
}

// WithRejectHook registers fn to run whenever a call is fast-failed.
func WithRejectHook(fn func(key string)) BreakerOption {
	return func(b *Breaker) { b.onReject = fn }
}

// Breaker is a per-key circuit breaker with two states. Closed calls go
// through; after FailureThreshold consecutive failures the key is open and
// calls fast-fail until the cooldown passes. There is no half-open probe
// state: the first call after cooldown runs directly and its own outcome
// clears or re-trips the key.
type Breaker struct {
	store    CircuitStore
	clock    Clock
	logger   *slog.Logger
	onTrip   func(string, CircuitState)
	onReject func(string)
}

// NewBreaker creates a Breaker backed by store.
func NewBreaker(store CircuitStore, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		store:  store,
		clock:  SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs op under the breaker for key. It returns a *CircuitOpenError
// without invoking op while key is open; otherwise it returns op's own error
// unchanged. Cancellation of ctx by the caller is not counted as a failure.
func (b *Breaker) Call(ctx context.Context, key string, policy BreakerPolicy, op func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	state, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("circuit %q: %w: %w", key, ErrStateUnavailable, err)
	}
	now := b.clock.Now()
	if ok && state.Open(now) {
		if b.onReject != nil {
			b.onReject(key)
		}
		return &CircuitOpenError{Key: key, Remaining: state.OpenedUntil.Sub(now)}
	}

	opErr := op(ctx)
	if opErr == nil {
		// Failures recorded by overlapping calls on key are cleared too.
		if err := b.store.Delete(ctx, key); err != nil {
			b.logger.Warn("circuit state not cleared", "key", key, "error", err)
		}
		return nil
	}

	if errors.Is(opErr, context.Canceled) && ctx.Err() != nil {
		return opErr
	}

	next, err := b.store.RecordFailure(ctx, key, policy.FailureThreshold, policy.Cooldown, b.clock.Now())
	if err != nil {
		b.logger.Warn("circuit failure not recorded", "key", key, "error", err)
		return opErr
	}
	if next.Failures >= policy.FailureThreshold {
		b.logger.Warn("circuit opened",
			"key", key,
			"failures", next.Failures,
			"cooldown", policy.Cooldown,
		)
		if b.onTrip != nil {
			b.onTrip(key, next)
		}
	}

	return opErr
}
