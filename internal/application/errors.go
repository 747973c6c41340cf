package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
	"github.com/ericfisherdev/credguard/internal/resilience"
	"github.com/ericfisherdev/credguard/internal/vault"
)

// Category is the caller-facing class of a failed management call. Each
// category maps to one distinct status code at the API boundary.
type Category string

const (
	CategoryUnauthorized       Category = "unauthorized"
	CategoryForbidden          Category = "forbidden"
	CategoryTooManyRequests    Category = "too_many_requests"
	CategoryServiceUnavailable Category = "service_unavailable"
	CategoryBadRequest         Category = "bad_request"
	CategoryInternal           Category = "internal_error"
)

var (
	// ErrUnauthenticated is returned when the actor carries no identity.
	ErrUnauthenticated = errors.New("actor is not authenticated")

	// ErrForbidden is returned when the actor is not the tenant's owner.
	ErrForbidden = errors.New("actor is not the tenant owner")

	// ErrNotConnected is returned by Test when no secret is stored.
	ErrNotConnected = errors.New("integration has no stored credentials")
)

// ValidationError reports malformed input. It is raised before any state
// change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderRejectedError is a completed probe whose verdict was negative.
// Message has already been sanitized and is safe to show and persist.
type ProviderRejectedError struct {
	Message string
}

func (e *ProviderRejectedError) Error() string {
	return "provider rejected credentials: " + e.Message
}

// Error is the only failure type ConnectionService returns. Message is safe
// to show to the caller; Err keeps the original for server-side logging.
type Error struct {
	Category   Category
	Message    string
	RetryAfter time.Duration

	// RateLimit is the limiter decision taken for the call, if any.
	RateLimit *resilience.Decision

	Err error
}

func (e *Error) Error() string {
	return string(e.Category) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps err onto exactly one caller-facing category. It is the single
// translation point between internal failures and what callers see; anything
// it does not recognise becomes CategoryInternal with a generic message.
func Classify(err error, now time.Time) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	var (
		validationErr *ValidationError
		rejectedErr   *ProviderRejectedError
		rateErr       *resilience.RateLimitError
		openErr       *resilience.CircuitOpenError
		timeoutErr    *resilience.TimeoutError
	)

	switch {
	case errors.As(err, &validationErr):
		return &Error{Category: CategoryBadRequest, Message: validationErr.Error(), Err: err}
	case errors.Is(err, ErrUnauthenticated):
		return &Error{Category: CategoryUnauthorized, Message: "authentication required", Err: err}
	case errors.Is(err, ErrForbidden):
		return &Error{Category: CategoryForbidden, Message: "only the tenant owner may manage integrations", Err: err}
	case errors.As(err, &rateErr):
		return &Error{
			Category:   CategoryTooManyRequests,
			Message:    "too many requests",
			RetryAfter: retryAfter(rateErr.ResetAt.Sub(now)),
			Err:        err,
		}
	case errors.As(err, &openErr):
		return &Error{
			Category:   CategoryServiceUnavailable,
			Message:    "provider checks are paused after repeated failures",
			RetryAfter: retryAfter(openErr.Remaining),
			Err:        err,
		}
	case errors.As(err, &timeoutErr):
		return &Error{
			Category:   CategoryServiceUnavailable,
			Message:    "provider did not respond in time",
			RetryAfter: retryAfter(timeoutErr.Timeout),
			Err:        err,
		}
	case errors.Is(err, driven.ErrProviderUnreachable):
		return &Error{
			Category:   CategoryServiceUnavailable,
			Message:    "provider is unreachable",
			RetryAfter: unreachableRetryAfter,
			Err:        err,
		}
	case errors.Is(err, resilience.ErrStateUnavailable):
		return &Error{Category: CategoryServiceUnavailable, Message: "service temporarily unavailable", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Category: CategoryServiceUnavailable, Message: "request was cancelled", Err: err}
	case errors.As(err, &rejectedErr):
		return &Error{Category: CategoryBadRequest, Message: rejectedErr.Message, Err: err}
	case errors.Is(err, ErrNotConnected):
		return &Error{Category: CategoryBadRequest, Message: "integration is not connected", Err: err}
	case errors.Is(err, vault.ErrEncryption):
		return &Error{Category: CategoryInternal, Message: "secret storage is misconfigured or corrupted", Err: err}
	default:
		return &Error{Category: CategoryInternal, Message: "internal error", Err: err}
	}
}

// unreachableRetryAfter is the hint sent when the provider cannot be reached
// and nothing better is known.
const unreachableRetryAfter = 30 * time.Second

// retryAfter rounds d up to whole seconds with a floor of one second.
func retryAfter(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
