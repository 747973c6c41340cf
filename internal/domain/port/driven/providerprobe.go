package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

// ErrProviderUnreachable is wrapped by probe adapters when the provider could
// not be reached at all (DNS, TLS, connection reset, 5xx).
var ErrProviderUnreachable = errors.New("provider unreachable")

// ProbeRequest carries what a probe needs to verify a set of credentials.
type ProbeRequest struct {
	BaseURL     string
	Environment model.Environment
	Credentials model.Credentials
}

// ProbeResult is the provider's verdict on a set of credentials. Message is
// provider text and must be sanitized before it is shown or stored.
type ProbeResult struct {
	OK      bool
	Message string
}

// ProviderProbe verifies OAuth client credentials against a remote provider.
// A rejected credential is reported as OK=false with a nil error; err is
// reserved for failures to obtain a verdict.
type ProviderProbe interface {
	Probe(ctx context.Context, req ProbeRequest) (ProbeResult, error)

	// DefaultBaseURL returns the provider's base URL for env, or "" if the
	// caller must supply one.
	DefaultBaseURL(env model.Environment) string
}
