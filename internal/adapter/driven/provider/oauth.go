// Package provider implements the ProviderProbe port for remote OAuth
// providers.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderProbe = (*OAuthProbe)(nil)

const defaultTokenPath = "/oauth/token"

// OAuthProbe verifies credentials by running an OAuth 2.0 client-credentials
// grant against the provider's token endpoint. The token it receives is
// discarded.
type OAuthProbe struct {
	httpClient *http.Client
	tokenPath  string
	defaults   map[model.Environment]string
	authStyle  oauth2.AuthStyle
}

// OAuthOption configures an OAuthProbe.
type OAuthOption func(*OAuthProbe)

// WithTokenPath sets the token endpoint path appended to the base URL.
func WithTokenPath(path string) OAuthOption {
	return func(p *OAuthProbe) { p.tokenPath = path }
}

// WithDefaultBaseURL sets the base URL used when a tenant supplies none for
// env.
func WithDefaultBaseURL(env model.Environment, baseURL string) OAuthOption {
	return func(p *OAuthProbe) { p.defaults[env] = baseURL }
}

// WithAuthStyle pins how client credentials are sent. The default detects
// it, which costs a second request against providers that only accept
// credentials in the form body.
func WithAuthStyle(style oauth2.AuthStyle) OAuthOption {
	return func(p *OAuthProbe) { p.authStyle = style }
}

// NewOAuthProbe creates an OAuthProbe that sends its requests through
// httpClient.
func NewOAuthProbe(httpClient *http.Client, opts ...OAuthOption) *OAuthProbe {
	p := &OAuthProbe{
		httpClient: httpClient,
		tokenPath:  defaultTokenPath,
		defaults:   make(map[model.Environment]string),
		authStyle:  oauth2.AuthStyleAutoDetect,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultBaseURL returns the configured base URL for env, or "".
func (p *OAuthProbe) DefaultBaseURL(env model.Environment) string {
	return p.defaults[env]
}

// Probe requests a token with the given credentials. A 400 or 401 answer is
// a verdict (OK=false); anything else that is not a token is reported as
// driven.ErrProviderUnreachable.
func (p *OAuthProbe) Probe(ctx context.Context, req driven.ProbeRequest) (driven.ProbeResult, error) {
	tokenURL, err := url.JoinPath(req.BaseURL, p.tokenPath)
	if err != nil {
		return driven.ProbeResult{}, fmt.Errorf("build token url: %w", err)
	}

	cfg := clientcredentials.Config{
		ClientID:     req.Credentials.ClientID,
		ClientSecret: req.Credentials.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       strings.Fields(req.Credentials.Scope),
		AuthStyle:    p.authStyle,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	_, err = cfg.Token(ctx)
	if err == nil {
		return driven.ProbeResult{OK: true}, nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch status := retrieveErr.Response.StatusCode; {
		case status == http.StatusBadRequest, status == http.StatusUnauthorized:
			return driven.ProbeResult{OK: false, Message: rejectionMessage(retrieveErr)}, nil
		default:
			return driven.ProbeResult{}, fmt.Errorf("%w: token endpoint answered %d", driven.ErrProviderUnreachable, status)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return driven.ProbeResult{}, ctxErr
	}
	return driven.ProbeResult{}, fmt.Errorf("%w: %w", driven.ErrProviderUnreachable, err)
}

func rejectionMessage(e *oauth2.RetrieveError) string {
	switch {
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.ErrorCode != "":
		return e.ErrorCode
	default:
		return http.StatusText(e.Response.StatusCode)
	}
}
