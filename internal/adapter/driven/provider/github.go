package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ProviderProbe = (*GitHubProbe)(nil)

const (
	githubDotCom = "https://github.com/"

	// probeCode is never a valid authorization code. GitHub checks client
	// credentials before the code, so the error it returns tells the two
	// cases apart.
	probeCode = "credguard-probe"

	errCodeBadVerificationCode = "bad_verification_code"
)

// GitHubProbe verifies GitHub OAuth app credentials against the OAuth token
// endpoint of github.com or a GitHub Enterprise Server host.
type GitHubProbe struct {
	gh *gh.Client
}

type githubTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
}

type githubTokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// NewGitHubProbe creates a GitHubProbe with the following transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (request building and error decoding)
func NewGitHubProbe() *GitHubProbe {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	return &GitHubProbe{gh: gh.NewClient(rateLimitClient)}
}

// NewGitHubProbeWithHTTPClient creates a GitHubProbe with a custom
// http.Client. It is intended for tests against an httptest server.
func NewGitHubProbeWithHTTPClient(httpClient *http.Client) *GitHubProbe {
	return &GitHubProbe{gh: gh.NewClient(httpClient)}
}

// DefaultBaseURL returns github.com for production. Sandbox has no default;
// tenants point it at their own Enterprise Server.
func (p *GitHubProbe) DefaultBaseURL(env model.Environment) string {
	if env == model.EnvironmentProduction {
		return githubDotCom
	}
	return ""
}

// Probe exchanges a deliberately invalid authorization code. A
// bad_verification_code answer means the client credentials were accepted.
func (p *GitHubProbe) Probe(ctx context.Context, req driven.ProbeRequest) (driven.ProbeResult, error) {
	endpoint, err := url.JoinPath(req.BaseURL, "login/oauth/access_token")
	if err != nil {
		return driven.ProbeResult{}, fmt.Errorf("build token url: %w", err)
	}

	httpReq, err := p.gh.NewRequest(http.MethodPost, endpoint, githubTokenRequest{
		ClientID:     req.Credentials.ClientID,
		ClientSecret: req.Credentials.ClientSecret,
		Code:         probeCode,
	})
	if err != nil {
		return driven.ProbeResult{}, fmt.Errorf("build token request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	var out githubTokenResponse
	_, err = p.gh.Do(ctx, httpReq, &out)
	if err != nil {
		return classifyGitHubError(ctx, err)
	}

	switch out.Error {
	case errCodeBadVerificationCode:
		return driven.ProbeResult{OK: true}, nil
	case "":
		if out.AccessToken != "" {
			return driven.ProbeResult{OK: true}, nil
		}
		// Not a GitHub token endpoint.
		return driven.ProbeResult{OK: false, Message: "unexpected response from token endpoint"}, nil
	default:
		// incorrect_client_credentials, unverified_user_email, and the rest.
		return driven.ProbeResult{OK: false, Message: firstNonEmpty(out.ErrorDescription, out.Error)}, nil
	}
}

func classifyGitHubError(ctx context.Context, err error) (driven.ProbeResult, error) {
	var (
		rateErr  *gh.RateLimitError
		abuseErr *gh.AbuseRateLimitError
		respErr  *gh.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return driven.ProbeResult{}, fmt.Errorf("%w: rate limited: %w", driven.ErrProviderUnreachable, err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		status := respErr.Response.StatusCode
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound {
			return driven.ProbeResult{OK: false, Message: firstNonEmpty(respErr.Message, http.StatusText(status))}, nil
		}
		return driven.ProbeResult{}, fmt.Errorf("%w: github answered %d", driven.ErrProviderUnreachable, status)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return driven.ProbeResult{}, ctxErr
	}
	return driven.ProbeResult{}, fmt.Errorf("%w: %w", driven.ErrProviderUnreachable, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
