package httphandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

const bearerPrefix = "Bearer "

var errMalformedAuthHeader = errors.New("authorization header is not a bearer token")

type actorKey struct{}

// ActorFromContext returns the actor resolved by the auth middleware. The
// zero Actor (unauthenticated) is returned when none was stored.
func ActorFromContext(ctx context.Context) model.Actor {
	a, _ := ctx.Value(actorKey{}).(model.Actor)
	return a
}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorClaims are the JWT claims that identify a caller. Subject is the
// user id.
type ActorClaims struct {
	Tenant string     `json:"tenant"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthConfig configures bearer token verification and client address
// resolution.
type AuthConfig struct {
	Secret            []byte
	Issuer            string
	TrustForwardedFor bool
	Leeway            time.Duration
}

// Authenticator resolves the caller of each request into a model.Actor.
type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator that accepts HS256 tokens signed
// with cfg.Secret.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...), logger: logger}
}

// ParseToken verifies raw and returns its claims.
func (a *Authenticator) ParseToken(raw string) (*ActorClaims, error) {
	claims := &ActorClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Middleware stores the resolved actor in the request context. Requests
// without an Authorization header continue as unauthenticated; a header
// that does not verify is answered with 401 here.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := model.Actor{IP: ClientIP(r, a.cfg.TrustForwardedFor)}

		if header := r.Header.Get("Authorization"); header != "" {
			claims, err := a.fromHeader(header)
			if err != nil {
				a.logger.Info("rejected bearer token", "ip", actor.IP, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			actor.UserID = claims.Subject
			actor.TenantID = claims.Tenant
			actor.Role = claims.Role
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (a *Authenticator) fromHeader(header string) (*ActorClaims, error) {
	raw, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errMalformedAuthHeader
	}
	return a.ParseToken(strings.TrimSpace(raw))
}

// ClientIP returns the address used for rate-limit keying. The first
// X-Forwarded-For entry is used only when trustForwarded is set and it
// parses as an IP.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
