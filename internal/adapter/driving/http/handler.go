// Package httphandler is the HTTP driving adapter that serves the
// integration management API.
package httphandler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/domain/model"
)

const maxBodyBytes = 16 << 10

// ConnectionManager is the application surface the handler drives.
// *application.ConnectionService implements it.
type ConnectionManager interface {
	Connect(ctx context.Context, actor model.Actor, req application.ConnectRequest) (application.Result, error)
	Test(ctx context.Context, actor model.Actor, provider string) (application.Result, error)
	Disconnect(ctx context.Context, actor model.Actor, provider string) (application.Result, error)
	Status(ctx context.Context, actor model.Actor, provider string) (application.IntegrationView, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	svc    ConnectionManager
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. checks are
// run by the health endpoint and may be nil.
func NewHandler(svc ConnectionManager, checks map[string]HealthCheck, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		checks: checks,
		logger: logger,
	}
}

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	Auth     *Authenticator
	Metrics  http.Handler
	Observer RequestObserver
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with auth, logging and recovery middleware.
func NewServeMux(h *Handler, opts RouterOptions, logger *slog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/integrations/{provider}/connect", h.Connect)
	api.HandleFunc("POST /api/v1/integrations/{provider}/test", h.Test)
	api.HandleFunc("POST /api/v1/integrations/{provider}/disconnect", h.Disconnect)
	api.HandleFunc("GET /api/v1/integrations/{provider}", h.Status)

	var apiHandler http.Handler = api
	if opts.Auth != nil {
		apiHandler = opts.Auth.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/integrations/", apiHandler)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, opts.Observer, wrapped)

	return wrapped
}

// Connect stores and verifies new credentials for a provider.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromContext(r.Context())
	if !actor.Authenticated() {
		writeServiceError(w, application.ErrUnauthenticated)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body ConnectRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.Connect(r.Context(), actor, application.ConnectRequest{
		Provider:    r.PathValue("provider"),
		Environment: model.Environment(body.Environment),
		BaseURL:     body.BaseURL,
		Credentials: model.Credentials{
			ClientID:     body.ClientID,
			ClientSecret: body.ClientSecret,
			Scope:        body.Scope,
		},
	})
	h.writeResult(w, res, err)
}

// Test re-verifies the stored credentials for a provider.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Test(r.Context(), ActorFromContext(r.Context()), r.PathValue("provider"))
	h.writeResult(w, res, err)
}

// Disconnect erases the stored credentials for a provider.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Disconnect(r.Context(), ActorFromContext(r.Context()), r.PathValue("provider"))
	h.writeResult(w, res, err)
}

// Status returns the non-secret view of a provider integration.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Status(r.Context(), ActorFromContext(r.Context()), r.PathValue("provider"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrationResponse(view))
}

func (h *Handler) writeResult(w http.ResponseWriter, res application.Result, err error) {
	if err != nil {
		writeServiceError(w, err)
		return
	}
	setRateLimitHeaders(w, res.RateLimit)
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

// Health runs every dependency check and reports 503 if any fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	resp.Time = time.Now().UTC().Format(time.RFC3339)

	writeJSON(w, status, resp)
}
