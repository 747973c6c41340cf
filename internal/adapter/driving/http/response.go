package httphandler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/resilience"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError writes a classified service failure with its status
// code, retry hint and rate-limit headers.
func writeServiceError(w http.ResponseWriter, err error) {
	var appErr *application.Error
	if !errors.As(err, &appErr) {
		appErr = application.Classify(err, time.Now())
	}

	if appErr.RateLimit != nil {
		setRateLimitHeaders(w, *appErr.RateLimit)
	}
	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}

	writeJSON(w, statusForCategory(appErr.Category), errorResponse{
		Error:    appErr.Message,
		Category: string(appErr.Category),
	})
}

// statusForCategory maps each failure category to its own status code.
func statusForCategory(c application.Category) int {
	switch c {
	case application.CategoryUnauthorized:
		return http.StatusUnauthorized
	case application.CategoryForbidden:
		return http.StatusForbidden
	case application.CategoryTooManyRequests:
		return http.StatusTooManyRequests
	case application.CategoryServiceUnavailable:
		return http.StatusServiceUnavailable
	case application.CategoryBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d resilience.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// ConnectRequest is the JSON body of a connect call.
type ConnectRequest struct {
	Environment  string `json:"environment"`
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// ResultResponse is the JSON body of a completed connect, test or
// disconnect call.
type ResultResponse struct {
	OK      bool   `json:"ok"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// IntegrationResponse is the JSON representation of an integration. It never
// carries the secret.
type IntegrationResponse struct {
	Provider    string  `json:"provider"`
	Status      string  `json:"status"`
	Environment string  `json:"environment,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	LastError   *string `json:"last_error"`
	HasSecret   bool    `json:"has_secret"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

// HealthResponse is the JSON body of the health endpoint.
type HealthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Checks map[string]string `json:"checks,omitempty"`
}

func toResultResponse(res application.Result) ResultResponse {
	return ResultResponse{
		OK:      res.OK,
		Status:  string(res.Status),
		Message: res.Message,
	}
}

func toIntegrationResponse(v application.IntegrationView) IntegrationResponse {
	resp := IntegrationResponse{
		Provider:    v.Provider,
		Status:      string(v.Status),
		Environment: string(v.Environment),
		BaseURL:     v.BaseURL,
		LastError:   v.LastError,
		HasSecret:   v.HasSecret,
	}
	if !v.UpdatedAt.IsZero() {
		resp.UpdatedAt = v.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
