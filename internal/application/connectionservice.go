package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
	"github.com/ericfisherdev/credguard/internal/resilience"
)

// Management actions. They name rate-limit buckets, audit entries and
// metric labels.
const (
	ActionConnect    = "connect"
	ActionTest       = "test"
	ActionDisconnect = "disconnect"
	ActionStatus     = "status"
)

const (
	maxCredentialLen = 512
	maxScopeLen      = 1024

	defaultProbeTimeout = 8 * time.Second
)

var providerNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ProbeKey is the circuit breaker key for probes of one tenant's provider.
// Each (tenant, provider) pair is its own failure domain.
func ProbeKey(tenantID, provider string) string {
	return "integration.probe:" + tenantID + ":" + provider
}

func rateKey(action, ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	return action + ":" + ip
}

// ActionPolicies holds an independent rate-limit policy per mutating action.
type ActionPolicies struct {
	Connect    resilience.RatePolicy `yaml:"connect"`
	Test       resilience.RatePolicy `yaml:"test"`
	Disconnect resilience.RatePolicy `yaml:"disconnect"`
}

// DefaultActionPolicies returns 10 connects, 20 tests and 10 disconnects per
// client IP per ten minutes.
func DefaultActionPolicies() ActionPolicies {
	return ActionPolicies{
		Connect:    resilience.RatePolicy{Limit: 10, Window: 10 * time.Minute},
		Test:       resilience.RatePolicy{Limit: 20, Window: 10 * time.Minute},
		Disconnect: resilience.RatePolicy{Limit: 10, Window: 10 * time.Minute},
	}
}

func (p ActionPolicies) forAction(action string) resilience.RatePolicy {
	switch action {
	case ActionConnect:
		return p.Connect
	case ActionTest:
		return p.Test
	default:
		return p.Disconnect
	}
}

// SecretSealer turns credentials into an opaque envelope string and back.
// *vault.Vault implements it.
type SecretSealer interface {
	Seal(value any) (string, error)
	Open(sealed string, out any) error
}

// MetricsRecorder receives operational measurements. *telemetry.Metrics
// implements it.
type MetricsRecorder interface {
	ObserveRateLimit(action string, allowed bool)
	ObserveProbe(provider, outcome string, elapsed time.Duration)
	ObserveOperation(action, result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRateLimit(string, bool)              {}
func (nopMetrics) ObserveProbe(string, string, time.Duration) {}
func (nopMetrics) ObserveOperation(string, string)            {}

// Options tunes a ConnectionService. Zero fields take their defaults.
type Options struct {
	RateLimits   ActionPolicies
	ProbeTimeout time.Duration
	Breaker      resilience.BreakerPolicy
	Clock        resilience.Clock
	Metrics      MetricsRecorder
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		RateLimits:   DefaultActionPolicies(),
		ProbeTimeout: defaultProbeTimeout,
		Breaker:      resilience.DefaultBreakerPolicy(),
		Clock:        resilience.SystemClock{},
		Metrics:      nopMetrics{},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RateLimits.Connect.Limit <= 0 || o.RateLimits.Connect.Window <= 0 {
		o.RateLimits.Connect = d.RateLimits.Connect
	}
	if o.RateLimits.Test.Limit <= 0 || o.RateLimits.Test.Window <= 0 {
		o.RateLimits.Test = d.RateLimits.Test
	}
	if o.RateLimits.Disconnect.Limit <= 0 || o.RateLimits.Disconnect.Window <= 0 {
		o.RateLimits.Disconnect = d.RateLimits.Disconnect
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.Breaker.FailureThreshold <= 0 || o.Breaker.Cooldown <= 0 {
		o.Breaker = d.Breaker
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Metrics == nil {
		o.Metrics = d.Metrics
	}
	return o
}

// ConnectRequest is the input of Connect. BaseURL may be empty when the
// provider has a default for the environment.
type ConnectRequest struct {
	Provider    string
	Environment model.Environment
	BaseURL     string
	Credentials model.Credentials
}

// Result is the outcome of a completed management call. OK is false when the
// provider rejected the credentials; Message then carries its safe text.
type Result struct {
	OK        bool
	Status    model.IntegrationStatus
	Message   string
	RateLimit resilience.Decision
}

// IntegrationView is the non-secret projection of an integration.
type IntegrationView struct {
	Provider    string
	Status      model.IntegrationStatus
	Environment model.Environment
	BaseURL     string
	LastError   *string
	HasSecret   bool
	UpdatedAt   time.Time
}

// ConnectionService manages the lifecycle of tenant integrations: connect,
// test, disconnect and status. Every failure it returns is an *Error.
type ConnectionService struct {
	store   driven.IntegrationStore
	audit   driven.AuditSink
	members driven.MembershipStore
	probes  *ProbeProvider
	sealer  SecretSealer
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	opts    Options
	logger  *slog.Logger
}

// NewConnectionService creates a ConnectionService with the required
// dependencies.
func NewConnectionService(
	store driven.IntegrationStore,
	audit driven.AuditSink,
	members driven.MembershipStore,
	probes *ProbeProvider,
	sealer SecretSealer,
	limiter *resilience.Limiter,
	breaker *resilience.Breaker,
	opts Options,
	logger *slog.Logger,
) *ConnectionService {
	return &ConnectionService{
		store:   store,
		audit:   audit,
		members: members,
		probes:  probes,
		sealer:  sealer,
		limiter: limiter,
		breaker: breaker,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Connect validates and seals the credentials, verifies them with a guarded
// probe and stores the outcome. The sealed secret is kept even when the
// probe fails so that Test can retry without re-entry.
func (s *ConnectionService) Connect(ctx context.Context, actor model.Actor, req ConnectRequest) (Result, error) {
	secret := req.Credentials.ClientSecret

	decision, err := s.admit(ctx, ActionConnect, actor)
	if err != nil {
		return Result{}, s.fail(ctx, ActionConnect, actor, req.Provider, decision, err, secret)
	}

	probe, cfg, creds, err := s.validateConnect(req)
	if err != nil {
		return Result{}, s.fail(ctx, ActionConnect, actor, req.Provider, decision, err, secret)
	}

	sealed, err := s.sealer.Seal(creds)
	if err != nil {
		return Result{}, s.fail(ctx, ActionConnect, actor, req.Provider, decision, err, secret)
	}

	out := s.verify(ctx, actor.TenantID, req.Provider, probe, driven.ProbeRequest{
		BaseURL:     cfg.BaseURL,
		Environment: cfg.Environment,
		Credentials: creds,
	})

	if out.persist {
		cfg.LastError = out.lastError
		err := s.store.Upsert(context.WithoutCancel(ctx), model.Integration{
			TenantID:  actor.TenantID,
			Provider:  req.Provider,
			Status:    out.status,
			Config:    cfg,
			Secret:    sealed,
			UpdatedAt: s.opts.Clock.Now(),
		})
		if err != nil {
			return Result{}, s.fail(ctx, ActionConnect, actor, req.Provider, decision, fmt.Errorf("store integration: %w", err), secret)
		}
	}

	s.record(ctx, actor, ActionConnect, req.Provider, map[string]string{
		"environment": string(cfg.Environment),
		"base_url":    cfg.BaseURL,
		"outcome":     out.label(),
	})

	return s.settle(ctx, ActionConnect, actor, req.Provider, decision, out, secret)
}

// Test re-verifies the stored credentials and updates status and last_error.
// The stored secret is not modified.
func (s *ConnectionService) Test(ctx context.Context, actor model.Actor, provider string) (Result, error) {
	decision, err := s.admit(ctx, ActionTest, actor)
	if err != nil {
		return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, err)
	}

	probe, err := s.lookupProbe(provider)
	if err != nil {
		return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, err)
	}

	integration, err := s.store.Get(ctx, actor.TenantID, provider)
	if err != nil {
		return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, fmt.Errorf("load integration: %w", err))
	}
	if integration == nil || !integration.HasSecret() {
		return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, ErrNotConnected)
	}

	var creds model.Credentials
	if err := s.sealer.Open(integration.Secret, &creds); err != nil {
		return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, err)
	}

	out := s.verify(ctx, actor.TenantID, provider, probe, driven.ProbeRequest{
		BaseURL:     integration.Config.BaseURL,
		Environment: integration.Config.Environment,
		Credentials: creds,
	})

	if out.persist {
		err := s.store.UpdateStatus(context.WithoutCancel(ctx), actor.TenantID, provider, out.status, out.lastError)
		if err != nil {
			return Result{}, s.fail(ctx, ActionTest, actor, provider, decision, fmt.Errorf("update status: %w", err), creds.ClientSecret)
		}
	}

	s.record(ctx, actor, ActionTest, provider, map[string]string{
		"outcome": out.label(),
	})

	return s.settle(ctx, ActionTest, actor, provider, decision, out, creds.ClientSecret)
}

// Disconnect erases the stored secret from any state. Environment and base
// URL are retained; last_error is cleared.
func (s *ConnectionService) Disconnect(ctx context.Context, actor model.Actor, provider string) (Result, error) {
	decision, err := s.admit(ctx, ActionDisconnect, actor)
	if err != nil {
		return Result{}, s.fail(ctx, ActionDisconnect, actor, provider, decision, err)
	}

	if err := validateProviderName(provider); err != nil {
		return Result{}, s.fail(ctx, ActionDisconnect, actor, provider, decision, err)
	}

	if err := s.store.ClearSecret(context.WithoutCancel(ctx), actor.TenantID, provider); err != nil {
		return Result{}, s.fail(ctx, ActionDisconnect, actor, provider, decision, fmt.Errorf("clear secret: %w", err))
	}

	s.record(ctx, actor, ActionDisconnect, provider, map[string]string{
		"outcome": string(model.StatusDisconnected),
	})

	s.opts.Metrics.ObserveOperation(ActionDisconnect, "ok")
	s.logger.Info("integration disconnected", "tenant_id", actor.TenantID, "provider", provider)

	return Result{OK: true, Status: model.StatusDisconnected, RateLimit: decision}, nil
}

// Status returns the non-secret view of an integration to any member of the
// tenant. A pair that was never connected reads as disconnected.
func (s *ConnectionService) Status(ctx context.Context, actor model.Actor, provider string) (IntegrationView, error) {
	if !actor.Authenticated() {
		return IntegrationView{}, s.fail(ctx, ActionStatus, actor, provider, resilience.Decision{}, ErrUnauthenticated)
	}
	if err := validateProviderName(provider); err != nil {
		return IntegrationView{}, s.fail(ctx, ActionStatus, actor, provider, resilience.Decision{}, err)
	}

	role, err := s.members.RoleOf(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return IntegrationView{}, s.fail(ctx, ActionStatus, actor, provider, resilience.Decision{}, fmt.Errorf("resolve membership: %w", err))
	}
	if role == "" {
		return IntegrationView{}, s.fail(ctx, ActionStatus, actor, provider, resilience.Decision{}, ErrForbidden)
	}

	integration, err := s.store.Get(ctx, actor.TenantID, provider)
	if err != nil {
		return IntegrationView{}, s.fail(ctx, ActionStatus, actor, provider, resilience.Decision{}, fmt.Errorf("load integration: %w", err))
	}

	view := IntegrationView{Provider: provider, Status: model.StatusDisconnected}
	if integration != nil {
		view.Status = integration.Status
		view.Environment = integration.Config.Environment
		view.BaseURL = integration.Config.BaseURL
		view.LastError = integration.Config.LastError
		view.HasSecret = integration.HasSecret()
		view.UpdatedAt = integration.UpdatedAt
	}
	return view, nil
}

// admit runs the checks every mutating call passes before any remote or
// cryptographic work: identity, the per-IP action quota and the owner role.
func (s *ConnectionService) admit(ctx context.Context, action string, actor model.Actor) (resilience.Decision, error) {
	if !actor.Authenticated() {
		return resilience.Decision{}, ErrUnauthenticated
	}

	decision, err := s.limiter.Check(ctx, rateKey(action, actor.IP), s.opts.RateLimits.forAction(action))
	if err != nil {
		return resilience.Decision{}, err
	}
	s.opts.Metrics.ObserveRateLimit(action, decision.Allowed)
	if !decision.Allowed {
		return decision, decision.Err()
	}

	if err := s.authorizeOwner(ctx, actor); err != nil {
		return decision, err
	}
	return decision, nil
}

// authorizeOwner trusts the role claim only after the membership store
// confirms it.
func (s *ConnectionService) authorizeOwner(ctx context.Context, actor model.Actor) error {
	if actor.Role != model.RoleOwner {
		return ErrForbidden
	}
	role, err := s.members.RoleOf(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return fmt.Errorf("resolve membership: %w", err)
	}
	if role != model.RoleOwner {
		return ErrForbidden
	}
	return nil
}

func validateProviderName(provider string) error {
	if !providerNamePattern.MatchString(provider) {
		return &ValidationError{Field: "provider", Reason: "must be a lowercase provider name"}
	}
	return nil
}

func (s *ConnectionService) lookupProbe(provider string) (driven.ProviderProbe, error) {
	if err := validateProviderName(provider); err != nil {
		return nil, err
	}
	probe, ok := s.probes.Get(provider)
	if !ok {
		return nil, &ValidationError{Field: "provider", Reason: "unknown provider"}
	}
	return probe, nil
}

func (s *ConnectionService) validateConnect(req ConnectRequest) (driven.ProviderProbe, model.IntegrationConfig, model.Credentials, error) {
	var (
		cfg   model.IntegrationConfig
		creds model.Credentials
	)

	probe, err := s.lookupProbe(req.Provider)
	if err != nil {
		return nil, cfg, creds, err
	}

	if !req.Environment.Valid() {
		return nil, cfg, creds, &ValidationError{Field: "environment", Reason: "must be sandbox or production"}
	}

	baseURL := strings.TrimSpace(req.BaseURL)
	if baseURL == "" {
		baseURL = probe.DefaultBaseURL(req.Environment)
	}
	if err := validateBaseURL(baseURL); err != nil {
		return nil, cfg, creds, err
	}

	creds = model.Credentials{
		ClientID:     strings.TrimSpace(req.Credentials.ClientID),
		ClientSecret: req.Credentials.ClientSecret,
		Scope:        strings.TrimSpace(req.Credentials.Scope),
	}
	switch {
	case creds.ClientID == "":
		return nil, cfg, creds, &ValidationError{Field: "client_id", Reason: "is required"}
	case len(creds.ClientID) > maxCredentialLen:
		return nil, cfg, creds, &ValidationError{Field: "client_id", Reason: fmt.Sprintf("must be at most %d bytes", maxCredentialLen)}
	case strings.TrimSpace(creds.ClientSecret) == "":
		return nil, cfg, creds, &ValidationError{Field: "client_secret", Reason: "is required"}
	case len(creds.ClientSecret) > maxCredentialLen:
		return nil, cfg, creds, &ValidationError{Field: "client_secret", Reason: fmt.Sprintf("must be at most %d bytes", maxCredentialLen)}
	case len(creds.Scope) > maxScopeLen:
		return nil, cfg, creds, &ValidationError{Field: "scope", Reason: fmt.Sprintf("must be at most %d bytes", maxScopeLen)}
	}

	cfg = model.IntegrationConfig{Environment: req.Environment, BaseURL: baseURL}
	return probe, cfg, creds, nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "base_url", Reason: "is required for this provider"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "base_url", Reason: "must be an absolute http or https URL"}
	}
	if u.User != nil {
		return &ValidationError{Field: "base_url", Reason: "must not embed credentials"}
	}
	return nil
}

// probeOutcome is what one guarded probe leaves behind.
type probeOutcome struct {
	status    model.IntegrationStatus
	lastError *string
	message   string

	// err is set when the call must fail after persisting the outcome.
	err error

	// persist is false when no verdict about the provider was reached, e.g.
	// the state store was down or the caller went away.
	persist bool
}

func (o probeOutcome) label() string {
	switch {
	case o.status == model.StatusConnected:
		return "connected"
	case o.err == nil:
		return "rejected"
	default:
		return "error"
	}
}

// verify runs the probe behind the deadline guard and the per-tenant circuit
// breaker and turns the result into a status transition.
func (s *ConnectionService) verify(
	ctx context.Context,
	tenantID, provider string,
	probe driven.ProviderProbe,
	req driven.ProbeRequest,
) probeOutcome {
	start := time.Now()
	err := s.breaker.Call(ctx, ProbeKey(tenantID, provider), s.opts.Breaker, func(ctx context.Context) error {
		res, err := resilience.WithDeadline(ctx, s.opts.ProbeTimeout, func(ctx context.Context) (driven.ProbeResult, error) {
			return probe.Probe(ctx, req)
		})
		if err != nil {
			return err
		}
		if !res.OK {
			return &ProviderRejectedError{Message: safeProviderMessage(res.Message, req.Credentials)}
		}
		return nil
	})
	s.opts.Metrics.ObserveProbe(provider, probeLabel(err), time.Since(start))

	var rejected *ProviderRejectedError
	switch {
	case err == nil:
		return probeOutcome{status: model.StatusConnected, persist: true}
	case errors.As(err, &rejected):
		msg := rejected.Message
		return probeOutcome{status: model.StatusError, lastError: &msg, message: msg, persist: true}
	case errors.Is(err, resilience.ErrStateUnavailable),
		errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return probeOutcome{err: err}
	default:
		msg := Classify(err, s.opts.Clock.Now()).Message
		return probeOutcome{status: model.StatusError, lastError: &msg, err: err, persist: true}
	}
}

func probeLabel(err error) string {
	var rejected *ProviderRejectedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, resilience.ErrTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, driven.ErrProviderUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}

func (s *ConnectionService) settle(
	ctx context.Context,
	action string,
	actor model.Actor,
	provider string,
	decision resilience.Decision,
	out probeOutcome,
	secret string,
) (Result, error) {
	if out.err != nil {
		return Result{}, s.fail(ctx, action, actor, provider, decision, out.err, secret)
	}

	result := Result{
		OK:        out.status == model.StatusConnected,
		Status:    out.status,
		Message:   out.message,
		RateLimit: decision,
	}
	s.opts.Metrics.ObserveOperation(action, out.label())
	s.logger.Info("integration "+action+" completed",
		"tenant_id", actor.TenantID,
		"provider", provider,
		"status", out.status,
	)
	return result, nil
}

// fail classifies err for the caller and logs the redacted original.
func (s *ConnectionService) fail(
	ctx context.Context,
	action string,
	actor model.Actor,
	provider string,
	decision resilience.Decision,
	err error,
	secrets ...string,
) error {
	appErr := Classify(err, s.opts.Clock.Now())
	if decision.Key != "" {
		d := decision
		appErr.RateLimit = &d
	}

	level := slog.LevelInfo
	switch appErr.Category {
	case CategoryInternal:
		level = slog.LevelError
	case CategoryServiceUnavailable:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "integration "+action+" failed",
		"tenant_id", actor.TenantID,
		"user_id", actor.UserID,
		"provider", provider,
		"category", appErr.Category,
		"error", Redact(err.Error(), secrets...),
	)
	s.opts.Metrics.ObserveOperation(action, string(appErr.Category))
	return appErr
}

// record appends an audit entry. Audit failures are logged and never fail
// the call.
func (s *ConnectionService) record(ctx context.Context, actor model.Actor, action, provider string, meta map[string]string) {
	meta["provider"] = provider
	if actor.IP != "" {
		meta["ip"] = actor.IP
	}
	entry := model.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  actor.TenantID,
		Actor:     actor.UserID,
		Action:    "integration." + action,
		Entity:    "integration:" + provider,
		Meta:      meta,
		Timestamp: s.opts.Clock.Now(),
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("audit entry not written",
			"action", entry.Action,
			"tenant_id", actor.TenantID,
			"error", Redact(err.Error()),
		)
	}
}
