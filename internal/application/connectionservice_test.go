package application_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/credguard/internal/application"
	"github.com/ericfisherdev/credguard/internal/domain/model"
	"github.com/ericfisherdev/credguard/internal/domain/port/driven"
	"github.com/ericfisherdev/credguard/internal/resilience"
	"github.com/ericfisherdev/credguard/internal/vault"
)

// --- Mock implementations ---

type mockProbe struct {
	mu         sync.Mutex
	calls      int
	requests   []driven.ProbeRequest
	probe      func(ctx context.Context, req driven.ProbeRequest) (driven.ProbeResult, error)
	defaultURL string
}

func (m *mockProbe) Probe(ctx context.Context, req driven.ProbeRequest) (driven.ProbeResult, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	fn := m.probe
	m.mu.Unlock()

	if fn == nil {
		return driven.ProbeResult{OK: true}, nil
	}
	return fn(ctx, req)
}

func (m *mockProbe) DefaultBaseURL(model.Environment) string {
	return m.defaultURL
}

func (m *mockProbe) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockProbe) respond(fn func(ctx context.Context, req driven.ProbeRequest) (driven.ProbeResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = fn
}

type memIntegrationStore struct {
	mu    sync.Mutex
	items map[string]model.Integration
}

func newMemIntegrationStore() *memIntegrationStore {
	return &memIntegrationStore{items: make(map[string]model.Integration)}
}

func (m *memIntegrationStore) key(tenantID, provider string) string {
	return tenantID + "/" + provider
}

func (m *memIntegrationStore) Get(_ context.Context, tenantID, provider string) (*model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.items[m.key(tenantID, provider)]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (m *memIntegrationStore) Upsert(_ context.Context, i model.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[m.key(i.TenantID, i.Provider)] = i
	return nil
}

func (m *memIntegrationStore) UpdateStatus(_ context.Context, tenantID, provider string, status model.IntegrationStatus, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.items[m.key(tenantID, provider)]
	if !ok || i.Secret == "" {
		return nil
	}
	i.Status = status
	i.Config.LastError = lastError
	m.items[m.key(tenantID, provider)] = i
	return nil
}

func (m *memIntegrationStore) ClearSecret(_ context.Context, tenantID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.items[m.key(tenantID, provider)]
	if !ok {
		return nil
	}
	i.Secret = ""
	i.Status = model.StatusDisconnected
	i.Config.LastError = nil
	m.items[m.key(tenantID, provider)] = i
	return nil
}

func (m *memIntegrationStore) mustGet(t *testing.T, tenantID, provider string) model.Integration {
	t.Helper()
	i, err := m.Get(context.Background(), tenantID, provider)
	require.NoError(t, err)
	require.NotNil(t, i, "integration %s/%s not stored", tenantID, provider)
	return *i
}

type memAuditSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	err     error
}

func (m *memAuditSink) Append(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditSink) all() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.entries...)
}

type memMembers struct {
	roles map[string]model.Role
}

func (m *memMembers) RoleOf(_ context.Context, tenantID, userID string) (model.Role, error) {
	return m.roles[tenantID+"/"+userID], nil
}

func (m *memMembers) SetRole(_ context.Context, tenantID, userID string, role model.Role) error {
	m.roles[tenantID+"/"+userID] = role
	return nil
}

type failingBucketStore struct{}

func (failingBucketStore) Hit(context.Context, string, time.Duration, time.Time) (resilience.RateBucket, error) {
	return resilience.RateBucket{}, errors.New("dial tcp 10.0.0.5:6379: connection refused")
}

// --- Fixture ---

const sandboxURL = "https://sandbox.provider.test"

var (
	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ownerA  = model.Actor{UserID: "u-owner", TenantID: "tenantA", Role: model.RoleOwner, IP: "203.0.113.7"}
	memberA = model.Actor{UserID: "u-member", TenantID: "tenantA", Role: model.RoleMember, IP: "203.0.113.8"}
	ownerB  = model.Actor{UserID: "u-owner-b", TenantID: "tenantB", Role: model.RoleOwner, IP: "198.51.100.4"}

	validCreds = model.Credentials{ClientID: "client-123", ClientSecret: "s3cr3t-value-xyz", Scope: "read"}
)

type fixture struct {
	svc     *application.ConnectionService
	store   *memIntegrationStore
	audit   *memAuditSink
	probe   *mockProbe
	vault   *vault.Vault
	clock   *resilience.FixedClock
	logs    *bytes.Buffer
	buckets resilience.BucketStore
}

type fixtureOption func(*application.Options, *fixture)

func withBucketStore(store resilience.BucketStore) fixtureOption {
	return func(_ *application.Options, f *fixture) { f.buckets = store }
}

func withProbeTimeout(d time.Duration) fixtureOption {
	return func(o *application.Options, _ *fixture) { o.ProbeTimeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	v, err := vault.New("fixture master secret value")
	require.NoError(t, err)

	memStore := resilience.NewMemoryStore()
	f := &fixture{
		store:   newMemIntegrationStore(),
		audit:   &memAuditSink{},
		probe:   &mockProbe{},
		vault:   v,
		clock:   resilience.NewFixedClock(epoch),
		logs:    &bytes.Buffer{},
		buckets: memStore,
	}

	options := application.Options{
		RateLimits: application.DefaultActionPolicies(),
		Breaker:    resilience.BreakerPolicy{FailureThreshold: 3, Cooldown: time.Minute},
		Clock:      f.clock,
	}
	for _, opt := range opts {
		opt(&options, f)
	}

	members := &memMembers{roles: map[string]model.Role{
		"tenantA/u-owner":   model.RoleOwner,
		"tenantA/u-member":  model.RoleMember,
		"tenantB/u-owner-b": model.RoleOwner,
	}}

	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.svc = application.NewConnectionService(
		f.store,
		f.audit,
		members,
		application.NewProbeProvider(map[string]driven.ProviderProbe{"oauth2": f.probe}),
		v,
		resilience.NewLimiter(f.buckets, f.clock),
		resilience.NewBreaker(memStore, resilience.WithBreakerClock(f.clock), resilience.WithBreakerLogger(logger)),
		options,
		logger,
	)
	return f
}

func connectReq() application.ConnectRequest {
	return application.ConnectRequest{
		Provider:    "oauth2",
		Environment: model.EnvironmentSandbox,
		BaseURL:     sandboxURL,
		Credentials: validCreds,
	}
}

func requireCategory(t *testing.T, err error, want application.Category) *application.Error {
	t.Helper()
	var appErr *application.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, want, appErr.Category, "message: %s", appErr.Message)
	return appErr
}

func rejectWith(msg string) func(context.Context, driven.ProbeRequest) (driven.ProbeResult, error) {
	return func(context.Context, driven.ProbeRequest) (driven.ProbeResult, error) {
		return driven.ProbeResult{OK: false, Message: msg}, nil
	}
}

func failWith(err error) func(context.Context, driven.ProbeRequest) (driven.ProbeResult, error) {
	return func(context.Context, driven.ProbeRequest) (driven.ProbeResult, error) {
		return driven.ProbeResult{}, err
	}
}

// --- State machine ---

func TestConnect_SuccessStoresDecryptableSecret(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusConnected, res.Status)
	assert.True(t, res.RateLimit.Allowed)
	assert.Equal(t, 9, res.RateLimit.Remaining)

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusConnected, stored.Status)
	assert.Nil(t, stored.Config.LastError)
	assert.Equal(t, sandboxURL, stored.Config.BaseURL)
	assert.Equal(t, model.EnvironmentSandbox, stored.Config.Environment)
	assert.Equal(t, epoch, stored.UpdatedAt)
	assert.NotContains(t, stored.Secret, validCreds.ClientSecret)

	var creds model.Credentials
	require.NoError(t, f.vault.Open(stored.Secret, &creds))
	assert.Equal(t, validCreds, creds)

	require.Equal(t, 1, f.probe.callCount())
	assert.Equal(t, validCreds, f.probe.requests[0].Credentials)
	assert.Equal(t, sandboxURL, f.probe.requests[0].BaseURL)
}

func TestConnect_ProviderRejectionStoresErrorAndKeepsSecret(t *testing.T) {
	f := newFixture(t)
	f.probe.respond(rejectWith("<b>invalid_client</b>: client_secret=s3cr3t-value-xyz is wrong"))

	res, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err, "a rejection is a completed call")
	assert.False(t, res.OK)
	assert.Equal(t, model.StatusError, res.Status)
	assert.NotContains(t, res.Message, "<b>")
	assert.NotContains(t, res.Message, validCreds.ClientSecret)
	assert.Contains(t, res.Message, "invalid_client")

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusError, stored.Status)
	require.NotNil(t, stored.Config.LastError)
	assert.Equal(t, res.Message, *stored.Config.LastError)
	assert.True(t, stored.HasSecret(), "attempted credentials are retained for a later test")
}

func TestConnect_FromErrorToConnected(t *testing.T) {
	f := newFixture(t)
	f.probe.respond(rejectWith("invalid_client"))

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)

	f.probe.respond(nil)
	res, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)
	assert.True(t, res.OK)

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusConnected, stored.Status)
	assert.Nil(t, stored.Config.LastError)
}

func TestTest_ReprobesStoredSecretWithoutModifyingIt(t *testing.T) {
	f := newFixture(t)
	f.probe.respond(rejectWith("temporarily_disabled"))

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)
	before := f.store.mustGet(t, "tenantA", "oauth2")

	f.probe.respond(nil)
	res, err := f.svc.Test(context.Background(), ownerA, "oauth2")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, model.StatusConnected, res.Status)

	after := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusConnected, after.Status)
	assert.Nil(t, after.Config.LastError)
	assert.Equal(t, before.Secret, after.Secret)

	require.Equal(t, 2, f.probe.callCount())
	assert.Equal(t, validCreds, f.probe.requests[1].Credentials, "test decrypts the stored secret")
}

func TestTest_RejectionMovesConnectedToError(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)

	f.probe.respond(rejectWith("client revoked"))
	res, err := f.svc.Test(context.Background(), ownerA, "oauth2")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "client revoked", res.Message)

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusError, stored.Status)
	require.NotNil(t, stored.Config.LastError)
	assert.Equal(t, "client revoked", *stored.Config.LastError)
}

func TestTest_NeverConnectedIsBadRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Test(context.Background(), ownerA, "oauth2")
	appErr := requireCategory(t, err, application.CategoryBadRequest)
	assert.ErrorIs(t, appErr, application.ErrNotConnected)
	assert.Zero(t, f.probe.callCount())
}

func TestTest_CorruptedSecretIsInternalError(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Upsert(context.Background(), model.Integration{
		TenantID: "tenantA",
		Provider: "oauth2",
		Status:   model.StatusConnected,
		Config:   model.IntegrationConfig{Environment: model.EnvironmentSandbox, BaseURL: sandboxURL},
		Secret:   `{"version":1,"data":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}`,
	}))

	_, err := f.svc.Test(context.Background(), ownerA, "oauth2")
	appErr := requireCategory(t, err, application.CategoryInternal)
	assert.ErrorIs(t, appErr, vault.ErrEncryption)
	assert.Zero(t, f.probe.callCount())
}

func TestDisconnect_FromAnyState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name:  "disconnected",
			setup: func(*testing.T, *fixture) {},
		},
		{
			name: "connected",
			setup: func(t *testing.T, f *fixture) {
				_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
				require.NoError(t, err)
			},
		},
		{
			name: "error",
			setup: func(t *testing.T, f *fixture) {
				f.probe.respond(rejectWith("nope"))
				_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			res, err := f.svc.Disconnect(context.Background(), ownerA, "oauth2")
			require.NoError(t, err)
			assert.True(t, res.OK)
			assert.Equal(t, model.StatusDisconnected, res.Status)

			stored, err := f.store.Get(context.Background(), "tenantA", "oauth2")
			require.NoError(t, err)
			if stored == nil {
				return
			}
			assert.Equal(t, model.StatusDisconnected, stored.Status)
			assert.False(t, stored.HasSecret())
			assert.Nil(t, stored.Config.LastError)
			assert.Equal(t, sandboxURL, stored.Config.BaseURL, "config survives disconnect")
		})
	}
}

func TestTest_AfterDisconnectIsNotConnected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)
	_, err = f.svc.Disconnect(context.Background(), ownerA, "oauth2")
	require.NoError(t, err)

	_, err = f.svc.Test(context.Background(), ownerA, "oauth2")
	requireCategory(t, err, application.CategoryBadRequest)
}

// --- Authorization ---

func TestConnect_NonOwnerIsForbiddenBeforeProbe(t *testing.T) {
	tests := []struct {
		name  string
		actor model.Actor
	}{
		{name: "member role claim", actor: memberA},
		{name: "owner claim not backed by membership", actor: model.Actor{
			UserID: "u-member", TenantID: "tenantA", Role: model.RoleOwner, IP: "203.0.113.8",
		}},
		{name: "owner of another tenant", actor: model.Actor{
			UserID: "u-owner-b", TenantID: "tenantA", Role: model.RoleOwner, IP: "198.51.100.4",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.svc.Connect(context.Background(), tt.actor, connectReq())
			requireCategory(t, err, application.CategoryForbidden)

			assert.Zero(t, f.probe.callCount())
			stored, err := f.store.Get(context.Background(), "tenantA", "oauth2")
			require.NoError(t, err)
			assert.Nil(t, stored)
			assert.Empty(t, f.audit.all())
		})
	}
}

func TestMutatingCalls_RequireAuthentication(t *testing.T) {
	f := newFixture(t)
	anon := model.Actor{IP: "203.0.113.9"}

	_, err := f.svc.Connect(context.Background(), anon, connectReq())
	requireCategory(t, err, application.CategoryUnauthorized)
	_, err = f.svc.Test(context.Background(), anon, "oauth2")
	requireCategory(t, err, application.CategoryUnauthorized)
	_, err = f.svc.Disconnect(context.Background(), anon, "oauth2")
	requireCategory(t, err, application.CategoryUnauthorized)
	_, err = f.svc.Status(context.Background(), anon, "oauth2")
	requireCategory(t, err, application.CategoryUnauthorized)

	assert.Zero(t, f.probe.callCount())
}

// --- Rate limiting ---

func TestConnect_EleventhCallInWindowIsRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_, err := f.svc.Connect(ctx, ownerA, connectReq())
		require.NoError(t, err, "call %d", i)
	}
	require.Equal(t, 10, f.probe.callCount(), "the 10th call reaches the probe")

	_, err := f.svc.Connect(ctx, ownerA, connectReq())
	appErr := requireCategory(t, err, application.CategoryTooManyRequests)
	assert.ErrorIs(t, appErr, resilience.ErrRateLimited)
	require.NotNil(t, appErr.RateLimit)
	assert.True(t, appErr.RateLimit.ResetAt.After(f.clock.Now()))
	assert.Equal(t, 10*time.Minute, appErr.RetryAfter)
	assert.Equal(t, 10, f.probe.callCount())

	// Other actions have their own quotas.
	_, err = f.svc.Disconnect(ctx, ownerA, "oauth2")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.Connect(ctx, ownerA, connectReq())
	require.NoError(t, err, "a new window starts after the reset time")
}

func TestConnect_RateLimitIsPerIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 11 {
		_, _ = f.svc.Connect(ctx, ownerA, connectReq())
	}

	other := ownerA
	other.IP = "192.0.2.44"
	_, err := f.svc.Connect(ctx, other, connectReq())
	require.NoError(t, err)
}

func TestConnect_RateLimitStateUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, withBucketStore(failingBucketStore{}))

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	appErr := requireCategory(t, err, application.CategoryServiceUnavailable)
	assert.ErrorIs(t, appErr, resilience.ErrStateUnavailable)
	assert.Zero(t, f.probe.callCount())
	assert.NotContains(t, appErr.Message, "10.0.0.5")
}

// --- Circuit breaker and deadline ---

func TestConnect_CircuitOpensPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.probe.respond(failWith(fmt.Errorf("%w: 502 bad gateway", driven.ErrProviderUnreachable)))

	for i := 1; i <= 3; i++ {
		_, err := f.svc.Connect(ctx, ownerA, connectReq())
		appErr := requireCategory(t, err, application.CategoryServiceUnavailable)
		assert.ErrorIs(t, appErr, driven.ErrProviderUnreachable, "call %d", i)
		assert.Equal(t, 30*time.Second, appErr.RetryAfter, "call %d", i)
	}
	require.Equal(t, 3, f.probe.callCount())

	f.clock.Advance(10 * time.Second)
	_, err := f.svc.Connect(ctx, ownerA, connectReq())
	appErr := requireCategory(t, err, application.CategoryServiceUnavailable)
	assert.ErrorIs(t, appErr, resilience.ErrCircuitOpen)
	assert.Equal(t, 50*time.Second, appErr.RetryAfter)
	assert.Equal(t, 3, f.probe.callCount(), "open circuit makes no network call")

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusError, stored.Status)
	require.NotNil(t, stored.Config.LastError)

	f.probe.respond(nil)
	res, err := f.svc.Connect(ctx, ownerB, connectReq())
	require.NoError(t, err, "tenantB has its own breaker")
	assert.True(t, res.OK)
	assert.Equal(t, 4, f.probe.callCount())
}

func TestConnect_CircuitClosesAfterCooldownSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.probe.respond(failWith(driven.ErrProviderUnreachable))

	for range 3 {
		_, _ = f.svc.Connect(ctx, ownerA, connectReq())
	}

	f.clock.Advance(time.Minute)
	f.probe.respond(nil)
	res, err := f.svc.Test(ctx, ownerA, "oauth2")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 4, f.probe.callCount())
}

func TestConnect_ProbeTimeoutPersistsErrorAndIsUnavailable(t *testing.T) {
	f := newFixture(t, withProbeTimeout(20*time.Millisecond))
	f.probe.respond(func(ctx context.Context, _ driven.ProbeRequest) (driven.ProbeResult, error) {
		<-ctx.Done()
		return driven.ProbeResult{}, ctx.Err()
	})

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	appErr := requireCategory(t, err, application.CategoryServiceUnavailable)
	assert.ErrorIs(t, appErr, resilience.ErrTimeout)
	assert.Equal(t, time.Second, appErr.RetryAfter)

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, model.StatusError, stored.Status)
	require.NotNil(t, stored.Config.LastError)
	assert.Equal(t, "provider did not respond in time", *stored.Config.LastError)
}

// --- Validation ---

func TestConnect_ValidationRejectsBeforeAnyWork(t *testing.T) {
	long := strings.Repeat("x", 513)

	tests := []struct {
		name   string
		mutate func(r *application.ConnectRequest)
		field  string
	}{
		{name: "unknown provider", mutate: func(r *application.ConnectRequest) { r.Provider = "salesforce" }, field: "provider"},
		{name: "malformed provider", mutate: func(r *application.ConnectRequest) { r.Provider = "../etc" }, field: "provider"},
		{name: "bad environment", mutate: func(r *application.ConnectRequest) { r.Environment = "staging" }, field: "environment"},
		{name: "missing base url", mutate: func(r *application.ConnectRequest) { r.BaseURL = "" }, field: "base_url"},
		{name: "relative base url", mutate: func(r *application.ConnectRequest) { r.BaseURL = "/oauth" }, field: "base_url"},
		{name: "ftp base url", mutate: func(r *application.ConnectRequest) { r.BaseURL = "ftp://provider.test" }, field: "base_url"},
		{name: "base url with userinfo", mutate: func(r *application.ConnectRequest) { r.BaseURL = "https://u:p@provider.test" }, field: "base_url"},
		{name: "empty client id", mutate: func(r *application.ConnectRequest) { r.Credentials.ClientID = "  " }, field: "client_id"},
		{name: "long client id", mutate: func(r *application.ConnectRequest) { r.Credentials.ClientID = long }, field: "client_id"},
		{name: "empty client secret", mutate: func(r *application.ConnectRequest) { r.Credentials.ClientSecret = "" }, field: "client_secret"},
		{name: "long client secret", mutate: func(r *application.ConnectRequest) { r.Credentials.ClientSecret = long }, field: "client_secret"},
		{name: "long scope", mutate: func(r *application.ConnectRequest) { r.Credentials.Scope = strings.Repeat("s", 1025) }, field: "scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := connectReq()
			tt.mutate(&req)

			_, err := f.svc.Connect(context.Background(), ownerA, req)
			appErr := requireCategory(t, err, application.CategoryBadRequest)

			var vErr *application.ValidationError
			require.ErrorAs(t, appErr, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Zero(t, f.probe.callCount())

			stored, err := f.store.Get(context.Background(), "tenantA", req.Provider)
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
}

func TestConnect_UsesProviderDefaultBaseURL(t *testing.T) {
	f := newFixture(t)
	f.probe.defaultURL = "https://api.provider.test/"
	req := connectReq()
	req.BaseURL = ""

	_, err := f.svc.Connect(context.Background(), ownerA, req)
	require.NoError(t, err)

	stored := f.store.mustGet(t, "tenantA", "oauth2")
	assert.Equal(t, "https://api.provider.test/", stored.Config.BaseURL)
}

// --- Audit and logging ---

func TestConnect_AuditEntryHasNoSecrets(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "tenantA", e.TenantID)
	assert.Equal(t, "u-owner", e.Actor)
	assert.Equal(t, "integration.connect", e.Action)
	assert.Equal(t, "integration:oauth2", e.Entity)
	assert.Equal(t, epoch, e.Timestamp)
	assert.Equal(t, "connected", e.Meta["outcome"])
	assert.Equal(t, "sandbox", e.Meta["environment"])

	for k, v := range e.Meta {
		assert.NotContains(t, v, validCreds.ClientSecret, "meta %q", k)
		assert.NotContains(t, v, validCreds.ClientID, "meta %q", k)
	}
}

func TestConnect_AuditFailureDoesNotFailCall(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("disk full")

	res, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, f.logs.String(), "audit entry not written")
}

func TestConnect_RawErrorsAreRedactedInLogs(t *testing.T) {
	f := newFixture(t)
	f.probe.respond(failWith(fmt.Errorf("token endpoint said client_secret=%s and Bearer abcdefghijklmnop: %w",
		validCreds.ClientSecret, driven.ErrProviderUnreachable)))

	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	appErr := requireCategory(t, err, application.CategoryServiceUnavailable)
	assert.NotContains(t, appErr.Message, validCreds.ClientSecret)

	logs := f.logs.String()
	assert.Contains(t, logs, "integration connect failed")
	assert.NotContains(t, logs, validCreds.ClientSecret)
	assert.NotContains(t, logs, "abcdefghijklmnop")
}

// --- Status ---

func TestStatus_VisibleToMembersWithoutSecret(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Connect(context.Background(), ownerA, connectReq())
	require.NoError(t, err)

	view, err := f.svc.Status(context.Background(), memberA, "oauth2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, view.Status)
	assert.True(t, view.HasSecret)
	assert.Equal(t, sandboxURL, view.BaseURL)

	view, err = f.svc.Status(context.Background(), ownerA, "github")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, view.Status)
	assert.False(t, view.HasSecret)

	outsider := ownerB
	outsider.TenantID = "tenantA"
	_, err = f.svc.Status(context.Background(), outsider, "oauth2")
	requireCategory(t, err, application.CategoryForbidden)
}
