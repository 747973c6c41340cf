package driven

import (
	"context"

	"github.com/ericfisherdev/credguard/internal/domain/model"
)

// IntegrationStore defines the driven port for per-tenant provider links.
// Secrets cross this boundary as opaque envelope strings; the store never
// sees plaintext credentials.
type IntegrationStore interface {
	// Get returns the integration for (tenantID, provider).
	// Returns (nil, nil) if none exists.
	Get(ctx context.Context, tenantID, provider string) (*model.Integration, error)

	// Upsert stores config, secret and status keyed by (tenant, provider).
	Upsert(ctx context.Context, integration model.Integration) error

	// UpdateStatus sets status and last_error without touching the secret.
	// It is a no-op when no secret is stored, so a late status write cannot
	// revive an integration that was disconnected in the meantime.
	UpdateStatus(ctx context.Context, tenantID, provider string, status model.IntegrationStatus, lastError *string) error

	// ClearSecret erases the stored secret, sets status to disconnected and
	// clears last_error. Environment and base URL are retained. It is a
	// no-op when no integration exists.
	ClearSecret(ctx context.Context, tenantID, provider string) error
}
