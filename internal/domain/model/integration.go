package model

import "time"

// Environment selects which of the provider's deployments a tenant talks to.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether e is one of the known environments.
func (e Environment) Valid() bool {
	return e == EnvironmentSandbox || e == EnvironmentProduction
}

// IntegrationStatus is the connection state of a (tenant, provider) pair.
type IntegrationStatus string

const (
	StatusDisconnected IntegrationStatus = "disconnected"
	StatusConnected    IntegrationStatus = "connected"
	StatusError        IntegrationStatus = "error"
)

// IntegrationConfig holds the non-secret settings of a tenant's provider link.
// It survives connect, test and disconnect.
type IntegrationConfig struct {
	Environment Environment
	BaseURL     string
	LastError   *string
}

// Credentials are the OAuth client credentials a tenant links. They only ever
// exist in plaintext in memory; at rest they are an encrypted envelope.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// Integration is the persisted record for one (tenant, provider) pair.
// Secret is the opaque envelope string produced by the vault; it is empty
// while Status is StatusDisconnected.
type Integration struct {
	TenantID  string
	Provider  string
	Status    IntegrationStatus
	Config    IntegrationConfig
	Secret    string
	UpdatedAt time.Time
}

// HasSecret reports whether an encrypted secret is stored for the integration.
func (i *Integration) HasSecret() bool {
	return i.Secret != ""
}
