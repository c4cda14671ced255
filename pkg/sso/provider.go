package sso

import (
	"context"
	"fmt"
	"time"

	"github.com/idfed/idfed/pkg/observability"
)

// IdentityProvider is the per-tenant, per-IdP adapter both protocol
// implementations satisfy. Provider operations report flow failures in-band
// through AuthResult/LogoutResult; returned errors are reserved for
// misconfiguration and programmer misuse.
type IdentityProvider interface {
	ID() string
	Name() string
	Type() ProviderType
	TenantID() string
	Enabled() bool

	// GenerateAuthURL starts an authentication flow and returns the IdP
	// URL to redirect the user agent to.
	GenerateAuthURL(ctx context.Context, opts AuthURLOptions) (string, error)

	// ProcessCallback consumes the IdP callback and produces an
	// AuthResult. Never panics or returns; failures are in the result.
	ProcessCallback(ctx context.Context, req CallbackRequest) *AuthResult

	// GenerateLogoutURL produces the IdP logout redirect for the session
	// being terminated.
	GenerateLogoutURL(ctx context.Context, opts LogoutOptions) *LogoutResult

	// PublicConfig returns the provider configuration with every secret
	// (client secret, certificates, private keys) stripped.
	PublicConfig() map[string]interface{}

	// SetUserProvisioner installs the provisioning callback. The service
	// applies its global provisioner here unless the provider already has
	// one.
	SetUserProvisioner(p UserProvisioner)
	// HasUserProvisioner reports whether a provisioner is installed.
	HasUserProvisioner() bool
}

// MetadataProvider is the interface upgrade for providers that publish SP
// metadata and consume logout responses (SAML).
type MetadataProvider interface {
	GenerateMetadata() ([]byte, error)
	ProcessLogoutResponse(raw, relayState string) *LogoutResult
}

// ProviderDeps carries the shared collaborators a provider needs. All fields
// are optional; zero values get working defaults.
type ProviderDeps struct {
	Discovery  *DiscoveryService
	Tokens     *TokenService
	Verifier   IDTokenVerifier
	Assertions AssertionVerifier
	XMLBuilder XMLBuilder
	States     FlowStateStore
	// StateTTL bounds how long a pending flow may wait for its callback;
	// DefaultFlowStateTTL when zero.
	StateTTL time.Duration

	Provisioner UserProvisioner
	Events      *EventHandlers
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// NewProvider constructs the provider implementation selected by the config
// discriminant. Dispatch on Type happens exactly once, here.
func NewProvider(config ProviderConfig, deps ProviderDeps) (IdentityProvider, error) {
	if config.ID == "" {
		return nil, &ConfigurationError{Setting: "id"}
	}

	switch config.Type {
	case ProviderTypeSAML:
		if config.SAML == nil {
			return nil, &ConfigurationError{Setting: "saml", Reason: "SAML settings are required for a saml provider"}
		}
		return NewSAMLProvider(config, deps)
	case ProviderTypeOIDC:
		if config.OIDC == nil {
			return nil, &ConfigurationError{Setting: "oidc", Reason: "OIDC settings are required for an oidc provider"}
		}
		return NewOIDCProvider(config, deps)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", config.Type)
	}
}
