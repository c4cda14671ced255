package sso

import (
	"context"
	"time"
)

// ProviderType discriminates the protocol a provider speaks.
type ProviderType string

const (
	ProviderTypeSAML ProviderType = "saml"
	ProviderTypeOIDC ProviderType = "oidc"
)

// ProviderConfig is the registration record for a single tenant IdP.
// Exactly one of SAML or OIDC is set, according to Type. A config is
// immutable after registration; re-register to change it.
type ProviderConfig struct {
	ID       string       `json:"id" yaml:"id"`
	Name     string       `json:"name" yaml:"name"`
	Type     ProviderType `json:"type" yaml:"type"`
	TenantID string       `json:"tenant_id" yaml:"tenant_id"`
	Enabled  bool         `json:"enabled" yaml:"enabled"`

	SAML *SAMLSettings `json:"saml,omitempty" yaml:"saml,omitempty"`
	OIDC *OIDCSettings `json:"oidc,omitempty" yaml:"oidc,omitempty"`

	// AttributeMapping maps IdP attribute/claim names onto IdentityInfo
	// fields. Zero value falls back to the protocol defaults (NameID for
	// SAML, standard OIDC claims).
	AttributeMapping AttributeMap `json:"attribute_mapping,omitempty" yaml:"attribute_mapping,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

// SAMLSettings holds the SP and IdP wiring for a SAML 2.0 provider.
type SAMLSettings struct {
	SPEntityID   string `json:"sp_entity_id" yaml:"sp_entity_id"`
	IdPEntityID  string `json:"idp_entity_id" yaml:"idp_entity_id"`
	IdPSSOURL    string `json:"idp_sso_url" yaml:"idp_sso_url"`
	IdPSLOURL    string `json:"idp_slo_url,omitempty" yaml:"idp_slo_url,omitempty"`
	ACSURL       string `json:"acs_url" yaml:"acs_url"`
	SLOURL       string `json:"slo_url,omitempty" yaml:"slo_url,omitempty"`
	NameIDFormat string `json:"name_id_format,omitempty" yaml:"name_id_format,omitempty"`

	// IdPCertificate is the PEM encoded signing certificate published by
	// the IdP, used to validate assertion signatures.
	IdPCertificate string `json:"idp_certificate,omitempty" yaml:"idp_certificate,omitempty"`
	// SPCertificate and SPPrivateKey are optional; when present the SP
	// metadata advertises a signing KeyDescriptor. The key never appears
	// in JSON output.
	SPCertificate string `json:"sp_certificate,omitempty" yaml:"sp_certificate,omitempty"`
	SPPrivateKey  string `json:"-" yaml:"sp_private_key,omitempty"`

	ClockSkewSeconds           int  `json:"clock_skew_seconds,omitempty" yaml:"clock_skew_seconds,omitempty"`
	RequireSignedAssertions    bool `json:"require_signed_assertions" yaml:"require_signed_assertions"`
	RequireEncryptedAssertions bool `json:"require_encrypted_assertions" yaml:"require_encrypted_assertions"`
}

// OIDCSettings holds the relying-party wiring for an OpenID Connect
// provider. Endpoints may be left empty when DiscoveryURL is set; they are
// then resolved lazily from the discovery document.
type OIDCSettings struct {
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"-" yaml:"client_secret"`

	DiscoveryURL          string `json:"discovery_url,omitempty" yaml:"discovery_url,omitempty"`
	Issuer                string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty" yaml:"userinfo_endpoint,omitempty"`
	JWKSEndpoint          string `json:"jwks_uri,omitempty" yaml:"jwks_uri,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty" yaml:"end_session_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty" yaml:"revocation_endpoint,omitempty"`

	RedirectURI string   `json:"redirect_uri" yaml:"redirect_uri"`
	Scopes      []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	UsePKCE     bool     `json:"use_pkce" yaml:"use_pkce"`
}

// AttributeMap maps provider attribute/claim names onto identity fields.
type AttributeMap struct {
	Subject    string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Email      string `json:"email,omitempty" yaml:"email,omitempty"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty" yaml:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty" yaml:"family_name,omitempty"`
	Groups     string `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// IdentityInfo is the normalized view of a federated identity, produced by a
// provider after a successful callback and handed to the user provisioner.
type IdentityInfo struct {
	Subject    string              `json:"subject"`
	Email      string              `json:"email,omitempty"`
	Username   string              `json:"username,omitempty"`
	Name       string              `json:"name,omitempty"`
	GivenName  string              `json:"given_name,omitempty"`
	FamilyName string              `json:"family_name,omitempty"`
	Groups     []string            `json:"groups,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`

	ProviderID   string       `json:"provider_id"`
	ProviderType ProviderType `json:"provider_type"`
	TenantID     string       `json:"tenant_id"`
}

// User is the host application's view of a provisioned account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// ProvisionResult is returned by the host application's provisioner.
type ProvisionResult struct {
	Success bool   `json:"success"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UserProvisioner converts a federated identity into a host application
// user. Supplied by the host; invoked only after the assertion or token has
// been fully validated.
type UserProvisioner interface {
	Provision(ctx context.Context, identity *IdentityInfo, tenantID, providerID string) *ProvisionResult
}

// UserProvisionerFunc adapts a function to the UserProvisioner interface.
type UserProvisionerFunc func(ctx context.Context, identity *IdentityInfo, tenantID, providerID string) *ProvisionResult

// Provision implements UserProvisioner.
func (f UserProvisionerFunc) Provision(ctx context.Context, identity *IdentityInfo, tenantID, providerID string) *ProvisionResult {
	return f(ctx, identity, tenantID, providerID)
}

// AuthURLOptions controls authentication URL generation.
type AuthURLOptions struct {
	ReturnURL  string
	LoginHint  string
	ForceAuthn bool
	// RelayState is SAML only; OIDC derives its own state value.
	RelayState string
}

// LogoutOptions controls logout URL/request generation.
type LogoutOptions struct {
	// IDTokenHint is OIDC only: the raw ID token from the session being
	// terminated.
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
	// NameID and SessionIndex are SAML only.
	NameID       string
	SessionIndex string
}

// AuthResult is the outcome of processing an IdP callback. Failures are
// reported in-band; only programmer misuse surfaces as a Go error at the
// provider boundary, and even those are folded into Success=false.
type AuthResult struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	User     *User         `json:"user,omitempty"`
	Identity *IdentityInfo `json:"identity,omitempty"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`

	SessionIndex string `json:"session_index,omitempty"`
	ReturnURL    string `json:"return_url,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// LogoutResult is the outcome of a logout operation. URL, when set, is the
// IdP endpoint the user agent should be redirected to.
type LogoutResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ValidationResult reports a single validation check.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// CallbackRequest carries the IdP callback parameters: code/state for OIDC,
// SAMLResponse/RelayState for SAML.
type CallbackRequest struct {
	Code         string
	State        string
	SAMLResponse string
	RelayState   string
}

// Session is an authenticated SSO session. Lifetime is owned by the
// configured SessionStore.
type Session struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	TenantID     string       `json:"tenant_id"`
	ProviderID   string       `json:"provider_id"`
	ProviderType ProviderType `json:"provider_type"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// FlowStateEntry is the per-authorization-request state for an OIDC flow,
// keyed by the opaque state value. One-time use: consumed on the first
// callback or dropped at expiry.
type FlowStateEntry struct {
	State        string
	Nonce        string
	CodeVerifier string
	ReturnURL    string
	TenantID     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
