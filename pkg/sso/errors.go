package sso

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry and flow routing. Callers are expected to
// match these with errors.Is.
var (
	// ErrProviderNotFound is returned when no provider is registered under
	// the requested ID.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderDisabled is returned when the provider exists but is
	// administratively disabled.
	ErrProviderDisabled = errors.New("provider is disabled")

	// ErrInvalidOrExpiredState is returned when an OIDC callback presents a
	// state value that was never issued, already consumed, or expired.
	// Safe for the client to retry by starting a new flow.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")

	// ErrEndSessionNotConfigured is returned when RP-initiated logout is
	// requested but the provider has no end-session endpoint.
	ErrEndSessionNotConfigured = errors.New("end session endpoint not configured")

	// ErrXMLBuilderUnavailable is returned when SP metadata generation is
	// requested but no XML builder capability is configured.
	ErrXMLBuilderUnavailable = errors.New("xml builder unavailable")
)

// ConfigurationError indicates a missing or inconsistent provider setting.
// Fatal: the caller misconfigured the provider.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s is required", e.Setting)
}

// DiscoveryFetchError indicates the OIDC discovery document or JWKS could
// not be retrieved. May be transient; safe to retry with backoff.
type DiscoveryFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DiscoveryFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *DiscoveryFetchError) Unwrap() error { return e.Err }

// InvalidDiscoveryDocumentError indicates the discovery document was
// retrieved but is missing required fields.
type InvalidDiscoveryDocumentError struct {
	URL     string
	Missing string
}

func (e *InvalidDiscoveryDocumentError) Error() string {
	return fmt.Sprintf("invalid discovery document from %s: missing %s", e.URL, e.Missing)
}

// InvalidJWKSError indicates the JWKS payload was malformed.
type InvalidJWKSError struct {
	URL    string
	Reason string
}

func (e *InvalidJWKSError) Error() string {
	return fmt.Sprintf("invalid JWKS from %s: %s", e.URL, e.Reason)
}

// TokenExchangeError indicates the token endpoint rejected the request. The
// IdP's raw response body is retained for diagnosis.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

// UserInfoFetchError indicates the userinfo endpoint could not be consumed.
type UserInfoFetchError struct {
	StatusCode int
	Body       string
}

func (e *UserInfoFetchError) Error() string {
	return fmt.Sprintf("userinfo request failed with status %d: %s", e.StatusCode, e.Body)
}

// InvalidSAMLResponseError indicates a SAML payload that could not be parsed
// into a Response. Fatal for the current flow.
type InvalidSAMLResponseError struct {
	Reason string
	Err    error
}

func (e *InvalidSAMLResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid SAML response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid SAML response: %s", e.Reason)
}

func (e *InvalidSAMLResponseError) Unwrap() error { return e.Err }

// SAMLAuthenticationError indicates the IdP reported a non-Success status.
// The IdP's status message is surfaced verbatim.
type SAMLAuthenticationError struct {
	StatusCode    string
	StatusMessage string
}

func (e *SAMLAuthenticationError) Error() string {
	if e.StatusMessage != "" {
		return fmt.Sprintf("authentication failed: %s", e.StatusMessage)
	}
	return fmt.Sprintf("authentication failed with status %s", e.StatusCode)
}

// MetadataError indicates IdP metadata could not be fetched or parsed. The
// Stage field distinguishes fetch, parse, and structural failures.
type MetadataError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *MetadataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata %s failed: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("metadata %s failed: %s", e.Stage, e.Reason)
}

func (e *MetadataError) Unwrap() error { return e.Err }
