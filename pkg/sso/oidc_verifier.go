package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idfed/idfed/pkg/observability"
)

// IDTokenVerifier checks the JWS signature of a raw ID token. Verification
// sits between decoding and claim validation: a token that fails here is
// never inspected further. The capability is pluggable so deployments can
// substitute an HSM-backed or remote verifier.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string, settings *OIDCSettings) error
}

// allowedSigningMethods is the signature algorithm allow-list. "none" and
// HMAC algorithms are rejected outright: an IdP signs with an asymmetric
// key or not at all.
var allowedSigningMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// JWKSVerifier verifies ID token signatures against the provider's JWKS,
// resolving keys by kid through a DiscoveryService.
type JWKSVerifier struct {
	discovery *DiscoveryService
	logger    *observability.Logger
}

// NewJWKSVerifier creates the default verifier.
func NewJWKSVerifier(discovery *DiscoveryService, logger *observability.Logger) *JWKSVerifier {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &JWKSVerifier{
		discovery: discovery,
		logger:    logger.WithField("component", "oidc_verifier"),
	}
}

// Verify checks the token's signature. Claim validation is deliberately not
// performed here; ValidateClaims owns the ordered claim checks and their
// error messages.
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string, settings *OIDCSettings) error {
	if settings.JWKSEndpoint == "" {
		return &ConfigurationError{Setting: "jwks_uri"}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(allowedSigningMethods),
		jwt.WithoutClaimsValidation(),
	)

	_, err := parser.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.discovery.GetKey(ctx, settings.JWKSEndpoint, kid)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, fmt.Errorf("no key found for kid %q", kid)
		}
		return key.PublicKey()
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return fmt.Errorf("id token signature invalid: %w", err)
		}
		return fmt.Errorf("id token verification failed: %w", err)
	}
	return nil
}
