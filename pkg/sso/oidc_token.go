package sso

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/idfed/idfed/pkg/observability"
)

// ClaimsSkew is the tolerance applied to the iat check, covering small clock
// differences between this host and the IdP.
const ClaimsSkew = 2 * time.Minute

// TokenResponse is the token endpoint's successful payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Audience is an ID token aud claim. OpenID Connect allows it to be either
// a single string or an array of strings.
type Audience []string

// UnmarshalJSON accepts both the string and array forms.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return fmt.Errorf("aud is neither string nor array: %w", err)
	}
	*a = Audience(multi)
	return nil
}

// Contains reports whether value is one of the audiences.
func (a Audience) Contains(value string) bool {
	for _, v := range a {
		if v == value {
			return true
		}
	}
	return false
}

// IDTokenClaims is the decoded payload of an OIDC ID token. Decoding confers
// no trust: claims must pass signature verification and ValidateClaims
// before any caller relies on them.
type IDTokenClaims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  Audience `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	AuthParty string   `json:"azp,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`

	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`

	// Raw keeps every claim for attribute mapping.
	Raw map[string]interface{} `json:"-"`
}

// UserInfo is the userinfo endpoint payload, kept as raw claims.
type UserInfo map[string]interface{}

// TokenService talks to an OIDC provider's token, userinfo, and revocation
// endpoints.
type TokenService struct {
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewTokenService creates a token service. A nil client gets the default
// traced 10s-timeout client.
func NewTokenService(client *http.Client, logger *observability.Logger) *TokenService {
	if client == nil {
		client = newIdPHTTPClient()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &TokenService{
		client: client,
		logger: logger.WithField("component", "oidc_token"),
	}
}

// SetMetrics installs the metrics sink. Call before the service is shared
// across goroutines.
func (s *TokenService) SetMetrics(m *observability.Metrics) { s.metrics = m }

// ExchangeCode redeems an authorization code at the token endpoint.
// codeVerifier is included when the flow used PKCE.
func (s *TokenService) ExchangeCode(ctx context.Context, settings *OIDCSettings, code, codeVerifier string) (*TokenResponse, error) {
	if settings.TokenEndpoint == "" {
		return nil, &ConfigurationError{Setting: "token_endpoint"}
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", settings.ClientID)
	form.Set("client_secret", settings.ClientSecret)
	form.Set("redirect_uri", settings.RedirectURI)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	return s.postTokenForm(ctx, "token_exchange", settings.TokenEndpoint, form)
}

// RefreshToken redeems a refresh token for a fresh token set.
func (s *TokenService) RefreshToken(ctx context.Context, settings *OIDCSettings, refreshToken string) (*TokenResponse, error) {
	if settings.TokenEndpoint == "" {
		return nil, &ConfigurationError{Setting: "token_endpoint"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", settings.ClientID)
	form.Set("client_secret", settings.ClientSecret)

	return s.postTokenForm(ctx, "refresh", settings.TokenEndpoint, form)
}

func (s *TokenService) postTokenForm(ctx context.Context, operation, endpoint string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		recordIdPRequest(s.metrics, operation, 0, start)
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	recordIdPRequest(s.metrics, operation, resp.StatusCode, start)

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TokenExchangeError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &tokens, nil
}

// FetchUserInfo retrieves the userinfo document with a bearer token.
func (s *TokenService) FetchUserInfo(ctx context.Context, settings *OIDCSettings, accessToken string) (UserInfo, error) {
	if settings.UserInfoEndpoint == "" {
		return nil, &ConfigurationError{Setting: "userinfo_endpoint"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, settings.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		recordIdPRequest(s.metrics, "userinfo", 0, start)
		return nil, &UserInfoFetchError{Body: err.Error()}
	}
	defer resp.Body.Close()
	recordIdPRequest(s.metrics, "userinfo", resp.StatusCode, start)

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UserInfoFetchError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &UserInfoFetchError{StatusCode: resp.StatusCode, Body: "malformed userinfo payload"}
	}
	return info, nil
}

// DecodeIDToken splits the compact JWT and JSON-decodes its payload. It
// never returns an error: malformed input yields nil. Decoding is separate
// from trust; see IDTokenVerifier and ValidateClaims.
func DecodeIDToken(idToken string) *IDTokenClaims {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}

	var claims IDTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	// Keep the full claim set for attribute mapping.
	if err := json.Unmarshal(payload, &claims.Raw); err != nil {
		return nil
	}
	return &claims
}

// ValidateClaims checks the decoded claims against the provider settings and
// the nonce issued when the flow started. Checks run in a fixed order:
// expiry, issued-at, audience, authorized party, nonce. The first failure is
// reported; each check is independently testable.
func ValidateClaims(claims *IDTokenClaims, settings *OIDCSettings, expectedNonce string) ValidationResult {
	now := time.Now()

	if claims.ExpiresAt <= now.Unix() {
		return ValidationResult{Valid: false, Error: "token expired"}
	}
	if claims.IssuedAt > now.Add(ClaimsSkew).Unix() {
		return ValidationResult{Valid: false, Error: "token issued in the future"}
	}
	if settings.Issuer != "" && claims.Issuer != settings.Issuer {
		return ValidationResult{Valid: false, Error: "issuer mismatch"}
	}
	if !claims.Audience.Contains(settings.ClientID) {
		return ValidationResult{Valid: false, Error: "audience mismatch"}
	}
	if len(claims.Audience) > 1 && claims.AuthParty != settings.ClientID {
		return ValidationResult{Valid: false, Error: "authorized party mismatch"}
	}
	if expectedNonce != "" && claims.Nonce != expectedNonce {
		return ValidationResult{Valid: false, Error: "nonce mismatch"}
	}

	return ValidationResult{Valid: true}
}

// RevokeToken posts the token to the provider's revocation endpoint.
// Best-effort: network errors and IdP rejections return false without an
// error. hint is RFC 7009's token_type_hint.
func (s *TokenService) RevokeToken(ctx context.Context, settings *OIDCSettings, token, hint string) bool {
	endpoint := settings.RevocationEndpoint
	if endpoint == "" {
		// Some IdPs publish no revocation endpoint in discovery; derive
		// the conventional sibling of the token endpoint.
		if settings.TokenEndpoint == "" {
			return false
		}
		endpoint = strings.TrimSuffix(settings.TokenEndpoint, "/token") + "/revoke"
	}

	form := url.Values{}
	form.Set("token", token)
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	form.Set("client_id", settings.ClientID)
	form.Set("client_secret", settings.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		recordIdPRequest(s.metrics, "revoke", 0, start)
		s.logger.WithError(err).Warn("token revocation failed")
		return false
	}
	defer resp.Body.Close()
	recordIdPRequest(s.metrics, "revoke", resp.StatusCode, start)
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
