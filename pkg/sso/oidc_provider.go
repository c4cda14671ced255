package sso

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/idfed/idfed/pkg/observability"
)

// DefaultOIDCScopes are requested when the settings leave scopes empty.
var DefaultOIDCScopes = []string{"openid", "profile", "email"}

// OIDCProvider drives the Authorization Code flow (optionally with PKCE)
// against one IdP for one tenant. It owns the flow-state entries it issues.
type OIDCProvider struct {
	config   ProviderConfig
	settings *OIDCSettings

	discovery *DiscoveryService
	tokens    *TokenService
	verifier  IDTokenVerifier
	states    FlowStateStore
	stateTTL  time.Duration

	provisioner UserProvisioner
	events      *EventHandlers
	logger      *observability.Logger
	metrics     *observability.Metrics

	// resolveMu guards the lazy endpoint resolution from the discovery
	// document.
	resolveMu sync.Mutex
	resolved  bool
}

// NewOIDCProvider creates a provider from the config. Endpoints may be
// resolved lazily from DiscoveryURL on first use.
func NewOIDCProvider(config ProviderConfig, deps ProviderDeps) (*OIDCProvider, error) {
	settings := *config.OIDC

	if settings.ClientID == "" {
		return nil, &ConfigurationError{Setting: "client_id"}
	}
	if settings.RedirectURI == "" {
		return nil, &ConfigurationError{Setting: "redirect_uri"}
	}
	if settings.DiscoveryURL == "" && (settings.AuthorizationEndpoint == "" || settings.TokenEndpoint == "") {
		return nil, &ConfigurationError{
			Setting: "discovery_url",
			Reason:  "either discovery_url or explicit authorization and token endpoints must be set",
		}
	}
	if len(settings.Scopes) == 0 {
		settings.Scopes = append([]string(nil), DefaultOIDCScopes...)
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	logger = logger.WithFields(map[string]interface{}{
		"provider_id": config.ID,
		"tenant_id":   config.TenantID,
	})

	discovery := deps.Discovery
	if discovery == nil {
		discovery = NewDiscoveryService(DiscoveryConfig{}, logger)
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = NewTokenService(nil, logger)
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = NewJWKSVerifier(discovery, logger)
	}
	states := deps.States
	if states == nil {
		states = NewMemoryFlowStateStore()
	}
	stateTTL := deps.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultFlowStateTTL
	}
	if deps.Metrics != nil {
		discovery.SetMetrics(deps.Metrics)
		tokens.SetMetrics(deps.Metrics)
	}

	return &OIDCProvider{
		config:      config,
		settings:    &settings,
		discovery:   discovery,
		tokens:      tokens,
		verifier:    verifier,
		states:      states,
		stateTTL:    stateTTL,
		provisioner: deps.Provisioner,
		events:      deps.Events,
		logger:      logger,
		metrics:     deps.Metrics,
		resolved:    settings.DiscoveryURL == "",
	}, nil
}

// ID implements IdentityProvider.
func (p *OIDCProvider) ID() string { return p.config.ID }

// Name implements IdentityProvider.
func (p *OIDCProvider) Name() string { return p.config.Name }

// Type implements IdentityProvider.
func (p *OIDCProvider) Type() ProviderType { return ProviderTypeOIDC }

// TenantID implements IdentityProvider.
func (p *OIDCProvider) TenantID() string { return p.config.TenantID }

// Enabled implements IdentityProvider.
func (p *OIDCProvider) Enabled() bool { return p.config.Enabled }

// SetUserProvisioner implements IdentityProvider.
func (p *OIDCProvider) SetUserProvisioner(prov UserProvisioner) { p.provisioner = prov }

// HasUserProvisioner implements IdentityProvider.
func (p *OIDCProvider) HasUserProvisioner() bool { return p.provisioner != nil }

// resolveEndpoints fills endpoints from the discovery document the first
// time they are needed.
func (p *OIDCProvider) resolveEndpoints(ctx context.Context) error {
	p.resolveMu.Lock()
	defer p.resolveMu.Unlock()
	if p.resolved {
		return nil
	}

	doc, err := p.discovery.FetchDiscoveryDocument(ctx, p.settings.DiscoveryURL)
	if err != nil {
		return err
	}
	p.settings = ExtractSettingsFromDiscovery(doc, *p.settings)
	p.resolved = true
	return nil
}

// currentSettings returns the settings pointer under the resolution lock.
// Callers that already ran resolveEndpoints on their own goroutine hold a
// happens-before edge through resolveMu and may read p.settings directly;
// everything else goes through here.
func (p *OIDCProvider) currentSettings() *OIDCSettings {
	p.resolveMu.Lock()
	defer p.resolveMu.Unlock()
	return p.settings
}

// GenerateAuthURL issues state, nonce, and (when enabled) a PKCE pair,
// records the flow state, and builds the authorization URL.
func (p *OIDCProvider) GenerateAuthURL(ctx context.Context, opts AuthURLOptions) (string, error) {
	if err := p.resolveEndpoints(ctx); err != nil {
		return "", err
	}
	if p.settings.AuthorizationEndpoint == "" {
		return "", &ConfigurationError{Setting: "authorization_endpoint"}
	}

	state, err := randomToken(32)
	if err != nil {
		return "", err
	}
	nonce, err := randomToken(32)
	if err != nil {
		return "", err
	}

	entry := &FlowStateEntry{
		State:     state,
		Nonce:     nonce,
		ReturnURL: opts.ReturnURL,
		TenantID:  p.config.TenantID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(p.stateTTL),
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", nonce),
	}
	if p.settings.UsePKCE {
		verifier, err := GenerateCodeVerifier()
		if err != nil {
			return "", err
		}
		entry.CodeVerifier = verifier
		authOpts = append(authOpts,
			oauth2.SetAuthURLParam("code_challenge", ComputeS256Challenge(verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	if opts.LoginHint != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}
	if opts.ForceAuthn {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "login"))
	}

	oauthCfg := &oauth2.Config{
		ClientID:    p.settings.ClientID,
		RedirectURL: p.settings.RedirectURI,
		Scopes:      p.settings.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.settings.AuthorizationEndpoint,
			TokenURL: p.settings.TokenEndpoint,
		},
	}

	p.states.Put(entry)
	p.events.audit(ctx, &AuditEvent{
		Name:         AuditLoginInitiated,
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeOIDC,
		TenantID:     p.config.TenantID,
	})

	return oauthCfg.AuthCodeURL(state, authOpts...), nil
}

// ProcessCallback consumes the state entry, exchanges the code, verifies
// the ID token signature, validates claims against the issued nonce, merges
// userinfo, and provisions the user.
func (p *OIDCProvider) ProcessCallback(ctx context.Context, req CallbackRequest) (result *AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", fmt.Sprint(r)).Error("oidc callback panicked")
			result = p.failAuth(ctx, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	entry, ok := p.states.Take(req.State)
	if !ok {
		return p.failAuth(ctx, "", ErrInvalidOrExpiredState.Error())
	}

	if err := p.resolveEndpoints(ctx); err != nil {
		return p.failAuth(ctx, "", err.Error())
	}

	tokens, err := p.tokens.ExchangeCode(ctx, p.settings, req.Code, entry.CodeVerifier)
	if err != nil {
		return p.failAuth(ctx, "", err.Error())
	}
	if tokens.IDToken == "" {
		return p.failAuth(ctx, "", "token response carries no id_token")
	}

	claims := DecodeIDToken(tokens.IDToken)
	if claims == nil {
		return p.failAuth(ctx, "", "malformed id token")
	}

	// Signature first: claims are untrusted until the JWS checks out.
	if err := p.verifier.Verify(ctx, tokens.IDToken, p.settings); err != nil {
		return p.failAuth(ctx, claims.Subject, err.Error())
	}

	if vr := ValidateClaims(claims, p.settings, entry.Nonce); !vr.Valid {
		return p.failAuth(ctx, claims.Subject, vr.Error)
	}

	var userinfo UserInfo
	if p.settings.UserInfoEndpoint != "" && tokens.AccessToken != "" {
		userinfo, err = p.tokens.FetchUserInfo(ctx, p.settings, tokens.AccessToken)
		if err != nil {
			// Userinfo is supplementary; the validated token already
			// authenticates the subject.
			p.logger.WithError(err).Warn("userinfo fetch failed; continuing with token claims")
			userinfo = nil
		}
	}

	identity := p.identityFromClaims(claims, userinfo)

	if p.provisioner == nil {
		return p.failAuth(ctx, claims.Subject, "user provisioner not configured")
	}
	prov := p.provisioner.Provision(ctx, identity, p.config.TenantID, p.config.ID)
	if prov == nil || !prov.Success {
		p.recordProvisioning("failure")
		msg := "user provisioning failed"
		if prov != nil && prov.Error != "" {
			msg = prov.Error
		}
		return p.failAuth(ctx, claims.Subject, msg)
	}
	p.recordProvisioning("success")

	p.observeAuth(ctx, "success", &AuthEvent{
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeOIDC,
		TenantID:     p.config.TenantID,
		UserID:       prov.User.ID,
		Subject:      claims.Subject,
	})

	return &AuthResult{
		Success:      true,
		User:         prov.User,
		Identity:     identity,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresIn:    tokens.ExpiresIn,
		ReturnURL:    entry.ReturnURL,
	}
}

// RefreshAccessToken redeems a refresh token. No nonce applies to refreshed
// ID tokens, but signature and claim checks still do when one is returned.
func (p *OIDCProvider) RefreshAccessToken(ctx context.Context, refreshToken string) *AuthResult {
	if err := p.resolveEndpoints(ctx); err != nil {
		return &AuthResult{Success: false, Error: err.Error()}
	}

	tokens, err := p.tokens.RefreshToken(ctx, p.settings, refreshToken)
	if err != nil {
		return &AuthResult{Success: false, Error: err.Error()}
	}

	result := &AuthResult{
		Success:      true,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresIn:    tokens.ExpiresIn,
	}
	if tokens.IDToken != "" {
		claims := DecodeIDToken(tokens.IDToken)
		if claims == nil {
			return &AuthResult{Success: false, Error: "malformed id token"}
		}
		if err := p.verifier.Verify(ctx, tokens.IDToken, p.settings); err != nil {
			return &AuthResult{Success: false, Error: err.Error()}
		}
		if vr := ValidateClaims(claims, p.settings, ""); !vr.Valid {
			return &AuthResult{Success: false, Error: vr.Error}
		}
		result.Identity = p.identityFromClaims(claims, nil)
	}
	return result
}

// GenerateLogoutURL builds the RP-initiated logout redirect.
func (p *OIDCProvider) GenerateLogoutURL(ctx context.Context, opts LogoutOptions) *LogoutResult {
	if err := p.resolveEndpoints(ctx); err != nil {
		return &LogoutResult{Success: false, Error: err.Error()}
	}
	if p.settings.EndSessionEndpoint == "" {
		return &LogoutResult{Success: false, Error: ErrEndSessionNotConfigured.Error()}
	}

	u, err := url.Parse(p.settings.EndSessionEndpoint)
	if err != nil {
		return &LogoutResult{Success: false, Error: fmt.Sprintf("invalid end session endpoint: %v", err)}
	}
	q := u.Query()
	if opts.IDTokenHint != "" {
		q.Set("id_token_hint", opts.IDTokenHint)
	}
	if opts.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", opts.PostLogoutRedirectURI)
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	u.RawQuery = q.Encode()

	return &LogoutResult{Success: true, URL: u.String()}
}

// RevokeTokens best-effort revokes the access and refresh tokens of a
// terminated session.
func (p *OIDCProvider) RevokeTokens(ctx context.Context, accessToken, refreshToken string) {
	settings := p.currentSettings()
	if accessToken != "" {
		p.tokens.RevokeToken(ctx, settings, accessToken, "access_token")
	}
	if refreshToken != "" {
		p.tokens.RevokeToken(ctx, settings, refreshToken, "refresh_token")
	}
}

// PublicConfig implements IdentityProvider. The client secret never leaves
// the provider.
func (p *OIDCProvider) PublicConfig() map[string]interface{} {
	settings := p.currentSettings()
	return map[string]interface{}{
		"id":                     p.config.ID,
		"name":                   p.config.Name,
		"type":                   string(ProviderTypeOIDC),
		"tenant_id":              p.config.TenantID,
		"enabled":                p.config.Enabled,
		"client_id":              settings.ClientID,
		"authorization_endpoint": settings.AuthorizationEndpoint,
		"redirect_uri":           settings.RedirectURI,
		"scopes":                 settings.Scopes,
		"use_pkce":               settings.UsePKCE,
	}
}

func (p *OIDCProvider) failAuth(ctx context.Context, subject, msg string) *AuthResult {
	p.observeAuth(ctx, "failure", &AuthEvent{
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeOIDC,
		TenantID:     p.config.TenantID,
		Subject:      subject,
		Error:        msg,
	})
	return &AuthResult{Success: false, Error: msg}
}

func (p *OIDCProvider) observeAuth(ctx context.Context, outcome string, ev *AuthEvent) {
	if p.metrics != nil {
		p.metrics.AuthAttemptsTotal.WithLabelValues(p.config.ID, string(ProviderTypeOIDC), outcome).Inc()
	}
	if outcome == "success" {
		p.logger.WithField("subject", ev.Subject).Info("oidc authentication succeeded")
		p.events.authSuccess(ctx, ev)
	} else {
		p.logger.WithField("error", ev.Error).Warn("oidc authentication failed")
		p.events.authFailure(ctx, ev)
	}
}

func (p *OIDCProvider) recordProvisioning(result string) {
	if p.metrics != nil {
		p.metrics.ProvisioningTotal.WithLabelValues(p.config.ID, result).Inc()
	}
}

// identityFromClaims merges token claims with userinfo (claims win for the
// subject, userinfo wins for profile fields) and applies the configured
// attribute mapping.
func (p *OIDCProvider) identityFromClaims(claims *IDTokenClaims, userinfo UserInfo) *IdentityInfo {
	merged := make(map[string]interface{}, len(claims.Raw)+len(userinfo))
	for k, v := range claims.Raw {
		merged[k] = v
	}
	for k, v := range userinfo {
		if k == "sub" {
			// The token's validated subject is authoritative.
			continue
		}
		merged[k] = v
	}

	identity := &IdentityInfo{
		Subject:      claims.Subject,
		Email:        stringValue(merged, "email"),
		Username:     stringValue(merged, "preferred_username"),
		Name:         stringValue(merged, "name"),
		GivenName:    stringValue(merged, "given_name"),
		FamilyName:   stringValue(merged, "family_name"),
		Attributes:   attributesFromRaw(merged),
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeOIDC,
		TenantID:     p.config.TenantID,
	}

	mapping := p.config.AttributeMapping
	if mapping.Subject != "" {
		if v := stringValue(merged, mapping.Subject); v != "" {
			identity.Subject = v
		}
	}
	if mapping.Email != "" {
		identity.Email = stringValue(merged, mapping.Email)
	}
	if mapping.Username != "" {
		identity.Username = stringValue(merged, mapping.Username)
	}
	if mapping.Name != "" {
		identity.Name = stringValue(merged, mapping.Name)
	}
	if mapping.GivenName != "" {
		identity.GivenName = stringValue(merged, mapping.GivenName)
	}
	if mapping.FamilyName != "" {
		identity.FamilyName = stringValue(merged, mapping.FamilyName)
	}
	if mapping.Groups != "" {
		identity.Groups = sliceValue(merged, mapping.Groups)
	}

	if identity.Username == "" && identity.Email != "" {
		identity.Username = identity.Email
	}
	return identity
}

func stringValue(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func sliceValue(data map[string]interface{}, key string) []string {
	switch v := data[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func attributesFromRaw(data map[string]interface{}) map[string][]string {
	attrs := make(map[string][]string, len(data))
	for k, v := range data {
		switch value := v.(type) {
		case string:
			attrs[k] = []string{value}
		case []interface{}:
			attrs[k] = sliceValue(data, k)
		case float64:
			attrs[k] = []string{fmt.Sprintf("%v", value)}
		case bool:
			attrs[k] = []string{fmt.Sprintf("%t", value)}
		}
	}
	return attrs
}
