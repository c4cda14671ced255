package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idfed/idfed/pkg/observability"
)

// mockIdP is a minimal OIDC provider: discovery, JWKS, token, and userinfo
// endpoints backed by a real RSA key.
type mockIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	// tokenClaims override the defaults for the next token issued.
	tokenClaims jwt.MapClaims
	// lastTokenForm captures the most recent token exchange request.
	lastTokenForm url.Values
	userinfo      map[string]interface{}
}

func newMockIdP(t *testing.T) *mockIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &mockIdP{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                           idp.server.URL,
			"authorization_endpoint":           idp.server.URL + "/authorize",
			"token_endpoint":                   idp.server.URL + "/token",
			"userinfo_endpoint":                idp.server.URL + "/userinfo",
			"jwks_uri":                         idp.server.URL + "/jwks",
			"end_session_endpoint":             idp.server.URL + "/logout",
			"code_challenge_methods_supported": []string{"S256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{jwkFromRSAKey(t, "idp-key", "sig", &key.PublicKey)}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		idp.lastTokenForm = r.PostForm

		claims := jwt.MapClaims{
			"iss": idp.server.URL,
			"sub": "user-1",
			"aud": "client-a",
			"exp": time.Now().Add(time.Hour).Unix(),
			"iat": time.Now().Unix(),
		}
		for k, v := range idp.tokenClaims {
			claims[k] = v
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = "idp-key"
		signed, err := token.SignedString(key)
		require.NoError(t, err)

		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
			IDToken:      signed,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		info := idp.userinfo
		if info == nil {
			info = map[string]interface{}{"sub": "user-1", "email": "user@example.com"}
		}
		json.NewEncoder(w).Encode(info)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *mockIdP) providerConfig() ProviderConfig {
	return ProviderConfig{
		ID:       "test-oidc",
		Name:     "Test OIDC",
		Type:     ProviderTypeOIDC,
		TenantID: "tenant-1",
		Enabled:  true,
		OIDC: &OIDCSettings{
			ClientID:     "client-a",
			ClientSecret: "secret",
			DiscoveryURL: idp.server.URL + "/.well-known/openid-configuration",
			RedirectURI:  "https://app.example.com/callback",
		},
	}
}

func testProvisioner(result *ProvisionResult) UserProvisioner {
	return UserProvisionerFunc(func(ctx context.Context, identity *IdentityInfo, tenantID, providerID string) *ProvisionResult {
		if result != nil {
			return result
		}
		return &ProvisionResult{
			Success: true,
			User: &User{
				ID:       "local-" + identity.Subject,
				Email:    identity.Email,
				TenantID: tenantID,
			},
		}
	})
}

func newTestOIDCProvider(t *testing.T, idp *mockIdP, mutate func(*ProviderConfig)) (*OIDCProvider, FlowStateStore) {
	t.Helper()
	cfg := idp.providerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	states := NewMemoryFlowStateStore()
	t.Cleanup(states.Close)

	provider, err := NewOIDCProvider(cfg, ProviderDeps{
		Discovery:   NewDiscoveryService(DiscoveryConfig{HTTPClient: idp.server.Client()}, nil),
		Tokens:      NewTokenService(idp.server.Client(), nil),
		States:      states,
		Provisioner: testProvisioner(nil),
	})
	require.NoError(t, err)
	return provider, states
}

func takeStateAndNonce(t *testing.T, authURL string) (state, nonce string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state"), u.Query().Get("nonce")
}

func TestNewOIDCProviderValidation(t *testing.T) {
	deps := ProviderDeps{}
	tests := []struct {
		name    string
		mutate  func(*OIDCSettings)
		setting string
	}{
		{name: "missing client id", mutate: func(s *OIDCSettings) { s.ClientID = "" }, setting: "client_id"},
		{name: "missing redirect uri", mutate: func(s *OIDCSettings) { s.RedirectURI = "" }, setting: "redirect_uri"},
		{name: "no endpoints at all", mutate: func(s *OIDCSettings) { s.DiscoveryURL = "" }, setting: "discovery_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := OIDCSettings{
				ClientID:     "client-a",
				RedirectURI:  "https://app.example.com/callback",
				DiscoveryURL: "https://idp.example.com/.well-known/openid-configuration",
			}
			tt.mutate(&settings)
			cfg := ProviderConfig{ID: "p", Type: ProviderTypeOIDC, OIDC: &settings}

			_, err := NewOIDCProvider(cfg, deps)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.setting, cfgErr.Setting)
		})
	}
}

func TestOIDCGenerateAuthURL(t *testing.T) {
	idp := newMockIdP(t)
	provider, states := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{ReturnURL: "/dashboard"})
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "client-a", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "openid")
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	// Discovery advertises S256, so PKCE params must be present
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	entry, ok := states.Take(q.Get("state"))
	require.True(t, ok)
	assert.Equal(t, q.Get("nonce"), entry.Nonce)
	assert.Equal(t, "/dashboard", entry.ReturnURL)
	assert.True(t, VerifyS256Challenge(entry.CodeVerifier, q.Get("code_challenge")))
}

func TestOIDCGenerateAuthURLOptions(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{
		LoginHint:  "user@example.com",
		ForceAuthn: true,
	})
	require.NoError(t, err)

	u, _ := url.Parse(authURL)
	assert.Equal(t, "user@example.com", u.Query().Get("login_hint"))
	assert.Equal(t, "login", u.Query().Get("prompt"))
}

func TestOIDCProcessCallbackSuccess(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{ReturnURL: "/home"})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce, "email": "user@example.com"}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	require.True(t, result.Success, result.Error)
	require.NotNil(t, result.User)
	assert.Equal(t, "local-user-1", result.User.ID)
	assert.Equal(t, "at-1", result.AccessToken)
	assert.Equal(t, "rt-1", result.RefreshToken)
	assert.NotEmpty(t, result.IDToken)
	assert.Equal(t, "/home", result.ReturnURL)

	require.NotNil(t, result.Identity)
	assert.Equal(t, "user-1", result.Identity.Subject)
	assert.Equal(t, "user@example.com", result.Identity.Email)
	assert.Equal(t, ProviderTypeOIDC, result.Identity.ProviderType)

	// The stored PKCE verifier was forwarded to the token endpoint
	assert.NotEmpty(t, idp.lastTokenForm.Get("code_verifier"))
}

func TestOIDCProcessCallbackUnknownState(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: "forged"})
	assert.False(t, result.Success)
	assert.Equal(t, "invalid or expired state", result.Error)
}

func TestOIDCProcessCallbackStateReplay(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce}

	first := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	require.True(t, first.Success, first.Error)

	// Replaying the same state must fail: one-time use
	second := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	assert.False(t, second.Success)
	assert.Equal(t, "invalid or expired state", second.Error)
}

func TestOIDCProcessCallbackNonceMismatch(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, _ := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": "evil-nonce"}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	assert.False(t, result.Success)
	assert.Equal(t, "nonce mismatch", result.Error)
}

func TestOIDCProcessCallbackAudienceMismatch(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce, "aud": "someone-else"}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	assert.False(t, result.Success)
	assert.Equal(t, "audience mismatch", result.Error)
}

func TestOIDCProcessCallbackProvisioningFailure(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)
	provider.SetUserProvisioner(testProvisioner(&ProvisionResult{Success: false, Error: "seat limit reached"}))

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	assert.False(t, result.Success)
	// The provisioner's error is surfaced verbatim
	assert.Equal(t, "seat limit reached", result.Error)
}

func TestOIDCProcessCallbackRecordsMetrics(t *testing.T) {
	idp := newMockIdP(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := idp.providerConfig()
	states := NewMemoryFlowStateStore()
	t.Cleanup(states.Close)

	provider, err := NewOIDCProvider(cfg, ProviderDeps{
		Discovery:   NewDiscoveryService(DiscoveryConfig{HTTPClient: idp.server.Client()}, nil),
		Tokens:      NewTokenService(idp.server.Client(), nil),
		States:      states,
		Provisioner: testProvisioner(nil),
		Metrics:     metrics,
	})
	require.NoError(t, err)

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	require.True(t, result.Success, result.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProvisioningTotal.WithLabelValues("test-oidc", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPRequestsTotal.WithLabelValues("token_exchange", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("jwks")))

	provider.SetUserProvisioner(testProvisioner(&ProvisionResult{Success: false, Error: "no seat"}))
	authURL, err = provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce = takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{"nonce": nonce}

	result = provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	require.False(t, result.Success)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProvisioningTotal.WithLabelValues("test-oidc", "failure")))
}

func TestOIDCProcessCallbackAttributeMapping(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, func(cfg *ProviderConfig) {
		cfg.AttributeMapping = AttributeMap{Groups: "roles", Name: "display_name"}
	})

	authURL, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
	require.NoError(t, err)
	state, nonce := takeStateAndNonce(t, authURL)
	idp.tokenClaims = jwt.MapClaims{
		"nonce":        nonce,
		"roles":        []string{"admin", "dev"},
		"display_name": "Sam Example",
	}

	result := provider.ProcessCallback(context.Background(), CallbackRequest{Code: "code-1", State: state})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"admin", "dev"}, result.Identity.Groups)
	assert.Equal(t, "Sam Example", result.Identity.Name)
}

func TestOIDCGenerateLogoutURL(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	result := provider.GenerateLogoutURL(context.Background(), LogoutOptions{
		IDTokenHint:           "id-token",
		PostLogoutRedirectURI: "https://app.example.com/",
	})
	require.True(t, result.Success, result.Error)

	u, err := url.Parse(result.URL)
	require.NoError(t, err)
	assert.Equal(t, "/logout", u.Path)
	assert.Equal(t, "id-token", u.Query().Get("id_token_hint"))
	assert.Equal(t, "https://app.example.com/", u.Query().Get("post_logout_redirect_uri"))
}

func TestOIDCGenerateLogoutURLNotConfigured(t *testing.T) {
	provider, err := NewOIDCProvider(ProviderConfig{
		ID:   "p",
		Type: ProviderTypeOIDC,
		OIDC: &OIDCSettings{
			ClientID:              "client-a",
			RedirectURI:           "https://app.example.com/callback",
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
		},
	}, ProviderDeps{})
	require.NoError(t, err)

	result := provider.GenerateLogoutURL(context.Background(), LogoutOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, ErrEndSessionNotConfigured.Error(), result.Error)
}

func TestOIDCPublicConfigOmitsSecret(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	cfg := provider.PublicConfig()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "secret"), "client secret leaked: %s", raw)
	assert.Equal(t, "client-a", cfg["client_id"])
}

func TestOIDCPublicConfigConcurrentWithResolution(t *testing.T) {
	idp := newMockIdP(t)
	provider, _ := newTestOIDCProvider(t, idp, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				provider.PublicConfig()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := provider.GenerateAuthURL(context.Background(), AuthURLOptions{})
		assert.NoError(t, err)
	}()
	wg.Wait()

	cfg := provider.PublicConfig()
	assert.NotEmpty(t, cfg["authorization_endpoint"])
}
