package sso

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idfed/idfed/pkg/observability"
)

func discoveryDocJSON(base string) map[string]interface{} {
	return map[string]interface{}{
		"issuer":                 base,
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/token",
		"userinfo_endpoint":      base + "/userinfo",
		"jwks_uri":               base + "/jwks",
		"end_session_endpoint":   base + "/logout",
		"code_challenge_methods_supported": []string{"plain", "S256"},
	}
}

func newDiscoveryTestService(t *testing.T, handler http.Handler) (*DiscoveryService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	svc := NewDiscoveryService(DiscoveryConfig{HTTPClient: server.Client()}, nil)
	return svc, server
}

func TestFetchDiscoveryDocument(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(discoveryDocJSON(server.URL))
	})
	svc, srv := newDiscoveryTestService(t, mux)
	server = srv

	url := server.URL + "/.well-known/openid-configuration"
	doc, err := svc.FetchDiscoveryDocument(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, server.URL, doc.Issuer)
	assert.Equal(t, server.URL+"/jwks", doc.JWKSURI)

	// Second fetch is served from cache
	_, err = svc.FetchDiscoveryDocument(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Purging the cache forces a refetch
	svc.ClearAllCaches()
	_, err = svc.FetchDiscoveryDocument(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestFetchDiscoveryDocumentMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		drop    string
		missing string
	}{
		{name: "no issuer", drop: "issuer", missing: "issuer"},
		{name: "no authorization endpoint", drop: "authorization_endpoint", missing: "authorization_endpoint"},
		{name: "no token endpoint", drop: "token_endpoint", missing: "token_endpoint"},
		{name: "no jwks uri", drop: "jwks_uri", missing: "jwks_uri"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, server := newDiscoveryTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				doc := discoveryDocJSON("https://idp.example.com")
				delete(doc, tt.drop)
				json.NewEncoder(w).Encode(doc)
			}))

			_, err := svc.FetchDiscoveryDocument(context.Background(), server.URL)
			var invalidErr *InvalidDiscoveryDocumentError
			require.ErrorAs(t, err, &invalidErr)
			assert.Equal(t, tt.missing, invalidErr.Missing)
		})
	}
}

func TestFetchDiscoveryDocumentHTTPError(t *testing.T) {
	svc, server := newDiscoveryTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := svc.FetchDiscoveryDocument(context.Background(), server.URL)
	var fetchErr *DiscoveryFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
}

func TestDiscoveryRecordsMetrics(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(discoveryDocJSON(server.URL))
	})
	svc, srv := newDiscoveryTestService(t, mux)
	server = srv

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc.SetMetrics(metrics)

	url := server.URL + "/.well-known/openid-configuration"
	_, err := svc.FetchDiscoveryDocument(context.Background(), url)
	require.NoError(t, err)
	_, err = svc.FetchDiscoveryDocument(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPRequestsTotal.WithLabelValues("discovery", "200")))
}

func TestFetchJWKSInvalidShapes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "not an object", body: `[]`, reason: "not a JSON object"},
		{name: "keys missing", body: `{"kid":"x"}`, reason: "keys member missing"},
		{name: "keys not an array", body: `{"keys":{"kty":"RSA"}}`, reason: "keys is not an array"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, server := newDiscoveryTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))

			_, err := svc.FetchJWKS(context.Background(), server.URL)
			var jwksErr *InvalidJWKSError
			require.ErrorAs(t, err, &jwksErr)
			assert.Equal(t, tt.reason, jwksErr.Reason)
		})
	}
}

func jwkFromRSAKey(t *testing.T, kid, use string, key *rsa.PublicKey) JWK {
	t.Helper()
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: use,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func TestGetKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keys := JWKS{Keys: []JWK{
		{Kty: "RSA", Kid: "enc-key", Use: "enc"},
		jwkFromRSAKey(t, "sig-key", "sig", &priv.PublicKey),
	}}
	svc, server := newDiscoveryTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(keys)
	}))

	t.Run("by kid", func(t *testing.T) {
		key, err := svc.GetKey(context.Background(), server.URL, "sig-key")
		require.NoError(t, err)
		require.NotNil(t, key)
		assert.Equal(t, "sig-key", key.Kid)
	})

	t.Run("unknown kid", func(t *testing.T) {
		key, err := svc.GetKey(context.Background(), server.URL, "nope")
		require.NoError(t, err)
		assert.Nil(t, key)
	})

	t.Run("no kid falls back to first signing key", func(t *testing.T) {
		key, err := svc.GetKey(context.Background(), server.URL, "")
		require.NoError(t, err)
		require.NotNil(t, key)
		assert.Equal(t, "sig-key", key.Kid)
	})
}

func TestJWKPublicKeyRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := jwkFromRSAKey(t, "k1", "sig", &priv.PublicKey)
	key, err := jwk.PublicKey()
	require.NoError(t, err)

	rsaKey, ok := key.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, priv.PublicKey.N, rsaKey.N)
	assert.Equal(t, priv.PublicKey.E, rsaKey.E)
}

func TestJWKPublicKeyUnsupportedType(t *testing.T) {
	jwk := JWK{Kty: "oct"}
	_, err := jwk.PublicKey()
	assert.Error(t, err)
}

func TestExtractSettingsFromDiscovery(t *testing.T) {
	doc := &DiscoveryDocument{
		Issuer:                        "https://idp.example.com",
		AuthorizationEndpoint:         "https://idp.example.com/authorize",
		TokenEndpoint:                 "https://idp.example.com/token",
		UserInfoEndpoint:              "https://idp.example.com/userinfo",
		JWKSURI:                       "https://idp.example.com/jwks",
		EndSessionEndpoint:            "https://idp.example.com/logout",
		CodeChallengeMethodsSupported: []string{"S256"},
	}

	settings := ExtractSettingsFromDiscovery(doc, OIDCSettings{
		ClientID: "client-a",
		// Explicit override survives
		TokenEndpoint: "https://override.example.com/token",
	})

	assert.Equal(t, "https://idp.example.com", settings.Issuer)
	assert.Equal(t, "https://idp.example.com/authorize", settings.AuthorizationEndpoint)
	assert.Equal(t, "https://override.example.com/token", settings.TokenEndpoint)
	assert.Equal(t, "https://idp.example.com/jwks", settings.JWKSEndpoint)
	// S256 support switches PKCE on
	assert.True(t, settings.UsePKCE)
}
