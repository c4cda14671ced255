package sso

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/idfed/idfed/pkg/cache"
	"github.com/idfed/idfed/pkg/observability"
)

// DefaultDiscoveryTTL is how long discovery documents and JWKS responses are
// cached before a refetch.
const DefaultDiscoveryTTL = 1 * time.Hour

// DiscoveryDocument is the subset of the OIDC provider metadata this
// subsystem consumes.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                       string   `json:"jwks_uri"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// JWK is a single JSON Web Key as served from a jwks_uri.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// PublicKey materializes the JWK into a crypto public key. RSA and EC key
// types are supported.
func (k *JWK) PublicKey() (interface{}, error) {
	switch k.Kty {
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA modulus: %w", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("invalid RSA exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported EC curve %q", k.Crv)
		}
		xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("invalid EC x coordinate: %w", err)
		}
		yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("invalid EC y coordinate: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(xBytes),
			Y:     new(big.Int).SetBytes(yBytes),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// DiscoveryConfig tunes the discovery service.
type DiscoveryConfig struct {
	// TTL for both caches; DefaultDiscoveryTTL when zero.
	TTL time.Duration
	// CacheCapacity per cache; cache.DefaultCapacity when zero.
	CacheCapacity int
	// HTTPClient for outbound fetches; a traced 10s-timeout client when nil.
	HTTPClient *http.Client
}

// DiscoveryService fetches and caches OIDC discovery documents and JWKS key
// sets. Safe for concurrent use; concurrent fetches of the same URL are
// collapsed into one request.
type DiscoveryService struct {
	client  *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics

	discoveryCache *cache.TTL[*DiscoveryDocument]
	jwksCache      *cache.TTL[*JWKS]
	group          singleflight.Group
}

// NewDiscoveryService creates a discovery service.
func NewDiscoveryService(cfg DiscoveryConfig, logger *observability.Logger) *DiscoveryService {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultDiscoveryTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newIdPHTTPClient()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &DiscoveryService{
		client:         client,
		logger:         logger.WithField("component", "oidc_discovery"),
		discoveryCache: cache.NewTTL[*DiscoveryDocument](cfg.CacheCapacity, ttl),
		jwksCache:      cache.NewTTL[*JWKS](cfg.CacheCapacity, ttl),
	}
}

// SetMetrics installs the metrics sink. Call before the service is shared
// across goroutines.
func (s *DiscoveryService) SetMetrics(m *observability.Metrics) { s.metrics = m }

func (s *DiscoveryService) recordCache(name string, hit bool) {
	if s.metrics == nil {
		return
	}
	if hit {
		s.metrics.CacheHitsTotal.WithLabelValues(name).Inc()
	} else {
		s.metrics.CacheMissesTotal.WithLabelValues(name).Inc()
	}
}

// newIdPHTTPClient builds the default outbound client for IdP calls.
func newIdPHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// FetchDiscoveryDocument retrieves the discovery document at url, consulting
// the cache first. Documents missing any required field are rejected with
// InvalidDiscoveryDocumentError.
func (s *DiscoveryService) FetchDiscoveryDocument(ctx context.Context, url string) (*DiscoveryDocument, error) {
	if doc, ok := s.discoveryCache.Get(url); ok {
		s.recordCache("discovery", true)
		return doc, nil
	}
	s.recordCache("discovery", false)

	v, err, _ := s.group.Do("discovery:"+url, func() (interface{}, error) {
		body, err := s.fetch(ctx, "discovery", url)
		if err != nil {
			return nil, err
		}

		var doc DiscoveryDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, &DiscoveryFetchError{URL: url, Err: fmt.Errorf("decoding document: %w", err)}
		}
		if missing := doc.missingField(); missing != "" {
			return nil, &InvalidDiscoveryDocumentError{URL: url, Missing: missing}
		}

		s.discoveryCache.Set(url, &doc)
		return &doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DiscoveryDocument), nil
}

func (d *DiscoveryDocument) missingField() string {
	switch {
	case d.Issuer == "":
		return "issuer"
	case d.AuthorizationEndpoint == "":
		return "authorization_endpoint"
	case d.TokenEndpoint == "":
		return "token_endpoint"
	case d.JWKSURI == "":
		return "jwks_uri"
	}
	return ""
}

// FetchJWKS retrieves the key set at url, consulting the cache first.
func (s *DiscoveryService) FetchJWKS(ctx context.Context, url string) (*JWKS, error) {
	if set, ok := s.jwksCache.Get(url); ok {
		s.recordCache("jwks", true)
		return set, nil
	}
	s.recordCache("jwks", false)

	v, err, _ := s.group.Do("jwks:"+url, func() (interface{}, error) {
		body, err := s.fetch(ctx, "jwks", url)
		if err != nil {
			return nil, err
		}

		// Decode into a raw map first so a present-but-wrong-type "keys"
		// member is distinguishable from valid input.
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, &InvalidJWKSError{URL: url, Reason: "not a JSON object"}
		}
		keysRaw, ok := raw["keys"]
		if !ok {
			return nil, &InvalidJWKSError{URL: url, Reason: "keys member missing"}
		}
		var keys []JWK
		if err := json.Unmarshal(keysRaw, &keys); err != nil {
			return nil, &InvalidJWKSError{URL: url, Reason: "keys is not an array"}
		}

		set := &JWKS{Keys: keys}
		s.jwksCache.Set(url, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JWKS), nil
}

// GetKey resolves a signing key from the key set at jwksURL. With a kid the
// matching key is returned; without one the first key marked use=="sig" is
// returned, which is a degraded-trust path and is logged as such. Returns
// nil when no key matches.
func (s *DiscoveryService) GetKey(ctx context.Context, jwksURL, kid string) (*JWK, error) {
	set, err := s.FetchJWKS(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		for i := range set.Keys {
			if set.Keys[i].Kid == kid {
				return &set.Keys[i], nil
			}
		}
		return nil, nil
	}

	for i := range set.Keys {
		if set.Keys[i].Use == "sig" {
			s.logger.WithField("jwks_url", jwksURL).
				Warn("token header carries no kid; falling back to first signing key")
			return &set.Keys[i], nil
		}
	}
	return nil, nil
}

// ExtractSettingsFromDiscovery maps a discovery document onto OIDC settings.
// Non-empty fields in overrides win over discovered values. PKCE is forced
// on whenever the IdP advertises S256 support.
func ExtractSettingsFromDiscovery(doc *DiscoveryDocument, overrides OIDCSettings) *OIDCSettings {
	settings := overrides
	settings.Issuer = doc.Issuer
	if settings.AuthorizationEndpoint == "" {
		settings.AuthorizationEndpoint = doc.AuthorizationEndpoint
	}
	if settings.TokenEndpoint == "" {
		settings.TokenEndpoint = doc.TokenEndpoint
	}
	if settings.UserInfoEndpoint == "" {
		settings.UserInfoEndpoint = doc.UserInfoEndpoint
	}
	if settings.JWKSEndpoint == "" {
		settings.JWKSEndpoint = doc.JWKSURI
	}
	if settings.EndSessionEndpoint == "" {
		settings.EndSessionEndpoint = doc.EndSessionEndpoint
	}
	if settings.RevocationEndpoint == "" {
		settings.RevocationEndpoint = doc.RevocationEndpoint
	}
	for _, method := range doc.CodeChallengeMethodsSupported {
		if method == "S256" {
			settings.UsePKCE = true
			break
		}
	}
	return &settings
}

// ClearDiscoveryCache drops all cached discovery documents.
func (s *DiscoveryService) ClearDiscoveryCache() { s.discoveryCache.Purge() }

// ClearJWKSCache drops all cached key sets.
func (s *DiscoveryService) ClearJWKSCache() { s.jwksCache.Purge() }

// ClearAllCaches drops both caches.
func (s *DiscoveryService) ClearAllCaches() {
	s.discoveryCache.Purge()
	s.jwksCache.Purge()
}

// fetch performs a GET and returns the body, mapping failures onto
// DiscoveryFetchError.
func (s *DiscoveryService) fetch(ctx context.Context, operation, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DiscoveryFetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		recordIdPRequest(s.metrics, operation, 0, start)
		return nil, &DiscoveryFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	recordIdPRequest(s.metrics, operation, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DiscoveryFetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DiscoveryFetchError{URL: url, Err: err}
	}
	return body, nil
}

// recordIdPRequest records one outbound IdP call. statusCode 0 means the
// request never produced a response.
func recordIdPRequest(m *observability.Metrics, operation string, statusCode int, start time.Time) {
	if m == nil {
		return
	}
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.IdPRequestsTotal.WithLabelValues(operation, status).Inc()
	m.IdPRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
