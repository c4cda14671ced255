package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idfed/idfed/pkg/observability"
	"github.com/idfed/idfed/pkg/sso"
)

const validManifestYAML = `
providers:
  - id: acme-saml
    name: Acme SAML
    type: saml
    tenant_id: tenant-a
    enabled: true
    saml:
      sp_entity_id: https://sp.example.com
      idp_sso_url: https://idp.example.com/sso
      acs_url: https://sp.example.com/acs
  - id: acme-oidc
    name: Acme OIDC
    type: oidc
    tenant_id: tenant-a
    enabled: true
    oidc:
      client_id: client-a
      client_secret: hunter2
      discovery_url: https://idp.example.com/.well-known/openid-configuration
      redirect_uri: https://sp.example.com/callback
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProviderManifest(t *testing.T) {
	manifest, err := LoadProviderManifest(writeManifest(t, validManifestYAML))
	require.NoError(t, err)
	require.Len(t, manifest.Providers, 2)

	saml := manifest.Providers[0]
	assert.Equal(t, "acme-saml", saml.ID)
	assert.Equal(t, sso.ProviderTypeSAML, saml.Type)
	require.NotNil(t, saml.SAML)
	assert.Equal(t, "https://sp.example.com", saml.SAML.SPEntityID)

	oidc := manifest.Providers[1]
	assert.Equal(t, sso.ProviderTypeOIDC, oidc.Type)
	require.NotNil(t, oidc.OIDC)
	// client_secret loads from YAML but is excluded from JSON output
	assert.Equal(t, "hunter2", oidc.OIDC.ClientSecret)
}

func TestLoadProviderManifestMissingFile(t *testing.T) {
	_, err := LoadProviderManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadProviderManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "malformed yaml", yaml: "providers: [", wantErr: "parsing provider manifest"},
		{
			name:    "missing id",
			yaml:    "providers:\n  - type: saml\n",
			wantErr: "id is required",
		},
		{
			name: "duplicate id",
			yaml: `
providers:
  - id: dup
    type: saml
    saml: {sp_entity_id: a, idp_sso_url: b, acs_url: c}
  - id: dup
    type: saml
    saml: {sp_entity_id: a, idp_sso_url: b, acs_url: c}
`,
			wantErr: "duplicate id",
		},
		{
			name:    "saml without settings",
			yaml:    "providers:\n  - id: p1\n    type: saml\n",
			wantErr: "saml settings are required",
		},
		{
			name:    "oidc without settings",
			yaml:    "providers:\n  - id: p1\n    type: oidc\n",
			wantErr: "oidc settings are required",
		},
		{
			name:    "unknown type",
			yaml:    "providers:\n  - id: p1\n    type: ldap\n",
			wantErr: "unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProviderManifest(writeManifest(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatchProviderManifest(t *testing.T) {
	path := writeManifest(t, validManifestYAML)
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	loaded := make(chan *ProviderManifest, 1)
	watcher, err := WatchProviderManifest(path, logger, func(m *ProviderManifest) {
		loaded <- m
	})
	require.NoError(t, err)
	defer watcher.Close()

	updated := `
providers:
  - id: acme-saml
    type: saml
    saml:
      sp_entity_id: https://sp.example.com
      idp_sso_url: https://idp.example.com/sso
      acs_url: https://sp.example.com/acs
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case manifest := <-loaded:
		assert.Len(t, manifest.Providers, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("manifest reload did not fire")
	}
}

func TestWatchProviderManifestKeepsPreviousOnError(t *testing.T) {
	path := writeManifest(t, validManifestYAML)
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	loaded := make(chan *ProviderManifest, 1)
	watcher, err := WatchProviderManifest(path, logger, func(m *ProviderManifest) {
		loaded <- m
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("providers: ["), 0o600))

	select {
	case <-loaded:
		t.Fatal("invalid manifest must not reach the callback")
	case <-time.After(time.Second):
	}
}
