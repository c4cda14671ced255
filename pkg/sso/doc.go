// Package sso provides multi-tenant federated single sign-on over SAML 2.0
// and OpenID Connect.
//
// # Overview
//
// Each tenant registers one or more identity providers with the Service.
// SAML providers implement SP-initiated Web Browser SSO with the HTTP-POST
// binding; OIDC providers implement the Authorization Code flow with
// optional PKCE. Both validate what the IdP sends (XML signatures and
// validity windows for SAML, JWS signatures and ordered claim checks for
// OIDC) before handing the normalized identity to the host application's
// provisioning callback.
//
// # Usage Example
//
// Register a provider and start a login:
//
//	svc := sso.NewService(sso.ServiceConfig{}, nil, sso.ProviderDeps{})
//	svc.SetUserProvisioner(sso.UserProvisionerFunc(provision))
//
//	_, err := svc.RegisterProvider(ctx, sso.ProviderConfig{
//		ID:       "acme-okta",
//		Type:     sso.ProviderTypeOIDC,
//		TenantID: "acme",
//		Enabled:  true,
//		OIDC: &sso.OIDCSettings{
//			ClientID:     clientID,
//			ClientSecret: clientSecret,
//			DiscoveryURL: "https://acme.okta.com/.well-known/openid-configuration",
//			RedirectURI:  "https://app.example.com/auth/sso/acme-okta/callback",
//			UsePKCE:      true,
//		},
//	})
//
//	authURL, err := svc.GenerateAuthURL(ctx, "acme-okta", sso.AuthURLOptions{ReturnURL: "/dashboard"})
//
// The IdP callback is consumed with ProcessCallback, which creates a
// session on success. Flow failures are reported in-band through
// AuthResult; Go errors are reserved for misconfiguration.
//
// # Deployment
//
// The in-memory FlowStateStore and SessionStore suit a single instance.
// Multi-instance deployments share state through RedisSessionStore or
// SQLSessionStore and a shared flow-state backend.
//
// # Related Packages
//
//   - pkg/observability: structured logging and Prometheus metrics
//   - pkg/config: environment and provider manifest loading
package sso
