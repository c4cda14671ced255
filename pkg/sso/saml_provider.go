package sso

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/idfed/idfed/pkg/observability"
)

// DefaultClockSkew tolerates modest clock drift between the SP and IdP when
// checking assertion validity windows.
const DefaultClockSkew = 90 * time.Second

// SAMLProvider drives SP-initiated Web Browser SSO with the HTTP-Redirect
// binding outbound and HTTP-POST inbound.
type SAMLProvider struct {
	config   ProviderConfig
	settings *SAMLSettings

	parser   *Parser
	verifier AssertionVerifier
	builder  XMLBuilder
	metadata *MetadataService

	provisioner UserProvisioner
	events      *EventHandlers
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewSAMLProvider creates a provider from the config.
func NewSAMLProvider(config ProviderConfig, deps ProviderDeps) (*SAMLProvider, error) {
	settings := *config.SAML

	if settings.SPEntityID == "" {
		return nil, &ConfigurationError{Setting: "sp_entity_id"}
	}
	if settings.IdPSSOURL == "" {
		return nil, &ConfigurationError{Setting: "idp_sso_url"}
	}
	if settings.ACSURL == "" {
		return nil, &ConfigurationError{Setting: "acs_url"}
	}
	if settings.RequireSignedAssertions && settings.IdPCertificate == "" {
		return nil, &ConfigurationError{
			Setting: "idp_certificate",
			Reason:  "required when signed assertions are enforced",
		}
	}
	if settings.IdPCertificate != "" {
		if _, err := ParseIdPCertificate(settings.IdPCertificate); err != nil {
			return nil, err
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	logger = logger.WithFields(map[string]interface{}{
		"provider_id": config.ID,
		"tenant_id":   config.TenantID,
	})

	verifier := deps.Assertions
	if verifier == nil {
		verifier = NewDSigVerifier()
	}
	builder := deps.XMLBuilder
	if builder == nil {
		builder = NewEtreeBuilder()
	}

	return &SAMLProvider{
		config:      config,
		settings:    &settings,
		parser:      NewParser(),
		verifier:    verifier,
		builder:     builder,
		metadata:    NewMetadataService(nil, builder, logger),
		provisioner: deps.Provisioner,
		events:      deps.Events,
		logger:      logger,
		metrics:     deps.Metrics,
	}, nil
}

// ID implements IdentityProvider.
func (p *SAMLProvider) ID() string { return p.config.ID }

// Name implements IdentityProvider.
func (p *SAMLProvider) Name() string { return p.config.Name }

// Type implements IdentityProvider.
func (p *SAMLProvider) Type() ProviderType { return ProviderTypeSAML }

// TenantID implements IdentityProvider.
func (p *SAMLProvider) TenantID() string { return p.config.TenantID }

// Enabled implements IdentityProvider.
func (p *SAMLProvider) Enabled() bool { return p.config.Enabled }

// SetUserProvisioner implements IdentityProvider.
func (p *SAMLProvider) SetUserProvisioner(prov UserProvisioner) { p.provisioner = prov }

// HasUserProvisioner implements IdentityProvider.
func (p *SAMLProvider) HasUserProvisioner() bool { return p.provisioner != nil }

func (p *SAMLProvider) clockSkew() time.Duration {
	if p.settings.ClockSkewSeconds > 0 {
		return time.Duration(p.settings.ClockSkewSeconds) * time.Second
	}
	return DefaultClockSkew
}

// GenerateAuthURL builds an AuthnRequest and returns the IdP redirect URL
// carrying it as a SAMLRequest parameter.
func (p *SAMLProvider) GenerateAuthURL(ctx context.Context, opts AuthURLOptions) (string, error) {
	if p.builder == nil {
		return "", ErrXMLBuilderUnavailable
	}

	requestID := "_" + uuid.NewString()
	request, err := p.builder.BuildAuthnRequest(p.settings, requestID, opts.ForceAuthn)
	if err != nil {
		return "", fmt.Errorf("building authn request: %w", err)
	}

	u, err := url.Parse(p.settings.IdPSSOURL)
	if err != nil {
		return "", &ConfigurationError{Setting: "idp_sso_url", Reason: err.Error()}
	}
	q := u.Query()
	q.Set("SAMLRequest", base64.StdEncoding.EncodeToString(request))
	relayState := opts.RelayState
	if relayState == "" {
		relayState = opts.ReturnURL
	}
	if relayState != "" {
		q.Set("RelayState", relayState)
	}
	u.RawQuery = q.Encode()

	p.events.audit(ctx, &AuditEvent{
		Name:         AuditLoginInitiated,
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeSAML,
		TenantID:     p.config.TenantID,
		Detail:       map[string]string{"request_id": requestID},
	})

	return u.String(), nil
}

// ProcessCallback validates a POSTed SAMLResponse and provisions the user.
func (p *SAMLProvider) ProcessCallback(ctx context.Context, req CallbackRequest) (result *AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", fmt.Sprint(r)).Error("saml callback panicked")
			result = p.failAuth(ctx, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	resp, err := p.parser.ParseResponse(req.SAMLResponse)
	if err != nil {
		return p.failAuth(ctx, "", err.Error())
	}
	if resp.Assertion == nil {
		return p.failAuth(ctx, "", "response carries no assertion")
	}
	assertion := resp.Assertion

	if p.settings.RequireSignedAssertions {
		if err := p.verifier.Verify(resp.Raw, p.settings); err != nil {
			return p.failAuth(ctx, assertion.Subject.NameID.Value, err.Error())
		}
	}

	if vr := p.parser.ValidateAssertionTiming(assertion, p.clockSkew()); !vr.Valid {
		return p.failAuth(ctx, assertion.Subject.NameID.Value, vr.Error)
	}
	if vr := p.parser.ValidateAudienceRestriction(assertion, p.settings.SPEntityID); !vr.Valid {
		return p.failAuth(ctx, assertion.Subject.NameID.Value, vr.Error)
	}
	if p.settings.IdPEntityID != "" {
		issuer := assertion.Issuer
		if issuer == "" {
			issuer = resp.Issuer
		}
		if issuer != p.settings.IdPEntityID {
			return p.failAuth(ctx, assertion.Subject.NameID.Value, "issuer mismatch")
		}
	}

	nameID := assertion.Subject.NameID.Value
	if nameID == "" {
		return p.failAuth(ctx, "", "assertion subject has no NameID")
	}

	identity := p.identityFromAssertion(assertion)

	if p.provisioner == nil {
		return p.failAuth(ctx, nameID, "user provisioner not configured")
	}
	prov := p.provisioner.Provision(ctx, identity, p.config.TenantID, p.config.ID)
	if prov == nil || !prov.Success {
		p.recordProvisioning("failure")
		msg := "user provisioning failed"
		if prov != nil && prov.Error != "" {
			msg = prov.Error
		}
		return p.failAuth(ctx, nameID, msg)
	}
	p.recordProvisioning("success")

	p.observeAuth(ctx, "success", &AuthEvent{
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeSAML,
		TenantID:     p.config.TenantID,
		UserID:       prov.User.ID,
		Subject:      nameID,
	})

	result = &AuthResult{
		Success:   true,
		User:      prov.User,
		Identity:  identity,
		ReturnURL: req.RelayState,
	}
	if assertion.AuthnStatement != nil {
		result.SessionIndex = assertion.AuthnStatement.SessionIndex
	}
	return result
}

// GenerateLogoutURL builds the IdP SLO redirect. SLO is optional; a missing
// IdP SLO endpoint is an in-band failure, not an error.
func (p *SAMLProvider) GenerateLogoutURL(ctx context.Context, opts LogoutOptions) *LogoutResult {
	if p.settings.IdPSLOURL == "" {
		return &LogoutResult{Success: false, Error: "single logout is not configured for this provider"}
	}
	if p.builder == nil {
		return &LogoutResult{Success: false, Error: ErrXMLBuilderUnavailable.Error()}
	}

	request, err := p.buildLogoutRequest(opts)
	if err != nil {
		return &LogoutResult{Success: false, Error: err.Error()}
	}

	u, err := url.Parse(p.settings.IdPSLOURL)
	if err != nil {
		return &LogoutResult{Success: false, Error: fmt.Sprintf("invalid idp_slo_url: %v", err)}
	}
	q := u.Query()
	q.Set("SAMLRequest", base64.StdEncoding.EncodeToString(request))
	if opts.State != "" {
		q.Set("RelayState", opts.State)
	}
	u.RawQuery = q.Encode()

	p.events.audit(ctx, &AuditEvent{
		Name:         AuditLogout,
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeSAML,
		TenantID:     p.config.TenantID,
	})

	return &LogoutResult{Success: true, URL: u.String()}
}

// ProcessLogoutResponse implements MetadataProvider.
func (p *SAMLProvider) ProcessLogoutResponse(raw, relayState string) *LogoutResult {
	resp, err := p.parser.ParseLogoutResponse(raw)
	if err != nil {
		return &LogoutResult{Success: false, Error: err.Error()}
	}
	if resp.Status.StatusCode.Value != StatusSuccess {
		// The IdP's StatusMessage, when present, is the message to surface.
		if resp.Status.StatusMessage != "" {
			return &LogoutResult{Success: false, Error: resp.Status.StatusMessage}
		}
		return &LogoutResult{
			Success: false,
			Error:   fmt.Sprintf("logout rejected by idp: %s", resp.Status.StatusCode.Value),
		}
	}
	return &LogoutResult{Success: true, URL: relayState}
}

// GenerateMetadata implements MetadataProvider.
func (p *SAMLProvider) GenerateMetadata() ([]byte, error) {
	return p.metadata.GenerateSPMetadata(p.settings)
}

// PublicConfig implements IdentityProvider. Certificates and keys are
// omitted.
func (p *SAMLProvider) PublicConfig() map[string]interface{} {
	return map[string]interface{}{
		"id":             p.config.ID,
		"name":           p.config.Name,
		"type":           string(ProviderTypeSAML),
		"tenant_id":      p.config.TenantID,
		"enabled":        p.config.Enabled,
		"sp_entity_id":   p.settings.SPEntityID,
		"idp_entity_id":  p.settings.IdPEntityID,
		"idp_sso_url":    p.settings.IdPSSOURL,
		"acs_url":        p.settings.ACSURL,
		"name_id_format": p.settings.NameIDFormat,
	}
}

func (p *SAMLProvider) buildLogoutRequest(opts LogoutOptions) ([]byte, error) {
	return p.builder.BuildLogoutRequest(p.settings, "_"+uuid.NewString(), opts.NameID, opts.SessionIndex)
}

func (p *SAMLProvider) failAuth(ctx context.Context, subject, msg string) *AuthResult {
	p.observeAuth(ctx, "failure", &AuthEvent{
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeSAML,
		TenantID:     p.config.TenantID,
		Subject:      subject,
		Error:        msg,
	})
	return &AuthResult{Success: false, Error: msg}
}

func (p *SAMLProvider) observeAuth(ctx context.Context, outcome string, ev *AuthEvent) {
	if p.metrics != nil {
		p.metrics.AuthAttemptsTotal.WithLabelValues(p.config.ID, string(ProviderTypeSAML), outcome).Inc()
	}
	if outcome == "success" {
		p.logger.WithField("subject", ev.Subject).Info("saml authentication succeeded")
		p.events.authSuccess(ctx, ev)
	} else {
		p.logger.WithField("error", ev.Error).Warn("saml authentication failed")
		p.events.authFailure(ctx, ev)
	}
}

func (p *SAMLProvider) recordProvisioning(result string) {
	if p.metrics != nil {
		p.metrics.ProvisioningTotal.WithLabelValues(p.config.ID, result).Inc()
	}
}

// identityFromAssertion maps the assertion onto IdentityInfo, applying the
// configured attribute mapping with NameID and common attribute fallbacks.
func (p *SAMLProvider) identityFromAssertion(assertion *Assertion) *IdentityInfo {
	attrs := p.parser.ExtractAttributes(assertion)
	nameID := assertion.Subject.NameID

	identity := &IdentityInfo{
		Subject:      nameID.Value,
		Attributes:   attrs,
		ProviderID:   p.config.ID,
		ProviderType: ProviderTypeSAML,
		TenantID:     p.config.TenantID,
	}

	mapping := p.config.AttributeMapping
	identity.Email = firstAttr(attrs, mapping.Email, "email", "mail", "urn:oid:0.9.2342.19200300.100.1.3")
	identity.Username = firstAttr(attrs, mapping.Username, "username", "uid")
	identity.Name = firstAttr(attrs, mapping.Name, "displayName", "cn")
	identity.GivenName = firstAttr(attrs, mapping.GivenName, "givenName", "firstName")
	identity.FamilyName = firstAttr(attrs, mapping.FamilyName, "sn", "surname", "lastName")
	if mapping.Subject != "" {
		if v := firstAttr(attrs, mapping.Subject); v != "" {
			identity.Subject = v
		}
	}
	if mapping.Groups != "" {
		identity.Groups = attrs[mapping.Groups]
	} else {
		identity.Groups = attrs["groups"]
	}

	if identity.Email == "" && nameID.Format == NameIDFormatEmail {
		identity.Email = nameID.Value
	}
	if identity.Username == "" {
		if identity.Email != "" {
			identity.Username = identity.Email
		} else {
			identity.Username = nameID.Value
		}
	}
	return identity
}

// firstAttr returns the first value of the first present attribute name.
// An empty name is skipped, so an explicit mapping takes priority over the
// fallbacks without masking them.
func firstAttr(attrs map[string][]string, names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if values, ok := attrs[name]; ok && len(values) > 0 && values[0] != "" {
			return values[0]
		}
	}
	return ""
}
