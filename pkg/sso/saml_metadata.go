package sso

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"

	"github.com/idfed/idfed/pkg/observability"
)

// EntityDescriptor is a parsed IdP metadata document, reduced to what
// provider configuration needs.
type EntityDescriptor struct {
	XMLName  xml.Name          `xml:"EntityDescriptor"`
	EntityID string            `xml:"entityID,attr"`
	IdP      *IDPSSODescriptor `xml:"IDPSSODescriptor"`
}

// IDPSSODescriptor describes the IdP's SSO endpoints and signing keys.
type IDPSSODescriptor struct {
	KeyDescriptors []KeyDescriptor `xml:"KeyDescriptor"`
	SSOServices    []Endpoint      `xml:"SingleSignOnService"`
	SLOServices    []Endpoint      `xml:"SingleLogoutService"`
}

// KeyDescriptor carries a signing or encryption certificate.
type KeyDescriptor struct {
	Use         string `xml:"use,attr"`
	Certificate string `xml:"KeyInfo>X509Data>X509Certificate"`
}

// Endpoint is an IdP service binding/location pair.
type Endpoint struct {
	Binding  string `xml:"Binding,attr"`
	Location string `xml:"Location,attr"`
}

const (
	bindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	bindingHTTPRedirect = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect"
)

// MetadataService parses IdP metadata and generates SP metadata.
type MetadataService struct {
	client  *http.Client
	builder XMLBuilder
	logger  *observability.Logger
}

// NewMetadataService creates a MetadataService. A nil builder disables SP
// metadata generation; a nil client gets the default instrumented one.
func NewMetadataService(client *http.Client, builder XMLBuilder, logger *observability.Logger) *MetadataService {
	if client == nil {
		client = newIdPHTTPClient()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &MetadataService{client: client, builder: builder, logger: logger}
}

// ParseMetadataFromURL fetches and parses IdP metadata.
func (s *MetadataService) ParseMetadataFromURL(ctx context.Context, metadataURL string) (*EntityDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, &MetadataError{Stage: "fetch", Reason: "building request", Err: err}
	}
	req.Header.Set("Accept", "application/samlmetadata+xml, application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &MetadataError{Stage: "fetch", Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &MetadataError{Stage: "fetch", Reason: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &MetadataError{Stage: "fetch", Reason: "reading body", Err: err}
	}
	return s.ParseMetadata(body)
}

// ParseMetadata parses an IdP metadata document. EntitiesDescriptor
// aggregates are not supported; hand the single EntityDescriptor in.
func (s *MetadataService) ParseMetadata(data []byte) (*EntityDescriptor, error) {
	var descriptor EntityDescriptor
	if err := xml.Unmarshal(data, &descriptor); err != nil {
		return nil, &MetadataError{Stage: "parse", Reason: "malformed XML", Err: err}
	}
	if descriptor.XMLName.Local != "EntityDescriptor" {
		return nil, &MetadataError{Stage: "parse", Reason: "root element is not EntityDescriptor"}
	}
	if descriptor.EntityID == "" {
		return nil, &MetadataError{Stage: "parse", Reason: "missing entityID"}
	}
	if descriptor.IdP == nil {
		return nil, &MetadataError{Stage: "parse", Reason: "missing IDPSSODescriptor"}
	}
	return &descriptor, nil
}

// ExtractSettingsFromMetadata merges IdP metadata into the given settings.
// Explicitly configured values win over metadata.
func (s *MetadataService) ExtractSettingsFromMetadata(descriptor *EntityDescriptor, base SAMLSettings) *SAMLSettings {
	settings := base

	if settings.IdPEntityID == "" {
		settings.IdPEntityID = descriptor.EntityID
	}
	if settings.IdPSSOURL == "" {
		settings.IdPSSOURL = pickEndpoint(descriptor.IdP.SSOServices)
	}
	if settings.IdPSLOURL == "" {
		settings.IdPSLOURL = pickEndpoint(descriptor.IdP.SLOServices)
	}
	if settings.IdPCertificate == "" {
		settings.IdPCertificate = pickSigningCertificate(descriptor.IdP.KeyDescriptors)
	}
	return &settings
}

// GenerateSPMetadata renders the SP's own metadata document.
func (s *MetadataService) GenerateSPMetadata(settings *SAMLSettings) ([]byte, error) {
	if s.builder == nil {
		return nil, ErrXMLBuilderUnavailable
	}
	if settings.SPEntityID == "" {
		return nil, &ConfigurationError{Setting: "sp_entity_id"}
	}
	if settings.ACSURL == "" {
		return nil, &ConfigurationError{Setting: "acs_url"}
	}
	data, err := s.builder.BuildSPMetadata(settings)
	if err != nil {
		return nil, &MetadataError{Stage: "generate", Reason: "building document", Err: err}
	}
	return data, nil
}

// pickEndpoint prefers the HTTP-POST binding, then HTTP-Redirect, then the
// first endpoint present.
func pickEndpoint(endpoints []Endpoint) string {
	for _, binding := range []string{bindingHTTPPost, bindingHTTPRedirect} {
		for _, ep := range endpoints {
			if ep.Binding == binding && ep.Location != "" {
				return ep.Location
			}
		}
	}
	if len(endpoints) > 0 {
		return endpoints[0].Location
	}
	return ""
}

// pickSigningCertificate prefers use="signing"; descriptors with no use
// attribute serve both purposes.
func pickSigningCertificate(descriptors []KeyDescriptor) string {
	for _, kd := range descriptors {
		if kd.Use == "signing" && kd.Certificate != "" {
			return strings.TrimSpace(kd.Certificate)
		}
	}
	for _, kd := range descriptors {
		if kd.Use == "" && kd.Certificate != "" {
			return strings.TrimSpace(kd.Certificate)
		}
	}
	return ""
}
