package sso

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// AssertionVerifier checks the XML signature on a SAML response or its
// assertion against the IdP's signing certificate.
type AssertionVerifier interface {
	Verify(rawXML []byte, settings *SAMLSettings) error
}

// DSigVerifier is the goxmldsig-backed AssertionVerifier. It accepts a
// signature on either the Response element or the Assertion element.
type DSigVerifier struct{}

// NewDSigVerifier creates a DSigVerifier.
func NewDSigVerifier() *DSigVerifier { return &DSigVerifier{} }

// Verify implements AssertionVerifier.
func (v *DSigVerifier) Verify(rawXML []byte, settings *SAMLSettings) error {
	cert, err := ParseIdPCertificate(settings.IdPCertificate)
	if err != nil {
		return err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawXML); err != nil {
		return &InvalidSAMLResponseError{Reason: "malformed XML", Err: err}
	}
	root := doc.Root()
	if root == nil {
		return &InvalidSAMLResponseError{Reason: "empty document"}
	}

	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})

	// Envelope signature covers the assertion; assertion-level signature
	// is fine too.
	if _, err := ctx.Validate(root); err == nil {
		return nil
	}
	for _, assertion := range root.FindElements("./Assertion") {
		if _, err := ctx.Validate(assertion); err == nil {
			return nil
		}
	}

	return &InvalidSAMLResponseError{Reason: "signature verification failed"}
}

// ParseIdPCertificate parses a certificate supplied either as PEM or as
// bare base64 DER, the two shapes IdP admin consoles hand out.
func ParseIdPCertificate(raw string) (*x509.Certificate, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ConfigurationError{Setting: "idp_certificate", Reason: "certificate is required for signature verification"}
	}

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, raw)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, &ConfigurationError{Setting: "idp_certificate", Reason: fmt.Sprintf("not PEM or base64 DER: %v", err)}
		}
		der = decoded
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ConfigurationError{Setting: "idp_certificate", Reason: fmt.Sprintf("invalid certificate: %v", err)}
	}
	return cert, nil
}

// XMLBuilder constructs outbound SAML XML documents. Injected so hosts that
// only consume IdP-initiated flows can run without a builder.
type XMLBuilder interface {
	BuildAuthnRequest(settings *SAMLSettings, requestID string, forceAuthn bool) ([]byte, error)
	BuildLogoutRequest(settings *SAMLSettings, requestID, nameID, sessionIndex string) ([]byte, error)
	BuildSPMetadata(settings *SAMLSettings) ([]byte, error)
}

// EtreeBuilder is the default XMLBuilder.
type EtreeBuilder struct{}

// NewEtreeBuilder creates an EtreeBuilder.
func NewEtreeBuilder() *EtreeBuilder { return &EtreeBuilder{} }

// BuildAuthnRequest implements XMLBuilder.
func (b *EtreeBuilder) BuildAuthnRequest(settings *SAMLSettings, requestID string, forceAuthn bool) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	req := doc.CreateElement("samlp:AuthnRequest")
	req.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	req.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", samlNow())
	req.CreateAttr("Destination", settings.IdPSSOURL)
	req.CreateAttr("AssertionConsumerServiceURL", settings.ACSURL)
	req.CreateAttr("ProtocolBinding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	if forceAuthn {
		req.CreateAttr("ForceAuthn", "true")
	}

	issuer := req.CreateElement("saml:Issuer")
	issuer.SetText(settings.SPEntityID)

	policy := req.CreateElement("samlp:NameIDPolicy")
	format := settings.NameIDFormat
	if format == "" {
		format = NameIDFormatEmail
	}
	policy.CreateAttr("Format", format)
	policy.CreateAttr("AllowCreate", "true")

	return doc.WriteToBytes()
}

// BuildLogoutRequest implements XMLBuilder.
func (b *EtreeBuilder) BuildLogoutRequest(settings *SAMLSettings, requestID, nameID, sessionIndex string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	req := doc.CreateElement("samlp:LogoutRequest")
	req.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	req.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	req.CreateAttr("ID", requestID)
	req.CreateAttr("Version", "2.0")
	req.CreateAttr("IssueInstant", samlNow())
	req.CreateAttr("Destination", settings.IdPSLOURL)

	issuer := req.CreateElement("saml:Issuer")
	issuer.SetText(settings.SPEntityID)

	id := req.CreateElement("saml:NameID")
	if settings.NameIDFormat != "" {
		id.CreateAttr("Format", settings.NameIDFormat)
	}
	id.SetText(nameID)

	if sessionIndex != "" {
		si := req.CreateElement("samlp:SessionIndex")
		si.SetText(sessionIndex)
	}

	return doc.WriteToBytes()
}

// BuildSPMetadata implements XMLBuilder.
func (b *EtreeBuilder) BuildSPMetadata(settings *SAMLSettings) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	entity := doc.CreateElement("md:EntityDescriptor")
	entity.CreateAttr("xmlns:md", "urn:oasis:names:tc:SAML:2.0:metadata")
	entity.CreateAttr("entityID", settings.SPEntityID)

	sp := entity.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("protocolSupportEnumeration", "urn:oasis:names:tc:SAML:2.0:protocol")
	sp.CreateAttr("AuthnRequestsSigned", "false")
	sp.CreateAttr("WantAssertionsSigned", fmt.Sprintf("%t", settings.RequireSignedAssertions))

	if settings.SPCertificate != "" {
		cert, err := ParseIdPCertificate(settings.SPCertificate)
		if err != nil {
			return nil, err
		}
		kd := sp.CreateElement("md:KeyDescriptor")
		kd.CreateAttr("use", "signing")
		keyInfo := kd.CreateElement("ds:KeyInfo")
		keyInfo.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
		certEl := keyInfo.CreateElement("ds:X509Data").CreateElement("ds:X509Certificate")
		certEl.SetText(base64.StdEncoding.EncodeToString(cert.Raw))
	}

	format := sp.CreateElement("md:NameIDFormat")
	if settings.NameIDFormat != "" {
		format.SetText(settings.NameIDFormat)
	} else {
		format.SetText(NameIDFormatEmail)
	}

	if settings.SLOURL != "" {
		for _, binding := range []string{
			"urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST",
			"urn:oasis:names:tc:SAML:2.0:bindings:HTTP-Redirect",
		} {
			slo := sp.CreateElement("md:SingleLogoutService")
			slo.CreateAttr("Binding", binding)
			slo.CreateAttr("Location", settings.SLOURL)
		}
	}

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST")
	acs.CreateAttr("Location", settings.ACSURL)
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc.Indent(2)
	return doc.WriteToBytes()
}
