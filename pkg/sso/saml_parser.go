package sso

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// SAML 2.0 status codes (second-level codes omitted; the top-level code
// decides success).
const (
	StatusSuccess      = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester    = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder    = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	NameIDFormatEmail  = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersis = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
)

// Response is a parsed samlp:Response. Field tags match by local name so
// both prefixed and default-namespace documents decode.
type Response struct {
	XMLName      xml.Name   `xml:"Response"`
	ID           string     `xml:"ID,attr"`
	InResponseTo string     `xml:"InResponseTo,attr"`
	Destination  string     `xml:"Destination,attr"`
	IssueInstant string     `xml:"IssueInstant,attr"`
	Issuer       string     `xml:"Issuer"`
	Status       Status     `xml:"Status"`
	Assertion    *Assertion `xml:"Assertion"`

	// Raw is the decoded XML the response was parsed from; signature
	// verification runs against it, never against re-serialized structs.
	Raw []byte `xml:"-"`
}

// Status carries the samlp:Status element.
type Status struct {
	StatusCode    StatusCode `xml:"StatusCode"`
	StatusMessage string     `xml:"StatusMessage"`
}

// StatusCode is the top-level samlp:StatusCode.
type StatusCode struct {
	Value string `xml:"Value,attr"`
}

// Assertion is a parsed saml:Assertion.
type Assertion struct {
	ID                 string              `xml:"ID,attr"`
	IssueInstant       string              `xml:"IssueInstant,attr"`
	Issuer             string              `xml:"Issuer"`
	Subject            Subject             `xml:"Subject"`
	Conditions         *Conditions         `xml:"Conditions"`
	AuthnStatement     *AuthnStatement     `xml:"AuthnStatement"`
	AttributeStatement *AttributeStatement `xml:"AttributeStatement"`
}

// Subject carries the NameID and its bearer confirmation data.
type Subject struct {
	NameID              NameID               `xml:"NameID"`
	SubjectConfirmation *SubjectConfirmation `xml:"SubjectConfirmation"`
}

// NameID is the asserted principal identifier.
type NameID struct {
	Format string `xml:"Format,attr"`
	Value  string `xml:",chardata"`
}

// SubjectConfirmation describes how the subject may be confirmed.
type SubjectConfirmation struct {
	Method string                   `xml:"Method,attr"`
	Data   *SubjectConfirmationData `xml:"SubjectConfirmationData"`
}

// SubjectConfirmationData bounds where and until when the assertion may be
// presented.
type SubjectConfirmationData struct {
	NotOnOrAfter string `xml:"NotOnOrAfter,attr"`
	Recipient    string `xml:"Recipient,attr"`
	InResponseTo string `xml:"InResponseTo,attr"`
}

// Conditions bound assertion validity in time and audience.
type Conditions struct {
	NotBefore            string                `xml:"NotBefore,attr"`
	NotOnOrAfter         string                `xml:"NotOnOrAfter,attr"`
	AudienceRestrictions []AudienceRestriction `xml:"AudienceRestriction"`
}

// AudienceRestriction lists the intended audiences.
type AudienceRestriction struct {
	Audiences []string `xml:"Audience"`
}

// AuthnStatement records the authentication act at the IdP.
type AuthnStatement struct {
	AuthnInstant        string `xml:"AuthnInstant,attr"`
	SessionIndex        string `xml:"SessionIndex,attr"`
	SessionNotOnOrAfter string `xml:"SessionNotOnOrAfter,attr"`
}

// AttributeStatement carries the asserted attributes.
type AttributeStatement struct {
	Attributes []Attribute `xml:"Attribute"`
}

// Attribute is a single saml:Attribute with its values.
type Attribute struct {
	Name       string   `xml:"Name,attr"`
	NameFormat string   `xml:"NameFormat,attr"`
	Values     []string `xml:"AttributeValue"`
}

// LogoutResponse is a parsed samlp:LogoutResponse.
type LogoutResponse struct {
	XMLName      xml.Name `xml:"LogoutResponse"`
	ID           string   `xml:"ID,attr"`
	InResponseTo string   `xml:"InResponseTo,attr"`
	Issuer       string   `xml:"Issuer"`
	Status       Status   `xml:"Status"`
}

// Parser decodes and validates SAML protocol messages. It is stateless and
// safe for concurrent use.
type Parser struct{}

// NewParser creates a Parser.
func NewParser() *Parser { return &Parser{} }

// DecodeResponse turns the SAMLResponse form value into raw XML. IdPs send
// base64; raw XML is accepted too so tests and relays can skip encoding.
func (p *Parser) DecodeResponse(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &InvalidSAMLResponseError{Reason: "empty response"}
	}
	if strings.HasPrefix(trimmed, "<") {
		return []byte(trimmed), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, &InvalidSAMLResponseError{Reason: "invalid base64 encoding", Err: err}
	}
	return decoded, nil
}

// ParseResponse decodes and parses a SAMLResponse. A non-Success status is
// returned as SAMLAuthenticationError together with the parsed response.
func (p *Parser) ParseResponse(raw string) (*Response, error) {
	decoded, err := p.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := xml.Unmarshal(decoded, &resp); err != nil {
		return nil, &InvalidSAMLResponseError{Reason: "malformed XML", Err: err}
	}
	if resp.XMLName.Local != "Response" {
		return nil, &InvalidSAMLResponseError{
			Reason: fmt.Sprintf("unexpected root element %q", resp.XMLName.Local),
		}
	}
	resp.Raw = decoded

	if resp.Status.StatusCode.Value != StatusSuccess {
		return &resp, &SAMLAuthenticationError{
			StatusCode:    resp.Status.StatusCode.Value,
			StatusMessage: resp.Status.StatusMessage,
		}
	}
	return &resp, nil
}

// ParseLogoutResponse decodes and parses a samlp:LogoutResponse.
func (p *Parser) ParseLogoutResponse(raw string) (*LogoutResponse, error) {
	decoded, err := p.DecodeResponse(raw)
	if err != nil {
		return nil, err
	}

	var resp LogoutResponse
	if err := xml.Unmarshal(decoded, &resp); err != nil {
		return nil, &InvalidSAMLResponseError{Reason: "malformed XML", Err: err}
	}
	if resp.XMLName.Local != "LogoutResponse" {
		return nil, &InvalidSAMLResponseError{
			Reason: fmt.Sprintf("unexpected root element %q", resp.XMLName.Local),
		}
	}
	return &resp, nil
}

// ExtractAttributes flattens the assertion's AttributeStatement into a
// multi-valued map.
func (p *Parser) ExtractAttributes(assertion *Assertion) map[string][]string {
	attrs := make(map[string][]string)
	if assertion == nil || assertion.AttributeStatement == nil {
		return attrs
	}
	for _, attr := range assertion.AttributeStatement.Attributes {
		if attr.Name == "" {
			continue
		}
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, strings.TrimSpace(v))
		}
		attrs[attr.Name] = append(attrs[attr.Name], values...)
	}
	return attrs
}

// ValidateAssertionTiming checks NotBefore/NotOnOrAfter conditions and the
// bearer SubjectConfirmationData window against now, with skew tolerance.
func (p *Parser) ValidateAssertionTiming(assertion *Assertion, skew time.Duration) ValidationResult {
	now := time.Now()

	if c := assertion.Conditions; c != nil {
		if c.NotBefore != "" {
			notBefore, err := parseSAMLTime(c.NotBefore)
			if err != nil {
				return ValidationResult{Valid: false, Error: fmt.Sprintf("invalid NotBefore: %v", err)}
			}
			if now.Add(skew).Before(notBefore) {
				return ValidationResult{Valid: false, Error: "assertion not yet valid"}
			}
		}
		if c.NotOnOrAfter != "" {
			notOnOrAfter, err := parseSAMLTime(c.NotOnOrAfter)
			if err != nil {
				return ValidationResult{Valid: false, Error: fmt.Sprintf("invalid NotOnOrAfter: %v", err)}
			}
			if !now.Add(-skew).Before(notOnOrAfter) {
				return ValidationResult{Valid: false, Error: "assertion expired"}
			}
		}
	}

	if sc := assertion.Subject.SubjectConfirmation; sc != nil && sc.Data != nil && sc.Data.NotOnOrAfter != "" {
		deadline, err := parseSAMLTime(sc.Data.NotOnOrAfter)
		if err != nil {
			return ValidationResult{Valid: false, Error: fmt.Sprintf("invalid SubjectConfirmationData NotOnOrAfter: %v", err)}
		}
		if !now.Add(-skew).Before(deadline) {
			return ValidationResult{Valid: false, Error: "subject confirmation window expired"}
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateAudienceRestriction checks that spEntityID is an allowed audience.
// Assertions carrying no AudienceRestriction pass.
func (p *Parser) ValidateAudienceRestriction(assertion *Assertion, spEntityID string) ValidationResult {
	if assertion.Conditions == nil || len(assertion.Conditions.AudienceRestrictions) == 0 {
		return ValidationResult{Valid: true}
	}
	for _, restriction := range assertion.Conditions.AudienceRestrictions {
		for _, audience := range restriction.Audiences {
			if strings.TrimSpace(audience) == spEntityID {
				return ValidationResult{Valid: true}
			}
		}
	}
	return ValidationResult{Valid: false, Error: "audience mismatch"}
}

// samlNow formats the current instant as xs:dateTime in UTC.
func samlNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// parseSAMLTime accepts xs:dateTime with or without fractional seconds.
func parseSAMLTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}
