// Package deeplinking implements the LTI Deep Linking 1.3 message exchange:
// parsing an inbound LtiDeepLinkingRequest and building the signed
// LtiDeepLinkingResponse that carries the instructor's content selection back
// to the platform.
package deeplinking

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	claimSettings     = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
	claimContentItems = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"

	// MessageTypeRequest and MessageTypeResponse are the two sides of the
	// exchange.
	MessageTypeRequest  = "LtiDeepLinkingRequest"
	MessageTypeResponse = "LtiDeepLinkingResponse"

	ltiVersion = "1.3.0"
)

// ErrNotDeepLinking marks a caller error: the claims handed in were not an
// LtiDeepLinkingRequest. The launch validator branches on message type before
// this package is involved, so hitting it means a wiring bug.
var ErrNotDeepLinking = errors.New("deeplinking: not a deep linking request")

// Request is the validated projection of an LtiDeepLinkingRequest.
type Request struct {
	Issuer       string
	ClientID     string
	DeploymentID string
	Subject      string

	ReturnURL      string
	AcceptTypes    []string
	AcceptTargets  []string
	AcceptMultiple bool
	AutoCreate     bool
	Title          string
	Data           string // opaque platform token, echoed verbatim in the response
}

// ParseRequest builds a Request from already signature-verified launch
// claims. issuer and clientID come from the validated trust anchor, not from
// re-reading iss/aud here.
func ParseRequest(claims jwt.MapClaims, issuer, clientID string) (Request, error) {
	if mt, _ := claims[claimMessageType].(string); mt != MessageTypeRequest {
		return Request{}, ErrNotDeepLinking
	}
	settings, ok := claims[claimSettings].(map[string]any)
	if !ok {
		return Request{}, errors.New("deeplinking: missing deep_linking_settings claim")
	}
	returnURL, _ := settings["deep_link_return_url"].(string)
	if returnURL == "" {
		return Request{}, errors.New("deeplinking: missing deep_link_return_url")
	}
	deploymentID, _ := claims[claimDeploymentID].(string)
	sub, _ := claims["sub"].(string)

	req := Request{
		Issuer:       issuer,
		ClientID:     clientID,
		DeploymentID: deploymentID,
		Subject:      sub,
		ReturnURL:    returnURL,
	}
	req.AcceptTypes = stringSlice(settings["accept_types"])
	req.AcceptTargets = stringSlice(settings["accept_presentation_document_targets"])
	req.AcceptMultiple = boolish(settings["accept_multiple"])
	req.AutoCreate = boolish(settings["auto_create"])
	req.Title, _ = settings["title"].(string)
	req.Data, _ = settings["data"].(string)
	return req, nil
}

// AcceptsResourceLinks reports whether the platform accepts ltiResourceLink
// content items, the only type this tool produces.
func (r Request) AcceptsResourceLinks() bool {
	for _, t := range r.AcceptTypes {
		if t == "ltiResourceLink" {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// boolish tolerates platforms that send accept_multiple as a string.
func boolish(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	}
	return false
}
