package lti

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edulink-ai/lti-gateway/internal/lti/deeplinking"
)

// LTI claim URLs used by the validator.
const (
	claimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"

	messageTypeResourceLink = "LtiResourceLinkRequest"
)

// Launch is the validated, typed projection of a launch token. It exists for
// the duration of request handling only; nothing here is persisted.
type Launch struct {
	Platform     Platform
	MessageType  string
	DeploymentID string

	Subject string
	Name    string
	Email   string
	Roles   []string

	TargetLink     string
	ResourceLinkID string
	ContextID      string
	ContextTitle   string
	Custom         map[string]string

	// Routing is resolved for resource-link launches.
	Routing LaunchRouting

	// DeepLink is set instead of Routing when the message is an
	// LtiDeepLinkingRequest.
	DeepLink *deeplinking.Request
}

// IsDeepLinking reports whether the launch is a deep linking request.
func (l *Launch) IsDeepLinking() bool { return l.DeepLink != nil }

// Validator verifies inbound launch tokens end to end. Validation is
// all-or-nothing: no partial Launch is ever returned.
type Validator struct {
	Registry Registry
	Nonces   NonceStore
	KeySets  *KeySetFetcher
	Resolver ServiceResolver
	// Leeway is the clock-skew allowance on time claims.
	Leeway time.Duration
}

// Validate runs the full check sequence, short-circuiting on the first
// failure. Order: resolve trust anchor, verify signature against the
// platform key set, verify time claims, consume nonce+state, authorize the
// deployment, then branch on message type.
func (v *Validator) Validate(ctx context.Context, rawToken, state string) (*Launch, error) {
	issuer, clientID, err := unverifiedIdentity(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	platform, err := v.Registry.Lookup(ctx, issuer, clientID)
	if err != nil {
		// Unknown platform is indistinguishable from any other auth failure.
		return nil, fmt.Errorf("%w: platform lookup", ErrAuthentication)
	}
	if !platform.Active {
		return nil, fmt.Errorf("%w: platform inactive", ErrAuthentication)
	}

	leeway := v.Leeway
	if leeway <= 0 {
		leeway = 60 * time.Second
	}
	claims := jwt.MapClaims{}
	token, err := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(platform.Issuer),
		jwt.WithAudience(platform.ClientID),
	).ParseWithClaims(rawToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		return v.KeySets.PublicKey(ctx, platform, kid)
	})
	if err != nil {
		if e := classifyParseErr(err); e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%w: token rejected", ErrAuthentication)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token rejected", ErrAuthentication)
	}

	nonce, _ := claims["nonce"].(string)
	if nonce == "" || state == "" {
		return nil, fmt.Errorf("%w: missing nonce or state", ErrAuthentication)
	}
	pending, err := v.Nonces.Consume(ctx, nonce, state)
	if err != nil {
		return nil, err
	}
	if pending.Issuer != platform.Issuer || pending.ClientID != platform.ClientID {
		// The nonce was issued for a different registration.
		return nil, fmt.Errorf("%w: nonce platform mismatch", ErrAuthentication)
	}

	deploymentID, _ := claims[claimDeploymentID].(string)
	if !platform.Authorizes(deploymentID) {
		return nil, fmt.Errorf("%w: deployment not authorized", ErrAuthentication)
	}
	if len(platform.DeploymentIDs) == 0 {
		log.Printf("lti launch: platform %q has no declared deployments, accepting %q", platform.Issuer, deploymentID)
	}

	messageType, _ := claims[claimMessageType].(string)
	launch := &Launch{
		Platform:     platform,
		MessageType:  messageType,
		DeploymentID: deploymentID,
		Custom:       customParams(claims),
	}
	launch.Subject, _ = claims["sub"].(string)
	launch.Name, _ = claims["name"].(string)
	launch.Email, _ = claims["email"].(string)
	launch.Roles = stringClaimSlice(claims[claimRoles])
	launch.TargetLink, _ = claims[claimTargetLink].(string)
	if rl, ok := claims[claimResourceLink].(map[string]any); ok {
		launch.ResourceLinkID, _ = rl["id"].(string)
	}
	if c, ok := claims[claimContext].(map[string]any); ok {
		launch.ContextID, _ = c["id"].(string)
		launch.ContextTitle, _ = c["title"].(string)
	}

	switch messageType {
	case messageTypeResourceLink:
		launch.Routing = v.Resolver.Resolve(launch.TargetLink, launch.Custom)
	case deeplinking.MessageTypeRequest:
		req, err := deeplinking.ParseRequest(claims, platform.Issuer, platform.ClientID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		launch.DeepLink = &req
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrMalformedRequest, messageType)
	}
	return launch, nil
}

// unverifiedIdentity reads iss and aud before signature verification, only
// to pick the trust anchor. Nothing else is trusted at this point.
func unverifiedIdentity(rawToken string) (issuer, clientID string, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return "", "", err
	}
	issuer, _ = claims["iss"].(string)
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 || issuer == "" {
		return "", "", fmt.Errorf("missing iss or aud")
	}
	return issuer, aud[0], nil
}

// classifyParseErr lifts the two parser failures that are not plain
// authentication errors: structurally broken tokens and key set fetch
// failures (the keyfunc error is joined into the parse error).
func classifyParseErr(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: unparseable token", ErrMalformedRequest)
	case errors.Is(err, ErrUpstreamUnavailable):
		return err
	}
	return nil
}

func customParams(claims jwt.MapClaims) map[string]string {
	out := map[string]string{}
	raw, ok := claims[claimCustom].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64, bool:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func stringClaimSlice(v any) []string {
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
