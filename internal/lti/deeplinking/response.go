package deeplinking

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// resourceVersion is stamped into every content item's custom params so
// future launches can tell which vocabulary the stored item was created with.
const resourceVersion = "1.0"

// Signer signs a claim set with the tool's current key for the group.
type Signer interface {
	Sign(ctx context.Context, groupID string, claims jwt.Claims) (string, error)
}

// Selection is one content item the instructor picked.
type Selection struct {
	ServiceType string
	CourseID    string
	GroupID     string
	Title       string
	Custom      map[string]string
}

// ContentItem is the wire shape of one ltiResourceLink item.
type ContentItem struct {
	Type   string            `json:"type"`
	URL    string            `json:"url"`
	Title  string            `json:"title,omitempty"`
	Custom map[string]string `json:"custom,omitempty"`
}

// Builder turns a validated Request plus instructor selections into the
// signed LtiDeepLinkingResponse token.
type Builder struct {
	Signer Signer
	// LaunchURL is the absolute resource-link launch endpoint; each content
	// item's URL embeds the selection's routing fields as query parameters.
	LaunchURL string
	TokenTTL  time.Duration
	Now       func() time.Time
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// BuildResponse constructs, signs and returns the compact response token.
// The response speaks as the tool: iss is our client_id on this platform and
// aud is the platform issuer, the inverse of the inbound request.
func (b *Builder) BuildResponse(ctx context.Context, req Request, keyGroup string, selections []Selection) (string, error) {
	if !req.AcceptsResourceLinks() {
		return "", errors.New("deeplinking: platform does not accept resource link items")
	}
	if len(selections) == 0 {
		return "", errors.New("deeplinking: no selection")
	}
	if len(selections) > 1 && !req.AcceptMultiple {
		return "", errors.New("deeplinking: platform accepts a single item")
	}

	now := b.now()
	items := make([]ContentItem, 0, len(selections))
	for _, sel := range selections {
		items = append(items, b.contentItem(sel, now))
	}

	ttl := b.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claims := jwt.MapClaims{
		"iss":             req.ClientID,
		"aud":             []string{req.Issuer},
		"iat":             now.Unix(),
		"exp":             now.Add(ttl).Unix(),
		"nonce":           uuid.NewString(),
		claimMessageType:  MessageTypeResponse,
		claimVersion:      ltiVersion,
		claimDeploymentID: req.DeploymentID,
		claimContentItems: items,
	}
	if req.Data != "" {
		claims["https://purl.imsglobal.org/spec/lti-dl/claim/data"] = req.Data
	}
	return b.Signer.Sign(ctx, keyGroup, claims)
}

func (b *Builder) contentItem(sel Selection, now time.Time) ContentItem {
	q := url.Values{}
	q.Set("service_type", sel.ServiceType)
	if sel.CourseID != "" {
		q.Set("course_id", sel.CourseID)
	}
	if sel.GroupID != "" {
		q.Set("group_id", sel.GroupID)
	}

	custom := map[string]string{
		"service_type":        sel.ServiceType,
		"custom_service_type": sel.ServiceType,
		"resource_version":    resourceVersion,
		"deep_link_created":   now.UTC().Format(time.RFC3339),
	}
	if sel.CourseID != "" {
		custom["course_id"] = sel.CourseID
		custom["custom_course_id"] = sel.CourseID
	}
	if sel.GroupID != "" {
		custom["group_id"] = sel.GroupID
		custom["custom_group_id"] = sel.GroupID
	}
	for k, v := range sel.Custom {
		if _, taken := custom[k]; !taken {
			custom[k] = v
		}
	}

	title := sel.Title
	if title == "" {
		title = sel.ServiceType
	}
	return ContentItem{
		Type:   "ltiResourceLink",
		URL:    b.LaunchURL + "?" + q.Encode(),
		Title:  title,
		Custom: custom,
	}
}

var responseFormTmpl = template.Must(template.New("dlform").Parse(`<!doctype html>
<html><head><title>Returning to course</title></head>
<body onload="document.forms[0].submit()">
<form action="{{.ReturnURL}}" method="post">
<input type="hidden" name="JWT" value="{{.Token}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>
`))

// WriteResponseForm renders the auto-submitting form that posts the signed
// token to the platform's declared return URL.
func WriteResponseForm(w http.ResponseWriter, returnURL, token string) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return responseFormTmpl.Execute(w, struct {
		ReturnURL string
		Token     string
	}{returnURL, token})
}

// String implements fmt.Stringer for log lines; the token itself is never
// logged.
func (s Selection) String() string {
	return fmt.Sprintf("selection{service=%s course=%s group=%s}", s.ServiceType, s.CourseID, s.GroupID)
}
