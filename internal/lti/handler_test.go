package lti_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/edulink-ai/lti-gateway/internal/lti"
	"github.com/edulink-ai/lti-gateway/internal/lti/deeplinking"
	"github.com/edulink-ai/lti-gateway/internal/session"
)

func newHandlerFixture(t *testing.T) (*launchFixture, *lti.LaunchHandler, *lti.DeepLinkHandler, *session.Service) {
	t.Helper()
	f := newLaunchFixture(t)
	sessions := session.New("handler-test-secret", 15*time.Minute)
	keys := lti.NewKeyManager(lti.NewMemoryKeyStorage())
	deepLinks := lti.NewDeepLinkHandler(&deeplinking.Builder{
		Signer:    keys,
		LaunchURL: "https://tool.example.com/lti/launch",
	})
	h := &lti.LaunchHandler{
		Validator: f.validator,
		Sessions:  sessions,
		DeepLinks: deepLinks,
	}
	return f, h, deepLinks, sessions
}

func postLaunch(t *testing.T, h *lti.LaunchHandler, idToken, state string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("state", state)
	req := httptest.NewRequest(http.MethodPost, "/lti/launch", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLaunchEndpointIssuesServicesToken(t *testing.T) {
	f, h, _, sessions := newHandlerFixture(t)
	pl := f.issue(t)
	rec := postLaunch(t, h, f.sign(t, f.key, f.kid, f.baseClaims(pl.Nonce)), pl.State)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token       string `json:"token"`
		ServiceType string `json:"service_type"`
		CourseID    string `json:"course_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ServiceType != lti.ServiceQuizGenerator || resp.CourseID != "c1" {
		t.Fatalf("routing = %+v", resp)
	}
	claims, err := sessions.Verify(resp.Token)
	if err != nil {
		t.Fatalf("verify session token: %v", err)
	}
	if claims.TokenType != session.TokenTypeServices {
		t.Fatalf("TokenType = %q", claims.TokenType)
	}
	if claims.Subject != "user-42" || claims.PlatformIssuer != f.platform.Issuer {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestLaunchEndpointUniformRejection(t *testing.T) {
	f, h, _, _ := newHandlerFixture(t)
	pl := f.issue(t)
	claims := f.baseClaims(pl.Nonce)
	claims["https://purl.imsglobal.org/spec/lti/claim/deployment_id"] = "dep-rogue"
	rec := postLaunch(t, h, f.sign(t, f.key, f.kid, claims), pl.State)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication failed") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDeepLinkFlow(t *testing.T) {
	f, h, deepLinks, sessions := newHandlerFixture(t)
	pl := f.issue(t)
	claims := f.baseClaims(pl.Nonce)
	claims["https://purl.imsglobal.org/spec/lti/claim/message_type"] = deeplinking.MessageTypeRequest
	claims["https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"] = map[string]any{
		"deep_link_return_url": "https://lms.example.edu/deep_link_return",
		"accept_types":         []any{"ltiResourceLink"},
		"data":                 "dl-data",
	}
	rec := postLaunch(t, h, f.sign(t, f.key, f.kid, claims), pl.State)
	if rec.Code != http.StatusOK {
		t.Fatalf("launch status = %d, body %s", rec.Code, rec.Body.String())
	}
	var launchResp struct {
		Token    string            `json:"token"`
		Services []lti.ServiceInfo `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &launchResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(launchResp.Services) == 0 {
		t.Fatal("no service catalog in deep-link launch response")
	}

	gate := sessions.Middleware(session.TokenTypeDeepLink)
	authed := func(method, path, body, contentType string) *httptest.ResponseRecorder {
		var rd *strings.Reader
		if body == "" {
			rd = strings.NewReader("")
		} else {
			rd = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, rd)
		req.Header.Set("Authorization", "Bearer "+launchResp.Token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		switch path {
		case "/lti/deep_link/config":
			gate(http.HandlerFunc(deepLinks.Config)).ServeHTTP(rec, req)
		default:
			gate(http.HandlerFunc(deepLinks.Submit)).ServeHTTP(rec, req)
		}
		return rec
	}

	cfg := authed(http.MethodGet, "/lti/deep_link/config", "", "")
	if cfg.Code != http.StatusOK {
		t.Fatalf("config status = %d, body %s", cfg.Code, cfg.Body.String())
	}

	sub := authed(http.MethodPost, "/lti/deep_link",
		`{"service_type":"quiz_generator","course_id":"c1"}`, "application/json")
	if sub.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", sub.Code, sub.Body.String())
	}
	body := sub.Body.String()
	if !strings.Contains(body, `name="JWT"`) ||
		!strings.Contains(body, `action="https://lms.example.edu/deep_link_return"`) {
		t.Fatalf("response form = %s", body)
	}

	// The pending request is one-shot.
	again := authed(http.MethodPost, "/lti/deep_link",
		`{"service_type":"quiz_generator"}`, "application/json")
	if again.Code != http.StatusUnauthorized {
		t.Fatalf("second submit status = %d", again.Code)
	}
}

func TestLaunchEndpointFrontendRedirect(t *testing.T) {
	f, h, _, _ := newHandlerFixture(t)
	h.FrontendURL = "https://app.example.com"
	pl := f.issue(t)
	rec := postLaunch(t, h, f.sign(t, f.key, f.kid, f.baseClaims(pl.Nonce)), pl.State)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://app.example.com/launch#") {
		t.Fatalf("location = %q", loc)
	}
	if !strings.Contains(loc, "service_type=quiz_generator") || !strings.Contains(loc, "token=") {
		t.Fatalf("fragment missing fields: %q", loc)
	}
}
