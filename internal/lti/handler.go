package lti

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/edulink-ai/lti-gateway/internal/lti/deeplinking"
	"github.com/edulink-ai/lti-gateway/internal/session"
)

/*
HTTP surface of the launch pipeline.

The platform form-POSTs id_token + state to the launch endpoint. A resource
link launch yields a services session token for the front end; a deep linking
request yields a deep-link session token plus a one-shot server-side record
of the request, redeemed when the instructor submits their selection.
*/

// LaunchHandler handles POST /lti/launch.
type LaunchHandler struct {
	Validator *Validator
	Sessions  *session.Service
	DeepLinks *DeepLinkHandler
	// FrontendURL, when set, turns the launch response into a redirect with
	// the token in the URL fragment. Empty means a JSON response.
	FrontendURL string
}

func (h *LaunchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		// LMS admins and monitoring hit launch URLs directly when validating
		// a registration; answer instead of failing the missing id_token.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<!doctype html><title>LTI launch</title><p>LTI launch endpoint is up. Launches arrive by platform POST.</p>`))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request")
		return
	}
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")
	if idToken == "" {
		writeErr(w, http.StatusBadRequest, "malformed request")
		return
	}

	launch, err := h.Validator.Validate(r.Context(), idToken, state)
	if err != nil {
		log.Printf("lti launch: %v", err)
		writeEngineErr(w, err)
		return
	}

	if launch.IsDeepLinking() {
		h.handleDeepLinkingLaunch(w, r, launch)
		return
	}

	token, exp, err := h.Sessions.Issue(session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      uuid.NewString(),
			Subject: launch.Subject,
		},
		TokenType:      session.TokenTypeServices,
		ServiceType:    launch.Routing.ServiceType,
		CourseID:       launch.Routing.CourseID,
		GroupID:        launch.Routing.GroupID,
		PlatformIssuer: launch.Platform.Issuer,
		ClientID:       launch.Platform.ClientID,
		DeploymentID:   launch.DeploymentID,
		Roles:          launch.Roles,
		Params:         launch.Custom,
	})
	if err != nil {
		log.Printf("lti launch: issue session: %v", err)
		writeErr(w, http.StatusInternalServerError, "tool configuration error")
		return
	}

	if h.FrontendURL != "" {
		frag := url.Values{}
		frag.Set("token", token)
		frag.Set("service_type", launch.Routing.ServiceType)
		if launch.Routing.CourseID != "" {
			frag.Set("course_id", launch.Routing.CourseID)
		}
		// Token rides in the fragment so it never reaches server access logs.
		http.Redirect(w, r, h.FrontendURL+"/launch#"+frag.Encode(), http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"expires_at":   exp.Unix(),
		"service_type": launch.Routing.ServiceType,
		"course_id":    launch.Routing.CourseID,
		"group_id":     launch.Routing.GroupID,
	})
}

func (h *LaunchHandler) handleDeepLinkingLaunch(w http.ResponseWriter, r *http.Request, launch *Launch) {
	id := uuid.NewString()
	token, exp, err := h.Sessions.Issue(session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      id,
			Subject: launch.Subject,
		},
		TokenType:      session.TokenTypeDeepLink,
		PlatformIssuer: launch.Platform.Issuer,
		ClientID:       launch.Platform.ClientID,
		DeploymentID:   launch.DeploymentID,
		Roles:          launch.Roles,
	})
	if err != nil {
		log.Printf("lti deep link: issue session: %v", err)
		writeErr(w, http.StatusInternalServerError, "tool configuration error")
		return
	}
	h.DeepLinks.remember(id, pendingDeepLink{
		Request:  *launch.DeepLink,
		KeyGroup: launch.Platform.GroupID,
		Expires:  exp,
	})

	if h.FrontendURL != "" {
		http.Redirect(w, r, h.FrontendURL+"/deep-link#token="+url.QueryEscape(token), http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.Unix(),
		"services":   ServiceCatalog(),
	})
}

/* ---------------------------- deep link submit ---------------------------- */

type pendingDeepLink struct {
	Request  deeplinking.Request
	KeyGroup string
	Expires  time.Time
}

// DeepLinkHandler serves the configuration step: GET /lti/deep_link/config
// lists selectable services, POST /lti/deep_link turns the instructor's
// selection into the signed response form. Both are gated by the deep-link
// session token minted at launch; the pending request lives in process
// memory, so the two steps must hit the same instance (sticky sessions or a
// single gateway).
type DeepLinkHandler struct {
	Builder *deeplinking.Builder

	mu      sync.Mutex
	pending map[string]pendingDeepLink
}

func NewDeepLinkHandler(b *deeplinking.Builder) *DeepLinkHandler {
	return &DeepLinkHandler{Builder: b, pending: make(map[string]pendingDeepLink)}
}

func (h *DeepLinkHandler) remember(id string, p pendingDeepLink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[id] = p
	now := time.Now()
	for k, v := range h.pending {
		if now.After(v.Expires) {
			delete(h.pending, k)
		}
	}
}

// take redeems the pending request exactly once.
func (h *DeepLinkHandler) take(id string) (pendingDeepLink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[id]
	if !ok {
		return pendingDeepLink{}, false
	}
	delete(h.pending, id)
	if time.Now().After(p.Expires) {
		return pendingDeepLink{}, false
	}
	return p, true
}

func (h *DeepLinkHandler) peek(id string) (pendingDeepLink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[id]
	if ok && time.Now().After(p.Expires) {
		return pendingDeepLink{}, false
	}
	return p, ok
}

// Config handles GET /lti/deep_link/config.
func (h *DeepLinkHandler) Config(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.FromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	p, ok := h.peek(claims.ID)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services":        ServiceCatalog(),
		"accept_multiple": p.Request.AcceptMultiple,
		"title":           p.Request.Title,
	})
}

type deepLinkSubmission struct {
	ServiceType string            `json:"service_type"`
	CourseID    string            `json:"course_id"`
	GroupID     string            `json:"group_id"`
	Title       string            `json:"title"`
	Custom      map[string]string `json:"custom"`
}

// decode accepts a JSON body or, for plain form posts from a minimal picker
// page, form fields.
func (s *deepLinkSubmission) decode(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return json.NewDecoder(r.Body).Decode(s)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	s.ServiceType = r.PostFormValue("service_type")
	s.CourseID = r.PostFormValue("course_id")
	s.GroupID = r.PostFormValue("group_id")
	s.Title = r.PostFormValue("title")
	return nil
}

// Submit handles POST /lti/deep_link. The response is the auto-submitting
// HTML form that posts the signed token back to the platform.
func (h *DeepLinkHandler) Submit(w http.ResponseWriter, r *http.Request) {
	claims, ok := session.FromContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var sub deepLinkSubmission
	if err := sub.decode(r); err != nil {
		writeErr(w, http.StatusBadRequest, "malformed request")
		return
	}
	if !knownServiceType(sub.ServiceType) {
		writeErr(w, http.StatusBadRequest, "unknown service type")
		return
	}

	p, ok := h.take(claims.ID)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	title := sub.Title
	if title == "" {
		for _, svc := range ServiceCatalog() {
			if svc.Type == sub.ServiceType {
				title = svc.Title
				break
			}
		}
	}

	token, err := h.Builder.BuildResponse(r.Context(), p.Request, p.KeyGroup, []deeplinking.Selection{{
		ServiceType: sub.ServiceType,
		CourseID:    sub.CourseID,
		GroupID:     sub.GroupID,
		Title:       title,
		Custom:      sub.Custom,
	}})
	if err != nil {
		log.Printf("lti deep link: build response: %v", err)
		writeErr(w, http.StatusInternalServerError, "tool configuration error")
		return
	}
	if err := deeplinking.WriteResponseForm(w, p.Request.ReturnURL, token); err != nil {
		log.Printf("lti deep link: write form: %v", err)
	}
}
