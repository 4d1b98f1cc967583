package lti

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

/*
OIDC login initiation (third-party initiated login).

The platform sends the user here first, by GET or form POST. We resolve the
registration, record a fresh (nonce, state) pair and bounce the browser to the
platform's authorization endpoint, which will POST the signed id_token back to
the launch endpoint.
*/

// IssuerResolver is implemented by registries that can resolve a login
// initiation that omits client_id. Only usable when the issuer has exactly
// one active registration.
type IssuerResolver interface {
	LookupIssuer(ctx context.Context, issuer string) (Platform, error)
}

// LoginInitiator handles /lti/login.
type LoginInitiator struct {
	Registry  Registry
	Nonces    NonceStore
	LaunchURL string // absolute URL of the launch endpoint
	NonceTTL  time.Duration
}

func (h *LoginInitiator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed request")
			return
		}
	}

	iss := r.FormValue("iss")
	if iss == "" && r.Method == http.MethodGet {
		// Bare GET with no OIDC parameters: an admin or monitoring probe
		// checking the endpoint is alive, not a platform.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!doctype html><title>LTI login</title><p>LTI login endpoint is up. Launches must be initiated by the platform.</p>`)
		return
	}

	loginHint := r.FormValue("login_hint")
	clientID := r.FormValue("client_id")
	messageHint := r.FormValue("lti_message_hint")
	deploymentID := r.FormValue("lti_deployment_id")

	if iss == "" || loginHint == "" {
		writeErr(w, http.StatusBadRequest, "malformed request")
		return
	}

	platform, err := h.resolve(r.Context(), iss, clientID)
	if err != nil {
		log.Printf("lti login: resolve %q client %q: %v", iss, clientID, err)
		writeErr(w, http.StatusUnauthorized, "authentication failed")
		return
	}
	if !platform.Active {
		log.Printf("lti login: platform %q is inactive", iss)
		writeErr(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	pl, err := h.Nonces.Issue(r.Context(), platform, h.NonceTTL)
	if err != nil {
		log.Printf("lti login: issue nonce: %v", err)
		writeErr(w, http.StatusInternalServerError, "tool configuration error")
		return
	}

	// target_link_uri from the initiation request is not forwarded: the
	// platform echoes it inside the id_token, and the redirect_uri must be
	// our registered launch endpoint regardless.
	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", platform.ClientID)
	q.Set("redirect_uri", h.LaunchURL)
	q.Set("login_hint", loginHint)
	q.Set("state", pl.State)
	q.Set("nonce", pl.Nonce)
	if messageHint != "" {
		q.Set("lti_message_hint", messageHint)
	}
	if deploymentID != "" {
		q.Set("lti_deployment_id", deploymentID)
	}

	sep := "?"
	if u, err := url.Parse(platform.AuthLoginURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	http.Redirect(w, r, platform.AuthLoginURL+sep+q.Encode(), http.StatusFound)
}

func (h *LoginInitiator) resolve(ctx context.Context, iss, clientID string) (Platform, error) {
	if clientID != "" {
		return h.Registry.Lookup(ctx, iss, clientID)
	}
	if ir, ok := h.Registry.(IssuerResolver); ok {
		return ir.LookupIssuer(ctx, iss)
	}
	return Platform{}, errors.New("client_id required")
}
