package lti

import (
	"net/http"
)

// MetadataHandler serves /.well-known/openid-configuration: a static
// descriptor of this tool's endpoints for platforms that support dynamic
// registration or discovery.
type MetadataHandler struct {
	PublicURL string // no trailing slash
}

func (h *MetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	base := h.PublicURL
	doc := map[string]any{
		"issuer":                                base,
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"authorization_endpoint":                base + "/lti/login",
		"registration_endpoint":                 base + "/admin/platforms",
		"token_endpoint_auth_methods_supported": []string{"private_key_jwt"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"https://purl.imsglobal.org/spec/lti-tool-configuration": map[string]any{
			"domain":              hostOf(base),
			"target_link_uri":     base + "/lti/launch",
			"oidc_initiation_url": base + "/lti/login",
			"deep_linking_url":    base + "/lti/launch",
			"messages": []map[string]any{
				{"type": "LtiResourceLinkRequest", "target_link_uri": base + "/lti/launch"},
				{"type": "LtiDeepLinkingRequest", "target_link_uri": base + "/lti/launch"},
			},
			"claims": []string{"sub", "iss", "name", "email"},
		},
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, doc)
}
