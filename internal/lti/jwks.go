package lti

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
)

// JWKS is the published key set, RFC 7517 shape.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// RSAPublicJWK renders the public half of a tool key as a JWK map.
func RSAPublicJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   bigIntToB64(pub.N),
		"e":   intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	return b64url(n.Bytes())
}

func intToB64(i int) string {
	b := big.NewInt(int64(i)).Bytes()
	if len(b) == 0 {
		b = []byte{0}
	}
	return b64url(b)
}

// JWKSHandler serves the tool's public keys at /.well-known/jwks.json. The
// set covers every group with at least one active platform so a platform can
// verify deep linking responses regardless of which group its registration
// belongs to.
type JWKSHandler struct {
	Keys     *KeyManager
	Registry Registry
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Registry.ActiveGroups(r.Context())
	if err != nil {
		log.Printf("jwks: list groups: %v", err)
		writeErr(w, http.StatusInternalServerError, "key set unavailable")
		return
	}
	if len(groups) == 0 {
		groups = []string{""}
	}

	set := JWKS{Keys: []map[string]any{}}
	for _, g := range groups {
		keys, err := h.Keys.PublishedKeys(r.Context(), g)
		if err != nil {
			log.Printf("jwks: keys for group %q: %v", g, err)
			writeErr(w, http.StatusInternalServerError, "key set unavailable")
			return
		}
		if len(keys) == 0 {
			// Lazily mint so the endpoint never serves an empty set for a
			// live group.
			k, err := h.Keys.CurrentKey(r.Context(), g)
			if err != nil {
				log.Printf("jwks: ensure key for group %q: %v", g, err)
				writeErr(w, http.StatusInternalServerError, "key set unavailable")
				return
			}
			keys = []ToolKey{k}
		}
		for _, k := range keys {
			set.Keys = append(set.Keys, RSAPublicJWK(k.KID, &k.Private.PublicKey))
		}
	}

	body, err := json.Marshal(set)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "key set unavailable")
		return
	}
	etag := `"` + b64url(hashBytes(body)) + `"`
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(body)
}

func hashBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:8]
}
