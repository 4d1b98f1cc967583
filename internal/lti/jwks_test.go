package lti_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edulink-ai/lti-gateway/internal/lti"
)

func TestJWKSHandlerServesActiveGroups(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keys := lti.NewKeyManager(lti.NewMemoryKeyStorage())
	keys.Now = func() time.Time { return now }

	registry := lti.NewStaticRegistry(
		lti.Platform{Issuer: "https://a.example.edu", ClientID: "c1", Active: true, GroupID: "campus-a"},
		lti.Platform{Issuer: "https://b.example.edu", ClientID: "c1", Active: false, GroupID: "campus-b"},
	)
	h := &lti.JWKSHandler{Keys: keys, Registry: registry}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var set lti.JWKS
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// One lazily minted key for the single active group.
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(set.Keys))
	}
	k := set.Keys[0]
	for _, field := range []string{"kid", "n", "e"} {
		if s, _ := k[field].(string); s == "" {
			t.Errorf("jwk missing %s: %v", field, k)
		}
	}
	if k["kty"] != "RSA" || k["alg"] != "RS256" || k["use"] != "sig" {
		t.Errorf("jwk metadata = %v", k)
	}

	// The published kid matches the group's signing key.
	current, err := keys.CurrentKey(context.Background(), "campus-a")
	if err != nil {
		t.Fatal(err)
	}
	if k["kid"] != current.KID {
		t.Errorf("published kid %v, signing kid %s", k["kid"], current.KID)
	}
}

func TestJWKSHandlerETag(t *testing.T) {
	keys := lti.NewKeyManager(lti.NewMemoryKeyStorage())
	registry := lti.NewStaticRegistry(
		lti.Platform{Issuer: "https://a.example.edu", ClientID: "c1", Active: true, GroupID: "g"},
	)
	h := &lti.JWKSHandler{Keys: keys, Registry: registry}

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag")
	}

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", etag)
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	if second.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", second.Code)
	}
}
