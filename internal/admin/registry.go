// Package admin exposes the platform registration CRUD used by operators.
// It is guarded by HTTP basic auth against a bcrypt hash from configuration
// and is meant to sit behind the deployment's own network controls.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/edulink-ai/lti-gateway/internal/lti"
)

type Handler struct {
	Registry *lti.SQLRegistry
	User     string
	PassHash string // bcrypt hash of the admin password
}

// Routes mounts the registry CRUD under the given router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.basicAuth)
	r.Get("/platforms", h.list)
	r.Post("/platforms", h.create)
	r.Put("/platforms", h.update)
	r.Delete("/platforms", h.delete)
	return r
}

func (h *Handler) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || h.PassHash == "" {
			deny(w)
			return
		}
		if subtle.ConstantTimeCompare([]byte(user), []byte(h.User)) != 1 {
			deny(w)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(h.PassHash), []byte(pass)) != nil {
			deny(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="lti-gateway admin"`)
	writeErr(w, http.StatusUnauthorized, "unauthorized")
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	platforms, err := h.Registry.List(r.Context(), offset, limit)
	if err != nil {
		log.Printf("admin: list platforms: %v", err)
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	if platforms == nil {
		platforms = []lti.Platform{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePlatform(w, r)
	if !ok {
		return
	}
	if err := h.Registry.Create(r.Context(), p); err != nil {
		if errors.Is(err, lti.ErrConfiguration) {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("admin: create platform: %v", err)
		writeErr(w, http.StatusConflict, "platform already registered or storage error")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePlatform(w, r)
	if !ok {
		return
	}
	if err := h.Registry.Update(r.Context(), p); err != nil {
		switch {
		case errors.Is(err, lti.ErrPlatformNotFound):
			writeErr(w, http.StatusNotFound, "platform not found")
		case errors.Is(err, lti.ErrConfiguration):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("admin: update platform: %v", err)
			writeErr(w, http.StatusInternalServerError, "storage error")
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSpace(r.URL.Query().Get("issuer"))
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if issuer == "" || clientID == "" {
		writeErr(w, http.StatusBadRequest, "issuer and client_id required")
		return
	}
	if err := h.Registry.Delete(r.Context(), issuer, clientID); err != nil {
		if errors.Is(err, lti.ErrPlatformNotFound) {
			writeErr(w, http.StatusNotFound, "platform not found")
			return
		}
		log.Printf("admin: delete platform: %v", err)
		writeErr(w, http.StatusInternalServerError, "storage error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodePlatform(w http.ResponseWriter, r *http.Request) (lti.Platform, bool) {
	var p lti.Platform
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid platform payload")
		return lti.Platform{}, false
	}
	p.Issuer = strings.TrimSpace(p.Issuer)
	p.ClientID = strings.TrimSpace(p.ClientID)
	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
