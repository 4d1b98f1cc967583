package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/edulink-ai/lti-gateway/internal/admin"
	"github.com/edulink-ai/lti-gateway/internal/config"
	"github.com/edulink-ai/lti-gateway/internal/db"
	"github.com/edulink-ai/lti-gateway/internal/lti"
	"github.com/edulink-ai/lti-gateway/internal/lti/deeplinking"
	"github.com/edulink-ai/lti-gateway/internal/session"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	database, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer database.Close()

	registry := lti.NewSQLRegistry(database)
	keys := lti.NewKeyManager(lti.NewSQLKeyStorage(database))

	var nonces lti.NonceStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis %s: %v", cfg.RedisAddr, err)
		}
		nonces = lti.NewRedisNonceStore(rdb)
		log.Printf("nonce store: redis at %s", cfg.RedisAddr)
	} else {
		nonces = lti.NewSQLNonceStore(database)
		log.Printf("nonce store: sql (%s)", cfg.DBDriver)
	}

	secret := cfg.SessionSecret
	if secret == "" {
		// Ephemeral secret: sessions do not survive a restart and cannot be
		// verified by other instances. Fine for development only.
		b := make([]byte, 32)
		_, _ = rand.Read(b)
		secret = hex.EncodeToString(b)
		log.Printf("WARNING: SESSION_TOKENS_SECRET not set, using ephemeral secret")
	}
	sessions := session.New(secret, cfg.SessionTTL)

	launchURL := cfg.PublicURL + "/lti/launch"
	validator := &lti.Validator{
		Registry: registry,
		Nonces:   nonces,
		KeySets:  lti.NewKeySetFetcher(cfg.KeySetTimeout, cfg.KeySetCache),
		Resolver: lti.ServiceResolver{DefaultServiceType: cfg.DefaultServiceType},
	}
	deepLinks := lti.NewDeepLinkHandler(&deeplinking.Builder{
		Signer:    keys,
		LaunchURL: launchURL,
	})
	launchHandler := &lti.LaunchHandler{
		Validator:   validator,
		Sessions:    sessions,
		DeepLinks:   deepLinks,
		FrontendURL: cfg.FrontendURL,
	}
	loginHandler := &lti.LoginInitiator{
		Registry:  registry,
		Nonces:    nonces,
		LaunchURL: launchURL,
		NonceTTL:  cfg.NonceTTL,
	}
	adminHandler := &admin.Handler{
		Registry: registry,
		User:     cfg.AdminUser,
		PassHash: cfg.AdminPassHash,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/.well-known/jwks.json", (&lti.JWKSHandler{Keys: keys, Registry: registry}).ServeHTTP)
	r.Get("/.well-known/openid-configuration", (&lti.MetadataHandler{PublicURL: cfg.PublicURL}).ServeHTTP)

	r.Get("/lti/login", loginHandler.ServeHTTP)
	r.Post("/lti/login", loginHandler.ServeHTTP)
	r.Get("/lti/launch", launchHandler.ServeHTTP)
	r.Post("/lti/launch", launchHandler.ServeHTTP)

	r.Route("/lti/deep_link", func(r chi.Router) {
		r.Use(sessions.Middleware(session.TokenTypeDeepLink))
		r.Get("/config", deepLinks.Config)
		r.Post("/", deepLinks.Submit)
	})

	// Downstream services call this to validate a bearer session token.
	r.With(sessions.Middleware(session.TokenTypeServices)).
		Get("/session/verify", func(w http.ResponseWriter, r *http.Request) {
			claims, _ := session.FromContext(r.Context())
			writeJSON(w, claims)
		})

	r.Mount("/admin", adminHandler.Routes())

	log.Printf("lti-gateway listening on %s (public %s)", cfg.HTTPAddr, cfg.PublicURL)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
