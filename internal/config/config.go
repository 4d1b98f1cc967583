package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	// FrontendURL, when set, makes launch responses redirect into the web
	// front end instead of returning JSON.
	FrontendURL string

	DBDriver string
	DBDSN    string

	// Optional shared nonce store. When empty the SQL store is used, which is
	// sufficient for multi-instance deployments sharing one database.
	RedisAddr     string
	RedisPassword string

	// Secret for the internal session credentials minted after a validated
	// launch. Distinct from the RSA keys used towards LMS platforms.
	SessionSecret string
	SessionTTL    time.Duration

	NonceTTL      time.Duration
	KeySetTimeout time.Duration
	KeySetCache   time.Duration

	DefaultServiceType string

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	if pub == "" {
		pub = "http://localhost:8080"
	}
	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,

		FrontendURL: strings.TrimSuffix(os.Getenv("FRONTEND_URL"), "/"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SessionSecret: envOr("SESSION_TOKENS_SECRET", ""),
		SessionTTL:    envDuration("SESSION_TOKEN_TTL", 15*time.Minute),

		NonceTTL:      envDuration("LOGIN_NONCE_TTL", 10*time.Minute),
		KeySetTimeout: envDuration("PLATFORM_KEYSET_TIMEOUT", 10*time.Second),
		KeySetCache:   envDuration("PLATFORM_KEYSET_CACHE", time.Hour),

		DefaultServiceType: envOr("DEFAULT_SERVICE_TYPE", "lecture_assistant"),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: os.Getenv("ADMIN_PASS_HASH"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
