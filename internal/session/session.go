// Package session mints and verifies the short-lived internal bearer tokens
// handed to the front end after a validated launch. These are symmetric-key
// tokens shared only between the gateway and downstream services; the RSA
// material used towards LMS platforms is separate.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types. A services token authorizes calls into downstream AI
// services; a deep-link token authorizes exactly the deep linking
// configuration exchange that issued it.
const (
	TokenTypeServices = "lti_services"
	TokenTypeDeepLink = "lti_deep_link"
)

// ErrUnauthorized is the uniform verification failure: bad signature,
// expiry, wrong token type and malformed claims all collapse into it.
var ErrUnauthorized = errors.New("session: unauthorized")

// Claims is the session token payload.
type Claims struct {
	jwt.RegisteredClaims

	TokenType      string            `json:"token_type"`
	ServiceType    string            `json:"service_type,omitempty"`
	CourseID       string            `json:"course_id,omitempty"`
	GroupID        string            `json:"group_id,omitempty"`
	PlatformIssuer string            `json:"platform_iss"`
	ClientID       string            `json:"client_id"`
	DeploymentID   string            `json:"deployment_id"`
	Roles          []string          `json:"roles,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}

// Service issues and verifies session tokens with a single HS256 secret.
type Service struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func New(secret string, ttl time.Duration) *Service {
	return &Service{Secret: []byte(secret), TTL: ttl}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs the claims, filling in the time window. The Subject,
// token-type and platform fields must already be set by the caller.
func (s *Service) Issue(c Claims) (string, time.Time, error) {
	if len(s.Secret) == 0 {
		return "", time.Time{}, errors.New("session: no signing secret configured")
	}
	now := s.now()
	exp := now.Add(s.TTL)
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(exp)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the claims. Every failure
// is ErrUnauthorized; callers never learn which check failed.
func (s *Service) Verify(token string) (Claims, error) {
	var c Claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrUnauthorized
	}
	if c.TokenType == "" {
		return Claims{}, ErrUnauthorized
	}
	return c, nil
}
