package lti

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Tool-side RSA signing keys.

Each platform group owns an independent key line. Keys rotate on a fixed
interval; a retired key stays in the published JWKS for the overlap window so
platforms verifying a just-signed deep linking response against a cached key
set do not see a hard cutover.
*/

const (
	defaultRotationInterval = 30 * 24 * time.Hour
	defaultRotationOverlap  = 7 * 24 * time.Hour
	rsaKeyBits              = 2048
)

// ToolKey is one RSA signing key with its validity window.
type ToolKey struct {
	KID       string
	GroupID   string
	Alg       string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
	NotBefore time.Time
	NotAfter  time.Time
}

// activeAt reports whether the key may sign at t.
func (k ToolKey) activeAt(t time.Time) bool {
	return !t.Before(k.NotBefore) && t.Before(k.NotAfter)
}

// publishedAt reports whether the key belongs in the JWKS at t, which extends
// past NotAfter by the overlap window.
func (k ToolKey) publishedAt(t time.Time, overlap time.Duration) bool {
	return !t.Before(k.NotBefore) && t.Before(k.NotAfter.Add(overlap))
}

// KeyStorage persists tool keys. Implementations must tolerate concurrent
// EnsureCurrent calls from multiple instances; duplicate inserts for the same
// window are benign because every generated key has a unique kid.
type KeyStorage interface {
	SaveKey(ctx context.Context, k ToolKey) error
	KeysForGroup(ctx context.Context, groupID string) ([]ToolKey, error)
}

// KeyManager hands out the current signing key per group and rotates on
// demand. Rotation is lazy: the check runs on each signing-key request, so no
// background goroutine is needed.
type KeyManager struct {
	Storage          KeyStorage
	RotationInterval time.Duration
	RotationOverlap  time.Duration
	Now              func() time.Time

	mu sync.Mutex
}

func NewKeyManager(storage KeyStorage) *KeyManager {
	return &KeyManager{
		Storage:          storage,
		RotationInterval: defaultRotationInterval,
		RotationOverlap:  defaultRotationOverlap,
	}
}

func (m *KeyManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CurrentKey returns the key that should sign right now for the group,
// generating a fresh one if none is active.
func (m *KeyManager) CurrentKey(ctx context.Context, groupID string) (ToolKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys, err := m.Storage.KeysForGroup(ctx, groupID)
	if err != nil {
		return ToolKey{}, err
	}
	// Newest active key wins.
	sort.Slice(keys, func(i, j int) bool { return keys[i].NotBefore.After(keys[j].NotBefore) })
	for _, k := range keys {
		if k.activeAt(now) {
			return k, nil
		}
	}
	return m.generate(ctx, groupID, now)
}

// PublishedKeys returns the keys currently visible in the group's JWKS:
// active keys plus retired ones still inside the overlap window.
func (m *KeyManager) PublishedKeys(ctx context.Context, groupID string) ([]ToolKey, error) {
	now := m.now()
	keys, err := m.Storage.KeysForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	var out []ToolKey
	for _, k := range keys {
		if k.publishedAt(now, m.RotationOverlap) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.After(out[j].NotBefore) })
	return out, nil
}

// Sign signs claims with the group's current key using RS256 and a kid
// header, returning the compact JWT.
func (m *KeyManager) Sign(ctx context.Context, groupID string, claims jwt.Claims) (string, error) {
	k, err := m.CurrentKey(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("%w: no signing key: %v", ErrConfiguration, err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.KID
	return tok.SignedString(k.Private)
}

func (m *KeyManager) generate(ctx context.Context, groupID string, now time.Time) (ToolKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return ToolKey{}, err
	}
	interval := m.RotationInterval
	if interval <= 0 {
		interval = defaultRotationInterval
	}
	k := ToolKey{
		KID:       makeKID(priv, now),
		GroupID:   groupID,
		Alg:       "RS256",
		Private:   priv,
		CreatedAt: now,
		NotBefore: now,
		NotAfter:  now.Add(interval),
	}
	if err := m.Storage.SaveKey(ctx, k); err != nil {
		return ToolKey{}, err
	}
	return k, nil
}

// makeKID derives a stable key id from the public modulus plus the creation
// second, so two keys generated in the same instant still differ.
func makeKID(priv *rsa.PrivateKey, t time.Time) string {
	h := sha256.New()
	h.Write(priv.PublicKey.N.Bytes())
	fmt.Fprintf(h, "|%d", t.Unix())
	return b64url(h.Sum(nil))[:16]
}

/* ------------------------------ memory store ------------------------------ */

// MemoryKeyStorage keeps keys in process memory. Single-instance use only.
type MemoryKeyStorage struct {
	mu   sync.Mutex
	keys map[string][]ToolKey // groupID -> keys
}

func NewMemoryKeyStorage() *MemoryKeyStorage {
	return &MemoryKeyStorage{keys: make(map[string][]ToolKey)}
}

func (s *MemoryKeyStorage) SaveKey(_ context.Context, k ToolKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.GroupID] = append(s.keys[k.GroupID], k)
	return nil
}

func (s *MemoryKeyStorage) KeysForGroup(_ context.Context, groupID string) ([]ToolKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolKey, len(s.keys[groupID]))
	copy(out, s.keys[groupID])
	return out, nil
}

/* -------------------------------- SQL store ------------------------------- */

// SQLKeyStorage persists keys as PKCS#8 PEM in tool_keys, shared across
// instances.
type SQLKeyStorage struct {
	db *sql.DB
}

func NewSQLKeyStorage(db *sql.DB) *SQLKeyStorage {
	return &SQLKeyStorage{db: db}
}

func (s *SQLKeyStorage) SaveKey(ctx context.Context, k ToolKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return err
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_keys (kid, group_id, alg, private_pem, created_at, not_before, not_after)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		k.KID, k.GroupID, k.Alg, pemStr, k.CreatedAt.Unix(), k.NotBefore.Unix(), k.NotAfter.Unix())
	return err
}

func (s *SQLKeyStorage) KeysForGroup(ctx context.Context, groupID string) ([]ToolKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kid, group_id, alg, private_pem, created_at, not_before, not_after
		 FROM tool_keys WHERE group_id=$1`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolKey
	for rows.Next() {
		var k ToolKey
		var pemStr string
		var created, nbf, naf int64
		if err := rows.Scan(&k.KID, &k.GroupID, &k.Alg, &pemStr, &created, &nbf, &naf); err != nil {
			return nil, err
		}
		priv, err := parsePrivatePEM(pemStr)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.KID, err)
		}
		k.Private = priv
		k.CreatedAt = time.Unix(created, 0).UTC()
		k.NotBefore = time.Unix(nbf, 0).UTC()
		k.NotAfter = time.Unix(naf, 0).UTC()
		out = append(out, k)
	}
	return out, rows.Err()
}

func parsePrivatePEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA key")
	}
	return priv, nil
}
