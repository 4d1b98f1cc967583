package lti

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
Nonce and state tracking.

Login initiation issues a (nonce, state) pair; the launch presents both back.
Consume is strictly single-use and atomic: two concurrent launches replaying
the same nonce must not both succeed, so each store implements consumption as
one compare-and-delete step in its own engine.
*/

// PendingLogin is the record issued at login initiation and redeemed at
// launch.
type PendingLogin struct {
	Nonce     string
	State     string
	Issuer    string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NonceStore issues and consumes pending logins.
type NonceStore interface {
	// Issue records a fresh pending login for the platform and returns it.
	Issue(ctx context.Context, p Platform, ttl time.Duration) (PendingLogin, error)

	// Consume redeems the nonce exactly once. The presented state must match
	// the issued one. Expired, unknown, already-consumed and state-mismatched
	// nonces all return ErrAuthentication.
	Consume(ctx context.Context, nonce, state string) (PendingLogin, error)
}

func newPendingLogin(p Platform, ttl time.Duration, now time.Time) PendingLogin {
	return PendingLogin{
		Nonce:     uuid.NewString(),
		State:     randHex(24),
		Issuer:    p.Issuer,
		ClientID:  p.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

/* ------------------------------ memory store ------------------------------ */

// MemoryNonceStore is the in-process store. Single-instance use only; shared
// deployments use the SQL or Redis store.
type MemoryNonceStore struct {
	Now func() time.Time

	mu      sync.Mutex
	pending map[string]PendingLogin
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{pending: make(map[string]PendingLogin)}
}

func (s *MemoryNonceStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemoryNonceStore) Issue(_ context.Context, p Platform, ttl time.Duration) (PendingLogin, error) {
	pl := newPendingLogin(p, ttl, s.now())
	s.mu.Lock()
	s.pending[pl.Nonce] = pl
	// Opportunistic sweep so abandoned logins don't accumulate.
	if len(s.pending)%64 == 0 {
		now := s.now()
		for n, rec := range s.pending {
			if now.After(rec.ExpiresAt) {
				delete(s.pending, n)
			}
		}
	}
	s.mu.Unlock()
	return pl, nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce, state string) (PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pending[nonce]
	if !ok {
		return PendingLogin{}, fmt.Errorf("%w: unknown nonce", ErrAuthentication)
	}
	delete(s.pending, nonce)
	if s.now().After(rec.ExpiresAt) {
		return PendingLogin{}, fmt.Errorf("%w: nonce expired", ErrAuthentication)
	}
	if subtle.ConstantTimeCompare([]byte(rec.State), []byte(state)) != 1 {
		return PendingLogin{}, fmt.Errorf("%w: state mismatch", ErrAuthentication)
	}
	return rec, nil
}

/* -------------------------------- SQL store ------------------------------- */

// SQLNonceStore shares pending logins across instances through the database.
// Consumption is an UPDATE guarded on consumed=0 so the row transition is
// atomic under the database's own locking.
type SQLNonceStore struct {
	Now func() time.Time

	db *sql.DB
}

func NewSQLNonceStore(db *sql.DB) *SQLNonceStore {
	return &SQLNonceStore{db: db}
}

func (s *SQLNonceStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLNonceStore) Issue(ctx context.Context, p Platform, ttl time.Duration) (PendingLogin, error) {
	pl := newPendingLogin(p, ttl, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_logins (nonce, state, issuer, client_id, created_at, expires_at, consumed)
		 VALUES ($1,$2,$3,$4,$5,$6,0)`,
		pl.Nonce, pl.State, pl.Issuer, pl.ClientID, pl.CreatedAt.Unix(), pl.ExpiresAt.Unix())
	if err != nil {
		return PendingLogin{}, err
	}
	return pl, nil
}

func (s *SQLNonceStore) Consume(ctx context.Context, nonce, state string) (PendingLogin, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_logins SET consumed=1
		 WHERE nonce=$1 AND state=$2 AND consumed=0 AND expires_at > $3`,
		nonce, state, now)
	if err != nil {
		return PendingLogin{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PendingLogin{}, err
	}
	if n == 0 {
		return PendingLogin{}, fmt.Errorf("%w: nonce not redeemable", ErrAuthentication)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT nonce, state, issuer, client_id, created_at, expires_at
		 FROM pending_logins WHERE nonce=$1`, nonce)
	var pl PendingLogin
	var created, expires int64
	if err := row.Scan(&pl.Nonce, &pl.State, &pl.Issuer, &pl.ClientID, &created, &expires); err != nil {
		return PendingLogin{}, err
	}
	pl.CreatedAt = time.Unix(created, 0).UTC()
	pl.ExpiresAt = time.Unix(expires, 0).UTC()

	// Best-effort cleanup of long-expired rows.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM pending_logins WHERE expires_at < $1`, now-3600)
	return pl, nil
}

/* ------------------------------- Redis store ------------------------------ */

// consumeScript compares the stored state prefix and deletes the key in one
// server-side step. Returns the stored value on success, false otherwise.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return false end
if string.find(v, ARGV[1] .. '|', 1, true) ~= 1 then return false end
redis.call('DEL', KEYS[1])
return v
`)

// RedisNonceStore shares pending logins across instances through Redis.
// Expiry rides on the key TTL; consumption is a Lua compare-and-delete.
type RedisNonceStore struct {
	Now func() time.Time

	rdb    *redis.Client
	prefix string
}

func NewRedisNonceStore(rdb *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, prefix: "lti:login:"}
}

func (s *RedisNonceStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RedisNonceStore) Issue(ctx context.Context, p Platform, ttl time.Duration) (PendingLogin, error) {
	pl := newPendingLogin(p, ttl, s.now())
	val := pl.State + "|" + pl.Issuer + "|" + pl.ClientID + "|" + fmt.Sprint(pl.CreatedAt.Unix())
	if err := s.rdb.Set(ctx, s.prefix+pl.Nonce, val, ttl).Err(); err != nil {
		return PendingLogin{}, err
	}
	return pl, nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce, state string) (PendingLogin, error) {
	res, err := consumeScript.Run(ctx, s.rdb, []string{s.prefix + nonce}, state).Result()
	if err != nil {
		if err == redis.Nil {
			return PendingLogin{}, fmt.Errorf("%w: nonce not redeemable", ErrAuthentication)
		}
		return PendingLogin{}, err
	}
	val, ok := res.(string)
	if !ok {
		return PendingLogin{}, fmt.Errorf("%w: nonce not redeemable", ErrAuthentication)
	}
	parts := strings.SplitN(val, "|", 4)
	if len(parts) != 4 {
		return PendingLogin{}, fmt.Errorf("%w: corrupt login record", ErrAuthentication)
	}
	var created int64
	_, _ = fmt.Sscan(parts[3], &created)
	return PendingLogin{
		Nonce:     nonce,
		State:     parts[0],
		Issuer:    parts[1],
		ClientID:  parts[2],
		CreatedAt: time.Unix(created, 0).UTC(),
	}, nil
}
