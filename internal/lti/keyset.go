package lti

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

/*
Platform key set retrieval.

Launch tokens are verified against the platform's published JWKS. The fetcher
caches each platform's key set for a bounded interval and refetches once when
a token names a kid the cached set does not contain, which is how platform-side
rotation shows up in practice.
*/

type cachedKeySet struct {
	keys      map[string]*rsa.PublicKey // kid -> key
	fetchedAt time.Time
}

// KeySetFetcher fetches and caches platform JWKS documents.
type KeySetFetcher struct {
	// Client defaults to an http.Client with Timeout applied.
	Client  *http.Client
	Timeout time.Duration
	// CacheTTL bounds how stale a cached set may be before a regular refetch.
	CacheTTL time.Duration
	Now      func() time.Time

	mu    sync.Mutex
	cache map[string]*cachedKeySet // cache key: issuer|clientID
}

func NewKeySetFetcher(timeout, cacheTTL time.Duration) *KeySetFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &KeySetFetcher{
		Client:   &http.Client{Timeout: timeout},
		Timeout:  timeout,
		CacheTTL: cacheTTL,
		cache:    make(map[string]*cachedKeySet),
	}
}

func (f *KeySetFetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// PublicKey returns the platform's RSA public key for kid. A cache miss on
// the kid forces one refetch before failing, so platform key rotation works
// without waiting out the cache TTL.
func (f *KeySetFetcher) PublicKey(ctx context.Context, p Platform, kid string) (*rsa.PublicKey, error) {
	cacheKey := p.Issuer + "|" + p.ClientID

	f.mu.Lock()
	cached, ok := f.cache[cacheKey]
	fresh := ok && f.now().Sub(cached.fetchedAt) < f.CacheTTL
	f.mu.Unlock()

	if fresh {
		if key, ok := cached.keys[kid]; ok {
			return key, nil
		}
	}

	keys, err := f.fetch(ctx, p.KeySetURL)
	if err != nil {
		if fresh {
			// Keep serving the stale set rather than failing an otherwise
			// verifiable launch; the kid just isn't there.
			if key, ok := cached.keys[kid]; ok {
				return key, nil
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	f.mu.Lock()
	f.cache[cacheKey] = &cachedKeySet{keys: keys, fetchedAt: f.now()}
	f.mu.Unlock()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid", ErrAuthentication)
	}
	return key, nil
}

func (f *KeySetFetcher) fetch(ctx context.Context, url string) (map[string]*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey)
	for _, jwk := range set.Keys {
		if !jwk.Valid() || jwk.KeyID == "" {
			continue
		}
		if pub, ok := jwk.Key.(*rsa.PublicKey); ok {
			keys[jwk.KeyID] = pub
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key set at %s has no usable RSA keys", url)
	}
	return keys, nil
}
