package keycache

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"authplane.org/internal/obs"
)

var (
	// ErrFetch indicates the JWKS endpoint could not be reached or returned
	// an unusable document. Callers must treat it as a dependency failure.
	ErrFetch = errors.New("keycache: jwks fetch failed")

	// ErrKeyNotFound indicates the requested kid is absent from the current
	// key set.
	ErrKeyNotFound = errors.New("keycache: key not found")
)

const (
	defaultTTL          = time.Hour
	defaultFetchTimeout = 5 * time.Second
)

// Key is one public signing key from the identity provider's JWKS feed.
type Key struct {
	Kid    string
	Public *rsa.PublicKey
}

// jwksDocument mirrors the standard JWKS wire format. Only RSA signature
// keys are consumed; everything else is skipped.
type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		Alg string `json:"alg"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// Cache fetches and caches the identity provider's public signing keys.
// Keys expire on a TTL and can be dropped explicitly via Invalidate.
// Concurrent misses collapse into a single outstanding fetch.
type Cache struct {
	url          string
	ttl          time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	now          func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// Option configures Cache behavior.
type Option func(*Cache)

// WithTTL overrides the default 1h cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each JWKS fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithHTTPClient overrides the HTTP client used for JWKS fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs a Cache for the given JWKS URL.
func New(jwksURL string, opts ...Option) (*Cache, error) {
	if jwksURL == "" {
		return nil, errors.New("keycache: jwks url is required")
	}
	c := &Cache{
		url:          jwksURL,
		ttl:          defaultTTL,
		fetchTimeout: defaultFetchTimeout,
		client:       &http.Client{Timeout: defaultFetchTimeout},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Keys returns the current key set, refreshing it if stale.
func (c *Cache) Keys(ctx context.Context) ([]Key, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.keys))
	for kid, pub := range c.keys {
		out = append(out, Key{Kid: kid, Public: pub})
	}
	return out, nil
}

// Lookup resolves a public key by kid, refreshing the cache if stale.
// A kid absent from a fresh key set yields ErrKeyNotFound.
func (c *Cache) Lookup(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Invalidate drops the cached key set; the next caller refetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.fetchedAt = time.Time{}
}

func (c *Cache) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys != nil && c.now().Sub(c.fetchedAt) < c.ttl
}

// ensureFresh refreshes the key set when stale. The shared fetch runs on a
// detached context so one cancelled waiter does not abort the refresh for
// the others; each waiter still honors its own context.
func (c *Cache) ensureFresh(ctx context.Context) error {
	if c.fresh() {
		return nil
	}
	ch := c.group.DoChan("jwks", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()
		return nil, c.refresh(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrFetch, ctx.Err())
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	keys, err := c.fetch(ctx)
	obs.RecordJWKSRefresh(err != nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Cache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}
	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFetch, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		pub, err := rsaPublicKey(jwk.N, jwk.E)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable RSA signing keys", ErrFetch)
	}
	return keys, nil
}

// rsaPublicKey decodes the base64url modulus and exponent of a JWK.
func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := 0
	for _, b := range eBytes {
		exponent = exponent*256 + int(b)
	}
	if exponent <= 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: exponent}, nil
}
