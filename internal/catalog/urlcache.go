package catalog

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultSignedURLTTL = 30 * time.Minute

	// Fraction of the requested TTL that must remain on a cached URL
	// for it to be served; below this margin the URL is re-signed.
	signedURLFreshnessMargin = 0.10

	// Per-call chance of sweeping expired entries out of the cache.
	signedURLSweepChance = 0.02
)

type cachedURL struct {
	url       string
	expiresAt time.Time
}

type SignedURLCacheOptions struct {
	Signer    URLSigner
	Now       func() time.Time
	RandFloat func() float64
}

// SignedURLCache keeps issued URLs keyed by bucket/path so repeated
// delivery requests for the same object reuse one credential. Entries
// are process-local and safe to lose on restart.
type SignedURLCache struct {
	signer    URLSigner
	now       func() time.Time
	randFloat func() float64

	mu      sync.Mutex
	entries map[string]cachedURL
}

func NewSignedURLCache(signer URLSigner) (*SignedURLCache, error) {
	return NewSignedURLCacheWithOptions(SignedURLCacheOptions{Signer: signer})
}

func NewSignedURLCacheWithOptions(opts SignedURLCacheOptions) (*SignedURLCache, error) {
	if opts.Signer == nil {
		return nil, ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	randFloat := opts.RandFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}
	return &SignedURLCache{
		signer:    opts.Signer,
		now:       now,
		randFloat: randFloat,
		entries:   map[string]cachedURL{},
	}, nil
}

// GetSignedURL returns a URL with at least 10% of the requested TTL
// remaining, signing a fresh one when the cached entry is absent or too
// close to expiry. A racing re-sign for the same key only costs a
// redundant issuance, not a stale result.
func (c *SignedURLCache) GetSignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	key := bucket + "/" + path
	margin := time.Duration(float64(ttl) * signedURLFreshnessMargin)

	c.mu.Lock()
	now := c.now()
	if entry, ok := c.entries[key]; ok && entry.expiresAt.After(now.Add(margin)) {
		c.maybeSweepLocked(now)
		c.mu.Unlock()
		return entry.url, nil
	}
	c.mu.Unlock()

	signed, err := c.signer.Sign(ctx, bucket, path, ttl)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	now = c.now()
	c.entries[key] = cachedURL{url: signed, expiresAt: now.Add(ttl)}
	c.maybeSweepLocked(now)
	c.mu.Unlock()
	return signed, nil
}

func (c *SignedURLCache) maybeSweepLocked(now time.Time) {
	if c.randFloat() >= signedURLSweepChance {
		return
	}
	for key, entry := range c.entries {
		if entry.expiresAt.Before(now) {
			delete(c.entries, key)
		}
	}
}

func (c *SignedURLCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
