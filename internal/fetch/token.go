package fetch

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// TokenRenewMargin is how long before declared expiry a token is renewed.
	TokenRenewMargin = 60 * time.Second
	defaultTokenTTL  = time.Hour
)

// TokenSource yields a bearer token for a request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Invalidate forces the next Token call to fetch a fresh token.
	Invalidate()
}

// TokenFunc acquires a new token and reports its declared lifetime.
// A non-positive lifetime means the default of one hour.
type TokenFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// CachedToken caches a token until TokenRenewMargin before it expires.
// Concurrent callers share a single refresh.
type CachedToken struct {
	fetch TokenFunc
	now   func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewCachedToken(fetch TokenFunc) *CachedToken {
	return &CachedToken{fetch: fetch, now: time.Now}
}

func (c *CachedToken) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, nil
	}
	if c.fetch == nil {
		return "", errors.New("no token source configured")
	}
	tok, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", errors.New("empty token")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	c.token = tok
	c.expiry = c.now().Add(ttl - TokenRenewMargin)
	return tok, nil
}

func (c *CachedToken) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// Expiry returns the instant after which the cached token is renewed.
func (c *CachedToken) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}
