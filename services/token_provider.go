package services

import (
	"fmt"
	"sync"
	"time"
)

// TokenProvider supplies the bearer credential for MetaCTF calls. It is
// injected into the client so workers and tests each control their own token
// lifecycle — no package-level token cache.
type TokenProvider interface {
	Token() (string, error)
}

// StaticToken is a fixed API token (the production configuration: one
// long-lived token from the environment).
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", fmt.Errorf("MetaCTF API token is not configured")
	}
	return string(t), nil
}

// CachedTokenProvider wraps a fetch function and caches its result until
// shortly before expiry. Safe for concurrent use by multiple queue workers.
type CachedTokenProvider struct {
	mu        sync.Mutex
	fetch     func() (token string, expiresAt time.Time, err error)
	token     string
	expiresAt time.Time
}

// refreshSkew renews the token a little early so in-flight requests never
// carry a token that expires mid-call.
const refreshSkew = 30 * time.Second

func NewCachedTokenProvider(fetch func() (string, time.Time, error)) *CachedTokenProvider {
	return &CachedTokenProvider{fetch: fetch}
}

func (p *CachedTokenProvider) Token() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt.Add(-refreshSkew)) {
		return p.token, nil
	}

	token, expiresAt, err := p.fetch()
	if err != nil {
		return "", fmt.Errorf("failed to refresh MetaCTF token: %w", err)
	}
	p.token = token
	p.expiresAt = expiresAt
	return p.token, nil
}
