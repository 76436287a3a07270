package googleauth

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ExpirySkew is how long before expiry a cached token stops being handed out.
const ExpirySkew = 60 * time.Second

// TokenCache holds bearer tokens per scope. The zero value is not usable,
// create one with NewTokenCache and share it between authenticators.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]*oauth2.Token)}
}

// Get returns the cached token for scope if it is still usable at now.
func (c *TokenCache) Get(scope string, now time.Time) (*oauth2.Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[scope]
	if !ok || tok == nil {
		return nil, false
	}
	if !tok.Expiry.IsZero() && !now.Add(ExpirySkew).Before(tok.Expiry) {
		return nil, false
	}
	return tok, true
}

func (c *TokenCache) Set(scope string, tok *oauth2.Token) {
	c.mu.Lock()
	c.tokens[scope] = tok
	c.mu.Unlock()
}

// Invalidate drops the token for scope, e.g. after a 401 from the API.
func (c *TokenCache) Invalidate(scope string) {
	c.mu.Lock()
	delete(c.tokens, scope)
	c.mu.Unlock()
}
