package googleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	ScopeAndroidPublisher  = "https://www.googleapis.com/auth/androidpublisher"
	ScopeFirebaseMessaging = "https://www.googleapis.com/auth/firebase.messaging"

	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = time.Hour
)

// Authenticator exchanges signed service-account assertions for bearer tokens.
type Authenticator struct {
	creds      *Credentials
	cache      *TokenCache
	httpClient *http.Client
	now        func() time.Time
	group      singleflight.Group
}

type Option func(*Authenticator)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.httpClient = c }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator builds an authenticator; cache may be shared between instances.
func NewAuthenticator(creds *Credentials, cache *TokenCache, opts ...Option) (*Authenticator, error) {
	if creds == nil || creds.key == nil {
		return nil, ErrMissingCredentials
	}
	if cache == nil {
		cache = NewTokenCache()
	}
	a := &Authenticator{
		creds:      creds,
		cache:      cache,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// NewAuthenticatorFromEnv loads credentials from the environment.
func NewAuthenticatorFromEnv(cache *TokenCache) (*Authenticator, error) {
	creds, err := LoadCredentialsFromEnv()
	if err != nil {
		return nil, err
	}
	return NewAuthenticator(creds, cache)
}

// ProjectID returns the project id from the key file.
func (a *Authenticator) ProjectID() string {
	return a.creds.ProjectID
}

// AccessToken returns a bearer token for scope, from cache when possible.
func (a *Authenticator) AccessToken(ctx context.Context, scope string) (*oauth2.Token, error) {
	if tok, ok := a.cache.Get(scope, a.now()); ok {
		return tok, nil
	}

	v, err, _ := a.group.Do(scope, func() (interface{}, error) {
		if tok, ok := a.cache.Get(scope, a.now()); ok {
			return tok, nil
		}
		tok, err := a.exchange(ctx, scope)
		if err != nil {
			return nil, err
		}
		a.cache.Set(scope, tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// Invalidate forgets the cached token for scope.
func (a *Authenticator) Invalidate(scope string) {
	a.cache.Invalidate(scope)
}

// TokenSource adapts the authenticator to oauth2.TokenSource for one scope.
func (a *Authenticator) TokenSource(ctx context.Context, scope string) oauth2.TokenSource {
	return &scopedSource{ctx: ctx, auth: a, scope: scope}
}

type scopedSource struct {
	ctx   context.Context
	auth  *Authenticator
	scope string
}

func (s *scopedSource) Token() (*oauth2.Token, error) {
	return s.auth.AccessToken(s.ctx, s.scope)
}

// SignAssertion builds the RS256 JWT sent to the token endpoint.
func (a *Authenticator) SignAssertion(scope string, issuedAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   a.creds.ClientEmail,
		"scope": scope,
		"aud":   a.creds.TokenURI,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if a.creds.PrivateKeyID != "" {
		token.Header["kid"] = a.creds.PrivateKeyID
	}
	signed, err := token.SignedString(a.creds.key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", ErrInvalidKey, err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (a *Authenticator) exchange(ctx context.Context, scope string) (*oauth2.Token, error) {
	issuedAt := a.now()
	assertion, err := a.SignAssertion(scope, issuedAt)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.creds.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("[GoogleAuth] Token exchange for %s failed with status %d", scope, resp.StatusCode)
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: "empty access_token"}
	}
	if tr.TokenType == "" {
		tr.TokenType = "Bearer"
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	log.Debugf("[GoogleAuth] Obtained token for %s, expires %s", scope, tok.Expiry.Format(time.RFC3339))
	return tok, nil
}
