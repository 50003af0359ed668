package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v57/github"
	"golang.org/x/sync/singleflight"

	"shipnotes/internal"
	"shipnotes/pkg/auth"
	"shipnotes/pkg/cache"
)

const (
	// assertionTTL is the lifetime of the app JWT. GitHub caps it at ten minutes.
	assertionTTL = 10 * time.Minute
	// expirySkew is subtracted from the reported token expiry before caching.
	expirySkew          = 60 * time.Second
	defaultTokenTTL     = time.Hour
	exchangeTimeout     = 30 * time.Second
	tokenCacheKeyPrefix = "github:installation-token:"
)

// TokenExchangeError reports a failed installation token exchange. It is
// treated as retryable by the worker.
type TokenExchangeError struct {
	InstallationID int64
	Err            error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("github token exchange for installation %d failed: %v", e.InstallationID, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Credentials mints app assertions and caches installation tokens.
type Credentials struct {
	appID      int64
	keyPEM     []byte
	keyPath    string
	baseURL    string
	httpClient *http.Client
	cache      cache.Store
	now        func() time.Time
	logger     *log.Logger

	group singleflight.Group

	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
}

// Option customizes Credentials.
type Option func(*Credentials)

// WithHTTPClient sets the HTTP client used for GitHub API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Credentials) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithClock overrides the clock used for assertions and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Credentials) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Credentials) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCredentials builds a credential manager. Tokens are cached in store,
// which may be shared across processes.
func NewCredentials(cfg auth.ProviderConfig, store cache.Store, opts ...Option) *Credentials {
	if store == nil {
		store = cache.NewMemory()
	}
	c := &Credentials{
		appID:      cfg.AppID,
		keyPath:    cfg.PrivateKeyPath,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cache:      store,
		now:        time.Now,
		logger:     internal.NewLogger("github"),
	}
	if cfg.PrivateKey != "" {
		c.keyPEM = []byte(cfg.PrivateKey)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstallationToken returns a valid access token for the installation,
// exchanging a new one only when the cached token is missing or expired.
func (c *Credentials) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	token, err := c.token(ctx, installationID)
	if err != nil {
		return "", err
	}
	return token.Token, nil
}

// Forget drops the cached token for an installation.
func (c *Credentials) Forget(ctx context.Context, installationID int64) error {
	return c.cache.Delete(ctx, tokenCacheKey(installationID))
}

func (c *Credentials) token(ctx context.Context, installationID int64) (cachedToken, error) {
	if installationID == 0 {
		return cachedToken{}, errors.New("installation id is required")
	}
	key := tokenCacheKey(installationID)
	if token, ok := c.cached(ctx, key); ok {
		return token, nil
	}
	// waiters share the exchange, so it must outlive the caller that started it
	ch := c.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()
		if token, ok := c.cached(shared, key); ok {
			return token, nil
		}
		token, err := c.exchange(shared, installationID)
		if err != nil {
			return cachedToken{}, err
		}
		c.store(shared, key, token)
		return token, nil
	})
	select {
	case <-ctx.Done():
		return cachedToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return cachedToken{}, res.Err
		}
		return res.Val.(cachedToken), nil
	}
}

func (c *Credentials) cached(ctx context.Context, key string) (cachedToken, bool) {
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Printf("token cache read failed key=%s err=%v", key, err)
		return cachedToken{}, false
	}
	if !ok {
		return cachedToken{}, false
	}
	var token cachedToken
	if err := json.Unmarshal(raw, &token); err != nil {
		c.logger.Printf("token cache entry invalid key=%s err=%v", key, err)
		return cachedToken{}, false
	}
	if token.Token == "" || !token.ExpiresAt.After(c.now()) {
		return cachedToken{}, false
	}
	return token, true
}

func (c *Credentials) store(ctx context.Context, key string, token cachedToken) {
	ttl := token.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(token)
	if err != nil {
		c.logger.Printf("token cache encode failed key=%s err=%v", key, err)
		return
	}
	if err := c.cache.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Printf("token cache write failed key=%s err=%v", key, err)
	}
}

func (c *Credentials) exchange(ctx context.Context, installationID int64) (cachedToken, error) {
	client, err := c.appClient()
	if err != nil {
		return cachedToken{}, err
	}
	issued, _, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return cachedToken{}, &TokenExchangeError{InstallationID: installationID, Err: err}
	}
	if issued.GetToken() == "" {
		return cachedToken{}, &TokenExchangeError{InstallationID: installationID, Err: errors.New("empty token in response")}
	}
	expiresAt := c.now().Add(defaultTokenTTL)
	if issued.ExpiresAt != nil && !issued.ExpiresAt.Time.IsZero() {
		expiresAt = issued.ExpiresAt.Time
	}
	c.logger.Printf("installation token issued installation_id=%d expires_at=%s", installationID, expiresAt.UTC().Format(time.RFC3339))
	return cachedToken{Token: issued.GetToken(), ExpiresAt: expiresAt.Add(-expirySkew)}, nil
}

// appClient returns an SDK client authenticated with a fresh app assertion.
func (c *Credentials) appClient() (*gh.Client, error) {
	assertion, err := c.AppJWT()
	if err != nil {
		return nil, err
	}
	client, err := newSDKClient(c.httpClient, c.baseURL)
	if err != nil {
		return nil, err
	}
	return client.WithAuthToken(assertion), nil
}

// AppJWT signs a short-lived RS256 assertion identifying the app.
func (c *Credentials) AppJWT() (string, error) {
	if c.appID == 0 || (len(c.keyPEM) == 0 && c.keyPath == "") {
		return "", fmt.Errorf("%w: integration credentials unconfigured", auth.ErrAuthentication)
	}
	key, err := c.privateKey()
	if err != nil {
		return "", err
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		Issuer:    strconv.FormatInt(c.appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app assertion: %w", err)
	}
	return signed, nil
}

func (c *Credentials) privateKey() (*rsa.PrivateKey, error) {
	c.keyOnce.Do(func() {
		pemBytes := c.keyPEM
		if len(pemBytes) == 0 {
			data, err := os.ReadFile(c.keyPath)
			if err != nil {
				c.keyErr = fmt.Errorf("%w: read private key: %v", auth.ErrAuthentication, err)
				return
			}
			pemBytes = data
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			c.keyErr = fmt.Errorf("%w: parse private key: %v", auth.ErrAuthentication, err)
			return
		}
		c.key = key
	})
	return c.key, c.keyErr
}

func tokenCacheKey(installationID int64) string {
	return tokenCacheKeyPrefix + strconv.FormatInt(installationID, 10)
}
