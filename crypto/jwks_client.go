package crypto

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWKSConfig struct {
	URL             string        `envconfig:"JWKS_URL" yaml:"url" validate:"required,url"`
	Issuer          string        `envconfig:"JWKS_ISSUER" yaml:"issuer" validate:"required"`
	RefreshInterval time.Duration `envconfig:"JWKS_REFRESH_INTERVAL" default:"10m" yaml:"refresh_interval"`
	HTTPTimeout     time.Duration `envconfig:"JWKS_HTTP_TIMEOUT" default:"5s" yaml:"http_timeout"`
}

type jwks struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSClient verifies RS* tokens against a remote key set, refreshed in the
// background. A failed refresh keeps the previous keys.
type JWKSClient struct {
	url    string
	issuer string
	client *http.Client
	log    *slog.Logger

	mu    sync.RWMutex
	cache map[string]*rsa.PublicKey

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJWKSClient fetches the key set once and fails if it is unusable. The
// refresher stops when ctx is cancelled or Close is called.
func NewJWKSClient(ctx context.Context, cfg JWKSConfig, logger *slog.Logger) (*JWKSClient, error) {
	if cfg.URL == "" || cfg.Issuer == "" {
		return nil, errors.New("jwks client: URL and Issuer are mandatory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}

	c := &JWKSClient{
		url:    cfg.URL,
		issuer: cfg.Issuer,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    logger.With("component", "JWKSClient"),
		cache:  make(map[string]*rsa.PublicKey),
		done:   make(chan struct{}),
	}

	if err := c.refreshKeys(ctx); err != nil {
		return nil, fmt.Errorf("jwks client: initial key fetch: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.refresher(runCtx, cfg.RefreshInterval)

	return c, nil
}

// Close stops the refresher and waits for it.
func (c *JWKSClient) Close() {
	c.cancel()
	<-c.done
}

func (c *JWKSClient) refresher(ctx context.Context, interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("JWKS refresher started", "interval", interval.String(), "url", c.url)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("JWKS refresher stopped")
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.refreshKeys(refreshCtx); err != nil {
				c.log.Error("Failed to refresh JWKS keys, keeping previous set", "error", err)
			} else {
				c.log.Debug("JWKS keys refreshed")
			}
			cancel()
		}
	}
}

func (c *JWKSClient) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			c.log.Warn("Skipping non-RSA or non-signature key", "kid", jwk.Kid)
			continue
		}
		if jwk.Kid == "" {
			c.log.Warn("Skipping JWK without kid")
			continue
		}
		key, err := jwk.rsaPublicKey()
		if err != nil {
			c.log.Error("Failed to convert JWK to RSA key", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = key
	}

	if len(keys) == 0 {
		return errors.New("JWKS response contains no usable RSA signing keys")
	}

	c.mu.Lock()
	c.cache = keys
	c.mu.Unlock()
	return nil
}

func (c *JWKSClient) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.cache[kid]
	return key, ok
}

func (c *JWKSClient) VerifyToken(tokenString string) (*Claims, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in header")
		}
		key, ok := c.lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}
	return parseClaims(tokenString, keyFunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
}

func (j *jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus (n): %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent (e): %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	e := 0
	for _, b := range eBytes {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("invalid exponent (e): value is zero")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
