package crypto

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("crypto: invalid token")
	ErrExpiredToken = errors.New("crypto: token expired")
)

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	VerifyToken(tokenString string) (*Claims, error)
}

// KeyVerifier checks tokens against a single static key: an HMAC secret or an
// RSA public key.
type KeyVerifier struct {
	key     any
	methods []string
	issuer  string
	leeway  time.Duration
}

type KeyOption func(*KeyVerifier)

// WithIssuer rejects tokens whose iss claim differs.
func WithIssuer(iss string) KeyOption {
	return func(v *KeyVerifier) { v.issuer = iss }
}

func WithLeeway(d time.Duration) KeyOption {
	return func(v *KeyVerifier) { v.leeway = d }
}

func NewHMACVerifier(secret []byte, opts ...KeyOption) (*KeyVerifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("crypto: hmac secret must be at least 32 bytes")
	}
	return newKeyVerifier(secret, []string{"HS256", "HS384", "HS512"}, opts), nil
}

func NewRSAVerifier(pub *rsa.PublicKey, opts ...KeyOption) (*KeyVerifier, error) {
	if pub == nil {
		return nil, errors.New("crypto: rsa public key is nil")
	}
	return newKeyVerifier(pub, []string{"RS256", "RS384", "RS512"}, opts), nil
}

// NewRSAVerifierFromPEM parses a PEM encoded PKIX public key.
func NewRSAVerifierFromPEM(pemBytes []byte, opts ...KeyOption) (*KeyVerifier, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse rsa public key: %w", err)
	}
	return NewRSAVerifier(pub, opts...)
}

func newKeyVerifier(key any, methods []string, opts []KeyOption) *KeyVerifier {
	v := &KeyVerifier{key: key, methods: methods}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *KeyVerifier) VerifyToken(tokenString string) (*Claims, error) {
	return parseClaims(tokenString, func(*jwt.Token) (any, error) { return v.key, nil }, v.parserOptions()...)
}

func (v *KeyVerifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	return opts
}

// parseClaims collapses jwt/v5's error zoo into ErrExpiredToken or
// ErrInvalidToken, keeping the cause in the chain.
func parseClaims(tokenString string, keyFunc jwt.Keyfunc, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
