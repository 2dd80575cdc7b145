package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/crypto"
)

type JWTStrategy struct {
	verifier crypto.Verifier
	logger   *slog.Logger
}

func NewJWTStrategy(verifier crypto.Verifier, logger *slog.Logger) *JWTStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTStrategy{
		verifier: verifier,
		logger:   logger,
	}
}

func (s *JWTStrategy) Authenticate(ctx context.Context, payload AuthPayload) (audit.Actor, error) {
	authHeader := payload.GetHeader("Authorization")
	if authHeader == "" {
		return audit.Actor{}, ErrNoCredentials
	}

	scheme, tokenStr, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenStr) == "" {
		return audit.Actor{}, errors.New("invalid authorization header format")
	}

	claims, err := s.verifier.VerifyToken(strings.TrimSpace(tokenStr))
	if err != nil {
		s.logger.WarnContext(ctx, "JWT verification failed", "error", err, "ip", payload.RemoteAddr)
		if errors.Is(err, crypto.ErrExpiredToken) {
			return audit.Actor{}, errors.New("token expired")
		}
		return audit.Actor{}, errors.New("invalid token")
	}

	return audit.Actor{
		UID:   claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Role:  claims.PrimaryRole(),
	}, nil
}
