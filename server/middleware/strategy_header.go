package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/godamri/helix-activity/audit"
)

// TrustedHeaderStrategy takes the actor from headers set by a gateway, and
// only when the connection comes from one of the trusted proxies.
type TrustedHeaderStrategy struct {
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger

	headerUserID string
	headerEmail  string
	headerName   string
	headerRole   string
}

type TrustedHeaderConfig struct {
	TrustedProxies []string `envconfig:"AUTH_TRUSTED_PROXIES" yaml:"trusted_proxies" validate:"required,min=1"`
	HeaderUserID   string   `envconfig:"AUTH_HEADER_USER_ID" default:"X-Helix-User-ID" yaml:"header_user_id"`
	HeaderEmail    string   `envconfig:"AUTH_HEADER_EMAIL" default:"X-Helix-Email" yaml:"header_email"`
	HeaderName     string   `envconfig:"AUTH_HEADER_NAME" default:"X-Helix-Name" yaml:"header_name"`
	HeaderRole     string   `envconfig:"AUTH_HEADER_ROLE" default:"X-Helix-Role" yaml:"header_role"`
}

func NewTrustedHeaderStrategy(cfg TrustedHeaderConfig, logger *slog.Logger) (*TrustedHeaderStrategy, error) {
	if len(cfg.TrustedProxies) == 0 {
		return nil, errors.New("security_risk: trusted_proxies list cannot be empty in gateway mode")
	}

	cidrs := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid cidr configuration: %s", raw)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		cidrs = append(cidrs, ipNet)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TrustedHeaderStrategy{
		trustedCIDRs: cidrs,
		logger:       logger,
		headerUserID: orDefault(cfg.HeaderUserID, "X-Helix-User-ID"),
		headerEmail:  orDefault(cfg.HeaderEmail, "X-Helix-Email"),
		headerName:   orDefault(cfg.HeaderName, "X-Helix-Name"),
		headerRole:   orDefault(cfg.HeaderRole, "X-Helix-Role"),
	}, nil
}

func (s *TrustedHeaderStrategy) Authenticate(ctx context.Context, payload AuthPayload) (audit.Actor, error) {
	host, _, err := net.SplitHostPort(payload.RemoteAddr)
	if err != nil {
		s.logger.WarnContext(ctx, "Auth rejected: failed to parse remote addr", "addr", payload.RemoteAddr)
		return audit.Actor{}, errors.New("unauthorized gateway connection")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return audit.Actor{}, errors.New("invalid remote ip")
	}

	if !s.trusted(ip) {
		s.logger.WarnContext(ctx, "SECURITY ALERT: Untrusted IP attempted to spoof Gateway",
			"ip", host,
			"path", payload.Path,
		)
		return audit.Actor{}, errors.New("forbidden: untrusted source")
	}

	userID := payload.GetHeader(s.headerUserID)
	if userID == "" {
		return audit.Actor{}, ErrNoCredentials
	}

	return audit.Actor{
		UID:   userID,
		Email: payload.GetHeader(s.headerEmail),
		Name:  decodeHeader(payload.GetHeader(s.headerName)),
		Role:  firstRole(payload.GetHeader(s.headerRole)),
	}, nil
}

func (s *TrustedHeaderStrategy) trusted(ip net.IP) bool {
	for _, cidr := range s.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// decodeHeader undoes the percent-encoding gateways apply to non-ASCII
// display names. Values that do not decode are kept as sent.
func decodeHeader(v string) string {
	if !strings.Contains(v, "%") {
		return v
	}
	if out, err := url.PathUnescape(v); err == nil {
		return out
	}
	return v
}

// firstRole picks the first entry of a comma separated role list.
func firstRole(raw string) string {
	for _, role := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
