package response

import "net/http"

const (
	ErrSystem         = "SYS_INTERNAL_ERROR"
	ErrServiceUnavail = "SYS_SERVICE_UNAVAILABLE"

	ErrMissingToken = "AUTH_MISSING_TOKEN"
	ErrInvalidToken = "AUTH_INVALID_TOKEN"
	ErrForbidden    = "AUTH_FORBIDDEN"
)

func MapStatus(code string) int {
	switch code {
	case ErrMissingToken, ErrInvalidToken:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrServiceUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
