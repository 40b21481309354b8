package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrKeyRevoked      = errors.New("API key revoked")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// KeyContext identifies the authenticated API key.
type KeyContext struct {
	KeyID string
	Name  string
}

// Authenticator validates a presented API key.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*KeyContext, error)
}

// ExtractBearer pulls the API key out of an Authorization header.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func ExtractBearer(r *http.Request) (string, error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return "", ErrMissingAPIKey
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, "ebk_") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}
