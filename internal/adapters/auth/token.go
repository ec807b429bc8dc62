package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/depotd/depot/internal/core/models"
	"github.com/depotd/depot/internal/core/services"
)

// TokenAuth resolves bearer tokens against a static table configured at
// startup. Each token belongs to exactly one publishing namespace.
type TokenAuth struct {
	owners map[string]string
}

// NewTokenAuth creates a TokenAuth from a token-to-owner table.
func NewTokenAuth(owners map[string]string) *TokenAuth {
	m := make(map[string]string, len(owners))
	for token, owner := range owners {
		m[token] = owner
	}
	return &TokenAuth{owners: m}
}

// Authenticate reads the Authorization header and returns the principal
// the presented token belongs to.
func (a *TokenAuth) Authenticate(r *http.Request) (*models.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("%w: missing authorization header", services.ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: authorization scheme must be Bearer", services.ErrUnauthenticated)
	}
	owner, ok := a.owners[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", services.ErrUnauthenticated)
	}
	return &models.Principal{Name: owner}, nil
}
