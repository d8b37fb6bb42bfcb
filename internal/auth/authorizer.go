// Package auth guards operator-only routes with a bearer token checked
// against a bcrypt hash.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrMalformedAuth = errors.New("malformed authorization header")
	ErrInvalidToken  = errors.New("invalid operator token")
)

// Authorizer decides whether the Authorization header value grants operator
// access. It returns nil when access is allowed.
type Authorizer interface {
	Authorize(header string) error
}

// TokenAuthorizer compares the bearer token with a bcrypt hash. Tokens that
// verified once are remembered by digest so repeat calls skip bcrypt.
type TokenAuthorizer struct {
	hash []byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

func NewTokenAuthorizer(hash string) (*TokenAuthorizer, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("operator token hash: %w", err)
	}
	return &TokenAuthorizer{
		hash:     []byte(hash),
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

func (a *TokenAuthorizer) Authorize(header string) error {
	token, err := ExtractBearer(header)
	if err != nil {
		return err
	}

	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	a.mu.Lock()
	a.verified[digest] = struct{}{}
	a.mu.Unlock()
	return nil
}

// ExtractBearer pulls the token out of an "Authorization: Bearer <token>"
// header value.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrMalformedAuth
	}
	return parts[1], nil
}

// HashToken produces the hash to configure for a token.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Open lets every request through. It is used when no token hash is
// configured.
type Open struct{}

func (Open) Authorize(string) error { return nil }
