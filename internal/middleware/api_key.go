// Package middleware provides the HTTP and gRPC middleware of the formz
// server: bearer API key authentication, failed-attempt rate limiting and
// request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errInvalidAPIKey = errors.New("invalid api key")

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// ParseAPIKey splits a "keyID.secret" token.
func ParseAPIKey(token string) (keyID, secret string, err error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", "", errInvalidAPIKey
	}
	return keyID, secret, nil
}

// APIKeyHashLookup returns the stored secret hash of an active API key.
type APIKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator is a [TokenValidator] for "keyID.secret" bearer tokens.
type APIKeyValidator struct {
	lookup APIKeyHashLookup
}

func NewAPIKeyValidator(lookup APIKeyHashLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

// ValidateToken returns the key id of a valid token.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, secret, err := ParseAPIKey(token)
	if err != nil {
		return "", err
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, secret) {
		return "", errInvalidAPIKey
	}

	return keyID, nil
}
