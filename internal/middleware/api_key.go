// Package middleware provides HTTP middleware for the feature flag server:
// bearer-token authentication with bcrypt-hashed API keys, per-IP rate
// limiting, request logging, and latency metrics.
package middleware

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}
