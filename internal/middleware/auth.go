package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// KeyValidator looks up the stored bcrypt hash for an active API key ID.
// Revoked or unknown keys return an error.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure      func()
	failureLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithFailureLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithFailureLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.failureLimiter = rl }
}

// HTTPBearerAuth enforces bearer-token auth for HTTP handlers. Tokens are
// "keyID.secret" pairs; the key ID resolves the stored hash and the secret
// is verified against it.
func HTTPBearerAuth(validator KeyValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorize(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.failureLimiter != nil {
					ip := ExtractIP(r.RemoteAddr)
					if !cfg.failureLimiter.RecordFailureAndAllow(ip) {
						writeJSONError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
						return
					}
				}
				writeHTTPUnauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyIDKey, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const apiKeyIDKey contextKey = "api_key_id"

// APIKeyIDFromContext retrieves the authenticated API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorize(ctx context.Context, authorizationHeader string, validator KeyValidator) (string, error) {
	if validator == nil {
		return "", errors.New("key validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}
	hash, err := validator.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}
	return keyID, nil
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
}

// writeJSONError emits the same {"error","message"} envelope the API handlers
// use, so rejected requests decode like every other error response.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
