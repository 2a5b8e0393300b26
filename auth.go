package formguard

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
)

type authContextKey string

const apiKeyKey authContextKey = "api_key"

// APIKeyValidator reports whether key is acceptable. It is called
// concurrently.
type APIKeyValidator func(key string) bool

type apiKeyConfig struct {
	header    string
	validator APIKeyValidator
}

// APIKeyOption configures APIKey.
type APIKeyOption func(*apiKeyConfig)

// WithAPIKeyHeader reads the key from header instead of X-API-Key.
func WithAPIKeyHeader(header string) APIKeyOption {
	return func(c *apiKeyConfig) {
		c.header = header
	}
}

// APIKey rejects requests without a valid key with 401. The accepted key is
// available to later handlers through APIKeyFromContext.
//
//	r.With(formguard.APIKey(formguard.StaticAPIKeys(keys...))).Get("/v1/submissions/{id}", subs.Get)
func APIKey(validator APIKeyValidator, opts ...APIKeyOption) func(http.Handler) http.Handler {
	cfg := apiKeyConfig{
		header:    "X-API-Key",
		validator: validator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(cfg.header)

			var msg string
			switch {
			case key == "":
				msg = "Missing API key"
			case !cfg.validator(key):
				msg = "Invalid API key"
			}
			if msg != "" {
				if HasState(r.Context()) {
					SetError(r, ErrUnauthorized.With(msg))
				} else {
					http.Error(w, msg, http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext returns the key accepted by APIKey.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyKey).(string)
	return key, ok
}

// StaticAPIKeys accepts exactly the given keys. Keys are compared as SHA-256
// digests in constant time, so neither content nor length leaks through
// timing. With no keys every request is rejected.
func StaticAPIKeys(keys ...string) APIKeyValidator {
	digests := make([][sha256.Size]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			digests = append(digests, sha256.Sum256([]byte(k)))
		}
	}

	return func(key string) bool {
		got := sha256.Sum256([]byte(key))
		match := 0
		for i := range digests {
			match |= subtle.ConstantTimeCompare(got[:], digests[i][:])
		}
		return match == 1
	}
}
