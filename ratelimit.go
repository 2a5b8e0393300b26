// Rate limiting middleware over a ratelimit.Limiter.
//
// The limiter identifier is built from one or more request dimensions:
//
//	limiter, _ := ratelimit.New(st, cfg, ratelimit.WithName("submit"))
//	r.With(formguard.RateLimit(limiter, formguard.RateLimitWithRealIP())).Post("/v1/submissions", subs.Create)
//
// Every dimension is required; a request missing one is rejected with 400
// rather than slipping past the limiter.

package formguard

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/formguard/ratelimit"
)

// RateLimitHeaderMode controls when RateLimit-* headers are sent.
type RateLimitHeaderMode int

const (
	// RateLimitHeadersAlways sends RateLimit-Limit, RateLimit-Remaining and
	// RateLimit-Reset on every response, plus Retry-After on 429.
	RateLimitHeadersAlways RateLimitHeaderMode = iota

	// RateLimitHeadersOnLimitExceeded sends them only on 429.
	RateLimitHeadersOnLimitExceeded

	// RateLimitHeadersNever hides the limits from clients.
	RateLimitHeadersNever
)

type rateLimitDimension struct {
	fn   func(*http.Request) string
	name string
}

type rateLimitConfig struct {
	dims       []rateLimitDimension
	headerMode RateLimitHeaderMode
}

// RateLimitOption configures RateLimit.
type RateLimitOption func(*rateLimitConfig)

// RateLimitWithIP identifies clients by the host part of RemoteAddr. Use it
// for direct connections.
func RateLimitWithIP() RateLimitOption {
	return func(c *rateLimitConfig) {
		c.dims = append(c.dims, rateLimitDimension{fn: remoteIP, name: "client IP"})
	}
}

// RateLimitWithRealIP identifies clients by the first X-Forwarded-For entry,
// falling back to X-Real-IP.
//
// Only use this behind a proxy that sets these headers; otherwise clients
// choose their own identifier.
func RateLimitWithRealIP() RateLimitOption {
	return func(c *rateLimitConfig) {
		c.dims = append(c.dims, rateLimitDimension{
			fn:   forwardedIP,
			name: "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// RateLimitWithHeader adds a header value to the identifier.
func RateLimitWithHeader(header string) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.dims = append(c.dims, rateLimitDimension{
			fn:   func(r *http.Request) string { return r.Header.Get(header) },
			name: "header " + header,
		})
	}
}

// RateLimitWithHeaderMode sets when limit headers are sent.
func RateLimitWithHeaderMode(mode RateLimitHeaderMode) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.headerMode = mode
	}
}

// RateLimit returns middleware that consumes one request from limiter per
// call. It responds 400 when an identifier dimension is missing, 429 when
// the window is exhausted and 500 when the store fails.
//
// Panics if no dimension option is given.
func RateLimit(limiter *ratelimit.Limiter, opts ...RateLimitOption) func(http.Handler) http.Handler {
	cfg := &rateLimitConfig{headerMode: RateLimitHeadersAlways}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.dims) == 0 {
		panic("formguard: RateLimit needs at least one of RateLimitWithIP, RateLimitWithRealIP or RateLimitWithHeader")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier, missing := cfg.identifier(r)
			if missing != "" {
				msg := "Missing required " + missing
				if HasState(r.Context()) {
					SetError(r, ErrBadRequest.With(msg))
				} else {
					http.Error(w, msg, http.StatusBadRequest)
				}
				return
			}

			decision, err := limiter.CheckAndConsume(r.Context(), identifier)
			if err != nil {
				if HasState(r.Context()) {
					fail(r, err)
				} else {
					apiErr := errorFor(err)
					http.Error(w, apiErr.Message, apiErr.Status)
				}
				return
			}
			logInfo(r.Context(), "ratelimit_limited", decision.Limited)

			if cfg.headerMode == RateLimitHeadersAlways || (cfg.headerMode == RateLimitHeadersOnLimitExceeded && decision.Limited) {
				setLimitHeaders(w, r, decision)
			}

			if decision.Limited {
				msg := fmt.Sprintf("Rate limit exceeded: %d requests per %s", limiter.Limit(), limiter.Window())
				if HasState(r.Context()) {
					SetError(r, ErrRateLimited.With(msg))
				} else {
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (c *rateLimitConfig) identifier(r *http.Request) (string, string) {
	parts := make([]string, 0, len(c.dims))
	for _, dim := range c.dims {
		part := strings.TrimSpace(dim.fn(r))
		if part == "" {
			return "", dim.name
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ":"), ""
}

// setLimitHeaders writes the draft-ietf-httpapi-ratelimit-headers fields for
// decision, through the response state when one exists.
func setLimitHeaders(w http.ResponseWriter, r *http.Request, decision ratelimit.Decision) {
	headers := map[string]string{
		"RateLimit-Limit":     strconv.Itoa(decision.Limit),
		"RateLimit-Remaining": strconv.Itoa(decision.Remaining),
		"RateLimit-Reset":     strconv.FormatInt(decision.ResetAt.Unix(), 10),
	}
	if decision.Limited {
		headers["Retry-After"] = strconv.Itoa(retryAfter(decision.ResetAt))
	}

	useState := HasState(r.Context())
	for k, v := range headers {
		if useState {
			SetHeader(r, k, v)
		} else {
			w.Header().Set(k, v)
		}
	}
}

// retryAfter rounds the wait up to whole seconds, never below one.
func retryAfter(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	return max(1, secs)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}
