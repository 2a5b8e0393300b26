// Package server assembles the formguard HTTP service from its parts.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nhalm/formguard"
	"github.com/nhalm/formguard/ratelimit"
)

// Options controls the router.
type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	TrustProxy     bool

	// AdminAPIKeys guard submission reads. When empty the read route is not
	// mounted at all.
	AdminAPIKeys []string
}

// Limiters are the two independent budgets the service enforces. They
// should be created with distinct ratelimit.WithName values when they share
// a store.
type Limiters struct {
	Check  *ratelimit.Limiter
	Submit *ratelimit.Limiter
}

// NewRouter returns the service routes:
//
//	GET  /healthz
//	POST /v1/ratelimit/check
//	POST /v1/submissions        (rate limited per client)
//	GET  /v1/submissions/{id}   (X-API-Key, only with AdminAPIKeys)
func NewRouter(opts Options, limiters Limiters, subs *formguard.Submissions) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(formguard.Handler(
		formguard.WithCanonlog(),
		formguard.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"request_id": middleware.GetReqID(r.Context())}
		}),
	))
	r.Use(formguard.MaxBodySize(opts.MaxBodyBytes))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		formguard.SetError(r, formguard.ErrNotFound.With("Endpoint not found"))
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		formguard.SetError(r, &formguard.APIError{
			Type:    "request_error",
			Code:    "method_not_allowed",
			Message: "Method not allowed",
			Status:  http.StatusMethodNotAllowed,
		})
	})

	r.Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		formguard.SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	})

	client := formguard.RateLimitWithIP()
	if opts.TrustProxy {
		client = formguard.RateLimitWithRealIP()
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ratelimit/check", formguard.CheckHandler(limiters.Check))
		r.With(formguard.RateLimit(limiters.Submit, client)).Post("/submissions", subs.Create)

		if len(opts.AdminAPIKeys) > 0 {
			r.With(formguard.APIKey(formguard.StaticAPIKeys(opts.AdminAPIKeys...))).Get("/submissions/{id}", subs.Get)
		}
	})

	return r
}
