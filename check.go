package formguard

import (
	"net/http"
	"strconv"

	"github.com/nhalm/formguard/ratelimit"
)

type checkRequest struct {
	Identifier string `json:"identifier" validate:"required,max=256"`
}

// CheckHandler exposes the limiter to callers that enforce it themselves.
// POST {"identifier": "..."} consumes one request and answers
// {"limited": bool, "remaining": int} with 200, or 429 once the identifier's
// window is exhausted.
func CheckHandler(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if !JSON(r, &req) {
			return
		}

		decision, err := limiter.CheckAndConsume(r.Context(), req.Identifier)
		if err != nil {
			fail(r, err)
			return
		}
		logInfo(r.Context(), "ratelimit_limited", decision.Limited)

		SetHeader(r, "RateLimit-Limit", strconv.Itoa(decision.Limit))
		SetHeader(r, "RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		status := http.StatusOK
		if decision.Limited {
			status = http.StatusTooManyRequests
			SetHeader(r, "Retry-After", strconv.Itoa(retryAfter(decision.ResetAt)))
		}
		SetResponse(r, status, decision)
	}
}
