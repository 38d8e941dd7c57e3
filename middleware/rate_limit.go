package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/governance-core/internal/observability"
	"github.com/upb/governance-core/services/ratelimit"
	"github.com/upb/governance-core/utils"
	"go.uber.org/zap"
)

// RateLimiter admits or rejects one request for a scope
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (*ratelimit.Result, error)
}

// RateLimit throttles mutating requests per authenticated principal. Reads
// pass through. Limiter errors let the request through.
func RateLimit(limiter RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			principalID, ok := ActorFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.Allow(r.Context(), "principal:"+principalID.String())
			if err != nil {
				observability.LoggerFrom(r.Context(), logger).Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				retryAfter := int(time.Until(res.ResetAt).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				_ = utils.WriteTooManyRequests(w, res.ViolationReason, map[string]interface{}{
					"window":   res.ViolatedWindow,
					"reset_at": res.ResetAt,
				})
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}
