package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
)

// KeyFunc derives the bucket key for a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the remote address host. Run it behind
// middleware.RealIP when the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an HTTP middleware that enforces rate limits using the
// provided Limiter, keyed by key.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     : maximum requests allowed in the window
//	X-RateLimit-Remaining : tokens remaining in the current window
//	X-RateLimit-Reset     : Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429 and a JSON
// error body.
func Middleware(limiter *Limiter, key KeyFunc, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := limiter.Allow(k)
			limit, remaining, resetAt := limiter.Status(k)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

			if !allowed {
				for _, fn := range onReject {
					fn()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Too many chat requests. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
