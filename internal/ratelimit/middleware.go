package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
)

// KeyFunc picks the bucket a request is charged to. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// ClientIP keys requests by the host part of RemoteAddr. Put chi's RealIP
// middleware in front when running behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns an HTTP middleware that enforces limiter per key.
//
// Rate-limit headers are always set on the response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining tokens left after this request
//	X-RateLimit-Reset     Unix timestamp when the bucket is full again
//
// Rejected requests get HTTP 429 with the standard error envelope and
// onReject is called.
func Middleware(limiter *Limiter, key KeyFunc, onReject func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			res := limiter.Take(k)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				if onReject != nil {
					onReject()
				}
				h.Set("Content-Type", "application/json")
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
