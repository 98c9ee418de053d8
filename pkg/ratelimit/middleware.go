package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/ledgerline/billingd/pkg/clientip"
)

// KeyFunc extracts a rate limit identity from an HTTP request.
type KeyFunc func(*http.Request) string

// ByIP keys requests on the client IP address.
func ByIP() KeyFunc {
	return func(r *http.Request) string {
		return clientip.GetIP(r)
	}
}

// Option customizes the middleware.
type Option func(*options)

type options struct {
	onLimit http.HandlerFunc
}

// WithLimitHandler overrides the response written when a request exceeds
// the limit. The default is a plain-text 429.
func WithLimitHandler(h http.HandlerFunc) Option {
	return func(o *options) { o.onLimit = h }
}

// Middleware enforces the limiter per request. It fails open: storage
// errors let the request through rather than taking the API down with
// the rate limit backend.
func Middleware(limiter Limiter, keyFunc KeyFunc, opts ...Option) func(http.Handler) http.Handler {
	if keyFunc == nil {
		panic("ratelimit.Middleware: keyFunc is required")
	}

	o := options{
		onLimit: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(result.RetryAfter().Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				o.onLimit(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
