package ratelimiter

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// maxKeyLength caps storage key length; longer composite keys are hashed.
const maxKeyLength = 64

// KeyFunc extracts a rate limit key from the request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

// Composite combines multiple key functions into one.
// Long keys (>64 chars) are hashed using FNV-1a.
func Composite(keyFuncs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, 0, len(keyFuncs))
		for _, fn := range keyFuncs {
			if key := fn(r); key != "" {
				parts = append(parts, key)
			}
		}

		if len(parts) == 0 {
			return ""
		}
		if len(parts) == 1 && len(parts[0]) <= maxKeyLength {
			return parts[0]
		}

		combined := strings.Join(parts, ":")
		if len(combined) > maxKeyLength {
			h := fnv.New64a()
			h.Write([]byte(combined))
			return strconv.FormatUint(h.Sum64(), 36)
		}
		return combined
	}
}

// ByIP keys requests by client address. Put chi's RealIP middleware in front
// when running behind a proxy.
func ByIP() KeyFunc {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// ByPath keys requests by URL path.
func ByPath() KeyFunc {
	return func(r *http.Request) string {
		return r.URL.Path
	}
}

// Middleware enforces l per key. Store failures are logged and the request passes.
func Middleware(l *Limiter, keyFunc KeyFunc, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := l.Allow(r.Context(), key)
			if err != nil {
				log.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					slog.String("key", key),
					slog.Any("error", err),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !writeLimitHeaders(w, result) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FailureMiddleware counts only responses for which failed reports true and
// rejects a key once it used up its failure budget. Successful traffic is
// never limited, so a well-behaved client sharing an address with a bad one
// is only blocked while the bad one keeps failing.
func FailureMiddleware(l *Limiter, keyFunc KeyFunc, failed func(status int) bool, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := l.Peek(r.Context(), key)
			if err != nil {
				log.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					slog.String("key", key),
					slog.Any("error", err),
				)
			} else if !result.Allowed() {
				writeLimitHeaders(w, result)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if !failed(status) {
				return
			}
			if _, err := l.Allow(context.WithoutCancel(r.Context()), key); err != nil {
				log.WarnContext(r.Context(), "failed to count rejected request",
					slog.String("key", key),
					slog.Any("error", err),
				)
			}
		})
	}
}

// ClientErrors treats every 4xx except 409 as a failure. 409 is a retryable
// conflict, not a sign of abuse.
func ClientErrors(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusConflict
}

// writeLimitHeaders sets the X-RateLimit headers and, when result is denied,
// writes the 429 response. It reports whether the request may proceed.
func writeLimitHeaders(w http.ResponseWriter, result *Result) bool {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(0, result.Remaining)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

	if result.Allowed() {
		return true
	}
	if retryAfter := int(result.RetryAfter().Seconds()); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	return false
}
