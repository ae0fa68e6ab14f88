package requestid

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// Header is the canonical request id header, echoed on every response.
const Header = "X-Request-ID"

const maxIDLength = 128

var validIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// Middleware reuses a valid inbound X-Request-ID or generates a uuid.
func Middleware(next http.Handler) http.Handler {
	return New()(next)
}

// New returns a middleware that takes the id from the first valid header in
// Header followed by fallbacks. Billing providers send their own delivery ids
// (for example X-Webhook-ID), which makes provider-side and local logs joinable.
func New(fallbacks ...string) func(http.Handler) http.Handler {
	headers := append([]string{Header}, fallbacks...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := ""
			for _, h := range headers {
				if id := r.Header.Get(h); isValidRequestID(id) {
					requestID = id
					break
				}
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(Header, requestID)
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), requestID)))
		})
	}
}

func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	return validIDRegex.MatchString(id)
}
