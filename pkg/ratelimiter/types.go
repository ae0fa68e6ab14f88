package ratelimiter

import "time"

// Result is the outcome of one rate limit check.
type Result struct {
	Limit     int       // requests allowed per window
	Remaining int       // requests left in the window, negative when denied
	ResetAt   time.Time // when the current window expires
}

// Allowed reports whether the request fits into the window.
func (r *Result) Allowed() bool {
	return r.Remaining >= 0
}

// RetryAfter returns how long to wait before the next request, 0 if allowed.
func (r *Result) RetryAfter() time.Duration {
	if r.Allowed() {
		return 0
	}
	return max(0, time.Until(r.ResetAt))
}

// Config is a fixed-window limit.
type Config struct {
	Limit  int           // requests per window
	Window time.Duration // window length
	Prefix string        // key namespace, e.g. "rl:checkout"
}
