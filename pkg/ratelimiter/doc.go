// Package ratelimiter implements fixed-window rate limiting on a shared TTL
// counter store.
//
// Counters live in a Store keyed by "<prefix>:<key>". RedisStore shares them
// across service instances; MemoryStore serves tests and single-process runs.
//
//	limiter, err := ratelimiter.NewLimiter(ratelimiter.NewRedisStore(rdb), ratelimiter.Config{
//		Limit:  10,
//		Window: time.Minute,
//		Prefix: "rl:checkout",
//	})
//	r.With(ratelimiter.Middleware(limiter, ratelimiter.ByIP(), log)).Post("/checkout", h)
//
// Middleware sets X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset,
// and answers 429 with Retry-After once the window is exhausted.
// FailureMiddleware spends the budget only on failed responses, for endpoints
// such as billing webhooks where legitimate traffic arrives in bursts.
package ratelimiter
