// Package redis connects to Redis with retries and provides the small set of
// primitives the service builds on: a health check and Locker, an expiring
// exclusive claim used to serialize concurrent deliveries of one webhook event.
//
//	client, err := redis.Connect(ctx, cfg)
//	locker := redis.NewLocker(client, "webhook:inflight:", 30*time.Second)
//	release, err := locker.Claim(ctx, eventID)
//	if errors.Is(err, redis.ErrLockHeld) {
//		// another worker is processing this event
//	}
//	defer release(ctx)
//
// The shared rate limit counters live in pkg/ratelimiter (RedisStore).
package redis
