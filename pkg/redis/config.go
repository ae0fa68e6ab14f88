package redis

import "time"

// Config is read from the environment by pkg/config.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`

	// Webhook in-flight claim TTL. Must exceed the slowest webhook processing time.
	WebhookClaimTTL time.Duration `env:"REDIS_WEBHOOK_CLAIM_TTL" envDefault:"30s"`
}
