package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/receiptkit/pkg/config"
	"github.com/dmitrymomot/receiptkit/pkg/email"
	"github.com/dmitrymomot/receiptkit/pkg/httpserver"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/mongo"
	"github.com/dmitrymomot/receiptkit/pkg/pg"
	"github.com/dmitrymomot/receiptkit/pkg/redis"
	"github.com/dmitrymomot/receiptkit/pkg/requestid"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/auth"
)

// appConfig holds the service-level settings that no infrastructure package owns.
type appConfig struct {
	Env     string `env:"APP_ENV" envDefault:"development"`
	Service string `env:"APP_SERVICE_NAME" envDefault:"receiptkit"`
	// LogLevel overrides the environment preset's level when set.
	LogLevel string `env:"LOG_LEVEL"`

	// Free-tier caps. Zero keeps the value from the catalog.
	LimitReceiptUploads int64 `env:"TIER_LIMIT_RECEIPT_UPLOADS"`
	LimitReportExports  int64 `env:"TIER_LIMIT_REPORT_EXPORTS"`

	CheckoutRateLimit  int           `env:"CHECKOUT_RATE_LIMIT" envDefault:"10"`
	CheckoutRateWindow time.Duration `env:"CHECKOUT_RATE_WINDOW" envDefault:"1m"`
	// Rejected webhook deliveries (bad signature, malformed body) allowed per
	// client address and window. Accepted deliveries are not limited.
	WebhookRateLimit  int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"60"`
	WebhookRateWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`

	AuditCollection string        `env:"AUDIT_COLLECTION" envDefault:"audit_events"`
	AuditRetention  time.Duration `env:"AUDIT_RETENTION" envDefault:"2160h"`
	ReadyTimeout    time.Duration `env:"HEALTH_READY_TIMEOUT" envDefault:"3s"`
}

// settings is everything the serve command reads from the environment.
type settings struct {
	App     appConfig
	HTTP    httpserver.Config
	PG      pg.Config
	Redis   redis.Config
	Mongo   mongo.Config
	Email   email.Config
	Auth    auth.Config
	Billing config.BillingConfig
	Catalog subscription.Catalog
}

func loadSettings() (settings, error) {
	var s settings
	var billingEnv config.BillingEnv
	err := errors.Join(
		config.Load(&s.App),
		config.Load(&s.HTTP),
		config.Load(&s.PG),
		config.Load(&s.Redis),
		config.Load(&s.Mongo),
		config.Load(&s.Email),
		config.Load(&s.Auth),
		config.Load(&billingEnv),
	)
	if err != nil {
		return s, err
	}

	if s.Billing, err = config.ResolveBilling(billingEnv); err != nil {
		return s, err
	}
	if s.Catalog, err = config.LoadCatalog(s.Billing.CatalogFile); err != nil {
		return s, err
	}
	s.Catalog = applyLimitOverrides(s.Catalog, s.App)
	return s, nil
}

// applyLimitOverrides lets operators tune free-tier caps without editing the catalog file.
func applyLimitOverrides(c subscription.Catalog, app appConfig) subscription.Catalog {
	overrides := map[subscription.Feature]int64{
		subscription.FeatureReceiptUploads: app.LimitReceiptUploads,
		subscription.FeatureReportExports:  app.LimitReportExports,
	}
	limits := make(subscription.TierLimits, len(c.Limits))
	for tier, features := range c.Limits {
		limits[tier] = make(map[subscription.Feature]int64, len(features))
		for f, n := range features {
			limits[tier][f] = n
		}
	}
	if limits[subscription.TierFree] == nil {
		limits[subscription.TierFree] = make(map[subscription.Feature]int64, len(overrides))
	}
	for f, n := range overrides {
		if n > 0 {
			limits[subscription.TierFree][f] = n
		}
	}
	c.Limits = limits
	return c
}

func newLogger(app appConfig) *slog.Logger {
	return logger.New(
		logger.WithEnvironment(app.Env, app.Service),
		logger.WithLevelString(app.LogLevel),
		logger.WithContextExtractors(requestid.LoggerExtractor(), auth.LoggerExtractor()),
	)
}

func loadPG() (pg.Config, error) {
	var cfg pg.Config
	if err := config.Load(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to load postgres config: %w", err)
	}
	return cfg, nil
}
