package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/receiptkit/pkg/audit"
	"github.com/dmitrymomot/receiptkit/pkg/config"
	"github.com/dmitrymomot/receiptkit/pkg/email"
	"github.com/dmitrymomot/receiptkit/pkg/environment"
	"github.com/dmitrymomot/receiptkit/pkg/httpserver"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/metrics"
	"github.com/dmitrymomot/receiptkit/pkg/mongo"
	"github.com/dmitrymomot/receiptkit/pkg/pg"
	"github.com/dmitrymomot/receiptkit/pkg/ratelimiter"
	"github.com/dmitrymomot/receiptkit/pkg/redis"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/auth"
	"github.com/dmitrymomot/receiptkit/svc/checkout"
	"github.com/dmitrymomot/receiptkit/svc/referral"
	"github.com/dmitrymomot/receiptkit/svc/store"
	"github.com/dmitrymomot/receiptkit/svc/usage"
	"github.com/dmitrymomot/receiptkit/svc/webhook"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
}

func runServe(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := newLogger(s.App)
	logger.SetAsDefault(log)
	log.InfoContext(ctx, "starting receiptkit",
		slog.String("version", Version),
		slog.String("billing_provider", s.Billing.Provider),
		slog.String("billing_mode", s.Billing.Mode),
	)

	pool, err := pg.Connect(ctx, s.PG)
	if err != nil {
		return err
	}
	defer pool.Close()
	if migrateOnStart {
		if err := pg.Migrate(ctx, pool, store.Migrations(), s.PG, log); err != nil {
			return err
		}
	}

	rdb, err := redis.Connect(ctx, s.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.WarnContext(ctx, "failed to close redis client", logger.Error(err))
		}
	}()

	mdb, err := mongo.NewWithDatabase(ctx, s.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		if err := mdb.Client().Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.WarnContext(ctx, "failed to disconnect mongo client", logger.Error(err))
		}
	}()

	auditWriter := audit.NewMongoWriter(mdb.Collection(s.App.AuditCollection))
	if err := auditWriter.EnsureIndexes(ctx, s.App.AuditRetention); err != nil {
		return err
	}
	emitter, err := audit.NewEmitter(
		audit.MultiWriter{auditWriter, audit.NewLogWriter(log.With(logger.Component("audit")))},
		audit.Options{Logger: log},
	)
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	entitlements, err := store.New(pool, store.WithLogger(log))
	if err != nil {
		return err
	}
	provider, err := config.NewProvider(s.Billing, s.Catalog)
	if err != nil {
		return err
	}
	resolver := subscription.NewResolver(s.Catalog, s.Billing.Mode, log)

	sender, err := email.NewSender(s.Email)
	if err != nil {
		return err
	}
	notifier := email.NewNotifier(sender, s.Email)

	tokens, err := auth.NewService(s.Auth)
	if err != nil {
		return err
	}

	referrals := referral.NewEngine(entitlements, entitlements,
		referral.WithNotifier(notifier, entitlements),
		referral.WithAudit(emitter),
		referral.WithMetrics(m),
		referral.WithLogger(log),
	)
	processor := webhook.NewProcessor(provider, entitlements, resolver,
		webhook.WithLocker(redis.NewLocker(rdb, "receiptkit:webhook:", s.Redis.WebhookClaimTTL)),
		webhook.WithReferrals(referrals),
		webhook.WithTrialNotifier(notifier, entitlements),
		webhook.WithEarlyAdopterDiscount(s.Catalog.EarlyAdopterDiscountPercent),
		webhook.WithAudit(emitter),
		webhook.WithMetrics(m),
		webhook.WithLogger(log),
	)
	orchestrator := checkout.NewOrchestrator(entitlements, entitlements, provider, resolver,
		checkout.WithRedirectURLs(s.Billing.SuccessURL, s.Billing.CancelURL),
		checkout.WithEarlyAdopterDiscount(s.Catalog.EarlyAdopterDiscountPercent),
		checkout.WithAudit(emitter),
		checkout.WithMetrics(m),
		checkout.WithLogger(log),
	)
	meter := usage.NewMeter(entitlements, s.Catalog.Limits,
		usage.WithAudit(emitter),
		usage.WithMetrics(m),
		usage.WithLogger(log),
	)

	counters := ratelimiter.NewRedisStore(rdb)
	checkoutLimiter, err := ratelimiter.NewLimiter(counters, ratelimiter.Config{
		Limit: s.App.CheckoutRateLimit, Window: s.App.CheckoutRateWindow, Prefix: "rl:checkout",
	})
	if err != nil {
		return err
	}
	webhookLimiter, err := ratelimiter.NewLimiter(counters, ratelimiter.Config{
		Limit: s.App.WebhookRateLimit, Window: s.App.WebhookRateWindow, Prefix: "rl:webhook",
	})
	if err != nil {
		return err
	}

	router := newRouter(routes{
		Log:             log,
		Env:             environment.Parse(s.App.Env),
		Tokens:          tokens,
		Checkout:        orchestrator,
		Meter:           meter,
		Webhooks:        processor,
		CheckoutLimiter: checkoutLimiter,
		WebhookLimiter:  webhookLimiter,
		Metrics:         metrics.Handler(registry),
		Checks: map[string]httpserver.CheckFunc{
			"postgres": pg.Healthcheck(pool),
			"redis":    redis.Healthcheck(rdb),
			"mongodb":  mongo.Healthcheck(mdb.Client()),
		},
		ReadyTimeout: s.App.ReadyTimeout,
	})
	server := httpserver.NewFromConfig(s.HTTP, httpserver.WithLogger(log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, router)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := emitter.Close(closeCtx); err != nil {
			return fmt.Errorf("failed to flush audit events: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.InfoContext(ctx, "receiptkit stopped",
		slog.Int64("audit_dropped", emitter.Dropped()),
		slog.Int64("audit_failed", emitter.Failed()),
	)
	return nil
}
