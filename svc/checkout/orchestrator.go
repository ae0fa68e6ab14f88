package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/audit"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/metrics"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// Users is the auth collaborator.
type Users interface {
	IsEmailVerified(ctx context.Context, userID uuid.UUID) (bool, error)
	LookupEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// PriceResolver maps a tier and billing cycle to a provider price.
type PriceResolver interface {
	PriceRef(ctx context.Context, tier subscription.Tier, cycle subscription.BillingCycle) (string, error)
}

// Orchestrator creates provider-hosted checkout sessions.
type Orchestrator struct {
	store    subscription.EntitlementStore
	users    Users
	provider subscription.Provider
	prices   PriceResolver

	successURL           string
	cancelURL            string
	earlyAdopterDiscount int

	audit   *audit.Emitter
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRedirectURLs sets where the provider sends the user after checkout.
func WithRedirectURLs(success, cancel string) Option {
	return func(o *Orchestrator) {
		o.successURL = success
		o.cancelURL = cancel
	}
}

// WithEarlyAdopterDiscount sets the percent granted on an early adopter's first checkout.
func WithEarlyAdopterDiscount(percent int) Option {
	return func(o *Orchestrator) {
		if percent > 0 && percent <= 100 {
			o.earlyAdopterDiscount = percent
		}
	}
}

// WithAudit sets the audit emitter.
func WithAudit(a *audit.Emitter) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store subscription.EntitlementStore, users Users, provider subscription.Provider, prices PriceResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		users:    users,
		provider: provider,
		prices:   prices,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logger.Component("checkout"), logger.Provider(provider.Name()))
	return o
}

// CheckoutOption adds optional checkout details.
type CheckoutOption func(*subscription.CheckoutParams)

// WithReferralCode attaches the referrer's code so the completed checkout credits them.
func WithReferralCode(code string) CheckoutOption {
	return func(p *subscription.CheckoutParams) { p.ReferralCode = code }
}

// CreateCheckout returns a provider-hosted checkout session for tier and cycle.
//
// The user's email must be verified and they must not hold an active paid
// subscription. A missing billing customer is created and persisted before the
// session is requested, so a retry after a failed session reuses it.
func (o *Orchestrator) CreateCheckout(ctx context.Context, userID uuid.UUID, tier subscription.Tier, cycle subscription.BillingCycle, opts ...CheckoutOption) (session subscription.CheckoutSession, err error) {
	defer func() {
		o.metrics.CheckoutRequested(string(tier), resultLabel(err))
		if err != nil {
			o.audit.Emit(ctx, audit.ActionCheckoutFailed,
				audit.WithUserID(userID),
				audit.WithMetadata("tier", string(tier)),
				audit.WithMetadata("billing_cycle", string(cycle)),
				audit.WithError(err),
			)
		}
	}()

	if !tier.Paid() {
		return session, fmt.Errorf("%w: %q", ErrNotPurchasable, tier)
	}
	if !cycle.Valid() {
		return session, fmt.Errorf("%w: %q", subscription.ErrInvalidBillingCycle, cycle)
	}

	verified, err := o.users.IsEmailVerified(ctx, userID)
	if err != nil {
		return session, fmt.Errorf("failed to check email verification: %w", err)
	}
	if !verified {
		return session, ErrEmailNotVerified
	}

	rec, err := o.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrRecordNotFound) {
			return session, errors.Join(subscription.ErrUserNotFound, err)
		}
		return session, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if rec.HasActivePaidSubscription() {
		return session, fmt.Errorf("%w: %s", ErrActiveSubscription, rec.Tier)
	}

	priceRef, err := o.prices.PriceRef(ctx, tier, cycle)
	if err != nil {
		return session, err
	}

	customerRef, err := o.ensureCustomer(ctx, rec)
	if err != nil {
		return session, err
	}

	params := subscription.CheckoutParams{
		UserID:          userID,
		CustomerRef:     customerRef,
		PriceRef:        priceRef,
		Tier:            tier,
		BillingCycle:    cycle,
		DiscountPercent: o.discountFor(rec),
		SuccessURL:      o.successURL,
		CancelURL:       o.cancelURL,
	}
	for _, opt := range opts {
		opt(&params)
	}

	session, err = o.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		o.log.ErrorContext(ctx, "failed to create checkout session", logger.UserID(userID), logger.Error(err))
		return session, errors.Join(subscription.ErrUpstreamUnavailable, err)
	}

	o.log.InfoContext(ctx, "checkout session created",
		logger.UserID(userID), logger.Tier(string(tier)), slog.String("session_id", session.ID))
	o.audit.Emit(ctx, audit.ActionCheckoutCreated,
		audit.WithUserID(userID),
		audit.WithResource("checkout_session", session.ID),
		audit.WithMetadata("tier", string(tier)),
		audit.WithMetadata("billing_cycle", string(cycle)),
		audit.WithMetadata("discount_percent", params.DiscountPercent),
	)
	return session, nil
}

// ensureCustomer returns the persisted customer reference, creating and
// persisting one first when the record has none.
func (o *Orchestrator) ensureCustomer(ctx context.Context, rec subscription.EntitlementRecord) (string, error) {
	if ref := subscription.Deref(rec.BillingCustomerRef); ref != "" {
		return ref, nil
	}

	email, err := o.users.LookupEmail(ctx, rec.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to look up email: %w", err)
	}
	created, err := o.provider.CreateCustomer(ctx, subscription.CustomerParams{UserID: rec.UserID, Email: email})
	if err != nil {
		o.log.ErrorContext(ctx, "failed to create billing customer", logger.UserID(rec.UserID), logger.Error(err))
		return "", errors.Join(subscription.ErrUpstreamUnavailable, err)
	}

	var persisted string
	_, err = o.store.ApplyTransition(ctx, rec.UserID, func(r *subscription.EntitlementRecord) error {
		if existing := subscription.Deref(r.BillingCustomerRef); existing != "" {
			persisted = existing
			return nil
		}
		r.BillingCustomerRef = subscription.Ref(created)
		persisted = created
		return nil
	})
	if err != nil {
		o.log.ErrorContext(ctx, "billing customer created but not persisted",
			logger.UserID(rec.UserID), slog.String("customer_ref", created), logger.Error(err))
		return "", fmt.Errorf("failed to persist billing customer: %w", err)
	}
	if persisted != created {
		o.log.WarnContext(ctx, "concurrent checkout already created a billing customer",
			logger.UserID(rec.UserID), slog.String("kept", persisted), slog.String("orphaned", created))
	}
	return persisted, nil
}

// discountFor returns the record's lifetime discount, or the early adopter
// percent on the first qualifying checkout before one has been recorded.
func (o *Orchestrator) discountFor(rec subscription.EntitlementRecord) int {
	if d := rec.DiscountPercent(); d > 0 {
		return d
	}
	if rec.EarlyAdopter {
		return o.earlyAdopterDiscount
	}
	return 0
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrEmailNotVerified):
		return "email_not_verified"
	case errors.Is(err, ErrActiveSubscription):
		return "active_subscription"
	case errors.Is(err, subscription.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	}
	return "failed"
}
