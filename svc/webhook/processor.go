package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/audit"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/metrics"
	"github.com/dmitrymomot/receiptkit/pkg/redis"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/referral"
)

// Outcome describes what happened to a verified delivery.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUserNotFound Outcome = "user_not_found"
)

// Store is the persistence the processor needs.
type Store interface {
	subscription.EntitlementStore
	subscription.EventLedger
}

// Locker claims an event id for the duration of its processing.
type Locker interface {
	Claim(ctx context.Context, key string) (func(context.Context) error, error)
}

// ReferralCrediter credits the referrer named on a completed checkout.
type ReferralCrediter interface {
	CreditReferral(ctx context.Context, referrerCode string, referredID uuid.UUID) (referral.Result, error)
}

// TrialNotifier sends the trial ending email.
type TrialNotifier interface {
	TrialEnding(ctx context.Context, to string, trialEnd time.Time) error
}

// EmailLookup resolves a user's email address.
type EmailLookup interface {
	LookupEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// Result describes a processed delivery.
type Result struct {
	Outcome    Outcome
	EventID    string
	EventType  subscription.EventType
	UserID     uuid.UUID
	Transition subscription.Transition
	SkipReason string
}

// Processor applies verified billing events to entitlement records.
type Processor struct {
	provider subscription.Provider
	store    Store
	resolver *subscription.Resolver

	locker               Locker
	referrals            ReferralCrediter
	notifier             TrialNotifier
	emails               EmailLookup
	earlyAdopterDiscount int

	audit   *audit.Emitter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithLocker enables the per-event in-flight claim.
func WithLocker(l Locker) Option {
	return func(p *Processor) { p.locker = l }
}

// WithReferrals enables referral crediting on completed checkouts.
func WithReferrals(r ReferralCrediter) Option {
	return func(p *Processor) { p.referrals = r }
}

// WithTrialNotifier enables the trial ending email. Both collaborators are required.
func WithTrialNotifier(n TrialNotifier, emails EmailLookup) Option {
	return func(p *Processor) {
		p.notifier = n
		p.emails = emails
	}
}

// WithEarlyAdopterDiscount sets the percent recorded on an early adopter's
// first completed checkout.
func WithEarlyAdopterDiscount(percent int) Option {
	return func(p *Processor) {
		if percent > 0 && percent <= 100 {
			p.earlyAdopterDiscount = percent
		}
	}
}

// WithAudit sets the audit emitter.
func WithAudit(a *audit.Emitter) Option {
	return func(p *Processor) { p.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates a Processor.
func NewProcessor(provider subscription.Provider, store Store, resolver *subscription.Resolver, opts ...Option) *Processor {
	p := &Processor{
		provider: provider,
		store:    store,
		resolver: resolver,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("webhook"), logger.Provider(provider.Name()))
	return p
}

// Process verifies payload and applies the event it carries.
//
// Errors wrapping subscription.ErrAuthenticationFailure or
// subscription.ErrMalformedEvent mean the delivery must be rejected.
// ErrInFlight means another delivery of the same event holds the claim.
// Any other error is a processing failure the provider should redeliver.
func (p *Processor) Process(ctx context.Context, payload []byte, header http.Header) (res Result, err error) {
	start := p.now()
	defer func() {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = errorLabel(err)
		}
		eventType := string(res.EventType)
		if eventType == "" {
			eventType = string(subscription.EventUnknown)
		}
		p.metrics.WebhookProcessed(p.provider.Name(), eventType, outcome, p.now().Sub(start))
	}()

	ev, err := p.provider.ParseWebhook(ctx, payload, header)
	if err != nil {
		p.log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		p.audit.Emit(ctx, audit.ActionWebhookRejected,
			audit.WithMetadata("provider", p.provider.Name()),
			audit.WithError(err),
		)
		return res, err
	}
	return p.Apply(ctx, ev)
}

// Apply processes an already verified event.
func (p *Processor) Apply(ctx context.Context, ev subscription.Event) (Result, error) {
	if ev == nil {
		return Result{}, ErrEventRequired
	}
	env := ev.Envelope()
	res := Result{EventID: env.ID, EventType: ev.Type()}
	log := p.log.With(logger.EventID(env.ID), logger.EventType(string(ev.Type())))

	if _, ok := ev.(subscription.UnknownEvent); ok {
		log.InfoContext(ctx, "unhandled webhook event acknowledged", slog.String("provider_type", env.ProviderType))
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if env.ID == "" {
		return res, fmt.Errorf("%w: missing event id", subscription.ErrMalformedEvent)
	}

	if p.locker != nil {
		release, err := p.locker.Claim(ctx, env.ID)
		if err != nil {
			if errors.Is(err, redis.ErrLockHeld) {
				log.InfoContext(ctx, "webhook event already in flight")
				return res, ErrInFlight
			}
			return res, errors.Join(ErrLockFailed, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.WarnContext(ctx, "failed to release webhook claim", logger.Error(err))
			}
		}()
	}

	seen, err := p.store.HasEvent(ctx, env.ID)
	if err != nil {
		return res, fmt.Errorf("failed to check event ledger: %w", err)
	}
	if seen {
		log.DebugContext(ctx, "duplicate webhook event")
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	rec, err := p.lookupUser(ctx, env)
	if err != nil {
		if errors.Is(err, subscription.ErrRecordNotFound) {
			log.WarnContext(ctx, "webhook event for unknown user",
				slog.String("customer_ref", env.CustomerRef),
				slog.String("subscription_ref", env.SubscriptionRef),
			)
			p.audit.Emit(ctx, audit.ActionWebhookUserNotFound,
				audit.WithResource("billing_event", env.ID),
				audit.WithMetadata("event_type", string(ev.Type())),
				audit.WithMetadata("customer_ref", env.CustomerRef),
				audit.WithMetadata("subscription_ref", env.SubscriptionRef),
			)
			res.Outcome = OutcomeUserNotFound
			return res, nil
		}
		return res, fmt.Errorf("failed to look up user: %w", err)
	}
	res.UserID = rec.UserID
	log = log.With(logger.UserID(rec.UserID))

	var applyErr error
	if _, ok := ev.(subscription.TrialWillEnd); ok {
		res.Transition = subscription.Transition{Before: rec, After: rec}
	} else {
		res.Transition, applyErr = p.store.ApplyTransition(ctx, rec.UserID, p.mutation(ev))
	}

	meta := map[string]string{
		"provider":      p.provider.Name(),
		"provider_type": env.ProviderType,
	}
	switch {
	case applyErr == nil:
		res.Outcome = OutcomeApplied
	case subscription.IsSkip(applyErr):
		res.Outcome = OutcomeSkipped
		res.SkipReason = subscription.SkipReason(applyErr)
		meta["skipped"] = res.SkipReason
		log.InfoContext(ctx, "webhook transition skipped", slog.String("reason", res.SkipReason), logger.Error(applyErr))
		p.audit.Emit(ctx, audit.ActionTransitionSkipped,
			audit.WithUserID(rec.UserID),
			audit.WithResource("billing_event", env.ID),
			audit.WithMetadata("event_type", string(ev.Type())),
			audit.WithMetadata("reason", res.SkipReason),
		)
	case errors.Is(applyErr, subscription.ErrRecordNotFound):
		log.WarnContext(ctx, "user disappeared before transition")
		res.Outcome = OutcomeUserNotFound
		return res, nil
	case errors.Is(applyErr, subscription.ErrInvariantViolation):
		log.ErrorContext(ctx, "entitlement consistency fault", logger.Error(applyErr))
		p.audit.Emit(ctx, audit.ActionConsistencyFault,
			audit.WithUserID(rec.UserID),
			audit.WithResource("billing_event", env.ID),
			audit.WithMetadata("event_type", string(ev.Type())),
			audit.WithError(applyErr),
		)
		return res, applyErr
	default:
		return res, fmt.Errorf("failed to apply transition: %w", applyErr)
	}

	if co, ok := ev.(subscription.CheckoutCompleted); ok && co.ReferralCode != "" {
		meta["referral_code"] = co.ReferralCode
	}
	row := subscription.SubscriptionEvent{
		UserID:          rec.UserID,
		EventType:       ev.Type(),
		OldTier:         res.Transition.Before.Tier,
		NewTier:         res.Transition.After.Tier,
		OldStatus:       res.Transition.Before.Status,
		NewStatus:       res.Transition.After.Status,
		ExternalEventID: env.ID,
		Metadata:        meta,
		ReceivedAt:      p.now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, row); err != nil {
		if errors.Is(err, subscription.ErrDuplicateEvent) {
			log.InfoContext(ctx, "concurrent delivery recorded the event first")
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return res, fmt.Errorf("failed to append ledger row: %w", err)
	}

	if res.Outcome == OutcomeApplied && res.Transition.Changed() {
		before, after := res.Transition.Before, res.Transition.After
		if before.Status != after.Status {
			p.metrics.Transition(string(before.Status), string(after.Status))
		}
		log.InfoContext(ctx, "entitlement transition applied",
			logger.Transition("tier", string(before.Tier), string(after.Tier)),
			logger.Transition("status", string(before.Status), string(after.Status)),
		)
		p.audit.Emit(ctx, audit.ActionTransitionApplied,
			audit.WithUserID(rec.UserID),
			audit.WithResource("billing_event", env.ID),
			audit.WithMetadata("event_type", string(ev.Type())),
			audit.WithMetadata("old_tier", string(before.Tier)),
			audit.WithMetadata("new_tier", string(after.Tier)),
			audit.WithMetadata("old_status", string(before.Status)),
			audit.WithMetadata("new_status", string(after.Status)),
		)
	}

	switch ev := ev.(type) {
	case subscription.CheckoutCompleted:
		p.creditReferral(ctx, log, ev, rec.UserID)
	case subscription.TrialWillEnd:
		p.notifyTrialEnding(ctx, log, ev, rec)
	}
	return res, nil
}

// lookupUser resolves the record by explicit user id, then subscription
// reference, then customer reference.
func (p *Processor) lookupUser(ctx context.Context, env subscription.EventEnvelope) (subscription.EntitlementRecord, error) {
	lookups := []func() (subscription.EntitlementRecord, error){
		func() (subscription.EntitlementRecord, error) {
			if env.UserID == uuid.Nil {
				return subscription.EntitlementRecord{}, subscription.ErrRecordNotFound
			}
			return p.store.Get(ctx, env.UserID)
		},
		func() (subscription.EntitlementRecord, error) {
			return p.store.GetBySubscriptionRef(ctx, env.SubscriptionRef)
		},
		func() (subscription.EntitlementRecord, error) {
			return p.store.GetByCustomerRef(ctx, env.CustomerRef)
		},
	}
	for _, lookup := range lookups {
		rec, err := lookup()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, subscription.ErrRecordNotFound) {
			return rec, err
		}
	}
	return subscription.EntitlementRecord{}, subscription.ErrRecordNotFound
}

func (p *Processor) creditReferral(ctx context.Context, log *slog.Logger, ev subscription.CheckoutCompleted, userID uuid.UUID) {
	if p.referrals == nil || ev.ReferralCode == "" {
		return
	}
	result, err := p.referrals.CreditReferral(ctx, ev.ReferralCode, userID)
	if err != nil {
		log.WarnContext(ctx, "referral credit failed", logger.Error(err))
		return
	}
	if result.BonusGranted {
		log.InfoContext(ctx, "referral bonus granted", slog.String("referrer_id", result.ReferrerID.String()))
	}
}

func (p *Processor) notifyTrialEnding(ctx context.Context, log *slog.Logger, ev subscription.TrialWillEnd, rec subscription.EntitlementRecord) {
	if p.notifier == nil || p.emails == nil {
		return
	}
	trialEnd := ev.TrialEnd
	if trialEnd == nil {
		trialEnd = rec.TrialEnd
	}
	if trialEnd == nil {
		return
	}

	err := func() error {
		to, err := p.emails.LookupEmail(ctx, rec.UserID)
		if err != nil {
			return err
		}
		return p.notifier.TrialEnding(ctx, to, *trialEnd)
	}()
	if err != nil {
		log.WarnContext(ctx, "failed to send trial ending email", logger.Error(err))
		p.audit.Emit(ctx, audit.ActionNotificationFailed,
			audit.WithUserID(rec.UserID),
			audit.WithMetadata("notification", "trial_ending"),
			audit.WithError(err),
		)
	}
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, subscription.ErrAuthenticationFailure):
		return "rejected"
	case errors.Is(err, subscription.ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrInFlight):
		return "in_flight"
	case errors.Is(err, subscription.ErrInvariantViolation):
		return "invariant_violation"
	}
	return "failed"
}
