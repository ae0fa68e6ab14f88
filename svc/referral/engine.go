package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/audit"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/metrics"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// DefaultThreshold is the number of completed referrals that earns a bonus period.
const DefaultThreshold = 3

// RewardPeriodExtension is the reward type stored on referral records.
const RewardPeriodExtension = "period_extension"

// Notifier sends the bonus email.
type Notifier interface {
	ReferralBonus(ctx context.Context, to string, referrals int, periodEnd time.Time) error
}

// EmailLookup resolves a user's email address.
type EmailLookup interface {
	LookupEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// Result describes what CreditReferral did.
type Result struct {
	ReferrerID      uuid.UUID
	Credited        bool // false when the referred user was already credited
	Referrals       int
	BonusGranted    bool
	BonusPeriodEnd  *time.Time
	NotificationErr error
}

// Engine credits referrals and grants the one-time bonus period when a
// referrer reaches the threshold.
type Engine struct {
	store     subscription.EntitlementStore
	ledger    subscription.ReferralLedger
	threshold int

	notifier Notifier
	emails   EmailLookup
	audit    *audit.Emitter
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threshold = n
		}
	}
}

// WithNotifier enables the bonus email. Both collaborators are required.
func WithNotifier(n Notifier, emails EmailLookup) Option {
	return func(e *Engine) {
		e.notifier = n
		e.emails = emails
	}
}

// WithAudit sets the audit emitter.
func WithAudit(a *audit.Emitter) Option {
	return func(e *Engine) { e.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(store subscription.EntitlementStore, ledger subscription.ReferralLedger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		ledger:    ledger,
		threshold: DefaultThreshold,
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logger.Component("referral"))
	return e
}

// CreditReferral records that referredID signed up with referrerCode.
//
// The referral ledger's unique referred id makes repeated calls for the same
// user no-ops. When the referrer's completed count reaches the threshold, a
// bonus marker is written first and the referrer's period end is extended by
// one billing interval from max(periodEnd, now); a failed extension removes
// the marker so a later credit can retry it.
func (e *Engine) CreditReferral(ctx context.Context, referrerCode string, referredID uuid.UUID) (Result, error) {
	referrerCode = strings.TrimSpace(referrerCode)
	if referrerCode == "" {
		return Result{}, ErrMissingReferralCode
	}

	referrer, err := e.store.GetByReferralCode(ctx, referrerCode)
	if err != nil {
		if errors.Is(err, subscription.ErrRecordNotFound) {
			e.fail(ctx, referredID, "unknown_code", ErrUnknownReferralCode)
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownReferralCode, referrerCode)
		}
		return Result{}, fmt.Errorf("failed to resolve referral code: %w", err)
	}
	res := Result{ReferrerID: referrer.UserID}

	if referrer.UserID == referredID {
		e.fail(ctx, referredID, "self_referral", ErrSelfReferral)
		return res, ErrSelfReferral
	}

	inserted, err := e.ledger.InsertReferral(ctx, subscription.ReferralRecord{
		ID:           uuid.New(),
		ReferrerID:   referrer.UserID,
		ReferredID:   referredID,
		ReferralCode: referrerCode,
		Status:       subscription.ReferralCompleted,
		RewardType:   RewardPeriodExtension,
		RewardValue:  1,
		CreatedAt:    e.now().UTC(),
	})
	if err != nil {
		e.fail(ctx, referredID, "ledger", err)
		return res, fmt.Errorf("failed to record referral: %w", err)
	}
	if !inserted {
		e.metrics.ReferralCredited("duplicate")
		e.log.InfoContext(ctx, "referral already credited",
			logger.UserID(referredID), slog.String("referrer_id", referrer.UserID.String()))
		return res, nil
	}
	res.Credited = true
	e.metrics.ReferralCredited("credited")
	e.audit.Emit(ctx, audit.ActionReferralCredited,
		audit.WithUserID(referrer.UserID),
		audit.WithResource("referral", referredID.String()),
	)

	res.Referrals, err = e.ledger.CountCompletedReferrals(ctx, referrer.UserID)
	if err != nil {
		return res, fmt.Errorf("failed to count referrals: %w", err)
	}
	if res.Referrals < e.threshold {
		return res, nil
	}

	marked, err := e.ledger.MarkBonusGranted(ctx, referrer.UserID, e.threshold)
	if err != nil {
		return res, fmt.Errorf("failed to mark referral bonus: %w", err)
	}
	if !marked {
		return res, nil
	}

	tr, err := e.store.ApplyTransition(ctx, referrer.UserID, e.extendPeriod)
	if err != nil {
		if revokeErr := e.ledger.RevokeBonus(ctx, referrer.UserID, e.threshold); revokeErr != nil {
			err = errors.Join(err, revokeErr)
		}
		e.fail(ctx, referrer.UserID, "bonus", err)
		return res, errors.Join(ErrBonusNotApplied, err)
	}
	res.BonusGranted = true
	res.BonusPeriodEnd = tr.After.PeriodEnd
	e.metrics.ReferralCredited("bonus")
	e.audit.Emit(ctx, audit.ActionReferralBonus,
		audit.WithUserID(referrer.UserID),
		audit.WithMetadata("referrals", res.Referrals),
		audit.WithMetadata("period_end", tr.After.PeriodEnd),
	)
	e.log.InfoContext(ctx, "referral bonus granted",
		logger.UserID(referrer.UserID), slog.Int("referrals", res.Referrals))

	res.NotificationErr = e.notify(ctx, referrer.UserID, res.Referrals, *tr.After.PeriodEnd)
	return res, nil
}

func (e *Engine) extendPeriod(rec *subscription.EntitlementRecord) error {
	base := e.now().UTC()
	if rec.PeriodEnd != nil && rec.PeriodEnd.After(base) {
		base = *rec.PeriodEnd
	}
	cycle := rec.BillingCycle
	if !cycle.Valid() {
		cycle = subscription.BillingMonthly
	}
	rec.PeriodEnd = subscription.TimeRef(cycle.Next(base))
	return nil
}

func (e *Engine) notify(ctx context.Context, userID uuid.UUID, referrals int, periodEnd time.Time) error {
	if e.notifier == nil || e.emails == nil {
		return nil
	}
	to, err := e.emails.LookupEmail(ctx, userID)
	if err == nil {
		err = e.notifier.ReferralBonus(ctx, to, referrals, periodEnd)
	}
	if err != nil {
		e.log.WarnContext(ctx, "failed to send referral bonus email", logger.UserID(userID), logger.Error(err))
		e.audit.Emit(ctx, audit.ActionNotificationFailed,
			audit.WithUserID(userID),
			audit.WithResource("email", "referral_bonus"),
			audit.WithError(err),
		)
	}
	return err
}

func (e *Engine) fail(ctx context.Context, userID uuid.UUID, reason string, err error) {
	e.metrics.ReferralCredited("failed")
	e.audit.Emit(ctx, audit.ActionReferralFailed,
		audit.WithUserID(userID),
		audit.WithMetadata("reason", reason),
		audit.WithError(err),
	)
}
