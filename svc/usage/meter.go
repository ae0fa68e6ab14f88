package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/audit"
	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/metrics"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// ReasonLimitExceeded is the machine-readable denial reason.
const ReasonLimitExceeded = "limit_exceeded"

// Decision is the result of a limit check.
type Decision struct {
	Allowed         bool                 `json:"allowed"`
	Feature         subscription.Feature `json:"feature"`
	Tier            subscription.Tier    `json:"tier"`
	Used            int64                `json:"used"`
	Limit           int64                `json:"limit"`
	Reason          string               `json:"reason,omitempty"`
	UpgradeRequired subscription.Tier    `json:"upgradeRequired,omitempty"`
}

// Err returns nil when allowed and an error wrapping ErrLimitExceeded otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s used %d of %d on %s", subscription.ErrLimitExceeded, d.Feature, d.Used, d.Limit, d.Tier)
}

// FeatureUsage is one line of a Summary.
type FeatureUsage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// Summary is the caller-facing view of a user's plan and usage.
type Summary struct {
	Tier         subscription.Tier                     `json:"tier"`
	Status       subscription.Status                   `json:"status"`
	TrialEnd     *time.Time                            `json:"trialEnd,omitempty"`
	PeriodEnd    *time.Time                            `json:"periodEnd,omitempty"`
	UsageResetAt *time.Time                            `json:"usageResetAt,omitempty"`
	Features     map[subscription.Feature]FeatureUsage `json:"features"`
}

// Meter enforces tier limits on metered features.
//
// CheckLimit followed by IncrementUsage is the default two-step path: the gated
// operation runs between the calls, so concurrent requests for one user can
// overshoot a limit by at most the number in flight. Consume checks and
// increments in one store transition for callers that need a hard cap.
type Meter struct {
	store   subscription.EntitlementStore
	limits  subscription.TierLimits
	audit   *audit.Emitter
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Meter.
type Option func(*Meter)

// WithAudit sets the audit emitter.
func WithAudit(a *audit.Emitter) Option {
	return func(m *Meter) { m.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Meter) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMeter creates a Meter. A nil limits table means DefaultTierLimits.
func NewMeter(store subscription.EntitlementStore, limits subscription.TierLimits, opts ...Option) *Meter {
	if limits == nil {
		limits = subscription.DefaultTierLimits()
	}
	m := &Meter{
		store:  store,
		limits: limits,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.Component("usage"))
	return m
}

// CheckLimit reports whether userID may use feature once more. An expired
// trial or a due usage reset is persisted first, so the decision is made
// against the refreshed record.
func (m *Meter) CheckLimit(ctx context.Context, userID uuid.UUID, feature subscription.Feature) (Decision, error) {
	if !feature.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", subscription.ErrInvalidFeature, feature)
	}
	rec, err := m.current(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d := m.evaluate(rec, feature)
	m.metrics.UsageGate(string(feature), string(rec.Tier), d.Allowed)
	return d, nil
}

// IncrementUsage counts one use of feature. Call it only after the gated
// operation succeeded.
func (m *Meter) IncrementUsage(ctx context.Context, userID uuid.UUID, feature subscription.Feature) error {
	if !feature.Valid() {
		return fmt.Errorf("%w: %q", subscription.ErrInvalidFeature, feature)
	}
	_, err := m.store.ApplyTransition(ctx, userID, func(rec *subscription.EntitlementRecord) error {
		m.refresh(ctx, rec)
		rec.Usage.Add(feature, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment %s usage: %w", feature, err)
	}
	return nil
}

// Consume checks the limit and, when allowed, increments the counter inside
// one store transition. A denial is returned as a Decision, not an error.
func (m *Meter) Consume(ctx context.Context, userID uuid.UUID, feature subscription.Feature) (Decision, error) {
	if !feature.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", subscription.ErrInvalidFeature, feature)
	}
	var d Decision
	_, err := m.store.ApplyTransition(ctx, userID, func(rec *subscription.EntitlementRecord) error {
		m.refresh(ctx, rec)
		d = m.evaluate(*rec, feature)
		if d.Allowed {
			rec.Usage.Add(feature, 1)
		}
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to consume %s: %w", feature, err)
	}
	m.metrics.UsageGate(string(feature), string(d.Tier), d.Allowed)
	return d, nil
}

// Summary returns the refreshed plan and per-feature usage.
func (m *Meter) Summary(ctx context.Context, userID uuid.UUID) (Summary, error) {
	rec, err := m.current(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		Tier:         rec.Tier,
		Status:       rec.Status,
		TrialEnd:     rec.TrialEnd,
		PeriodEnd:    rec.PeriodEnd,
		UsageResetAt: rec.UsageResetAt,
		Features:     make(map[subscription.Feature]FeatureUsage, len(subscription.Features)),
	}
	for _, f := range subscription.Features {
		s.Features[f] = FeatureUsage{Used: rec.Usage.Get(f), Limit: m.limits.Limit(rec.Tier, f)}
	}
	return s, nil
}

// current returns the record, persisting a refresh only when one is due.
func (m *Meter) current(ctx context.Context, userID uuid.UUID) (subscription.EntitlementRecord, error) {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return subscription.EntitlementRecord{}, fmt.Errorf("failed to load entitlement: %w", err)
	}
	probe := rec.Clone()
	if !m.refresh(ctx, &probe) {
		return rec, nil
	}
	tr, err := m.store.ApplyTransition(ctx, userID, func(r *subscription.EntitlementRecord) error {
		m.refresh(ctx, r)
		return nil
	})
	if err != nil {
		return subscription.EntitlementRecord{}, fmt.Errorf("failed to refresh entitlement: %w", err)
	}
	return tr.After, nil
}

// refresh applies lazy trial expiry and the monthly usage reset to rec and
// reports whether anything changed.
func (m *Meter) refresh(ctx context.Context, rec *subscription.EntitlementRecord) bool {
	now := m.now().UTC()
	changed := false

	// A trial backed by a provider subscription is ended by the provider's webhooks.
	if rec.TrialExpired(now) && rec.BillingSubscriptionRef == nil {
		from := rec.Tier
		if err := rec.TransitionTo(subscription.StatusCanceled); err == nil {
			changed = true
			m.log.InfoContext(ctx, "trial expired",
				logger.UserID(rec.UserID), logger.Transition("tier", string(from), string(rec.Tier)))
			m.audit.Emit(ctx, audit.ActionTrialExpired,
				audit.WithUserID(rec.UserID),
				audit.WithMetadata("trial_end", rec.TrialEnd),
			)
			m.metrics.Transition(string(subscription.StatusTrial), string(subscription.StatusCanceled))
		}
	}

	switch {
	case rec.UsageResetAt == nil:
		next := now.AddDate(0, 1, 0)
		rec.UsageResetAt = &next
		changed = true
	case !now.Before(*rec.UsageResetAt):
		next := *rec.UsageResetAt
		for !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		rec.UsageResetAt = &next
		rec.Usage = subscription.Usage{}
		changed = true
	}
	return changed
}

func (m *Meter) evaluate(rec subscription.EntitlementRecord, feature subscription.Feature) Decision {
	d := Decision{
		Feature: feature,
		Tier:    rec.Tier,
		Used:    rec.Usage.Get(feature),
		Limit:   m.limits.Limit(rec.Tier, feature),
	}
	if d.Limit == subscription.Unlimited || d.Used < d.Limit {
		d.Allowed = true
		return d
	}
	d.Reason = ReasonLimitExceeded
	d.UpgradeRequired = m.limits.UpgradeFor(rec.Tier, feature)
	return d
}
