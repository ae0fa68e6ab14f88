package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/pg"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// Postgres implements subscription.EntitlementStore, EventLedger and
// ReferralLedger on a pgx pool, plus the user lookups checkout needs.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
	now  func() time.Time
}

var (
	_ subscription.EntitlementStore = (*Postgres)(nil)
	_ subscription.EventLedger      = (*Postgres)(nil)
	_ subscription.ReferralLedger   = (*Postgres)(nil)
)

// Option configures Postgres.
type Option func(*Postgres)

// WithLogger sets the logger used for consistency faults.
func WithLogger(l *slog.Logger) Option {
	return func(s *Postgres) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Postgres) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Postgres store.
func New(pool *pgxpool.Pool, opts ...Option) (*Postgres, error) {
	if pool == nil {
		return nil, ErrNilPool
	}
	s := &Postgres{
		pool: pool,
		log:  slog.New(slog.DiscardHandler),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const recordColumns = `user_id, tier, status, trial_end, period_end,
	billing_customer_ref, billing_subscription_ref, billing_cycle,
	early_adopter, lifetime_discount_percent, referral_code,
	receipt_uploads, report_exports, usage_reset_at, last_event_at,
	created_at, updated_at`

func scanRecord(row pgx.Row) (subscription.EntitlementRecord, error) {
	var (
		rec  subscription.EntitlementRecord
		code *string
	)
	err := row.Scan(
		&rec.UserID, &rec.Tier, &rec.Status, &rec.TrialEnd, &rec.PeriodEnd,
		&rec.BillingCustomerRef, &rec.BillingSubscriptionRef, &rec.BillingCycle,
		&rec.EarlyAdopter, &rec.LifetimeDiscountPercent, &code,
		&rec.Usage.ReceiptUploads, &rec.Usage.ReportExports, &rec.UsageResetAt, &rec.LastEventAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return subscription.EntitlementRecord{}, subscription.ErrRecordNotFound
		}
		return subscription.EntitlementRecord{}, errors.Join(ErrQueryFailed, err)
	}
	rec.ReferralCode = subscription.Deref(code)
	return rec, nil
}

func (s *Postgres) Create(ctx context.Context, rec subscription.EntitlementRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO entitlements (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.UserID, rec.Tier, rec.Status, rec.TrialEnd, rec.PeriodEnd,
		rec.BillingCustomerRef, rec.BillingSubscriptionRef, rec.BillingCycle,
		rec.EarlyAdopter, rec.LifetimeDiscountPercent, subscription.Ref(rec.ReferralCode),
		rec.Usage.ReceiptUploads, rec.Usage.ReportExports, rec.UsageResetAt, rec.LastEventAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case pg.IsDuplicateKeyError(err):
		return subscription.ErrRecordAlreadyExists
	case pg.IsForeignKeyViolationError(err):
		return subscription.ErrUserNotFound
	}
	return errors.Join(ErrQueryFailed, err)
}

func (s *Postgres) Get(ctx context.Context, userID uuid.UUID) (subscription.EntitlementRecord, error) {
	return scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM entitlements WHERE user_id = $1`, userID))
}

func (s *Postgres) GetByCustomerRef(ctx context.Context, ref string) (subscription.EntitlementRecord, error) {
	return s.getBy(ctx, "billing_customer_ref", ref)
}

func (s *Postgres) GetBySubscriptionRef(ctx context.Context, ref string) (subscription.EntitlementRecord, error) {
	return s.getBy(ctx, "billing_subscription_ref", ref)
}

func (s *Postgres) GetByReferralCode(ctx context.Context, code string) (subscription.EntitlementRecord, error) {
	return s.getBy(ctx, "referral_code", code)
}

// getBy looks a record up by a unique column; column is never user input.
func (s *Postgres) getBy(ctx context.Context, column, value string) (subscription.EntitlementRecord, error) {
	if value == "" {
		return subscription.EntitlementRecord{}, subscription.ErrRecordNotFound
	}
	return scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM entitlements WHERE `+column+` = $1`, value))
}

// ApplyTransition locks the row with SELECT ... FOR UPDATE so concurrent
// transitions for one user serialize while other users proceed.
func (s *Postgres) ApplyTransition(ctx context.Context, userID uuid.UUID, mutate subscription.Mutation) (subscription.Transition, error) {
	var tr subscription.Transition
	err := pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanRecord(tx.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM entitlements WHERE user_id = $1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}
		tr = subscription.Transition{Before: current.Clone(), After: current.Clone()}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		if err := subscription.ValidateChange(tr.Before, next); err != nil {
			s.consistencyFault(ctx, next, err)
			return err
		}
		next.UpdatedAt = s.now().UTC()

		_, err = tx.Exec(ctx, `UPDATE entitlements SET
			tier = $2, status = $3, trial_end = $4, period_end = $5,
			billing_customer_ref = $6, billing_subscription_ref = $7, billing_cycle = $8,
			early_adopter = $9, lifetime_discount_percent = $10,
			receipt_uploads = $11, report_exports = $12, usage_reset_at = $13,
			last_event_at = $14, updated_at = $15
			WHERE user_id = $1`,
			next.UserID, next.Tier, next.Status, next.TrialEnd, next.PeriodEnd,
			next.BillingCustomerRef, next.BillingSubscriptionRef, next.BillingCycle,
			next.EarlyAdopter, next.LifetimeDiscountPercent,
			next.Usage.ReceiptUploads, next.Usage.ReportExports, next.UsageResetAt,
			next.LastEventAt, next.UpdatedAt,
		)
		if err != nil {
			if pg.IsCheckViolationError(err) || pg.IsDuplicateKeyError(err) {
				err = errors.Join(subscription.ErrInvariantViolation,
					fmt.Errorf("constraint %s: %w", pg.ConstraintName(err), err))
				s.consistencyFault(ctx, next, err)
				return err
			}
			return errors.Join(ErrQueryFailed, err)
		}
		tr.After = next
		return nil
	})
	return tr, err
}

func (s *Postgres) consistencyFault(ctx context.Context, rec subscription.EntitlementRecord, err error) {
	s.log.ErrorContext(ctx, "entitlement consistency fault: transition rejected",
		logger.UserID(rec.UserID),
		logger.Tier(string(rec.Tier)),
		logger.Status(string(rec.Status)),
		logger.Error(err),
	)
}

func (s *Postgres) HasEvent(ctx context.Context, externalEventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_events WHERE external_event_id = $1)`,
		externalEventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Join(ErrQueryFailed, err)
	}
	return exists, nil
}

func (s *Postgres) AppendEvent(ctx context.Context, ev subscription.SubscriptionEvent) error {
	if ev.ExternalEventID == "" {
		return errors.Join(subscription.ErrMalformedEvent, errors.New("external event id is required"))
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now().UTC()
	}
	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	var userID *uuid.UUID
	if ev.UserID != uuid.Nil {
		userID = &ev.UserID
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO subscription_events
		(id, user_id, event_type, old_tier, new_tier, old_status, new_status, external_event_id, metadata, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, userID, ev.EventType, ev.OldTier, ev.NewTier, ev.OldStatus, ev.NewStatus,
		ev.ExternalEventID, metadata, ev.ReceivedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return subscription.ErrDuplicateEvent
		}
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}

func (s *Postgres) InsertReferral(ctx context.Context, rec subscription.ReferralRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.Status == "" {
		rec.Status = subscription.ReferralCompleted
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO referrals
		(id, referrer_id, referred_id, referral_code, status, reward_type, reward_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (referred_id) DO NOTHING`,
		rec.ID, rec.ReferrerID, rec.ReferredID, rec.ReferralCode, rec.Status,
		rec.RewardType, rec.RewardValue, rec.CreatedAt,
	)
	if err != nil {
		return false, errors.Join(ErrQueryFailed, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) CountCompletedReferrals(ctx context.Context, referrerID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM referrals WHERE referrer_id = $1 AND status = $2`,
		referrerID, subscription.ReferralCompleted,
	).Scan(&n)
	if err != nil {
		return 0, errors.Join(ErrQueryFailed, err)
	}
	return n, nil
}

func (s *Postgres) MarkBonusGranted(ctx context.Context, referrerID uuid.UUID, milestone int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO referral_bonuses (referrer_id, milestone, granted_at)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		referrerID, milestone, s.now().UTC(),
	)
	if err != nil {
		return false, errors.Join(ErrQueryFailed, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) RevokeBonus(ctx context.Context, referrerID uuid.UUID, milestone int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM referral_bonuses WHERE referrer_id = $1 AND milestone = $2`,
		referrerID, milestone,
	)
	if err != nil {
		return errors.Join(ErrQueryFailed, err)
	}
	return nil
}
