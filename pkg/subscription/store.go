package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Mutation changes a record in place. Returning an error aborts the transition
// and leaves the stored record untouched.
type Mutation func(rec *EntitlementRecord) error

// Transition is the before/after pair of an applied (or aborted) mutation.
type Transition struct {
	Before EntitlementRecord
	After  EntitlementRecord
}

// Changed reports whether the status or tier moved.
func (t Transition) Changed() bool {
	return t.Before.Tier != t.After.Tier || t.Before.Status != t.After.Status
}

// EntitlementStore owns EntitlementRecords.
type EntitlementStore interface {
	// Create inserts a new record. Returns ErrRecordAlreadyExists on a duplicate user id.
	Create(ctx context.Context, rec EntitlementRecord) error

	// Get returns the record for userID or ErrRecordNotFound.
	Get(ctx context.Context, userID uuid.UUID) (EntitlementRecord, error)

	// GetByCustomerRef, GetBySubscriptionRef and GetByReferralCode return ErrRecordNotFound on a miss.
	GetByCustomerRef(ctx context.Context, ref string) (EntitlementRecord, error)
	GetBySubscriptionRef(ctx context.Context, ref string) (EntitlementRecord, error)
	GetByReferralCode(ctx context.Context, code string) (EntitlementRecord, error)

	// ApplyTransition re-reads the record under a per-record lock, runs mutate on a copy,
	// re-checks invariants (ValidateChange) and commits. A mutation that violates them
	// is rejected with ErrInvariantViolation and the prior state is kept.
	ApplyTransition(ctx context.Context, userID uuid.UUID, mutate Mutation) (Transition, error)
}

// EventLedger is the append-only SubscriptionEvent ledger.
type EventLedger interface {
	HasEvent(ctx context.Context, externalEventID string) (bool, error)
	// AppendEvent returns ErrDuplicateEvent when externalEventID is already recorded.
	AppendEvent(ctx context.Context, ev SubscriptionEvent) error
}

// ReferralStatus is the state of a referral record.
type ReferralStatus string

const ReferralCompleted ReferralStatus = "completed"

// ReferralRecord is one credited referral. ReferredID is unique across the ledger.
type ReferralRecord struct {
	ID           uuid.UUID      `json:"id"`
	ReferrerID   uuid.UUID      `json:"referrer_id"`
	ReferredID   uuid.UUID      `json:"referred_id"`
	ReferralCode string         `json:"referral_code"`
	Status       ReferralStatus `json:"status"`
	RewardType   string         `json:"reward_type"`
	RewardValue  int            `json:"reward_value"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ReferralLedger stores referrals and the bonus-granted markers.
type ReferralLedger interface {
	// InsertReferral returns false without error when the referred user already has a record.
	InsertReferral(ctx context.Context, rec ReferralRecord) (bool, error)
	CountCompletedReferrals(ctx context.Context, referrerID uuid.UUID) (int, error)
	// MarkBonusGranted returns false when the marker for milestone already exists.
	MarkBonusGranted(ctx context.Context, referrerID uuid.UUID, milestone int) (bool, error)
	// RevokeBonus removes a marker whose bonus could not be applied.
	RevokeBonus(ctx context.Context, referrerID uuid.UUID, milestone int) error
}
