package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntitlementRecord is the durable per-user view of what the user is entitled to.
// One record per user; it is mutated only through EntitlementStore.ApplyTransition.
type EntitlementRecord struct {
	UserID                  uuid.UUID    `json:"user_id"`
	Tier                    Tier         `json:"tier"`
	Status                  Status       `json:"status"`
	TrialEnd                *time.Time   `json:"trial_end,omitempty"`
	PeriodEnd               *time.Time   `json:"period_end,omitempty"`
	BillingCustomerRef      *string      `json:"billing_customer_ref,omitempty"`
	BillingSubscriptionRef  *string      `json:"billing_subscription_ref,omitempty"`
	BillingCycle            BillingCycle `json:"billing_cycle,omitempty"`
	EarlyAdopter            bool         `json:"early_adopter"`
	LifetimeDiscountPercent int          `json:"lifetime_discount_percent"`
	ReferralCode            string       `json:"referral_code"`
	Usage                   Usage        `json:"usage"`
	UsageResetAt            *time.Time   `json:"usage_reset_at,omitempty"`
	LastEventAt             *time.Time   `json:"last_event_at,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// NewEntitlementRecord returns the signup state: free tier in trial.
func NewEntitlementRecord(userID uuid.UUID, referralCode string, trialLength time.Duration, now time.Time) EntitlementRecord {
	now = now.UTC()
	resetAt := now.AddDate(0, 1, 0)
	rec := EntitlementRecord{
		UserID:       userID,
		Tier:         TierFree,
		Status:       StatusTrial,
		ReferralCode: referralCode,
		UsageResetAt: &resetAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if trialLength > 0 {
		trialEnd := now.Add(trialLength)
		rec.TrialEnd = &trialEnd
	}
	return rec
}

// Clone returns a deep copy so mutations never leak into a caller's snapshot.
func (r EntitlementRecord) Clone() EntitlementRecord {
	c := r
	c.TrialEnd = cloneTime(r.TrialEnd)
	c.PeriodEnd = cloneTime(r.PeriodEnd)
	c.UsageResetAt = cloneTime(r.UsageResetAt)
	c.LastEventAt = cloneTime(r.LastEventAt)
	c.BillingCustomerRef = cloneString(r.BillingCustomerRef)
	c.BillingSubscriptionRef = cloneString(r.BillingSubscriptionRef)
	return c
}

// Validate checks field domains and the cross-field invariants:
//
//	status = canceled       => tier = free and billingSubscriptionRef = nil
//	tier in {pro, premium}  => billingCustomerRef != nil
func (r EntitlementRecord) Validate() error {
	var errs []error
	if r.UserID == uuid.Nil {
		errs = append(errs, errors.New("user id is required"))
	}
	if !r.Tier.Valid() {
		errs = append(errs, fmt.Errorf("unknown tier %q", r.Tier))
	}
	if !r.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", r.Status))
	}
	if r.Status == StatusCanceled && r.Tier != TierFree {
		errs = append(errs, fmt.Errorf("canceled record must be on free tier, got %q", r.Tier))
	}
	if r.Status == StatusCanceled && r.BillingSubscriptionRef != nil {
		errs = append(errs, errors.New("canceled record must not keep a subscription reference"))
	}
	if r.Tier.Paid() && r.BillingCustomerRef == nil {
		errs = append(errs, fmt.Errorf("paid tier %q requires a billing customer reference", r.Tier))
	}
	if r.LifetimeDiscountPercent < 0 || r.LifetimeDiscountPercent > 100 {
		errs = append(errs, fmt.Errorf("discount percent %d out of range", r.LifetimeDiscountPercent))
	}
	if r.Usage.ReceiptUploads < 0 || r.Usage.ReportExports < 0 {
		errs = append(errs, errors.New("usage counters must be non-negative"))
	}
	if r.BillingCycle != "" && !r.BillingCycle.Valid() {
		errs = append(errs, fmt.Errorf("unknown billing cycle %q", r.BillingCycle))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvariantViolation}, errs...)...)
}

// ValidateChange checks next and the fields that must never move backwards.
func ValidateChange(prev, next EntitlementRecord) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev.UserID != next.UserID {
		return errors.Join(ErrInvariantViolation, errors.New("user id is immutable"))
	}
	if next.LifetimeDiscountPercent < prev.LifetimeDiscountPercent {
		return errors.Join(ErrInvariantViolation, errors.New("lifetime discount cannot decrease"))
	}
	if prev.EarlyAdopter && !next.EarlyAdopter {
		return errors.Join(ErrInvariantViolation, errors.New("early adopter flag cannot be cleared"))
	}
	return nil
}

// HasActivePaidSubscription reports whether the user currently holds a paid
// tier. The subscription reference is not required: a completed checkout
// grants the tier before the provider reports the subscription itself.
func (r EntitlementRecord) HasActivePaidSubscription() bool {
	if !r.Tier.Paid() {
		return false
	}
	return r.Status == StatusActive || r.Status == StatusPastDue || r.Status == StatusTrial
}

// TrialExpired reports whether a trial has lapsed at now.
func (r EntitlementRecord) TrialExpired(now time.Time) bool {
	return r.Status == StatusTrial && r.TrialEnd != nil && r.TrialEnd.Before(now)
}

// DiscountPercent returns the checkout discount the user is entitled to.
func (r EntitlementRecord) DiscountPercent() int {
	if r.EarlyAdopter && r.LifetimeDiscountPercent > 0 {
		return r.LifetimeDiscountPercent
	}
	return 0
}

// Cancel moves the record to the canceled state, keeping the invariants.
func (r *EntitlementRecord) Cancel() {
	r.Tier = TierFree
	r.Status = StatusCanceled
	r.PeriodEnd = nil
	r.BillingSubscriptionRef = nil
}

// ObserveEvent records the provider timestamp of the latest applied event.
func (r *EntitlementRecord) ObserveEvent(at time.Time) {
	if at.IsZero() {
		return
	}
	at = at.UTC()
	if r.LastEventAt == nil || at.After(*r.LastEventAt) {
		r.LastEventAt = &at
	}
}

// IsStale reports whether an event that occurred at is older than the last applied one.
func (r EntitlementRecord) IsStale(at time.Time) bool {
	if at.IsZero() || r.LastEventAt == nil {
		return false
	}
	return at.Before(*r.LastEventAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Ref returns a pointer to s, or nil when s is empty.
func Ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the value of s or an empty string.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// TimeRef returns a pointer to t, or nil for the zero time.
func TimeRef(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
