package subscription_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

func paidRecord(t *testing.T) subscription.EntitlementRecord {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := subscription.NewEntitlementRecord(uuid.New(), "REF123", 0, now)
	rec.Tier = subscription.TierPro
	rec.Status = subscription.StatusActive
	rec.BillingCustomerRef = subscription.Ref("cus_1")
	rec.BillingSubscriptionRef = subscription.Ref("sub_1")
	rec.BillingCycle = subscription.BillingMonthly
	rec.PeriodEnd = subscription.TimeRef(now.AddDate(0, 1, 0))
	require.NoError(t, rec.Validate())
	return rec
}

func TestNewEntitlementRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	id := uuid.New()
	rec := subscription.NewEntitlementRecord(id, "ABC", 14*24*time.Hour, now)

	assert.Equal(t, id, rec.UserID)
	assert.Equal(t, subscription.TierFree, rec.Tier)
	assert.Equal(t, subscription.StatusTrial, rec.Status)
	require.NotNil(t, rec.TrialEnd)
	assert.Equal(t, now.Add(14*24*time.Hour), *rec.TrialEnd)
	require.NotNil(t, rec.UsageResetAt)
	assert.Equal(t, now.AddDate(0, 1, 0), *rec.UsageResetAt)
	assert.Nil(t, rec.BillingCustomerRef)
	assert.NoError(t, rec.Validate())
}

func TestEntitlementRecord_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *subscription.EntitlementRecord)
	}{
		{"canceled on paid tier", func(r *subscription.EntitlementRecord) {
			r.Status = subscription.StatusCanceled
			r.BillingSubscriptionRef = nil
		}},
		{"canceled keeps subscription ref", func(r *subscription.EntitlementRecord) {
			r.Status = subscription.StatusCanceled
			r.Tier = subscription.TierFree
		}},
		{"paid without customer", func(r *subscription.EntitlementRecord) {
			r.BillingCustomerRef = nil
		}},
		{"discount out of range", func(r *subscription.EntitlementRecord) {
			r.LifetimeDiscountPercent = 101
		}},
		{"negative usage", func(r *subscription.EntitlementRecord) {
			r.Usage.ReceiptUploads = -1
		}},
		{"unknown tier", func(r *subscription.EntitlementRecord) {
			r.Tier = "gold"
		}},
		{"unknown status", func(r *subscription.EntitlementRecord) {
			r.Status = "frozen"
		}},
		{"missing user", func(r *subscription.EntitlementRecord) {
			r.UserID = uuid.Nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := paidRecord(t)
			tt.mutate(&rec)
			assert.ErrorIs(t, rec.Validate(), subscription.ErrInvariantViolation)
		})
	}
}

func TestValidateChange(t *testing.T) {
	t.Parallel()

	t.Run("discount cannot decrease", func(t *testing.T) {
		t.Parallel()

		prev := paidRecord(t)
		prev.LifetimeDiscountPercent = 20
		next := prev.Clone()
		next.LifetimeDiscountPercent = 10
		assert.ErrorIs(t, subscription.ValidateChange(prev, next), subscription.ErrInvariantViolation)
	})

	t.Run("early adopter cannot be cleared", func(t *testing.T) {
		t.Parallel()

		prev := paidRecord(t)
		prev.EarlyAdopter = true
		next := prev.Clone()
		next.EarlyAdopter = false
		assert.ErrorIs(t, subscription.ValidateChange(prev, next), subscription.ErrInvariantViolation)
	})

	t.Run("user id is immutable", func(t *testing.T) {
		t.Parallel()

		prev := paidRecord(t)
		next := prev.Clone()
		next.UserID = uuid.New()
		assert.ErrorIs(t, subscription.ValidateChange(prev, next), subscription.ErrInvariantViolation)
	})

	t.Run("valid upgrade", func(t *testing.T) {
		t.Parallel()

		prev := paidRecord(t)
		next := prev.Clone()
		next.Tier = subscription.TierPremium
		next.LifetimeDiscountPercent = 20
		next.EarlyAdopter = true
		assert.NoError(t, subscription.ValidateChange(prev, next))
	})
}

func TestEntitlementRecord_Clone(t *testing.T) {
	t.Parallel()

	rec := paidRecord(t)
	c := rec.Clone()
	*c.BillingCustomerRef = "changed"
	*c.PeriodEnd = time.Time{}

	assert.Equal(t, "cus_1", *rec.BillingCustomerRef)
	assert.False(t, rec.PeriodEnd.IsZero())
}

func TestEntitlementRecord_HasActivePaidSubscription(t *testing.T) {
	t.Parallel()

	rec := paidRecord(t)
	assert.True(t, rec.HasActivePaidSubscription())

	rec.Status = subscription.StatusPastDue
	assert.True(t, rec.HasActivePaidSubscription())

	rec.BillingSubscriptionRef = nil
	assert.True(t, rec.HasActivePaidSubscription(), "checkout grants the tier before the subscription ref arrives")

	rec.Status = subscription.StatusCanceled
	rec.Tier = subscription.TierFree
	assert.False(t, rec.HasActivePaidSubscription())

	free := subscription.NewEntitlementRecord(uuid.New(), "X", time.Hour, time.Now())
	assert.False(t, free.HasActivePaidSubscription())
}

func TestEntitlementRecord_TrialExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	rec := subscription.NewEntitlementRecord(uuid.New(), "X", 24*time.Hour, now.Add(-48*time.Hour))
	assert.True(t, rec.TrialExpired(now))

	rec = subscription.NewEntitlementRecord(uuid.New(), "X", 24*time.Hour, now)
	assert.False(t, rec.TrialExpired(now))

	rec = subscription.NewEntitlementRecord(uuid.New(), "X", 0, now)
	assert.False(t, rec.TrialExpired(now.Add(time.Hour)), "trial without end never expires")
}

func TestEntitlementRecord_DiscountPercent(t *testing.T) {
	t.Parallel()

	rec := paidRecord(t)
	rec.LifetimeDiscountPercent = 20
	assert.Zero(t, rec.DiscountPercent())

	rec.EarlyAdopter = true
	assert.Equal(t, 20, rec.DiscountPercent())
}

func TestEntitlementRecord_ObserveEvent(t *testing.T) {
	t.Parallel()

	rec := paidRecord(t)
	t1 := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	assert.False(t, rec.IsStale(t0))
	rec.ObserveEvent(t1)
	rec.ObserveEvent(t0)
	require.NotNil(t, rec.LastEventAt)
	assert.Equal(t, t1, *rec.LastEventAt)

	assert.True(t, rec.IsStale(t0))
	assert.False(t, rec.IsStale(t1), "equal timestamps are not stale")
	assert.False(t, rec.IsStale(time.Time{}), "events without a timestamp are applied")
}

func TestRefHelpers(t *testing.T) {
	t.Parallel()

	assert.Nil(t, subscription.Ref(""))
	assert.Equal(t, "a", subscription.Deref(subscription.Ref("a")))
	assert.Equal(t, "", subscription.Deref(nil))
	assert.Nil(t, subscription.TimeRef(time.Time{}))
}
