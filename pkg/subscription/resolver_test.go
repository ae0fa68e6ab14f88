package subscription_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

func testCatalog() subscription.Catalog {
	c := subscription.DefaultCatalog()
	c.Modes = map[string]subscription.ModeCatalog{
		"test": {
			Prices: map[subscription.Tier]map[subscription.BillingCycle]string{
				subscription.TierPro: {
					subscription.BillingMonthly: "pri_pro_m",
					subscription.BillingAnnual:  "pri_pro_y",
				},
				subscription.TierPremium: {
					subscription.BillingMonthly: "pri_premium_m",
				},
			},
			Discounts: map[int]string{20: "dsc_early"},
		},
		"live": {
			Prices: map[subscription.Tier]map[subscription.BillingCycle]string{
				subscription.TierPro: {subscription.BillingMonthly: "pri_live_pro_m"},
			},
		},
	}
	return c
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := subscription.NewResolver(testCatalog(), "test", nil)

	tests := []struct {
		name string
		item subscription.LineItem
		want subscription.Tier
	}{
		{"price identifier", subscription.LineItem{PriceRef: "pri_premium_m"}, subscription.TierPremium},
		{"legacy amount", subscription.LineItem{Amount: 1999}, subscription.TierPremium},
		{"legacy annual amount", subscription.LineItem{Amount: 9990}, subscription.TierPro},
		{"identifier wins over amount", subscription.LineItem{PriceRef: "pri_pro_m", Amount: 1999}, subscription.TierPro},
		{"free item", subscription.LineItem{}, subscription.TierFree},
		{"unknown price falls back to default", subscription.LineItem{PriceRef: "pri_unknown"}, subscription.TierPro},
		{"unknown amount falls back to default", subscription.LineItem{Amount: 4242}, subscription.TierPro},
		{"other mode prices are unknown", subscription.LineItem{PriceRef: "pri_live_pro_m", Amount: 1999}, subscription.TierPremium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.Resolve(tt.item))
		})
	}
}

func TestResolver_LogsFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	r := subscription.NewResolver(testCatalog(), "test", log)

	assert.Equal(t, subscription.TierPro, r.Resolve(subscription.LineItem{PriceRef: "pri_new"}))
	assert.Contains(t, buf.String(), "unrecognized price")
	assert.Contains(t, buf.String(), "pri_new")

	buf.Reset()
	r.Resolve(subscription.LineItem{PriceRef: "pri_pro_m", Amount: 1999})
	assert.Contains(t, buf.String(), "disagree")
}

func TestResolver_PriceRef(t *testing.T) {
	t.Parallel()

	r := subscription.NewResolver(testCatalog(), "test", nil)

	ref, err := r.PriceRef(context.Background(), subscription.TierPro, subscription.BillingAnnual)
	require.NoError(t, err)
	assert.Equal(t, "pri_pro_y", ref)

	_, err = r.PriceRef(context.Background(), subscription.TierPremium, subscription.BillingAnnual)
	assert.ErrorIs(t, err, subscription.ErrPriceNotConfigured)

	_, err = r.PriceRef(context.Background(), subscription.TierFree, subscription.BillingMonthly)
	assert.ErrorIs(t, err, subscription.ErrPriceNotConfigured)

	cycle, ok := r.CycleFor("pri_pro_y")
	assert.True(t, ok)
	assert.Equal(t, subscription.BillingAnnual, cycle)
}

func TestCatalog_Normalize(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults and merges limits", func(t *testing.T) {
		t.Parallel()

		c, err := subscription.Catalog{
			Limits: subscription.TierLimits{
				subscription.TierFree: {subscription.FeatureReceiptUploads: 25},
			},
		}.Normalize()
		require.NoError(t, err)

		assert.Equal(t, subscription.TierPro, c.DefaultTier)
		assert.Equal(t, 14, c.TrialDays)
		assert.Equal(t, int64(25), c.Limits.Limit(subscription.TierFree, subscription.FeatureReceiptUploads))
		assert.Equal(t, int64(1), c.Limits.Limit(subscription.TierFree, subscription.FeatureReportExports))
		assert.Equal(t, subscription.Unlimited, c.Limits.Limit(subscription.TierPremium, subscription.FeatureReportExports))
		assert.NotEmpty(t, c.LegacyAmounts)
	})

	t.Run("rejects bad entries", func(t *testing.T) {
		t.Parallel()

		_, err := subscription.Catalog{
			DefaultTier:                 "gold",
			EarlyAdopterDiscountPercent: 120,
			Modes: map[string]subscription.ModeCatalog{
				"test": {Prices: map[subscription.Tier]map[subscription.BillingCycle]string{
					subscription.TierFree: {subscription.BillingMonthly: "pri_free"},
				}},
			},
		}.Normalize()
		require.Error(t, err)
		assert.ErrorIs(t, err, subscription.ErrFailedToLoadCatalog)
		assert.ErrorIs(t, err, subscription.ErrInvalidTier)
	})
}

func TestTierLimits(t *testing.T) {
	t.Parallel()

	l := subscription.DefaultTierLimits()
	assert.Equal(t, int64(10), l.Limit(subscription.TierFree, subscription.FeatureReceiptUploads))
	assert.Equal(t, subscription.Unlimited, l.Limit(subscription.TierPro, subscription.FeatureReceiptUploads))
	assert.Zero(t, l.Limit("gold", subscription.FeatureReceiptUploads))

	assert.Equal(t, subscription.TierPro, l.UpgradeFor(subscription.TierFree, subscription.FeatureReceiptUploads))
	assert.Empty(t, l.UpgradeFor(subscription.TierPro, subscription.FeatureReceiptUploads))
}

func TestParse(t *testing.T) {
	t.Parallel()

	tier, err := subscription.ParseTier(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPremium, tier)

	_, err = subscription.ParseTier("gold")
	assert.ErrorIs(t, err, subscription.ErrInvalidTier)

	cycle, err := subscription.ParseBillingCycle("ANNUAL")
	require.NoError(t, err)
	assert.Equal(t, subscription.BillingAnnual, cycle)

	_, err = subscription.ParseBillingCycle("weekly")
	assert.ErrorIs(t, err, subscription.ErrInvalidBillingCycle)

	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC), subscription.BillingMonthly.Next(start))
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), subscription.BillingAnnual.Next(start))
}

func TestSkipReason(t *testing.T) {
	t.Parallel()

	assert.True(t, subscription.IsSkip(subscription.ErrStaleEvent))
	assert.Equal(t, "stale", subscription.SkipReason(subscription.ErrStaleEvent))
	assert.Equal(t, "no_subscription", subscription.SkipReason(subscription.ErrNoSubscription))
	assert.False(t, subscription.IsSkip(subscription.ErrInvariantViolation))
	assert.Empty(t, subscription.SkipReason(subscription.ErrInvariantViolation))
}
