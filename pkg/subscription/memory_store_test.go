package subscription_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	rec := paidRecord(t)
	require.NoError(t, store.Create(ctx, rec))

	err := store.Create(ctx, rec)
	assert.ErrorIs(t, err, subscription.ErrRecordAlreadyExists)

	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)

	got, err = store.GetByCustomerRef(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)

	got, err = store.GetBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)

	got, err = store.GetByReferralCode(ctx, "REF123")
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, subscription.ErrRecordNotFound)
	_, err = store.GetByCustomerRef(ctx, "")
	assert.ErrorIs(t, err, subscription.ErrRecordNotFound)
}

func TestMemoryStore_ApplyTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("commits valid mutation", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		store := subscription.NewMemoryStore(subscription.WithMemoryClock(func() time.Time { return now }))
		rec := paidRecord(t)
		require.NoError(t, store.Create(ctx, rec))

		tr, err := store.ApplyTransition(ctx, rec.UserID, func(r *subscription.EntitlementRecord) error {
			r.Tier = subscription.TierPremium
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, subscription.TierPro, tr.Before.Tier)
		assert.Equal(t, subscription.TierPremium, tr.After.Tier)
		assert.True(t, tr.Changed())
		assert.Equal(t, now, tr.After.UpdatedAt)

		got, err := store.Get(ctx, rec.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.TierPremium, got.Tier)
	})

	t.Run("mutation error aborts", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		rec := paidRecord(t)
		require.NoError(t, store.Create(ctx, rec))

		boom := errors.New("boom")
		tr, err := store.ApplyTransition(ctx, rec.UserID, func(r *subscription.EntitlementRecord) error {
			r.Tier = subscription.TierPremium
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, subscription.TierPro, tr.After.Tier)

		got, err := store.Get(ctx, rec.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.TierPro, got.Tier)
	})

	t.Run("invariant violation is rejected and logged", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		store := subscription.NewMemoryStore(subscription.WithMemoryLogger(slog.New(slog.NewTextHandler(&buf, nil))))
		rec := paidRecord(t)
		require.NoError(t, store.Create(ctx, rec))

		_, err := store.ApplyTransition(ctx, rec.UserID, func(r *subscription.EntitlementRecord) error {
			r.Status = subscription.StatusCanceled // tier stays pro
			return nil
		})
		assert.ErrorIs(t, err, subscription.ErrInvariantViolation)
		assert.Contains(t, buf.String(), "consistency fault")

		got, err := store.Get(ctx, rec.UserID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
	})

	t.Run("missing record", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		_, err := store.ApplyTransition(ctx, uuid.New(), func(*subscription.EntitlementRecord) error { return nil })
		assert.ErrorIs(t, err, subscription.ErrRecordNotFound)
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		rec := paidRecord(t)
		require.NoError(t, store.Create(ctx, rec))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.ApplyTransition(cctx, rec.UserID, func(*subscription.EntitlementRecord) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStore_ConcurrentTransitionsDoNotInterleave(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	rec := paidRecord(t)
	require.NoError(t, store.Create(ctx, rec))

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			_, err := store.ApplyTransition(ctx, rec.UserID, func(r *subscription.EntitlementRecord) error {
				r.Usage.Add(subscription.FeatureReceiptUploads, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, rec.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.Usage.ReceiptUploads)
}

func TestMemoryStore_EventLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()

	ok, err := store.HasEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	ev := subscription.SubscriptionEvent{ExternalEventID: "evt_1", EventType: subscription.EventSubscriptionDeleted}
	require.NoError(t, store.AppendEvent(ctx, ev))
	assert.ErrorIs(t, store.AppendEvent(ctx, ev), subscription.ErrDuplicateEvent)
	assert.ErrorIs(t, store.AppendEvent(ctx, subscription.SubscriptionEvent{}), subscription.ErrMalformedEvent)

	ok, err = store.HasEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	events := store.Events()
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
}

func TestMemoryStore_ReferralLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	referrer := uuid.New()
	referred := uuid.New()

	inserted, err := store.InsertReferral(ctx, subscription.ReferralRecord{
		ReferrerID: referrer, ReferredID: referred, Status: subscription.ReferralCompleted,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertReferral(ctx, subscription.ReferralRecord{
		ReferrerID: uuid.New(), ReferredID: referred, Status: subscription.ReferralCompleted,
	})
	require.NoError(t, err)
	assert.False(t, inserted, "referred user is unique")

	n, err := store.CountCompletedReferrals(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	marked, err := store.MarkBonusGranted(ctx, referrer, 3)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = store.MarkBonusGranted(ctx, referrer, 3)
	require.NoError(t, err)
	assert.False(t, marked)

	require.NoError(t, store.RevokeBonus(ctx, referrer, 3))
	marked, err = store.MarkBonusGranted(ctx, referrer, 3)
	require.NoError(t, err)
	assert.True(t, marked)

	assert.Len(t, store.Referrals(), 1)
}
