package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/redis"
	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/referral"
	"github.com/dmitrymomot/receiptkit/svc/webhook"
)

const secret = "whsec_test"

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func resolver() *subscription.Resolver {
	c := subscription.DefaultCatalog()
	c.Modes = map[string]subscription.ModeCatalog{
		"test": {Prices: map[subscription.Tier]map[subscription.BillingCycle]string{
			subscription.TierPro:     {subscription.BillingMonthly: "pri_pro_m", subscription.BillingAnnual: "pri_pro_y"},
			subscription.TierPremium: {subscription.BillingMonthly: "pri_premium_m"},
		}},
	}
	return subscription.NewResolver(c, "test", nil)
}

func signedProvider(t *testing.T) *subscription.SignedProvider {
	t.Helper()
	p, err := subscription.NewSignedProvider(subscription.SignedConfig{WebhookSecret: secret})
	require.NoError(t, err)
	return p
}

func newProcessor(t *testing.T, store *subscription.MemoryStore, opts ...webhook.Option) *webhook.Processor {
	t.Helper()
	opts = append([]webhook.Option{webhook.WithClock(func() time.Time { return now })}, opts...)
	return webhook.NewProcessor(signedProvider(t), store, resolver(), opts...)
}

func newUser(t *testing.T, store *subscription.MemoryStore, code string, mutate func(*subscription.EntitlementRecord)) uuid.UUID {
	t.Helper()
	rec := subscription.NewEntitlementRecord(uuid.New(), code, 14*24*time.Hour, now.Add(-24*time.Hour))
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec.UserID
}

func sign(t *testing.T, env subscription.SignedEnvelope) ([]byte, http.Header) {
	t.Helper()
	body, header, err := subscription.SignEnvelope(secret, env, time.Now())
	require.NoError(t, err)
	return body, header
}

func deliver(t *testing.T, p *webhook.Processor, env subscription.SignedEnvelope) (webhook.Result, error) {
	t.Helper()
	body, header := sign(t, env)
	return p.Process(context.Background(), body, header)
}

func checkoutEnvelope(id string, userID uuid.UUID, referralCode string) subscription.SignedEnvelope {
	return subscription.SignedEnvelope{
		EventID:         id,
		Type:            string(subscription.EventCheckoutCompleted),
		OccurredAt:      now.Add(-time.Minute),
		CustomerRef:     "cus_" + userID.String()[:8],
		SubscriptionRef: "sub_" + userID.String()[:8],
		Data: subscription.SignedEventData{
			UserID:       userID.String(),
			Tier:         "pro",
			BillingCycle: "monthly",
			PriceRef:     "pri_pro_m",
			ReferralCode: referralCode,
		},
	}
}

func TestProcess_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	p := newProcessor(t, store)

	body, header := sign(t, checkoutEnvelope("evt_1", userID, ""))
	header.Set("X-Webhook-Signature", "v1=deadbeef")

	_, err := p.Process(context.Background(), body, header)
	assert.ErrorIs(t, err, subscription.ErrAuthenticationFailure)
	assert.Empty(t, store.Events())

	rec, err := store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrial, rec.Status)
}

func TestProcess_IdempotentReplay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	p := newProcessor(t, store)
	env := checkoutEnvelope("evt_checkout", userID, "")

	res, err := deliver(t, p, env)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)
	first, err := store.Get(ctx, userID)
	require.NoError(t, err)

	res, err = deliver(t, p, env)
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeDuplicate, res.Outcome)

	second, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, store.Events(), 1)

	row := store.Events()[0]
	assert.Equal(t, "evt_checkout", row.ExternalEventID)
	assert.Equal(t, subscription.TierFree, row.OldTier)
	assert.Equal(t, subscription.TierPro, row.NewTier)
	assert.Equal(t, subscription.StatusTrial, row.OldStatus)
	assert.Equal(t, subscription.StatusActive, row.NewStatus)
	assert.Equal(t, "signed", row.Metadata["provider"])
}

func TestProcess_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	p := newProcessor(t, store)

	checkout := checkoutEnvelope("evt_1", userID, "")
	_, err := deliver(t, p, checkout)
	require.NoError(t, err)

	rec, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPro, rec.Tier)
	assert.Equal(t, subscription.StatusActive, rec.Status)
	assert.Equal(t, checkout.CustomerRef, subscription.Deref(rec.BillingCustomerRef))
	assert.Equal(t, checkout.SubscriptionRef, subscription.Deref(rec.BillingSubscriptionRef))
	require.NotNil(t, rec.PeriodEnd)
	assert.Equal(t, now.AddDate(0, 1, 0), *rec.PeriodEnd)

	steps := []struct {
		typ    subscription.EventType
		status subscription.Status
		tier   subscription.Tier
	}{
		{subscription.EventInvoicePaymentFailed, subscription.StatusPastDue, subscription.TierPro},
		{subscription.EventInvoicePaymentSucceeded, subscription.StatusActive, subscription.TierPro},
		{subscription.EventSubscriptionDeleted, subscription.StatusCanceled, subscription.TierFree},
		{subscription.EventSubscriptionDeleted, subscription.StatusCanceled, subscription.TierFree},
	}
	for i, step := range steps {
		res, err := deliver(t, p, subscription.SignedEnvelope{
			EventID:         "evt_step_" + string(rune('a'+i)),
			Type:            string(step.typ),
			OccurredAt:      now.Add(time.Duration(i) * time.Minute),
			SubscriptionRef: checkout.SubscriptionRef,
		})
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeApplied, res.Outcome, step.typ)

		rec, err = store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, step.status, rec.Status, step.typ)
		assert.Equal(t, step.tier, rec.Tier, step.typ)
	}

	assert.Nil(t, rec.BillingSubscriptionRef)
	assert.Nil(t, rec.PeriodEnd)
	assert.Equal(t, checkout.CustomerRef, subscription.Deref(rec.BillingCustomerRef))
	assert.Len(t, store.Events(), 5)
}

func TestProcess_OrderTolerance(t *testing.T) {
	t.Parallel()

	periodPro := now.AddDate(0, 1, 0)
	periodPremium := now.AddDate(0, 1, 5)
	created := subscription.SignedEnvelope{
		EventID: "evt_created", Type: string(subscription.EventSubscriptionCreated),
		OccurredAt: now.Add(-2 * time.Minute), CustomerRef: "cus_1", SubscriptionRef: "sub_1",
		Data: subscription.SignedEventData{Status: "active", PriceRef: "pri_pro_m", PeriodEnd: &periodPro},
	}
	updated := subscription.SignedEnvelope{
		EventID: "evt_updated", Type: string(subscription.EventSubscriptionUpdated),
		OccurredAt: now.Add(-time.Minute), CustomerRef: "cus_1", SubscriptionRef: "sub_1",
		Data: subscription.SignedEventData{Status: "active", PriceRef: "pri_premium_m", PeriodEnd: &periodPremium},
	}

	run := func(order ...subscription.SignedEnvelope) subscription.EntitlementRecord {
		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) {
			r.BillingCustomerRef = subscription.Ref("cus_1")
		})
		p := newProcessor(t, store)
		for _, env := range order {
			_, err := deliver(t, p, env)
			require.NoError(t, err)
		}
		rec, err := store.Get(context.Background(), userID)
		require.NoError(t, err)
		return rec
	}

	inOrder := run(created, updated)
	reversed := run(updated, created)

	for _, rec := range []subscription.EntitlementRecord{inOrder, reversed} {
		assert.Equal(t, subscription.TierPremium, rec.Tier)
		assert.Equal(t, subscription.StatusActive, rec.Status)
		assert.Equal(t, "sub_1", subscription.Deref(rec.BillingSubscriptionRef))
		require.NotNil(t, rec.PeriodEnd)
		assert.Equal(t, periodPremium, *rec.PeriodEnd)
	}
	assert.Equal(t, inOrder.LastEventAt, reversed.LastEventAt)
	assert.Equal(t, inOrder.BillingCycle, reversed.BillingCycle)
}

func TestProcess_UpdateWithoutLineItemKeepsTier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("status-only update on a paid record", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", nil)
		p := newProcessor(t, store)

		checkout := checkoutEnvelope("evt_co", userID, "")
		_, err := deliver(t, p, checkout)
		require.NoError(t, err)

		res, err := deliver(t, p, subscription.SignedEnvelope{
			EventID: "evt_upd", Type: string(subscription.EventSubscriptionUpdated),
			OccurredAt: now, SubscriptionRef: checkout.SubscriptionRef,
			Data: subscription.SignedEventData{Status: "past_due"},
		})
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, subscription.TierPro, rec.Tier)
		assert.Equal(t, subscription.StatusPastDue, rec.Status)
		require.NoError(t, rec.Validate())
	})

	t.Run("created without line item on a free record uses the default tier", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) {
			r.BillingCustomerRef = subscription.Ref("cus_d")
		})
		p := newProcessor(t, store)

		res, err := deliver(t, p, subscription.SignedEnvelope{
			EventID: "evt_new", Type: string(subscription.EventSubscriptionCreated),
			OccurredAt: now, CustomerRef: "cus_d", SubscriptionRef: "sub_d",
			Data: subscription.SignedEventData{Status: "active"},
		})
		require.NoError(t, err)
		assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, resolver().Default(), rec.Tier)
		assert.Equal(t, subscription.StatusActive, rec.Status)
		require.NoError(t, rec.Validate())
	})
}

func TestProcess_StaleEventIsLedgered(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	lastEvent := now.Add(-time.Minute)
	userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) {
		r.Tier = subscription.TierPremium
		r.Status = subscription.StatusActive
		r.BillingCustomerRef = subscription.Ref("cus_1")
		r.BillingSubscriptionRef = subscription.Ref("sub_1")
		r.LastEventAt = &lastEvent
	})
	p := newProcessor(t, store)

	res, err := deliver(t, p, subscription.SignedEnvelope{
		EventID: "evt_old", Type: string(subscription.EventSubscriptionUpdated),
		OccurredAt: now.Add(-time.Hour), SubscriptionRef: "sub_1",
		Data: subscription.SignedEventData{Status: "active", PriceRef: "pri_pro_m"},
	})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeSkipped, res.Outcome)
	assert.Equal(t, "stale", res.SkipReason)

	rec, err := store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPremium, rec.Tier)

	require.Len(t, store.Events(), 1)
	assert.Equal(t, "stale", store.Events()[0].Metadata["skipped"])
}

func TestProcess_ForeignAndMissingSubscriptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*subscription.EntitlementRecord)
		env    subscription.SignedEnvelope
		reason string
	}{
		{
			name: "deletion of an old subscription",
			mutate: func(r *subscription.EntitlementRecord) {
				r.Tier = subscription.TierPro
				r.Status = subscription.StatusActive
				r.BillingCustomerRef = subscription.Ref("cus_1")
				r.BillingSubscriptionRef = subscription.Ref("sub_new")
			},
			env:    subscription.SignedEnvelope{Type: "subscription.deleted", CustomerRef: "cus_1", SubscriptionRef: "sub_old"},
			reason: "foreign_subscription",
		},
		{
			name:   "payment failure without subscription",
			mutate: func(r *subscription.EntitlementRecord) { r.BillingCustomerRef = subscription.Ref("cus_1") },
			env:    subscription.SignedEnvelope{Type: "invoice.paymentFailed", CustomerRef: "cus_1"},
			reason: "no_subscription",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := subscription.NewMemoryStore()
			userID := newUser(t, store, "", tt.mutate)
			before, err := store.Get(context.Background(), userID)
			require.NoError(t, err)

			tt.env.EventID = "evt_" + tt.reason
			res, err := deliver(t, newProcessor(t, store), tt.env)
			require.NoError(t, err)
			assert.Equal(t, webhook.OutcomeSkipped, res.Outcome)
			assert.Equal(t, tt.reason, res.SkipReason)

			after, err := store.Get(context.Background(), userID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestProcess_NonFatalNoOps(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	p := newProcessor(t, store)

	res, err := deliver(t, p, subscription.SignedEnvelope{EventID: "evt_x", Type: "customer.tax_id.created"})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeIgnored, res.Outcome)

	res, err = deliver(t, p, subscription.SignedEnvelope{
		EventID: "evt_y", Type: string(subscription.EventSubscriptionCreated),
		CustomerRef: "cus_nobody", SubscriptionRef: "sub_nobody",
		Data: subscription.SignedEventData{Status: "active", PriceRef: "pri_pro_m"},
	})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeUserNotFound, res.Outcome)

	assert.Empty(t, store.Events())
}

func TestProcess_InvariantsHoldForEveryOrdering(t *testing.T) {
	t.Parallel()

	env := func(id string, typ subscription.EventType) subscription.EventEnvelope {
		return subscription.EventEnvelope{ID: id, ProviderType: string(typ), CustomerRef: "cus_1", SubscriptionRef: "sub_1"}
	}
	change := func(id string, price, status string) subscription.SubscriptionChange {
		return subscription.SubscriptionChange{
			EventEnvelope:  env(id, subscription.EventSubscriptionUpdated),
			Item:           subscription.LineItem{PriceRef: price},
			ProviderStatus: status,
		}
	}
	events := []subscription.Event{
		subscription.CheckoutCompleted{EventEnvelope: env("e1", subscription.EventCheckoutCompleted), Tier: subscription.TierPro},
		subscription.SubscriptionCreated{SubscriptionChange: change("e2", "pri_pro_m", "trialing")},
		subscription.SubscriptionUpdated{SubscriptionChange: change("e3", "pri_premium_m", "active")},
		subscription.InvoicePaymentFailed{EventEnvelope: env("e4", subscription.EventInvoicePaymentFailed)},
		subscription.InvoicePaymentSucceeded{EventEnvelope: env("e5", subscription.EventInvoicePaymentSucceeded)},
		subscription.SubscriptionDeleted{EventEnvelope: env("e6", subscription.EventSubscriptionDeleted)},
	}

	ctx := context.Background()
	for _, order := range permutations(len(events)) {
		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) {
			r.BillingCustomerRef = subscription.Ref("cus_1")
		})
		p := newProcessor(t, store)

		for _, i := range order {
			_, err := p.Apply(ctx, events[i])
			require.NoError(t, err, "order %v", order)

			rec, err := store.Get(ctx, userID)
			require.NoError(t, err)
			require.NoError(t, rec.Validate(), "order %v", order)
			if rec.Status == subscription.StatusCanceled {
				require.Equal(t, subscription.TierFree, rec.Tier, "order %v", order)
				require.Nil(t, rec.BillingSubscriptionRef, "order %v", order)
			}
		}
		require.Len(t, store.Events(), len(events), "order %v", order)
	}
}

func permutations(n int) [][]int {
	var out [][]int
	var walk func(prefix []int, used []bool)
	walk = func(prefix []int, used []bool) {
		if len(prefix) == n {
			out = append(out, append([]int(nil), prefix...))
			return
		}
		for i := range n {
			if used[i] {
				continue
			}
			used[i] = true
			walk(append(prefix, i), used)
			used[i] = false
		}
	}
	walk(nil, make([]bool, n))
	return out
}

func TestProcess_ReferralCreditedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	referrerID := newUser(t, store, "FRIEND1", nil)
	referredID := newUser(t, store, "", nil)

	engine := referral.NewEngine(store, store, referral.WithClock(func() time.Time { return now }))
	p := newProcessor(t, store, webhook.WithReferrals(engine))

	res, err := deliver(t, p, checkoutEnvelope("evt_a", referredID, "FRIEND1"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	// A second checkout event for the same user, as a provider retry with a new id.
	res, err = deliver(t, p, checkoutEnvelope("evt_b", referredID, "FRIEND1"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	refs := store.Referrals()
	require.Len(t, refs, 1)
	assert.Equal(t, referrerID, refs[0].ReferrerID)
	assert.Equal(t, referredID, refs[0].ReferredID)

	count, err := store.CountCompletedReferrals(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "FRIEND1", store.Events()[0].Metadata["referral_code"])
}

type failingCrediter struct{}

func (failingCrediter) CreditReferral(context.Context, string, uuid.UUID) (referral.Result, error) {
	return referral.Result{}, errors.New("referral store down")
}

func TestProcess_ReferralFailureDoesNotFailWebhook(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", nil)
	p := newProcessor(t, store, webhook.WithReferrals(failingCrediter{}))

	res, err := deliver(t, p, checkoutEnvelope("evt_r", userID, "CODE"))
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)
	assert.Len(t, store.Events(), 1)
}

func TestProcess_EarlyAdopterDiscountRecorded(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) { r.EarlyAdopter = true })
	p := newProcessor(t, store, webhook.WithEarlyAdopterDiscount(20))

	_, err := deliver(t, p, checkoutEnvelope("evt_ea", userID, ""))
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 20, rec.LifetimeDiscountPercent)
	assert.Equal(t, 20, rec.DiscountPercent())
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) TrialEnding(ctx context.Context, to string, trialEnd time.Time) error {
	return m.Called(ctx, to, trialEnd).Error(0)
}

type mockEmails struct {
	mock.Mock
}

func (m *mockEmails) LookupEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func TestProcess_TrialWillEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	userID := newUser(t, store, "", func(r *subscription.EntitlementRecord) {
		r.BillingCustomerRef = subscription.Ref("cus_t")
		r.BillingSubscriptionRef = subscription.Ref("sub_t")
	})
	before, err := store.Get(ctx, userID)
	require.NoError(t, err)

	trialEnd := now.Add(72 * time.Hour)
	emails := &mockEmails{}
	emails.On("LookupEmail", mock.Anything, userID).Return("user@example.com", nil)
	notifier := &mockNotifier{}
	notifier.On("TrialEnding", mock.Anything, "user@example.com", trialEnd).Return(errors.New("postmark down"))

	p := newProcessor(t, store, webhook.WithTrialNotifier(notifier, emails))
	res, err := deliver(t, p, subscription.SignedEnvelope{
		EventID: "evt_trial", Type: string(subscription.EventTrialWillEnd),
		OccurredAt: now, SubscriptionRef: "sub_t",
		Data: subscription.SignedEventData{TrialEnd: &trialEnd},
	})
	require.NoError(t, err)
	assert.Equal(t, webhook.OutcomeApplied, res.Outcome)

	after, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, store.Events(), 1)
	assert.Equal(t, subscription.EventTrialWillEnd, store.Events()[0].EventType)
	notifier.AssertExpectations(t)
}

type busyLocker struct{}

func (busyLocker) Claim(context.Context, string) (func(context.Context) error, error) {
	return nil, redis.ErrLockHeld
}

type countingLocker struct {
	claimed, released atomic.Int32
}

func (l *countingLocker) Claim(context.Context, string) (func(context.Context) error, error) {
	l.claimed.Add(1)
	return func(context.Context) error {
		l.released.Add(1)
		return nil
	}, nil
}

func TestProcess_Locking(t *testing.T) {
	t.Parallel()

	t.Run("busy claim", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", nil)
		_, err := deliver(t, newProcessor(t, store, webhook.WithLocker(busyLocker{})), checkoutEnvelope("evt_l", userID, ""))
		assert.ErrorIs(t, err, webhook.ErrInFlight)
		assert.Empty(t, store.Events())
	})

	t.Run("claim released", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, "", nil)
		locker := &countingLocker{}
		_, err := deliver(t, newProcessor(t, store, webhook.WithLocker(locker)), checkoutEnvelope("evt_l", userID, ""))
		require.NoError(t, err)
		assert.Equal(t, int32(1), locker.claimed.Load())
		assert.Equal(t, int32(1), locker.released.Load())
	})
}
