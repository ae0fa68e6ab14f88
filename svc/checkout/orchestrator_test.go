package checkout_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
	"github.com/dmitrymomot/receiptkit/svc/checkout"
	"github.com/dmitrymomot/receiptkit/svc/webhook"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) CreateCustomer(ctx context.Context, params subscription.CustomerParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, params subscription.CheckoutParams) (subscription.CheckoutSession, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(subscription.CheckoutSession), args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (subscription.Event, error) {
	args := m.Called(ctx, payload, header)
	ev, _ := args.Get(0).(subscription.Event)
	return ev, args.Error(1)
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) IsEmailVerified(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockUsers) LookupEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

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

func newUser(t *testing.T, store *subscription.MemoryStore, mutate func(*subscription.EntitlementRecord)) uuid.UUID {
	t.Helper()

	rec := subscription.NewEntitlementRecord(uuid.New(), "", 14*24*time.Hour, time.Now())
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(t, store.Create(context.Background(), rec))
	return rec.UserID
}

func session(id string) subscription.CheckoutSession {
	return subscription.CheckoutSession{ID: id, URL: "https://pay.example.com/" + id, ExpiresAt: time.Now().Add(time.Hour)}
}

func TestCreateCheckout_HappyPathReusesCustomer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := subscription.NewMemoryStore()
	userID := newUser(t, store, nil)

	users := &mockUsers{}
	users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)
	users.On("LookupEmail", mock.Anything, userID).Return("user@example.com", nil).Once()

	provider := &mockProvider{}
	provider.On("CreateCustomer", mock.Anything, subscription.CustomerParams{UserID: userID, Email: "user@example.com"}).
		Return("cus_123", nil).Once()
	provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p subscription.CheckoutParams) bool {
		return p.CustomerRef == "cus_123" && p.PriceRef == "pri_pro_m" && p.Tier == subscription.TierPro &&
			p.UserID == userID && p.DiscountPercent == 0
	})).Return(session("cs_1"), nil).Twice()

	o := checkout.NewOrchestrator(store, users, provider, resolver(),
		checkout.WithRedirectURLs("https://app.example.com/ok", "https://app.example.com/cancel"))

	s, err := o.CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/cs_1", s.URL)

	rec, err := store.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "cus_123", subscription.Deref(rec.BillingCustomerRef))

	_, err = o.CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly)
	require.NoError(t, err)

	provider.AssertExpectations(t)
	users.AssertExpectations(t)
}

func TestCreateCheckout_Preconditions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unverified email", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, nil)
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(false, nil)
		provider := &mockProvider{}

		_, err := checkout.NewOrchestrator(store, users, provider, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly)
		assert.ErrorIs(t, err, checkout.ErrEmailNotVerified)
		provider.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything)
	})

	t.Run("active subscription", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, func(r *subscription.EntitlementRecord) {
			r.Tier = subscription.TierPro
			r.Status = subscription.StatusActive
			r.BillingCustomerRef = subscription.Ref("cus_1")
			r.BillingSubscriptionRef = subscription.Ref("sub_1")
		})
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)

		_, err := checkout.NewOrchestrator(store, users, &mockProvider{}, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPremium, subscription.BillingMonthly)
		assert.ErrorIs(t, err, checkout.ErrActiveSubscription)
	})

	t.Run("paid tier granted by checkout without subscription ref", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, nil)
		signed, err := subscription.NewSignedProvider(subscription.SignedConfig{WebhookSecret: "whsec_test"})
		require.NoError(t, err)

		res, err := webhook.NewProcessor(signed, store, resolver()).Apply(ctx, subscription.CheckoutCompleted{
			EventEnvelope: subscription.EventEnvelope{
				ID:           "evt_checkout",
				ProviderType: string(subscription.EventCheckoutCompleted),
				CustomerRef:  "cus_1",
				UserID:       userID,
			},
			Tier:         subscription.TierPro,
			BillingCycle: subscription.BillingMonthly,
		})
		require.NoError(t, err)
		require.Equal(t, webhook.OutcomeApplied, res.Outcome)

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		require.Equal(t, subscription.TierPro, rec.Tier)
		require.Nil(t, rec.BillingSubscriptionRef)

		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)
		provider := &mockProvider{}

		_, err = checkout.NewOrchestrator(store, users, provider, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPremium, subscription.BillingMonthly)
		assert.ErrorIs(t, err, checkout.ErrActiveSubscription)
		provider.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("free tier and unknown cycle", func(t *testing.T) {
		t.Parallel()

		o := checkout.NewOrchestrator(subscription.NewMemoryStore(), &mockUsers{}, &mockProvider{}, resolver())
		_, err := o.CreateCheckout(ctx, uuid.New(), subscription.TierFree, subscription.BillingMonthly)
		assert.ErrorIs(t, err, checkout.ErrNotPurchasable)
		_, err = o.CreateCheckout(ctx, uuid.New(), subscription.TierPro, "weekly")
		assert.ErrorIs(t, err, subscription.ErrInvalidBillingCycle)
	})

	t.Run("price not configured", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, nil)
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)

		_, err := checkout.NewOrchestrator(store, users, &mockProvider{}, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPremium, subscription.BillingAnnual)
		assert.ErrorIs(t, err, subscription.ErrPriceNotConfigured)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()

		userID := uuid.New()
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)

		_, err := checkout.NewOrchestrator(subscription.NewMemoryStore(), users, &mockProvider{}, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly)
		assert.ErrorIs(t, err, subscription.ErrUserNotFound)
	})
}

func TestCreateCheckout_UpstreamFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("customer creation", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, nil)
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)
		users.On("LookupEmail", mock.Anything, userID).Return("user@example.com", nil)
		provider := &mockProvider{}
		provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("", errors.New("503 from provider"))

		_, err := checkout.NewOrchestrator(store, users, provider, resolver()).
			CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly)
		assert.ErrorIs(t, err, subscription.ErrUpstreamUnavailable)
	})

	t.Run("session creation keeps persisted customer for retry", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		userID := newUser(t, store, nil)
		users := &mockUsers{}
		users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)
		users.On("LookupEmail", mock.Anything, userID).Return("user@example.com", nil).Once()
		provider := &mockProvider{}
		provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("cus_9", nil).Once()
		provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(subscription.CheckoutSession{}, errors.New("timeout")).Once()
		provider.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(session("cs_2"), nil).Once()

		o := checkout.NewOrchestrator(store, users, provider, resolver())
		_, err := o.CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingAnnual)
		assert.ErrorIs(t, err, subscription.ErrUpstreamUnavailable)

		rec, err := store.Get(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "cus_9", subscription.Deref(rec.BillingCustomerRef))

		s, err := o.CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingAnnual)
		require.NoError(t, err)
		assert.Equal(t, "cs_2", s.ID)
		provider.AssertExpectations(t)
	})
}

func TestCreateCheckout_Discounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*subscription.EntitlementRecord)
		want   int
	}{
		{"regular user", nil, 0},
		{"early adopter first checkout", func(r *subscription.EntitlementRecord) { r.EarlyAdopter = true }, 20},
		{"early adopter with recorded discount", func(r *subscription.EntitlementRecord) {
			r.EarlyAdopter = true
			r.LifetimeDiscountPercent = 30
		}, 30},
		{"discount without early adopter flag", func(r *subscription.EntitlementRecord) { r.LifetimeDiscountPercent = 30 }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := subscription.NewMemoryStore()
			userID := newUser(t, store, func(r *subscription.EntitlementRecord) {
				r.BillingCustomerRef = subscription.Ref("cus_existing")
				if tt.mutate != nil {
					tt.mutate(r)
				}
			})
			users := &mockUsers{}
			users.On("IsEmailVerified", mock.Anything, userID).Return(true, nil)
			provider := &mockProvider{}
			provider.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p subscription.CheckoutParams) bool {
				return p.DiscountPercent == tt.want && p.CustomerRef == "cus_existing" && p.ReferralCode == "FRIEND"
			})).Return(session("cs"), nil).Once()

			o := checkout.NewOrchestrator(store, users, provider, resolver(), checkout.WithEarlyAdopterDiscount(20))
			_, err := o.CreateCheckout(ctx, userID, subscription.TierPro, subscription.BillingMonthly, checkout.WithReferralCode("FRIEND"))
			require.NoError(t, err)
			provider.AssertExpectations(t)
		})
	}
}
