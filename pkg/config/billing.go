package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitrymomot/receiptkit/pkg/subscription"
)

// Billing modes.
const (
	ModeLive = "live"
	ModeTest = "test"
)

// Billing providers.
const (
	ProviderPaddle = "paddle"
	ProviderStripe = "stripe"
	ProviderSigned = "signed"
)

// BillingEnv is the raw billing environment. Several generations of variable
// names are accepted; ResolveBilling turns them into one BillingConfig at
// startup and nothing else reads these fields.
type BillingEnv struct {
	Mode        string `env:"BILLING_MODE" envDefault:"test"`
	Provider    string `env:"BILLING_PROVIDER" envDefault:"paddle"`
	CatalogFile string `env:"BILLING_CATALOG_FILE"`
	SuccessURL  string `env:"BILLING_SUCCESS_URL" envDefault:"http://localhost:8080/billing/success"`
	CancelURL   string `env:"BILLING_CANCEL_URL" envDefault:"http://localhost:8080/billing"`

	PaddleAPIKey            string `env:"PADDLE_API_KEY"`
	PaddleWebhookSecret     string `env:"PADDLE_WEBHOOK_SECRET"`
	PaddleTestAPIKey        string `env:"PADDLE_TEST_API_KEY"`
	PaddleTestWebhookSecret string `env:"PADDLE_TEST_WEBHOOK_SECRET"`
	PaddleSandboxAPIKey     string `env:"PADDLE_SANDBOX_API_KEY"` // legacy name of PADDLE_TEST_API_KEY

	StripeSecretKey         string `env:"STRIPE_SECRET_KEY"`
	StripeAPIKey            string `env:"STRIPE_API_KEY"` // legacy name of STRIPE_SECRET_KEY
	StripeWebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeTestSecretKey     string `env:"STRIPE_TEST_SECRET_KEY"`
	StripeTestAPIKey        string `env:"STRIPE_TEST_API_KEY"` // legacy name of STRIPE_TEST_SECRET_KEY
	StripeTestWebhookSecret string `env:"STRIPE_TEST_WEBHOOK_SECRET"`

	SignedWebhookSecret string        `env:"WEBHOOK_SIGNING_SECRET"`
	SignedCheckoutURL   string        `env:"SIGNED_CHECKOUT_URL"`
	SignedMaxAge        time.Duration `env:"WEBHOOK_SIGNATURE_MAX_AGE" envDefault:"5m"`
}

// BillingConfig is the resolved billing configuration: one provider, one mode,
// one credential pair.
type BillingConfig struct {
	Mode          string
	Provider      string
	APIKey        string
	WebhookSecret string
	CheckoutURL   string
	MaxAge        time.Duration
	SuccessURL    string
	CancelURL     string
	CatalogFile   string
}

// Sandbox reports whether the provider should talk to its test environment.
func (c BillingConfig) Sandbox() bool { return c.Mode == ModeTest }

// ResolveBilling validates mode and provider and picks the credential pair for
// the active mode, preferring current variable names over legacy ones.
func ResolveBilling(e BillingEnv) (BillingConfig, error) {
	mode, err := normalizeMode(e.Mode)
	if err != nil {
		return BillingConfig{}, err
	}

	cfg := BillingConfig{
		Mode:        mode,
		Provider:    strings.ToLower(strings.TrimSpace(e.Provider)),
		SuccessURL:  e.SuccessURL,
		CancelURL:   e.CancelURL,
		CatalogFile: e.CatalogFile,
	}

	switch cfg.Provider {
	case ProviderPaddle:
		if mode == ModeLive {
			cfg.APIKey = firstNonEmpty(e.PaddleAPIKey)
			cfg.WebhookSecret = firstNonEmpty(e.PaddleWebhookSecret)
		} else {
			cfg.APIKey = firstNonEmpty(e.PaddleTestAPIKey, e.PaddleSandboxAPIKey)
			cfg.WebhookSecret = firstNonEmpty(e.PaddleTestWebhookSecret)
		}
	case ProviderStripe:
		if mode == ModeLive {
			cfg.APIKey = firstNonEmpty(e.StripeSecretKey, e.StripeAPIKey)
			cfg.WebhookSecret = firstNonEmpty(e.StripeWebhookSecret)
		} else {
			cfg.APIKey = firstNonEmpty(e.StripeTestSecretKey, e.StripeTestAPIKey)
			cfg.WebhookSecret = firstNonEmpty(e.StripeTestWebhookSecret)
			// Older deployments kept test keys under the live names.
			if cfg.APIKey == "" && strings.HasPrefix(firstNonEmpty(e.StripeSecretKey, e.StripeAPIKey), "sk_test_") {
				cfg.APIKey = firstNonEmpty(e.StripeSecretKey, e.StripeAPIKey)
				cfg.WebhookSecret = firstNonEmpty(cfg.WebhookSecret, e.StripeWebhookSecret)
			}
		}
		if mode == ModeLive && strings.HasPrefix(cfg.APIKey, "sk_test_") {
			return BillingConfig{}, fmt.Errorf("%w: live mode configured with a Stripe test key", ErrInvalidBillingCfg)
		}
	case ProviderSigned:
		cfg.WebhookSecret = firstNonEmpty(e.SignedWebhookSecret)
		cfg.CheckoutURL = e.SignedCheckoutURL
		cfg.MaxAge = e.SignedMaxAge
	default:
		return BillingConfig{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidBillingCfg, e.Provider)
	}

	if cfg.Provider != ProviderSigned && cfg.APIKey == "" {
		return BillingConfig{}, fmt.Errorf("%w: %s %s mode: %w", ErrInvalidBillingCfg, cfg.Provider, mode, subscription.ErrMissingAPIKey)
	}
	if cfg.WebhookSecret == "" {
		return BillingConfig{}, fmt.Errorf("%w: %s %s mode: %w", ErrInvalidBillingCfg, cfg.Provider, mode, subscription.ErrMissingWebhookSecret)
	}
	return cfg, nil
}

// NewProvider builds the billing provider selected by cfg.
func NewProvider(cfg BillingConfig, catalog subscription.Catalog) (subscription.Provider, error) {
	switch cfg.Provider {
	case ProviderPaddle:
		return subscription.NewPaddleProvider(subscription.PaddleConfig{
			APIKey:        cfg.APIKey,
			WebhookSecret: cfg.WebhookSecret,
			Sandbox:       cfg.Sandbox(),
			Discounts:     catalog.Mode(cfg.Mode).Discounts,
		})
	case ProviderStripe:
		return subscription.NewStripeProvider(subscription.StripeConfig{
			SecretKey:     cfg.APIKey,
			WebhookSecret: cfg.WebhookSecret,
		})
	case ProviderSigned:
		return subscription.NewSignedProvider(subscription.SignedConfig{
			WebhookSecret: cfg.WebhookSecret,
			CheckoutURL:   cfg.CheckoutURL,
			MaxAge:        cfg.MaxAge,
		})
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidBillingCfg, cfg.Provider)
}

func normalizeMode(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live", "production", "prod":
		return ModeLive, nil
	case "test", "sandbox", "":
		return ModeTest, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidBillingCfg, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
