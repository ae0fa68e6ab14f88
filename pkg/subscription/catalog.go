package subscription

import (
	"errors"
	"fmt"
)

// Catalog describes tiers, prices and business rules. It is usually loaded from YAML.
//
//	default_tier: pro
//	early_adopter_discount_percent: 20
//	trial_days: 14
//	limits:
//	  free: {receipt_uploads: 10, report_exports: 1}
//	legacy_amounts: {999: pro, 1999: premium}
//	modes:
//	  test:
//	    prices:
//	      pro: {monthly: pri_test_pro_m, annual: pri_test_pro_y}
//	    discounts: {20: dsc_test_early}
type Catalog struct {
	DefaultTier                 Tier                   `yaml:"default_tier"`
	EarlyAdopterDiscountPercent int                    `yaml:"early_adopter_discount_percent"`
	TrialDays                   int                    `yaml:"trial_days"`
	Limits                      TierLimits             `yaml:"limits"`
	LegacyAmounts               map[int64]Tier         `yaml:"legacy_amounts"`
	Modes                       map[string]ModeCatalog `yaml:"modes"`
}

// ModeCatalog holds provider identifiers for one billing mode (live or test).
type ModeCatalog struct {
	Prices    map[Tier]map[BillingCycle]string `yaml:"prices"`
	Discounts map[int]string                   `yaml:"discounts"` // percent -> provider discount id
}

// DefaultCatalog returns the built-in rules with no provider prices configured.
func DefaultCatalog() Catalog {
	return Catalog{
		DefaultTier:                 TierPro,
		EarlyAdopterDiscountPercent: 20,
		TrialDays:                   14,
		Limits:                      DefaultTierLimits(),
		LegacyAmounts: map[int64]Tier{
			999:   TierPro,
			9990:  TierPro,
			1999:  TierPremium,
			19990: TierPremium,
		},
		Modes: map[string]ModeCatalog{},
	}
}

// Normalize fills missing sections from DefaultCatalog and validates the rest.
func (c Catalog) Normalize() (Catalog, error) {
	def := DefaultCatalog()
	if c.DefaultTier == "" {
		c.DefaultTier = def.DefaultTier
	}
	if c.TrialDays == 0 {
		c.TrialDays = def.TrialDays
	}
	if c.LegacyAmounts == nil {
		c.LegacyAmounts = def.LegacyAmounts
	}
	if c.Modes == nil {
		c.Modes = map[string]ModeCatalog{}
	}
	limits := DefaultTierLimits()
	for tier, features := range c.Limits {
		if _, ok := limits[tier]; !ok {
			limits[tier] = map[Feature]int64{}
		}
		for f, v := range features {
			limits[tier][f] = v
		}
	}
	c.Limits = limits

	var errs []error
	if !c.DefaultTier.Valid() {
		errs = append(errs, fmt.Errorf("default_tier: %w: %q", ErrInvalidTier, c.DefaultTier))
	}
	if c.EarlyAdopterDiscountPercent < 0 || c.EarlyAdopterDiscountPercent > 100 {
		errs = append(errs, fmt.Errorf("early_adopter_discount_percent out of range: %d", c.EarlyAdopterDiscountPercent))
	}
	for tier, features := range c.Limits {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("limits: %w: %q", ErrInvalidTier, tier))
		}
		for f, v := range features {
			if !f.Valid() {
				errs = append(errs, fmt.Errorf("limits.%s: %w: %q", tier, ErrInvalidFeature, f))
			}
			if v < Unlimited {
				errs = append(errs, fmt.Errorf("limits.%s.%s: negative limit %d", tier, f, v))
			}
		}
	}
	for amount, tier := range c.LegacyAmounts {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("legacy_amounts.%d: %w: %q", amount, ErrInvalidTier, tier))
		}
	}
	for mode, mc := range c.Modes {
		for tier, cycles := range mc.Prices {
			if !tier.Paid() {
				errs = append(errs, fmt.Errorf("modes.%s.prices: tier %q is not purchasable", mode, tier))
			}
			for cycle := range cycles {
				if !cycle.Valid() {
					errs = append(errs, fmt.Errorf("modes.%s.prices.%s: %w: %q", mode, tier, ErrInvalidBillingCycle, cycle))
				}
			}
		}
	}
	if len(errs) > 0 {
		return Catalog{}, errors.Join(append([]error{ErrFailedToLoadCatalog}, errs...)...)
	}
	return c, nil
}

// Mode returns the identifiers for mode, or an empty ModeCatalog.
func (c Catalog) Mode(mode string) ModeCatalog {
	return c.Modes[mode]
}

// DiscountRef returns the provider discount id configured for percent.
func (m ModeCatalog) DiscountRef(percent int) string {
	return m.Discounts[percent]
}
