package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Resolver maps price identifiers and legacy amounts to tiers.
// Resolution never fails: unknown prices fall back to the catalog default tier
// so billing events are never dropped for an unrecognized price.
type Resolver struct {
	prices   map[string]Tier
	cycles   map[string]BillingCycle
	byTier   map[Tier]map[BillingCycle]string
	amounts  map[int64]Tier
	fallback Tier
	log      *slog.Logger
}

// NewResolver builds a resolver for the prices of one billing mode.
func NewResolver(c Catalog, mode string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Resolver{
		prices:   make(map[string]Tier),
		cycles:   make(map[string]BillingCycle),
		byTier:   make(map[Tier]map[BillingCycle]string),
		amounts:  make(map[int64]Tier, len(c.LegacyAmounts)),
		fallback: c.DefaultTier,
		log:      log,
	}
	if !r.fallback.Valid() {
		r.fallback = TierPro
	}
	for tier, cycles := range c.Mode(mode).Prices {
		r.byTier[tier] = make(map[BillingCycle]string, len(cycles))
		for cycle, ref := range cycles {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			r.prices[ref] = tier
			r.cycles[ref] = cycle
			r.byTier[tier][cycle] = ref
		}
	}
	for amount, tier := range c.LegacyAmounts {
		r.amounts[amount] = tier
	}
	return r
}

// Resolve returns the tier for a line item. Identifier resolution wins over the
// legacy amount table; a free item (no price, zero amount) resolves to free.
func (r *Resolver) Resolve(item LineItem) Tier {
	byPrice, priceOK := r.ByPrice(item.PriceRef)
	byAmount, amountOK := r.ByAmount(item.Amount)

	switch {
	case priceOK:
		if amountOK && byAmount != byPrice {
			r.log.Warn("tier resolution paths disagree, price identifier wins",
				slog.String("price_ref", item.PriceRef),
				slog.Int64("amount", item.Amount),
				slog.String("price_tier", string(byPrice)),
				slog.String("amount_tier", string(byAmount)),
			)
		}
		return byPrice
	case amountOK:
		return byAmount
	case item.PriceRef == "" && item.Amount == 0:
		return TierFree
	}

	r.log.Warn("unrecognized price, using default tier",
		slog.String("price_ref", item.PriceRef),
		slog.Int64("amount", item.Amount),
		slog.String("tier", string(r.fallback)),
	)
	return r.fallback
}

// Default is the tier used for unrecognized prices.
func (r *Resolver) Default() Tier {
	return r.fallback
}

// ByPrice resolves a configured price identifier.
func (r *Resolver) ByPrice(ref string) (Tier, bool) {
	if ref == "" {
		return "", false
	}
	t, ok := r.prices[strings.TrimSpace(ref)]
	return t, ok
}

// ByAmount resolves a legacy literal amount in minor units.
func (r *Resolver) ByAmount(amount int64) (Tier, bool) {
	if amount <= 0 {
		return "", false
	}
	t, ok := r.amounts[amount]
	return t, ok
}

// CycleFor returns the billing cycle a configured price belongs to.
func (r *Resolver) CycleFor(ref string) (BillingCycle, bool) {
	c, ok := r.cycles[strings.TrimSpace(ref)]
	return c, ok
}

// PriceRef returns the configured price identifier for a purchasable tier and cycle.
func (r *Resolver) PriceRef(_ context.Context, tier Tier, cycle BillingCycle) (string, error) {
	if ref, ok := r.byTier[tier][cycle]; ok {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrPriceNotConfigured, tier, cycle)
}
