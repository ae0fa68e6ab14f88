package subscription

import (
	"fmt"
	"strings"
	"time"
)

// Tier represents a product plan level.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierPremium:
		return true
	}
	return false
}

// Paid reports whether t requires a billing relationship.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierPremium
}

// ParseTier converts a case-insensitive string to a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Status represents the lifecycle state of an entitlement.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// BillingCycle represents the billing frequency of a paid subscription.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingAnnual  BillingCycle = "annual"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingAnnual
}

// ParseBillingCycle converts a case-insensitive string to a BillingCycle.
func ParseBillingCycle(s string) (BillingCycle, error) {
	c := BillingCycle(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingCycle, s)
	}
	return c, nil
}

// Next returns t advanced by one billing interval.
// Unknown cycles are treated as monthly.
func (c BillingCycle) Next(t time.Time) time.Time {
	if c == BillingAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Feature is a countable, tier-limited capability.
type Feature string

const (
	FeatureReceiptUploads Feature = "receipt_uploads"
	FeatureReportExports  Feature = "report_exports"
)

// Features lists every metered feature.
var Features = []Feature{FeatureReceiptUploads, FeatureReportExports}

// Valid reports whether f is a metered feature.
func (f Feature) Valid() bool {
	return f == FeatureReceiptUploads || f == FeatureReportExports
}

// Unlimited disables the check for a feature (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Usage holds per-period counters for metered features.
type Usage struct {
	ReceiptUploads int64 `json:"receipt_uploads"`
	ReportExports  int64 `json:"report_exports"`
}

// Get returns the counter for f.
func (u Usage) Get(f Feature) int64 {
	switch f {
	case FeatureReceiptUploads:
		return u.ReceiptUploads
	case FeatureReportExports:
		return u.ReportExports
	}
	return 0
}

// Add increments the counter for f by n.
func (u *Usage) Add(f Feature, n int64) {
	switch f {
	case FeatureReceiptUploads:
		u.ReceiptUploads += n
	case FeatureReportExports:
		u.ReportExports += n
	}
}

// TierLimits maps each tier to its per-feature caps.
type TierLimits map[Tier]map[Feature]int64

// DefaultTierLimits returns the stock limits: capped free tier, unlimited paid tiers.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		TierFree: {
			FeatureReceiptUploads: 10,
			FeatureReportExports:  1,
		},
		TierPro: {
			FeatureReceiptUploads: Unlimited,
			FeatureReportExports:  Unlimited,
		},
		TierPremium: {
			FeatureReceiptUploads: Unlimited,
			FeatureReportExports:  Unlimited,
		},
	}
}

// Limit returns the cap for a tier and feature.
// Missing entries resolve to 0, which denies the feature.
func (l TierLimits) Limit(t Tier, f Feature) int64 {
	features, ok := l[t]
	if !ok {
		return 0
	}
	return features[f]
}

// UpgradeFor returns the lowest tier whose limit for f is higher than the limit on t.
// Returns empty string when no tier unlocks more.
func (l TierLimits) UpgradeFor(t Tier, f Feature) Tier {
	current := l.Limit(t, f)
	for _, candidate := range []Tier{TierPro, TierPremium} {
		if candidate == t {
			continue
		}
		limit := l.Limit(candidate, f)
		if limit == Unlimited || (current != Unlimited && limit > current) {
			return candidate
		}
	}
	return ""
}
