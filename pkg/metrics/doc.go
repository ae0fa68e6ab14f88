// Package metrics exposes Prometheus instruments for webhook processing,
// checkout creation, usage gating, referral credits and entitlement transitions.
package metrics
