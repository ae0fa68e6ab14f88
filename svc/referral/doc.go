// Package referral credits referrals and grants the referrer a bonus billing
// period when they reach DefaultThreshold completed referrals.
//
// Both steps are idempotent: the ledger accepts a referred user once, and the
// bonus is guarded by a (referrer, milestone) marker rather than a "count >=
// threshold" check, so later referrals and webhook replays never extend the
// period again.
package referral
