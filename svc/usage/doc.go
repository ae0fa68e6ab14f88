// Package usage meters receipt uploads and report exports against tier limits.
//
// The Meter is the only writer of usage counters and goes through
// EntitlementStore.ApplyTransition for every change. Trial expiry is detected
// lazily: a check on a lapsed trial first downgrades the record to free and
// canceled, then evaluates the free-tier limits in the same call. Counters reset
// monthly at UsageResetAt.
//
// Gate wraps metered routes:
//
//	r.With(usage.Gate(meter, subscription.FeatureReceiptUploads, auth.UserIDFromContext)).
//		Post("/receipts", uploadReceipt)
package usage
