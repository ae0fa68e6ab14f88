// Package email sends transactional billing notifications.
//
// EmailSender has two implementations: PostmarkSender for production and
// DevSender, which writes each message to disk. NewSender picks one based on
// whether POSTMARK_SERVER_TOKEN is set. Notifier renders the two messages the
// billing engine sends (trial ending, referral bonus) and hands them to the
// sender. Delivery is best-effort: callers log and audit failures rather than
// failing the surrounding operation.
package email
