// Package webhook signs and verifies webhook payloads with HMAC-SHA256.
//
// The signature covers the delivery timestamp and the raw body:
//
//	hex(HMAC-SHA256(secret, "<unix timestamp>.<payload>"))
//
// and travels in three headers: X-Webhook-Signature, X-Webhook-Timestamp and
// X-Webhook-ID. Verification compares in constant time and rejects deliveries
// outside the allowed age window.
//
//	headers, err := webhook.Sign(secret, payload, time.Now())
//	...
//	err = webhook.Verify(secret, payload, webhook.HeadersFromHTTP(r.Header), 5*time.Minute)
package webhook
