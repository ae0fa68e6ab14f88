package webhook

import "errors"

var (
	ErrMissingSecret     = errors.New("webhook signing secret is required")
	ErrEmptyPayload      = errors.New("webhook payload cannot be empty")
	ErrMissingSignature  = errors.New("webhook signature headers are missing")
	ErrInvalidTimestamp  = errors.New("webhook signature timestamp is invalid")
	ErrSignatureExpired  = errors.New("webhook signature timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)
