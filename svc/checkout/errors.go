package checkout

import "errors"

var (
	ErrEmailNotVerified   = errors.New("email address is not verified")
	ErrActiveSubscription = errors.New("user already has an active paid subscription")
	ErrNotPurchasable     = errors.New("tier cannot be purchased")
)
