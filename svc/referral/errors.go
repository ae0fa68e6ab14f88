package referral

import "errors"

var (
	ErrMissingReferralCode = errors.New("referral code is required")
	ErrUnknownReferralCode = errors.New("referral code does not match any user")
	ErrSelfReferral        = errors.New("users cannot refer themselves")
	ErrBonusNotApplied     = errors.New("referral bonus could not be applied")
)
