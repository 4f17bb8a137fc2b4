package app

import "errors"

// Business-rule errors surfaced by the service layer. Store-enforced
// invariants (open-subscription uniqueness, insufficient points, conflicting
// settlement) keep their sentinels in the store package; everything the
// application decides before touching the database lives here. Callers branch
// with errors.Is instead of matching message strings.
var (
	ErrPlanNotActive          = errors.New("plan is not active")
	ErrAlreadySubscribed      = errors.New("account already has a pending or active subscription")
	ErrInvalidTransition      = errors.New("requested subscription status transition is not allowed")
	ErrSelfReferral           = errors.New("referrer and referred accounts must differ")
	ErrBlankReferralCode      = errors.New("referral code must not be blank")
	ErrNegativePoints         = errors.New("points must not be negative")
	ErrReferralCompleted      = errors.New("referral is already completed")
	ErrReferralCancelled      = errors.New("referral is cancelled")
	ErrCannotCancelCompleted  = errors.New("a completed referral cannot be cancelled")
	ErrBelowMinimumConversion = errors.New("points below the minimum conversion amount")
	ErrMissingRequestID       = errors.New("conversion request id is required")
	ErrConversionRateLimited  = errors.New("too many conversion requests; slow down")
	ErrInvalidAmount          = errors.New("amount must be positive")
)
