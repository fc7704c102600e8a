package domain

import "errors"

var (
	ErrUnknownTier          = errors.New("unknown_tier")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
