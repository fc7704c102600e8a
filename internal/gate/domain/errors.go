package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited           = errors.New("rate_limited")
	ErrInvalidCaller         = errors.New("invalid_caller")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidEstimate       = errors.New("invalid_estimate")
	ErrInvalidCost           = errors.New("invalid_cost")
	ErrReservationNotPending = errors.New("reservation_not_pending")
	ErrReservationClosed     = errors.New("reservation_closed")
)

// RateLimitedError carries when the caller may retry.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	if e.ResetAt.IsZero() {
		return "rate_limited"
	}
	return fmt.Sprintf("rate_limited: resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
