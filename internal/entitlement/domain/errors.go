package domain

import (
	"errors"
	"fmt"

	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrTransientStoreFailure = errors.New("transient_store_failure")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidPurchaseID     = errors.New("invalid_purchase_id")
	ErrInvalidPeriodEnd      = errors.New("invalid_period_end")
	ErrInvalidRefund         = errors.New("invalid_refund")
	ErrInvalidSubscription   = errors.New("invalid_subscription")

	// ErrInvariantViolation is fatal: a balance would go negative or the
	// ledger and balance disagree. It is never corrected silently.
	ErrInvariantViolation = errors.New("invariant_violation")

	ErrDuplicateEntry       = ledgerdomain.ErrDuplicateEntry
	ErrUnknownTier          = subscriptiondomain.ErrUnknownTier
	ErrSubscriptionNotFound = subscriptiondomain.ErrSubscriptionNotFound
)

// InsufficientBalanceError reports required versus available tokens.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
