package domain

import "errors"

var (
	// ErrDuplicateEntry reports an idempotency key collision. Callers treat it
	// as a successful no-op.
	ErrDuplicateEntry   = errors.New("duplicate_ledger_entry")
	ErrInvalidTokenType = errors.New("invalid_token_type")
	ErrInvalidReason    = errors.New("invalid_reason")
	ErrInvalidAmount    = errors.New("invalid_amount")
)
