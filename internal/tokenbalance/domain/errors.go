package domain

import "errors"

var (
	ErrBalanceNotFound = errors.New("balance_not_found")
	// ErrVersionConflict means another writer updated the row first.
	ErrVersionConflict = errors.New("balance_version_conflict")
)
