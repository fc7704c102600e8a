package domain

import (
	"context"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) (*TokenBalance, error)
	// Insert creates the row when absent. It reports false if a row already
	// existed.
	Insert(ctx context.Context, db *gorm.DB, balance *TokenBalance) (bool, error)
	// CompareAndSwap writes next when the stored version equals
	// expectedVersion, and bumps next.Version.
	CompareAndSwap(ctx context.Context, db *gorm.DB, next *TokenBalance, expectedVersion int64) error
	Delete(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error
	// ListAfter pages through balances in owner key order.
	ListAfter(ctx context.Context, db *gorm.DB, after *ownerdomain.Owner, limit int) ([]TokenBalance, error)
}
