package domain

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"gorm.io/gorm"
)

type Repository interface {
	// Upsert writes the owner's single subscription row.
	Upsert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, status Status, at time.Time) error
	Delete(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error
}
