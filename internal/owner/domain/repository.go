package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *Record) error
	Find(ctx context.Context, db *gorm.DB, owner Owner) (*Record, error)
	Delete(ctx context.Context, db *gorm.DB, owner Owner) error
}
