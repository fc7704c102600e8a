package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, eventID string) (*ProcessedEvent, error)
	// Insert reports false when the event id was already recorded.
	Insert(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
}
