package repository

import (
	"context"

	"github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, eventID string) (*domain.ProcessedEvent, error) {
	var rows []domain.ProcessedEvent
	err := db.WithContext(ctx).Raw(
		`SELECT event_id, source, event_type, outcome, applied_at
		 FROM processed_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.ProcessedEvent) (bool, error) {
	row := *event
	row.AppliedAt = event.AppliedAt.UTC()

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
