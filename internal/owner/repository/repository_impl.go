package repository

import (
	"context"

	"github.com/smallbiznis/tokenledger/internal/owner/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	row := *record
	row.CreatedAt = record.CreatedAt.UTC()
	row.UpdatedAt = record.UpdatedAt.UTC()

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"primary_email", "updated_at"}),
		}).
		Create(&row).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, owner domain.Owner) (*domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT owner_kind, owner_id, primary_email, created_at, updated_at
		 FROM owners
		 WHERE owner_kind = ? AND owner_id = ?
		 LIMIT 1`,
		owner.Kind,
		owner.ID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.ErrOwnerNotFound
	}
	return &items[0], nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, owner domain.Owner) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM owners WHERE owner_kind = ? AND owner_id = ?`,
		owner.Kind,
		owner.ID,
	).Error
}
