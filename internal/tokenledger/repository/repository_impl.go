package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/tokenledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	domain.Repository
	domain.Purger
}

type repo struct{}

func Provide() Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, entry *domain.Entry) (snowflake.ID, error) {
	if !entry.Type.Valid() {
		return 0, domain.ErrInvalidTokenType
	}
	if !entry.Reason.Valid() {
		return 0, domain.ErrInvalidReason
	}
	if entry.Amount == 0 {
		return 0, domain.ErrInvalidAmount
	}

	row := *entry
	row.Expiry = utcPtr(entry.Expiry)
	row.CreatedAt = entry.CreatedAt.UTC()

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, domain.ErrDuplicateEntry
	}
	return entry.ID, nil
}

func (r *repo) SumByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, tokenType domain.TokenType, asOf time.Time) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0)
		 FROM token_ledger
		 WHERE owner_kind = ? AND owner_id = ? AND type = ?
		   AND (expiry IS NULL OR expiry > ?)`,
		owner.Kind,
		owner.ID,
		tokenType,
		asOf.UTC(),
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}

func (r *repo) ListByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, limit int, cursor *domain.Cursor) ([]domain.Entry, error) {
	query := db.WithContext(ctx).
		Model(&domain.Entry{}).
		Where("owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID)
	if cursor != nil {
		at := cursor.CreatedAt.UTC()
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", at, at, cursor.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []domain.Entry
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ExistsByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM token_ledger WHERE idempotency_key = ?`,
		key,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) DeleteByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM token_ledger WHERE owner_kind = ? AND owner_id = ?`,
		owner.Kind,
		owner.ID,
	).Error
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
