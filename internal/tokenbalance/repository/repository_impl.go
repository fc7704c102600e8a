package repository

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"github.com/smallbiznis/tokenledger/internal/tokenbalance/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) (*domain.TokenBalance, error) {
	var rows []domain.TokenBalance
	err := db.WithContext(ctx).Raw(
		`SELECT owner_kind, owner_id, expiring_tokens, expiring_tokens_expiry,
		        nonexpiring_tokens, version, created_at, updated_at
		 FROM token_balances
		 WHERE owner_kind = ? AND owner_id = ?
		 LIMIT 1`,
		owner.Kind,
		owner.ID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrBalanceNotFound
	}
	return &rows[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, balance *domain.TokenBalance) (bool, error) {
	row := *balance
	row.ExpiringTokensExpiry = utcPtr(balance.ExpiringTokensExpiry)
	row.CreatedAt = balance.CreatedAt.UTC()
	row.UpdatedAt = balance.UpdatedAt.UTC()

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, next *domain.TokenBalance, expectedVersion int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE token_balances
		 SET expiring_tokens = ?, expiring_tokens_expiry = ?, nonexpiring_tokens = ?,
		     version = ?, updated_at = ?
		 WHERE owner_kind = ? AND owner_id = ? AND version = ?`,
		next.ExpiringTokens,
		utcPtr(next.ExpiringTokensExpiry),
		next.NonexpiringTokens,
		expectedVersion+1,
		next.UpdatedAt.UTC(),
		next.OwnerKind,
		next.OwnerID,
		expectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	next.Version = expectedVersion + 1
	return nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM token_balances WHERE owner_kind = ? AND owner_id = ?`,
		owner.Kind,
		owner.ID,
	).Error
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, after *ownerdomain.Owner, limit int) ([]domain.TokenBalance, error) {
	query := db.WithContext(ctx).Model(&domain.TokenBalance{})
	if after != nil {
		query = query.Where("(owner_kind > ?) OR (owner_kind = ? AND owner_id > ?)", after.Kind, after.Kind, after.ID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []domain.TokenBalance
	if err := query.Order("owner_kind ASC").Order("owner_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
