package repository

import (
	"context"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	row := *subscription
	row.CurrentPeriodEnd = subscription.CurrentPeriodEnd.UTC()
	row.CreatedAt = subscription.CreatedAt.UTC()
	row.UpdatedAt = subscription.UpdatedAt.UTC()

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_kind"}, {Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tier", "external_subscription_id", "status", "current_period_end", "updated_at",
			}),
		}).
		Create(&row).Error
}

func (r *repo) FindByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, "owner_kind = ? AND owner_id = ?", owner.Kind, owner.ID)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, "external_subscription_id = ?", externalID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*subscriptiondomain.Subscription, error) {
	var rows []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where(where, args...).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return &rows[0], nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, status subscriptiondomain.Status, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE owner_kind = ? AND owner_id = ?`,
		status,
		at.UTC(),
		owner.Kind,
		owner.ID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM subscriptions WHERE owner_kind = ? AND owner_id = ?`,
		owner.Kind,
		owner.ID,
	).Error
}
