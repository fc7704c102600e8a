// Package domain contains the subscription record that drives recurring
// expiring grants.
package domain

import (
	"strings"
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
)

// Tier names a paid plan. Allotments per tier come from configuration.
type Tier string

const (
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPro:
		return TierPro, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", ErrUnknownTier
	}
}

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription is at most one per owner.
type Subscription struct {
	OwnerKind              ownerdomain.Kind `json:"owner_kind" gorm:"primaryKey;type:varchar(16)"`
	OwnerID                string           `json:"owner_id" gorm:"primaryKey;type:varchar(191)"`
	Tier                   Tier             `json:"tier" gorm:"type:text;not null"`
	ExternalSubscriptionID string           `json:"external_subscription_id" gorm:"type:varchar(191);not null;uniqueIndex"`
	Status                 Status           `json:"status" gorm:"type:text;not null"`
	CurrentPeriodEnd       time.Time        `json:"current_period_end" gorm:"not null"`
	CreatedAt              time.Time        `json:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Owner() ownerdomain.Owner {
	return ownerdomain.Owner{Kind: s.OwnerKind, ID: s.OwnerID}
}
