package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
)

// TokenType names the balance bucket an entry moves.
type TokenType string

const (
	TokenTypeExpiring    TokenType = "expiring"
	TokenTypeNonexpiring TokenType = "nonexpiring"
)

// Reason records why tokens moved.
type Reason string

const (
	ReasonSignup                  Reason = "signup"
	ReasonPurchase                Reason = "purchase"
	ReasonSubscriptionGrant       Reason = "subscription_grant"
	ReasonSubscriptionRenewal     Reason = "subscription_renewal"
	ReasonTierUpgradeAdjustment   Reason = "tier_upgrade_adjustment"
	ReasonTierDowngradeAdjustment Reason = "tier_downgrade_adjustment"
	ReasonUsage                   Reason = "usage"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonSignup, ReasonPurchase, ReasonSubscriptionGrant, ReasonSubscriptionRenewal,
		ReasonTierUpgradeAdjustment, ReasonTierDowngradeAdjustment, ReasonUsage:
		return true
	default:
		return false
	}
}

func (t TokenType) Valid() bool {
	return t == TokenTypeExpiring || t == TokenTypeNonexpiring
}

// Entry is an immutable signed token movement. Expiring entries carry the
// expiry of the bucket they moved so that expired buckets drop out of sums.
type Entry struct {
	ID             snowflake.ID     `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	OwnerKind      ownerdomain.Kind `json:"owner_kind" gorm:"type:varchar(16);not null;index:idx_token_ledger_owner_created,priority:1"`
	OwnerID        string           `json:"owner_id" gorm:"type:varchar(191);not null;index:idx_token_ledger_owner_created,priority:2"`
	Type           TokenType        `json:"type" gorm:"type:text;not null"`
	Amount         int64            `json:"amount" gorm:"not null"`
	Reason         Reason           `json:"reason" gorm:"type:text;not null"`
	Expiry         *time.Time       `json:"expiry,omitempty"`
	IdempotencyKey *string          `json:"-" gorm:"type:varchar(191);uniqueIndex"`
	CreatedAt      time.Time        `json:"created_at" gorm:"not null;index:idx_token_ledger_owner_created,priority:3"`
}

func (Entry) TableName() string { return "token_ledger" }

func (e Entry) Owner() ownerdomain.Owner {
	return ownerdomain.Owner{Kind: e.OwnerKind, ID: e.OwnerID}
}

// Cursor positions a newest-first listing strictly after the given entry.
type Cursor struct {
	CreatedAt time.Time
	ID        snowflake.ID
}

// PurchaseKey is the idempotency key recorded on a purchase credit.
func PurchaseKey(purchaseID string) string {
	return "purchase:" + purchaseID
}

// SignupKey is the idempotency key recorded on a signup grant.
func SignupKey(owner ownerdomain.Owner) string {
	return "signup:" + owner.Key()
}
