package domain

import (
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
)

// TokenBalance is the materialized per-owner balance. Version increments on
// every write and guards concurrent updates.
type TokenBalance struct {
	OwnerKind            ownerdomain.Kind `json:"owner_kind" gorm:"primaryKey;type:varchar(16)"`
	OwnerID              string           `json:"owner_id" gorm:"primaryKey;type:varchar(191)"`
	ExpiringTokens       int64            `json:"expiring_tokens" gorm:"not null;default:0"`
	ExpiringTokensExpiry *time.Time       `json:"expiring_tokens_expiry,omitempty"`
	NonexpiringTokens    int64            `json:"nonexpiring_tokens" gorm:"not null;default:0"`
	Version              int64            `json:"-" gorm:"not null;default:0"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (TokenBalance) TableName() string { return "token_balances" }

func (b TokenBalance) Owner() ownerdomain.Owner {
	return ownerdomain.Owner{Kind: b.OwnerKind, ID: b.OwnerID}
}

// ExpiringActive reports whether the expiring bucket is usable at now.
func (b TokenBalance) ExpiringActive(now time.Time) bool {
	return b.ExpiringTokensExpiry != nil && now.Before(*b.ExpiringTokensExpiry)
}

// EffectiveExpiring is the expiring bucket as seen at now.
func (b TokenBalance) EffectiveExpiring(now time.Time) int64 {
	if !b.ExpiringActive(now) {
		return 0
	}
	return b.ExpiringTokens
}

// UsableTokens is the spendable total at now.
func (b TokenBalance) UsableTokens(now time.Time) int64 {
	return b.NonexpiringTokens + b.EffectiveExpiring(now)
}

// Normalize zeroes an expired expiring bucket. It reports whether anything
// changed.
func (b *TokenBalance) Normalize(now time.Time) bool {
	if b.ExpiringTokensExpiry == nil && b.ExpiringTokens == 0 {
		return false
	}
	if b.ExpiringActive(now) {
		return false
	}
	b.ExpiringTokens = 0
	b.ExpiringTokensExpiry = nil
	return true
}

// Valid reports whether no column is negative.
func (b TokenBalance) Valid() bool {
	return b.ExpiringTokens >= 0 && b.NonexpiringTokens >= 0
}
