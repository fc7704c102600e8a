package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	"gorm.io/gorm"
)

// Repository is the append-only ledger store. There is no update or delete:
// corrections are new compensating entries.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, entry *Entry) (snowflake.ID, error)
	SumByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, tokenType TokenType, asOf time.Time) (int64, error)
	ListByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner, limit int, cursor *Cursor) ([]Entry, error)
	ExistsByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (bool, error)
}

// Purger removes an owner's ledger rows. Only the cascading owner deletion
// may use it.
type Purger interface {
	DeleteByOwner(ctx context.Context, db *gorm.DB, owner ownerdomain.Owner) error
}
