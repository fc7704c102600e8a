package domain

import (
	"errors"
	"strings"
	"time"
)

// Kind discriminates the two account types that can hold tokens.
type Kind string

const (
	KindUser         Kind = "user"
	KindOrganization Kind = "organization"

	// MaxIDLength keeps derived keys within the indexed varchar columns.
	MaxIDLength = 128
)

var (
	ErrInvalidOwnerKind = errors.New("invalid_owner_kind")
	ErrInvalidOwnerID   = errors.New("invalid_owner_id")
	ErrOwnerNotFound    = errors.New("owner_not_found")
)

// Owner is the composite key of every balance, ledger and subscription row.
type Owner struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func New(kind, id string) (Owner, error) {
	o := Owner{Kind: Kind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if err := o.Validate(); err != nil {
		return Owner{}, err
	}
	return o, nil
}

func User(id string) Owner { return Owner{Kind: KindUser, ID: strings.TrimSpace(id)} }

func Organization(id string) Owner { return Owner{Kind: KindOrganization, ID: strings.TrimSpace(id)} }

func (o Owner) Validate() error {
	switch o.Kind {
	case KindUser, KindOrganization:
	default:
		return ErrInvalidOwnerKind
	}
	if id := strings.TrimSpace(o.ID); id == "" || len(id) > MaxIDLength {
		return ErrInvalidOwnerID
	}
	return nil
}

// Key renders the owner as "kind:id"; used for rate limiter and lock keys.
func (o Owner) Key() string {
	return string(o.Kind) + ":" + o.ID
}

func (o Owner) String() string { return o.Key() }

// Record is the local mirror of an identity-provider account.
type Record struct {
	OwnerKind    Kind      `gorm:"column:owner_kind;type:varchar(16);primaryKey"`
	OwnerID      string    `gorm:"column:owner_id;type:varchar(191);primaryKey"`
	PrimaryEmail string    `gorm:"column:primary_email;type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Record) TableName() string { return "owners" }

func (r Record) Owner() Owner {
	return Owner{Kind: r.OwnerKind, ID: r.OwnerID}
}
