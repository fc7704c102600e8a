package domain

import (
	"time"

	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	subscriptiondomain "github.com/smallbiznis/tokenledger/internal/subscription/domain"
)

const (
	SourceIdentity = "identity"
	SourceStripe   = "stripe"
)

// Outcome is how an authenticated delivery was acknowledged.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Action is the single engine call an event translates into.
type Action string

const (
	ActionOwnerCreated        Action = "owner_created"
	ActionOwnerUpdated        Action = "owner_updated"
	ActionOwnerDeleted        Action = "owner_deleted"
	ActionCreditPurchase      Action = "credit_purchase"
	ActionSubscriptionCreated Action = "subscription_created"
	ActionSubscriptionRenewed Action = "subscription_renewed"
	ActionSubscriptionUpdated Action = "subscription_updated"
	ActionSubscriptionDeleted Action = "subscription_deleted"
)

// Event is the canonical form adapters parse deliveries into. Owner may be
// empty for payment events that only carry a subscription id.
type Event struct {
	Source     string
	EventID    string
	Type       string
	Action     Action
	Owner      ownerdomain.Owner
	Email      string
	OccurredAt time.Time

	PurchaseID string
	Tokens     int64

	ExternalSubscriptionID string
	Tier                   subscriptiondomain.Tier
	Status                 string
	PeriodEnd              time.Time
}

// DedupeKey is the processed_events key for the event.
func (e Event) DedupeKey() string {
	return e.Source + ":" + e.EventID
}

// ProcessedEvent marks a delivery whose effect has been committed.
type ProcessedEvent struct {
	EventID   string    `gorm:"primaryKey;type:varchar(191)"`
	Source    string    `gorm:"type:text;not null"`
	EventType string    `gorm:"type:text;not null"`
	Outcome   Outcome   `gorm:"type:text;not null"`
	AppliedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
