package domain

import (
	"strings"
	"time"

	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
)

// Caller identifies who invokes a feature. Owner is nil for anonymous
// callers, which are keyed by AnonymousID (usually the client IP).
type Caller struct {
	Owner       *ownerdomain.Owner
	AnonymousID string
}

func Anonymous(id string) Caller { return Caller{AnonymousID: strings.TrimSpace(id)} }

func ForOwner(owner ownerdomain.Owner) Caller { return Caller{Owner: &owner} }

func (c Caller) Validate() error {
	if c.Owner != nil {
		return c.Owner.Validate()
	}
	if strings.TrimSpace(c.AnonymousID) == "" {
		return ErrInvalidCaller
	}
	return nil
}

// Key is the rate limiter identity of the caller.
func (c Caller) Key() string {
	if c.Owner != nil {
		return c.Owner.Key()
	}
	return "anon:" + strings.TrimSpace(c.AnonymousID)
}

// Decision is a rate limiter answer for one call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type ReservationStatus string

const (
	// ReservationFree runs within the free allotment and never touches
	// the balance.
	ReservationFree      ReservationStatus = "free"
	ReservationPending   ReservationStatus = "pending"
	ReservationCommitted ReservationStatus = "committed"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationCanceled  ReservationStatus = "canceled"
)

// Reservation is a pre-authorization for one paid call. It lives only in
// the request that created it.
type Reservation struct {
	ID       string
	Feature  string
	Caller   Caller
	Estimate int64
	Status   ReservationStatus
	// Split is where the committed estimate was taken from.
	Split entitlementdomain.Split
}

func (r *Reservation) Free() bool { return r.Status == ReservationFree }

// Settlement reports how a reservation was closed.
type Settlement struct {
	Charged  int64
	Refunded int64
	// Absorbed is overage that could not be charged after the paid
	// operation already ran.
	Absorbed int64
	Balance  *entitlementdomain.Balance
}
