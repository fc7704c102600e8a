package domain

import "context"

//go:generate mockgen -destination=../../mocks/gate_limiter.go -package=mocks -mock_names=Limiter=MockGateLimiter github.com/smallbiznis/tokenledger/internal/gate/domain Limiter

// Limiter grants free calls. Implementations must be safe for concurrent
// use across instances.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Decision, error)
}

// Operation is the paid work guarded by the gate. It returns the actual
// token cost of what it did.
type Operation func(ctx context.Context) (int64, error)

type Service interface {
	// CheckAndReserve admits the call. Free calls get a free reservation.
	// Paid calls are checked against the balance without debiting it.
	CheckAndReserve(ctx context.Context, feature string, caller Caller, estimate int64) (*Reservation, error)
	// Commit debits the estimate. It must run before the paid operation.
	Commit(ctx context.Context, res *Reservation) error
	// Cancel discards a pending reservation without any ledger write.
	Cancel(ctx context.Context, res *Reservation) error
	// Finalize settles the difference between actual cost and estimate.
	Finalize(ctx context.Context, res *Reservation, actualCost int64) (*Settlement, error)
	// Run wraps op with CheckAndReserve, Commit and Finalize.
	Run(ctx context.Context, feature string, caller Caller, estimate int64, op Operation) (*Settlement, error)
}
