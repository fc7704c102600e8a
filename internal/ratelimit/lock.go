package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Both scripts act only while ARGV[1] still holds the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

var (
	ErrInvalidLockTTL = errors.New("lock_ttl_not_positive")
	ErrLeaseHeld      = errors.New("lease_held_elsewhere")
	ErrLeaseLost      = errors.New("lease_lost")
)

// Locker hands out expiring single-holder leases, used to keep background
// passes such as reconciliation to one instance at a time.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is held until it expires or is released.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the named lease for ttl, or returns ErrLeaseHeld.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrNotConfigured
	}
	if name == "" {
		return nil, ErrEmptyKey
	}
	if ttl <= 0 {
		return nil, ErrInvalidLockTTL
	}

	lease := &Lease{client: l.client, key: keyPrefix + "lease:" + name, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return lease, nil
}

// Extend pushes the expiry out to ttl from now. ErrLeaseLost means the lease
// expired and may now belong to someone else.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if l == nil {
		return ErrLeaseLost
	}
	if ttl <= 0 {
		return ErrInvalidLockTTL
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives the lease up. Releasing a lease that already expired is a
// no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
