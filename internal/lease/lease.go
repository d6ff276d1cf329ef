// Package lease provides named, time-bounded, single-owner leases with a persisted state blob.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned by TryAcquire when another owner holds the lease
	// or the lease is being held until its next scheduled run.
	ErrNotAcquired = errors.New("lease not available")

	// ErrLeaseLost is returned by Extend and Release when the caller is no longer the owner.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a held lease. Owner and Epoch identify this particular grant.
type Lease struct {
	Name      string
	Owner     string
	Epoch     int64
	ExpiresAt time.Time
	State     []byte
}

// Remaining returns how long the lease is still valid at now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}

// Coordinator grants and renews leases.
type Coordinator interface {
	// TryAcquire grants the lease for d if it is free. Returns ErrNotAcquired otherwise.
	TryAcquire(ctx context.Context, name string, d time.Duration) (*Lease, error)

	// Extend pushes the expiry to now+d. Updates l.ExpiresAt on success.
	Extend(ctx context.Context, l *Lease, d time.Duration) error

	// Release stores state and keeps the lease unavailable to everyone until now+holdFor.
	Release(ctx context.Context, l *Lease, state []byte, holdFor time.Duration) error
}
