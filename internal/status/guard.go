package status

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned when an operation is attempted on a lease
// that is not in a stable status, or when a status transition is not
// permitted by the machine.
var ErrInvalidStatus = errors.New("invalid status")

// ErrLeaseGone is returned by LeaseStore implementations when the lease
// row no longer exists.
var ErrLeaseGone = errors.New("lease not found")

// LeaseStore is the minimal store surface the guard needs. The
// repository implements it with row-level guards so concurrent guards
// on the same lease cannot both enter.
type LeaseStore interface {
	// AcquireLeaseStatus atomically moves the lease from any status in
	// from to the given transitional status and returns the previous
	// status. It fails with ErrInvalidStatus when the current status is
	// not in from.
	AcquireLeaseStatus(ctx context.Context, leaseID string, from []Lease, to Lease) (Lease, error)
	// SetLeaseStatus unconditionally writes the lease status.
	SetLeaseStatus(ctx context.Context, leaseID string, to Lease) error
}

// Transition declares how a guarded operation moves a lease through the
// status machine.
type Transition struct {
	// Name identifies the operation in errors and logs.
	Name string
	// Transitional is the status held while the operation runs.
	Transitional Lease
	// OnSuccess is the stable status to land in on success. Zero value
	// means "restore the pre-call stable status" (used by update).
	OnSuccess Lease
	// DestroysLease marks operations that remove the lease row on
	// success; the exit write is skipped for those.
	DestroysLease bool
	// NonFatal classifies errors that leave the lease in its pre-call
	// status (validation failures). Fatal errors land the lease in ERROR.
	NonFatal func(error) bool
}

// Guard serializes transitional operations on leases.
type Guard struct {
	store LeaseStore
}

// NewGuard returns a guard backed by the given store.
func NewGuard(store LeaseStore) *Guard {
	return &Guard{store: store}
}

// Run executes fn under the declared transition. Only one transitional
// operation is admitted per lease at a time; a second caller fails with
// ErrInvalidStatus until the first exits.
func (g *Guard) Run(ctx context.Context, leaseID string, t Transition, fn func(context.Context) error) error {
	prev, err := g.store.AcquireLeaseStatus(ctx, leaseID, StableLeaseStatuses, t.Transitional)
	if err != nil {
		return fmt.Errorf("%s: enter %s: %w", t.Name, t.Transitional, err)
	}

	if err := fn(ctx); err != nil {
		if t.NonFatal != nil && t.NonFatal(err) {
			if serr := g.store.SetLeaseStatus(ctx, leaseID, prev); serr != nil {
				return fmt.Errorf("%s: restore %s: %v (original: %w)", t.Name, prev, serr, err)
			}
			return err
		}
		if serr := g.store.SetLeaseStatus(ctx, leaseID, LeaseError); serr != nil && !errors.Is(serr, ErrLeaseGone) {
			return fmt.Errorf("%s: mark ERROR: %v (original: %w)", t.Name, serr, err)
		}
		return err
	}

	if t.DestroysLease {
		return nil
	}
	target := t.OnSuccess
	if target == "" {
		target = prev
	}
	if err := g.store.SetLeaseStatus(ctx, leaseID, target); err != nil {
		return fmt.Errorf("%s: exit to %s: %w", t.Name, target, err)
	}
	return nil
}
