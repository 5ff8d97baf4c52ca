// Package store defines the repository contract over persisted leases,
// reservations, events and allocations. The repository is the sole
// mutator of persisted state; all writes are row-guarded.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/status"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated
	// (e.g. lease name within a project).
	ErrDuplicate = errors.New("duplicate entry")
)

// CompareOp is a comparison operator for time filters.
type CompareOp string

const (
	OpLT CompareOp = "lt"
	OpLE CompareOp = "le"
	OpGT CompareOp = "gt"
	OpGE CompareOp = "ge"
)

// TimeFilter matches rows whose timestamp compares to Border under Op.
type TimeFilter struct {
	Op     CompareOp
	Border time.Time
}

// EventFilters narrows event queries. Zero values are ignored.
type EventFilters struct {
	LeaseID string
	Type    model.EventType
	Status  status.Event
	Time    *TimeFilter
}

// LeasePatch is a partial lease update. Nil fields are left unchanged.
type LeasePatch struct {
	Name      *string
	StartDate *time.Time
	EndDate   *time.Time
	Degraded  *bool
}

// ReservationPatch is a partial reservation update.
type ReservationPatch struct {
	Status           *status.Reservation
	ResourceID       *string
	MissingResources *bool
	ResourcesChanged *bool
	Params           map[string]any
}

// EventPatch is a partial event update.
type EventPatch struct {
	Time   *time.Time
	Status *status.Event
}

// Repository is the abstract store. Implementations must make every
// call independent: callers re-fetch rows after writes they need to
// observe rather than relying on cached state.
type Repository interface {
	status.LeaseStore

	LeaseCreate(ctx context.Context, lease *model.Lease) error
	// LeaseGet returns the lease with its reservations and events loaded.
	LeaseGet(ctx context.Context, id string) (*model.Lease, error)
	// LeaseList returns leases for a project, or all leases when
	// projectID is empty, sorted by name.
	LeaseList(ctx context.Context, projectID string) ([]*model.Lease, error)
	LeaseUpdate(ctx context.Context, id string, patch LeasePatch) error
	// LeaseDestroy removes the lease and cascades to its reservations,
	// events and allocations.
	LeaseDestroy(ctx context.Context, id string) error

	ReservationCreate(ctx context.Context, res *model.Reservation) error
	ReservationGet(ctx context.Context, id string) (*model.Reservation, error)
	ReservationsByLease(ctx context.Context, leaseID string) ([]*model.Reservation, error)
	ReservationUpdate(ctx context.Context, id string, patch ReservationPatch) error

	EventCreate(ctx context.Context, event *model.Event) error
	EventGet(ctx context.Context, id string) (*model.Event, error)
	// EventsSortedByTime returns matching events ordered ascending by
	// time (ties by creation order).
	EventsSortedByTime(ctx context.Context, filters EventFilters) ([]*model.Event, error)
	// FirstEventSortedByTime returns the first matching event, or
	// ErrNotFound when none matches.
	FirstEventSortedByTime(ctx context.Context, filters EventFilters) (*model.Event, error)
	EventUpdate(ctx context.Context, id string, patch EventPatch) error
	// EventStatusCAS atomically moves an event from one status to
	// another, reporting whether the swap happened.
	EventStatusCAS(ctx context.Context, id string, from, to status.Event) (bool, error)

	AllocationCreate(ctx context.Context, alloc *model.Allocation) error
	AllocationsByReservation(ctx context.Context, reservationID string) ([]*model.Allocation, error)
	// AllocationsByResources returns allocations held on any of the
	// given resource ids.
	AllocationsByResources(ctx context.Context, resourceIDs []string) ([]*model.Allocation, error)
	AllocationsDestroyByReservation(ctx context.Context, reservationID string) error
}
