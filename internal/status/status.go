// Package status defines the authoritative status machines for leases,
// reservations and events, and the guard protocol applied to every
// lease-mutating operation.
package status

// Lease statuses.
type Lease string

const (
	LeaseCreating    Lease = "CREATING"
	LeasePending     Lease = "PENDING"
	LeaseStarting    Lease = "STARTING"
	LeaseActive      Lease = "ACTIVE"
	LeaseUpdating    Lease = "UPDATING"
	LeaseTerminating Lease = "TERMINATING"
	LeaseTerminated  Lease = "TERMINATED"
	LeaseDeleting    Lease = "DELETING"
	LeaseError       Lease = "ERROR"
)

// StableLeaseStatuses are the states in which an externally-initiated
// operation may begin. Everything else is transitional.
var StableLeaseStatuses = []Lease{
	LeasePending,
	LeaseActive,
	LeaseTerminated,
	LeaseError,
}

// IsStable reports whether s is a stable lease status.
func (s Lease) IsStable() bool {
	for _, stable := range StableLeaseStatuses {
		if s == stable {
			return true
		}
	}
	return false
}

// Reservation statuses.
type Reservation string

const (
	ReservationPending Reservation = "PENDING"
	ReservationActive  Reservation = "ACTIVE"
	ReservationDeleted Reservation = "DELETED"
	ReservationError   Reservation = "ERROR"
)

var reservationTransitions = map[Reservation][]Reservation{
	ReservationPending: {ReservationActive, ReservationDeleted, ReservationError},
	ReservationActive:  {ReservationDeleted, ReservationError},
	ReservationError:   {ReservationDeleted},
	ReservationDeleted: {},
}

// CanTransition reports whether a reservation may move from s to next.
func (s Reservation) CanTransition(next Reservation) bool {
	for _, t := range reservationTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Event statuses.
type Event string

const (
	EventUndone     Event = "UNDONE"
	EventInProgress Event = "IN_PROGRESS"
	EventDone       Event = "DONE"
	EventError      Event = "ERROR"
)
