package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseIsStable(t *testing.T) {
	stable := []Lease{LeasePending, LeaseActive, LeaseTerminated, LeaseError}
	for _, s := range stable {
		assert.True(t, s.IsStable(), "expected %s to be stable", s)
	}

	transitional := []Lease{LeaseCreating, LeaseStarting, LeaseUpdating, LeaseTerminating, LeaseDeleting}
	for _, s := range transitional {
		assert.False(t, s.IsStable(), "expected %s to be transitional", s)
	}
}

func TestReservationCanTransition(t *testing.T) {
	tests := []struct {
		from Reservation
		to   Reservation
		ok   bool
	}{
		{ReservationPending, ReservationActive, true},
		{ReservationPending, ReservationDeleted, true},
		{ReservationPending, ReservationError, true},
		{ReservationActive, ReservationDeleted, true},
		{ReservationActive, ReservationError, true},
		{ReservationActive, ReservationPending, false},
		{ReservationError, ReservationDeleted, true},
		{ReservationError, ReservationActive, false},
		{ReservationDeleted, ReservationActive, false},
		{ReservationDeleted, ReservationError, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
