// Package model defines the persisted documents of the reservation
// manager: leases, reservations, events and allocations.
package model

import (
	"time"

	"github.com/croftd/croft/internal/status"
)

// EventType names a scheduled lifecycle action.
type EventType string

const (
	EventStartLease     EventType = "start_lease"
	EventEndLease       EventType = "end_lease"
	EventBeforeEndLease EventType = "before_end_lease"
)

// Lease is a time-bounded container of reservations belonging to a
// project. A lease exclusively owns its reservations and events.
type Lease struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	ProjectID string       `json:"project_id"`
	UserID    string       `json:"user_id"`
	TrustID   string       `json:"trust_id"`
	StartDate time.Time    `json:"start_date"`
	EndDate   time.Time    `json:"end_date"`
	Status    status.Lease `json:"status"`
	Degraded  bool         `json:"degraded"`

	Reservations []*Reservation `json:"reservations"`
	Events       []*Event       `json:"events"`
}

// Reservation is a lease's claim on one resource type. ResourceID is
// opaque to the manager; the owning plugin interprets it.
type Reservation struct {
	ID               string             `json:"id"`
	LeaseID          string             `json:"lease_id"`
	ResourceType     string             `json:"resource_type"`
	ResourceID       string             `json:"resource_id"`
	Status           status.Reservation `json:"status"`
	MissingResources bool               `json:"missing_resources"`
	ResourcesChanged bool               `json:"resources_changed"`
	// Params carries type-specific attributes, persisted as JSON.
	Params map[string]any `json:"params,omitempty"`
}

// Event is a scheduled lifecycle action for a lease. Times are UTC.
type Event struct {
	ID      string       `json:"id"`
	LeaseID string       `json:"lease_id"`
	Type    EventType    `json:"event_type"`
	Time    time.Time    `json:"time"`
	Status  status.Event `json:"status"`
}

// Allocation binds a reservation to one concrete resource unit.
type Allocation struct {
	ID            string `json:"id"`
	ReservationID string `json:"reservation_id"`
	ResourceID    string `json:"resource_id"`
}

// RequestContext identifies the caller (or the trustee acting on the
// lease owner's behalf) for enforcement checks.
type RequestContext struct {
	ProjectID string
	UserID    string
	TrustID   string
}
