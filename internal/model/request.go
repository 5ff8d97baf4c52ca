package model

// LeaseRequest is the caller-facing shape for creating a lease. Dates
// are strings in the lease date format or the literal "now".
type LeaseRequest struct {
	Name          string               `json:"name"`
	StartDate     string               `json:"start_date"`
	EndDate       string               `json:"end_date"`
	BeforeEndDate string               `json:"before_end_date,omitempty"`
	TrustID       string               `json:"trust_id"`
	UserID        string               `json:"user_id,omitempty"`
	Reservations  []ReservationRequest `json:"reservations"`
}

// ReservationRequest carries the per-reservation values of a create or
// update call. On update, ID must reference an existing reservation of
// the lease.
type ReservationRequest struct {
	ID           string         `json:"id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// LeaseUpdate carries the fields of an update call. Nil pointers mean
// "leave unchanged".
type LeaseUpdate struct {
	Name          *string              `json:"name,omitempty"`
	StartDate     *string              `json:"start_date,omitempty"`
	EndDate       *string              `json:"end_date,omitempty"`
	BeforeEndDate *string              `json:"before_end_date,omitempty"`
	Reservations  []ReservationRequest `json:"reservations,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u LeaseUpdate) IsEmpty() bool {
	return u.Name == nil && u.StartDate == nil && u.EndDate == nil &&
		u.BeforeEndDate == nil && len(u.Reservations) == 0
}

// NameOnly reports whether the update is a pure rename, which skips
// date and reservation re-planning.
func (u LeaseUpdate) NameOnly() bool {
	return u.Name != nil && u.StartDate == nil && u.EndDate == nil &&
		u.BeforeEndDate == nil && len(u.Reservations) == 0
}
