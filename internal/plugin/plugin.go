// Package plugin defines the driver contract for resource types and
// the registry that resolves drivers at runtime. One driver serves one
// resource type; registration is an explicit factory map, not discovery.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/croftd/croft/internal/model"
)

// ErrPluginConfiguration reports an invalid plugin setup (missing
// configured name, duplicate resource type, failed Setup).
var ErrPluginConfiguration = errors.New("plugin configuration error")

// UnsupportedResourceTypeError reports a resource type no registered
// plugin serves.
type UnsupportedResourceTypeError struct {
	ResourceType string
}

func (e *UnsupportedResourceTypeError) Error() string {
	return fmt.Sprintf("unsupported resource type %q", e.ResourceType)
}

// NotEnoughResourcesError reports that no allocation candidates satisfy
// a reservation request. WithDefaults marks the variant where default
// resource properties were applied and may be worth surfacing to the
// caller.
type NotEnoughResourcesError struct {
	ResourceType string
	WithDefaults bool
	Detail       string
}

func (e *NotEnoughResourcesError) Error() string {
	msg := fmt.Sprintf("not enough resources of type %q available", e.ResourceType)
	if e.WithDefaults {
		msg += " (with default resource properties applied)"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Options is the per-resource-type configuration group.
type Options struct {
	DefaultResourceProperties        map[string]string
	DisplayDefaultResourceProperties bool
	RetryAllocationWithoutDefaults   bool
	BeforeEndAction                  string
	Extra                            map[string]any
}

// Values is the merged value set handed to drivers: the caller-supplied
// reservation parameters plus the lease window and project.
type Values struct {
	ReservationID string
	LeaseID       string
	ProjectID     string
	StartDate     time.Time
	EndDate       time.Time
	Params        map[string]any
}

// Clone returns a deep-enough copy of v; drivers may mutate Params.
func (v Values) Clone() Values {
	params := make(map[string]any, len(v.Params))
	for k, val := range v.Params {
		params[k] = val
	}
	v.Params = params
	return v
}

// AllocationQuery narrows allocation listings.
type AllocationQuery struct {
	ReservationID string
	LeaseID       string
	ResourceIDs   []string
}

// Plugin is the uniform driver contract for one resource type. The
// resource ids it returns are opaque to the manager.
type Plugin interface {
	ResourceType() string
	// Setup runs once at registry construction with the driver's
	// configuration group.
	Setup(ctx context.Context, opts Options) error
	// Get returns the driver's view of one resource.
	Get(ctx context.Context, resourceID string) (map[string]any, error)
	// ReserveResource claims resources for a reservation and returns
	// the opaque resource id recorded on the reservation row.
	ReserveResource(ctx context.Context, reservationID string, values Values) (string, error)
	UpdateReservation(ctx context.Context, reservationID string, values Values) error
	// AllocationCandidates returns resource ids able to satisfy the
	// request, or a NotEnoughResourcesError.
	AllocationCandidates(ctx context.Context, values Values) ([]string, error)
	// UpdateDefaultParameters folds the configured default resource
	// properties into values before candidate selection.
	UpdateDefaultParameters(values *Values)
	OnStart(ctx context.Context, resourceID string, lease *model.Lease) error
	OnEnd(ctx context.Context, resourceID string, lease *model.Lease) error
	BeforeEnd(ctx context.Context, resourceID string, lease *model.Lease) error
	ListAllocations(ctx context.Context, query AllocationQuery) ([]*model.Allocation, error)
	QueryAllocations(ctx context.Context, resourceIDs []string, leaseID, reservationID string) ([]*model.Allocation, error)
}

// Healer is implemented by drivers that can reallocate reservations
// whose resources failed.
type Healer interface {
	// HealReservations attempts to repair the given reservations and
	// returns, per reservation id, the flags to write back
	// (missing_resources, resources_changed).
	HealReservations(ctx context.Context, reservations []*model.Reservation) (map[string]HealResult, error)
}

// HealResult is a healer's verdict for one reservation.
type HealResult struct {
	MissingResources bool
	ResourcesChanged bool
}

// Monitored is implemented by drivers that supply a health monitor.
type Monitored interface {
	Monitor() ResourceMonitor
}

// ResourceMonitor polls driver-owned resources for health.
type ResourceMonitor interface {
	PollInterval() time.Duration
	// Poll returns health per resource id; false marks a failed
	// resource whose reservations need healing.
	Poll(ctx context.Context) (map[string]bool, error)
}
