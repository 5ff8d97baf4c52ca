// Package enforcement runs pre-admission filters on lease create,
// update and end. Any filter denial rejects the request; denials during
// on_end are logged only and never abort teardown.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/model"
)

// ErrNotAuthorized is the denial kind raised by filters.
var ErrNotAuthorized = errors.New("not authorized")

// Allocations lists candidate resource ids per resource type.
type Allocations map[string][]string

// CreateRequest is the filter input for lease creation.
type CreateRequest struct {
	Context      model.RequestContext
	Lease        *model.Lease
	Reservations []*model.Reservation
	Allocations  Allocations
}

// UpdateRequest is the filter input for lease updates.
type UpdateRequest struct {
	Context         model.RequestContext
	Lease           *model.Lease
	NewStartDate    time.Time
	NewEndDate      time.Time
	OldReservations []*model.Reservation
	NewReservations []model.ReservationRequest
	OldAllocations  Allocations
	NewAllocations  Allocations
}

// EndRequest is the filter input for lease teardown.
type EndRequest struct {
	Context     model.RequestContext
	Lease       *model.Lease
	Allocations Allocations
}

// Filter is one named enforcement rule.
type Filter interface {
	Name() string
	CheckCreate(ctx context.Context, req CreateRequest) error
	CheckUpdate(ctx context.Context, req UpdateRequest) error
	OnEnd(ctx context.Context, req EndRequest) error
}

// Enforcement is the configured filter pipeline.
type Enforcement struct {
	filters []Filter
	logger  zerolog.Logger
}

// New builds the pipeline.
func New(filters []Filter, logger zerolog.Logger) *Enforcement {
	return &Enforcement{
		filters: filters,
		logger:  logger.With().Str("component", "enforcement").Logger(),
	}
}

// CheckCreate runs every filter; the first denial wins.
func (e *Enforcement) CheckCreate(ctx context.Context, req CreateRequest) error {
	for _, f := range e.filters {
		if err := f.CheckCreate(ctx, req); err != nil {
			return fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	return nil
}

// CheckUpdate runs every filter; the first denial wins.
func (e *Enforcement) CheckUpdate(ctx context.Context, req UpdateRequest) error {
	for _, f := range e.filters {
		if err := f.CheckUpdate(ctx, req); err != nil {
			return fmt.Errorf("filter %s: %w", f.Name(), err)
		}
	}
	return nil
}

// OnEnd informs every filter that the lease is leaving play. Failures
// are logged; teardown always proceeds.
func (e *Enforcement) OnEnd(ctx context.Context, req EndRequest) {
	for _, f := range e.filters {
		if err := f.OnEnd(ctx, req); err != nil {
			e.logger.Error().
				Err(err).
				Str("event", "enforcement.on_end_failed").
				Str("filter", f.Name()).
				Str("lease_id", req.Lease.ID).
				Msg("on_end filter failed, continuing teardown")
		}
	}
}
