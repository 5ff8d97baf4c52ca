package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// StartLease runs the start_lease event: the lease moves
// PENDING → STARTING → ACTIVE (or ERROR), every reservation moves
// PENDING → ACTIVE via the plugin's on_start.
func (s *Service) StartLease(ctx context.Context, leaseID, eventID string) error {
	t := status.Transition{
		Name:         "start_lease",
		Transitional: status.LeaseStarting,
		OnSuccess:    status.LeaseActive,
	}
	active := status.ReservationActive
	return s.guard.Run(ctx, leaseID, t, func(ctx context.Context) error {
		return s.basicAction(ctx, leaseID, eventID, actionOnStart, &active)
	})
}

// EndLease runs the end_lease event: ACTIVE → TERMINATING → TERMINATED
// (or ERROR), reservations move to DELETED via on_end. Enforcement is
// informed under the lease's trust context, not the caller's.
func (s *Service) EndLease(ctx context.Context, leaseID, eventID string) error {
	t := status.Transition{
		Name:         "end_lease",
		Transitional: status.LeaseTerminating,
		OnSuccess:    status.LeaseTerminated,
	}
	deleted := status.ReservationDeleted
	return s.guard.Run(ctx, leaseID, t, func(ctx context.Context) error {
		lease, err := s.repo.LeaseGet(ctx, leaseID)
		if err != nil {
			return err
		}

		rc, err := s.trust.ContextFromTrust(ctx, lease.TrustID)
		if err != nil {
			s.logger.Error().Err(err).Str("lease_id", leaseID).Msg("trust resolution for on_end failed")
		} else {
			allocations, aerr := s.existingAllocations(ctx, lease.Reservations)
			if aerr != nil {
				s.logger.Error().Err(aerr).Str("lease_id", leaseID).Msg("listing allocations for on_end failed")
				allocations = enforcement.Allocations{}
			}
			s.enforcement.OnEnd(ctx, enforcement.EndRequest{
				Context:     rc,
				Lease:       lease,
				Allocations: allocations,
			})
		}

		return s.basicAction(ctx, leaseID, eventID, actionOnEnd, &deleted)
	})
}

// BeforeEndLease runs the before_end_lease event. The lease status does
// not change; the plugin decides the action (snapshot, notification...).
func (s *Service) BeforeEndLease(ctx context.Context, leaseID, eventID string) error {
	return s.basicAction(ctx, leaseID, eventID, actionBeforeEnd, nil)
}

type pluginAction string

const (
	actionOnStart   pluginAction = "on_start"
	actionOnEnd     pluginAction = "on_end"
	actionBeforeEnd pluginAction = "before_end"
)

// basicAction commits a lifecycle action across the lease's
// reservations in execution order. A failing reservation is marked
// ERROR and the remaining reservations still run; the event ends DONE
// only if every reservation succeeded.
func (s *Service) basicAction(ctx context.Context, leaseID, eventID string, action pluginAction, reservationStatus *status.Reservation) error {
	lease, err := s.repo.LeaseGet(ctx, leaseID)
	if err != nil {
		return err
	}

	eventStatus := status.EventDone
	for _, res := range executionOrdered(lease.Reservations) {
		if err := s.runReservationAction(ctx, lease, res, action, reservationStatus); err != nil {
			s.logger.Error().Err(err).
				Str("event", "lease.action_failed").
				Str("action", string(action)).
				Str("lease_id", leaseID).
				Str("reservation_id", res.ID).
				Msg("failed to execute action for reservation")
			eventStatus = status.EventError
			rerr := status.ReservationError
			if uerr := s.repo.ReservationUpdate(ctx, res.ID, store.ReservationPatch{Status: &rerr}); uerr != nil {
				s.logger.Error().Err(uerr).Str("reservation_id", res.ID).Msg("marking reservation ERROR failed")
			}
			continue
		}
		if reservationStatus != nil {
			if uerr := s.repo.ReservationUpdate(ctx, res.ID, store.ReservationPatch{Status: reservationStatus}); uerr != nil {
				return uerr
			}
		}
	}

	if err := s.repo.EventUpdate(ctx, eventID, store.EventPatch{Status: &eventStatus}); err != nil {
		return err
	}
	if eventStatus == status.EventError {
		return fmt.Errorf("action %s failed for lease %s: %w", action, leaseID, ErrEvent)
	}
	return nil
}

func (s *Service) runReservationAction(ctx context.Context, lease *model.Lease, res *model.Reservation, action pluginAction, reservationStatus *status.Reservation) error {
	if reservationStatus != nil && !res.Status.CanTransition(*reservationStatus) {
		return fmt.Errorf("reservation %s cannot move %s -> %s: %w",
			res.ID, res.Status, *reservationStatus, status.ErrInvalidStatus)
	}
	p, err := s.registry.Get(res.ResourceType)
	if err != nil {
		return err
	}
	switch action {
	case actionOnStart:
		return p.OnStart(ctx, res.ResourceID, lease)
	case actionOnEnd:
		return p.OnEnd(ctx, res.ResourceID, lease)
	case actionBeforeEnd:
		return p.BeforeEnd(ctx, res.ResourceID, lease)
	default:
		return fmt.Errorf("unknown action %q: %w", action, ErrEvent)
	}
}

// executionOrder weights resource types for teardown/bringup ordering.
// Network reservations run last: tearing a network down cleanly needs
// the compute resources behind it still live.
var executionOrder = map[string]int{
	"network": 1,
}

// executionOrdered sorts reservations by execution weight, ties kept in
// insertion order.
func executionOrdered(reservations []*model.Reservation) []*model.Reservation {
	out := make([]*model.Reservation, len(reservations))
	copy(out, reservations)
	sort.SliceStable(out, func(i, j int) bool {
		return executionOrder[out[i].ResourceType] < executionOrder[out[j].ResourceType]
	})
	return out
}
