package manager

import (
	"context"
	"fmt"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/metrics"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// Delete tears a lease down regardless of where it is in its lifecycle
// and removes it. Teardown failures land the lease in ERROR; the
// lease.delete notification is emitted either way.
func (s *Service) Delete(ctx context.Context, rc model.RequestContext, leaseID string) error {
	var doc *model.Lease
	t := status.Transition{
		Name:          "delete_lease",
		Transitional:  status.LeaseDeleting,
		DestroysLease: true,
	}
	err := s.guard.Run(ctx, leaseID, t, func(ctx context.Context) error {
		lease, ferr := s.repo.LeaseGet(ctx, leaseID)
		if ferr != nil {
			return ferr
		}
		doc = lease
		return s.teardown(ctx, rc, lease)
	})

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LeaseOperationsTotal.WithLabelValues("delete", outcome).Inc()

	if doc != nil {
		s.notifier.Publish(ctx, notify.TopicLeaseDelete, doc)
	}
	return err
}

func (s *Service) teardown(ctx context.Context, rc model.RequestContext, lease *model.Lease) error {
	startEvent, err := s.firstEvent(ctx, lease.ID, model.EventStartLease)
	if err != nil {
		return fmt.Errorf("start_lease event for lease %s not found: %w", lease.ID, ErrEvent)
	}
	endEvent, err := s.firstEvent(ctx, lease.ID, model.EventEndLease)
	if err != nil {
		return fmt.Errorf("end_lease event for lease %s not found: %w", lease.ID, ErrEvent)
	}

	started := startEvent.Status != status.EventUndone
	ended := endEvent.Status != status.EventUndone
	// A lease that started but has not ended is being ended right now;
	// hold its end_lease event for the duration of teardown.
	endingNow := started && !ended
	if endingNow {
		inProgress := status.EventInProgress
		if err := s.repo.EventUpdate(ctx, endEvent.ID, store.EventPatch{Status: &inProgress}); err != nil {
			return err
		}
	}

	if !started || !ended {
		// Inform enforcement exactly once that the lease leaves play:
		// either it is ending for the first time, or it is terminated
		// before it ever started.
		allocations, aerr := s.existingAllocations(ctx, lease.Reservations)
		if aerr != nil {
			s.logger.Error().Err(aerr).Str("lease_id", lease.ID).Msg("listing allocations for on_end failed")
			allocations = enforcement.Allocations{}
		}
		s.enforcement.OnEnd(ctx, enforcement.EndRequest{
			Context:     rc,
			Lease:       lease,
			Allocations: allocations,
		})
	}

	uncleanEnd := false
	for _, res := range executionOrdered(lease.Reservations) {
		if res.Status == status.ReservationDeleted {
			continue
		}
		p, perr := s.registry.Get(res.ResourceType)
		if perr != nil {
			s.logger.Error().Err(perr).Str("reservation_id", res.ID).Msg("failed to delete reservation")
			uncleanEnd = true
			continue
		}
		if err := p.OnEnd(ctx, res.ResourceID, lease); err != nil {
			s.logger.Error().Err(err).
				Str("event", "lease.delete_reservation_failed").
				Str("reservation_id", res.ID).
				Msg("failed to delete reservation")
			uncleanEnd = true
		}
	}
	if uncleanEnd {
		return fmt.Errorf("failed to cleanly end lease %s: %w", lease.ID, ErrEvent)
	}

	if endingNow {
		done := status.EventDone
		if err := s.repo.EventUpdate(ctx, endEvent.ID, store.EventPatch{Status: &done}); err != nil {
			return err
		}
	}
	return s.repo.LeaseDestroy(ctx, lease.ID)
}
