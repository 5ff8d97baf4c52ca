package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/metrics"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// Update modifies a lease under the status machine: the lease enters
// UPDATING and returns to its pre-call stable status on success.
// Validation failures are non-fatal; anything else lands the lease in
// ERROR.
func (s *Service) Update(ctx context.Context, rc model.RequestContext, leaseID string, upd model.LeaseUpdate) (*model.Lease, error) {
	var topics []string
	t := status.Transition{
		Name:         "update_lease",
		Transitional: status.LeaseUpdating,
		NonFatal:     nonFatalUpdate,
	}
	err := s.guard.Run(ctx, leaseID, t, func(ctx context.Context) error {
		return s.applyUpdate(ctx, rc, leaseID, upd, &topics)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LeaseOperationsTotal.WithLabelValues("update", outcome).Inc()
	if err != nil {
		return nil, err
	}

	lease, err := s.repo.LeaseGet(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		s.notifier.Publish(ctx, topic, lease)
	}
	return lease, nil
}

func (s *Service) applyUpdate(ctx context.Context, rc model.RequestContext, leaseID string, upd model.LeaseUpdate, topics *[]string) error {
	if upd.IsEmpty() {
		return nil
	}

	if upd.NameOnly() {
		if err := s.repo.LeaseUpdate(ctx, leaseID, store.LeasePatch{Name: upd.Name}); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return &LeaseNameExistsError{Name: *upd.Name}
			}
			return err
		}
		return nil
	}

	lease, err := s.repo.LeaseGet(ctx, leaseID)
	if err != nil {
		return err
	}
	now := model.CurrentMinute(s.now())

	startStr := model.FormatLeaseDate(lease.StartDate)
	if upd.StartDate != nil {
		startStr = *upd.StartDate
	}
	endStr := model.FormatLeaseDate(lease.EndDate)
	if upd.EndDate != nil {
		endStr = *upd.EndDate
	}
	start, err := model.ParseLeaseDate(startStr, now)
	if err != nil {
		return err
	}
	end, err := model.ParseLeaseDate(endStr, now)
	if err != nil {
		return err
	}
	if err := checkUpdateDates(lease, start, end, now); err != nil {
		return err
	}

	var suppliedBeforeEnd time.Time
	if upd.BeforeEndDate != nil {
		suppliedBeforeEnd, err = model.ParseLeaseDate(*upd.BeforeEndDate, now)
		if err != nil {
			return err
		}
		if !suppliedBeforeEnd.After(start) || !suppliedBeforeEnd.Before(end) {
			return fmt.Errorf("before_end_date is out of lease limits: %w", ErrInvalidInput)
		}
	}

	existing, err := s.repo.ReservationsByLease(ctx, leaseID)
	if err != nil {
		return err
	}
	submitted, err := mergeSubmittedReservations(upd.Reservations, existing)
	if err != nil {
		return err
	}
	for _, res := range existing {
		if _, err := s.registry.Get(res.ResourceType); err != nil {
			return fmt.Errorf("resource_type %s: %w", res.ResourceType, ErrCantUpdateParameter)
		}
	}

	oldAllocations, err := s.existingAllocations(ctx, existing)
	if err != nil {
		return err
	}
	newAllocations := oldAllocations
	if len(submitted) > 0 {
		// Reservation parameters changed, re-plan the allocations over
		// the new window.
		planning := &model.Lease{
			ID:        lease.ID,
			ProjectID: lease.ProjectID,
			StartDate: start,
			EndDate:   end,
		}
		newAllocations, err = s.allocationCandidates(ctx, planning, submitted)
		if err != nil {
			return err
		}
	}

	if err := s.enforcement.CheckUpdate(ctx, enforcement.UpdateRequest{
		Context:         rc,
		Lease:           lease,
		NewStartDate:    start,
		NewEndDate:      end,
		OldReservations: existing,
		NewReservations: submitted,
		OldAllocations:  oldAllocations,
		NewAllocations:  newAllocations,
	}); err != nil {
		metrics.EnforcementDenialsTotal.WithLabelValues("check_update").Inc()
		s.logger.Error().Err(err).Str("event", "lease.update_denied").Str("lease_id", leaseID).Msg("enforcement checks failed")
		return err
	}

	if err := s.updateReservations(ctx, lease, existing, submitted, start, end); err != nil {
		return err
	}

	startEvent, err := s.firstEvent(ctx, leaseID, model.EventStartLease)
	if err != nil {
		return fmt.Errorf("start_lease event for lease %s not found: %w", leaseID, ErrEvent)
	}
	if err := s.repo.EventUpdate(ctx, startEvent.ID, store.EventPatch{Time: &start}); err != nil {
		return err
	}
	endEvent, err := s.firstEvent(ctx, leaseID, model.EventEndLease)
	if err != nil {
		return fmt.Errorf("end_lease event for lease %s not found: %w", leaseID, ErrEvent)
	}
	if err := s.repo.EventUpdate(ctx, endEvent.ID, store.EventPatch{Time: &end}); err != nil {
		return err
	}

	notifications := []string{notify.TopicLeaseUpdate}
	if err := s.updateBeforeEndEvent(ctx, lease, start, end, suppliedBeforeEnd, &notifications); err != nil {
		return err
	}

	if err := s.repo.LeaseUpdate(ctx, leaseID, store.LeasePatch{
		Name:      upd.Name,
		StartDate: &start,
		EndDate:   &end,
	}); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &LeaseNameExistsError{Name: *upd.Name}
		}
		return err
	}

	*topics = notifications
	return nil
}

// checkUpdateDates applies the date rules for updates: started leases
// keep their start date, terminated leases may only be renamed, and the
// new window must lie in the future.
func checkUpdateDates(lease *model.Lease, start, end, now time.Time) error {
	if lease.StartDate.Before(now) && !start.Equal(lease.StartDate) {
		return fmt.Errorf("cannot modify the start date of already started leases: %w", ErrInvalidInput)
	}
	if lease.StartDate.After(now) && start.Before(now) {
		return fmt.Errorf("start date must be later than current date: %w", ErrInvalidInput)
	}
	if lease.EndDate.Before(now) {
		return fmt.Errorf("terminated leases can only be renamed: %w", ErrInvalidInput)
	}
	if end.Before(now) || !end.After(start) {
		return fmt.Errorf("end date must be later than current and start date: %w", ErrInvalidInput)
	}
	return nil
}

// mergeSubmittedReservations validates submitted reservation entries
// against the lease's existing reservations and fills in their resource
// types. The resource type of a reservation may not change.
func mergeSubmittedReservations(submitted []model.ReservationRequest, existing []*model.Reservation) ([]model.ReservationRequest, error) {
	byID := make(map[string]*model.Reservation, len(existing))
	for _, res := range existing {
		byID[res.ID] = res
	}

	var invalid []string
	out := make([]model.ReservationRequest, 0, len(submitted))
	for _, rr := range submitted {
		if rr.ID == "" {
			return nil, &MissingParameterError{Params: []string{"reservation id"}}
		}
		res, ok := byID[rr.ID]
		if !ok {
			invalid = append(invalid, rr.ID)
			continue
		}
		if rr.ResourceType == "" {
			rr.ResourceType = res.ResourceType
		} else if rr.ResourceType != res.ResourceType {
			return nil, fmt.Errorf("resource_type: %w", ErrCantUpdateParameter)
		}
		out = append(out, rr)
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid reservation ids: %s: %w", strings.Join(invalid, ","), ErrInvalidInput)
	}
	return out, nil
}

// updateReservations delegates the new window and any submitted
// parameters to each reservation's plugin.
func (s *Service) updateReservations(ctx context.Context, lease *model.Lease, existing []*model.Reservation, submitted []model.ReservationRequest, start, end time.Time) error {
	submittedByID := make(map[string]model.ReservationRequest, len(submitted))
	for _, rr := range submitted {
		submittedByID[rr.ID] = rr
	}

	for _, res := range existing {
		p, err := s.registry.Get(res.ResourceType)
		if err != nil {
			return fmt.Errorf("resource_type %s: %w", res.ResourceType, ErrCantUpdateParameter)
		}

		params := make(map[string]any, len(res.Params))
		for k, v := range res.Params {
			params[k] = v
		}
		if rr, ok := submittedByID[res.ID]; ok {
			for k, v := range rr.Params {
				params[k] = v
			}
		}

		if err := p.UpdateReservation(ctx, res.ID, plugin.Values{
			ReservationID: res.ID,
			LeaseID:       lease.ID,
			ProjectID:     lease.ProjectID,
			StartDate:     start,
			EndDate:       end,
			Params:        params,
		}); err != nil {
			return err
		}
		if _, ok := submittedByID[res.ID]; ok {
			if err := s.repo.ReservationUpdate(ctx, res.ID, store.ReservationPatch{Params: params}); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateBeforeEndEvent reschedules the before_end event against the new
// window. Without a supplied date the previous end-to-before_end delta
// is preserved. A completed event shifted back into the future resets
// to UNDONE and emits event.before_end_lease.stop.
func (s *Service) updateBeforeEndEvent(ctx context.Context, lease *model.Lease, newStart, newEnd, supplied time.Time, notifications *[]string) error {
	event, err := s.firstEvent(ctx, lease.ID, model.EventBeforeEndLease)
	if errors.Is(err, store.ErrNotFound) {
		// Leases created with before_end disabled have no such event.
		return nil
	}
	if err != nil {
		return err
	}

	beforeEnd := supplied
	if beforeEnd.IsZero() {
		delta := lease.EndDate.Sub(event.Time)
		beforeEnd = newEnd.Add(-delta)
	}
	if beforeEnd.Before(newStart) {
		s.logger.Warn().
			Str("event", "lease.before_end_clamped").
			Str("lease_id", lease.ID).
			Time("start_date", newStart).
			Msg("before_end date precedes lease start, clamping to start date")
		beforeEnd = newStart
	}

	patch := store.EventPatch{Time: &beforeEnd}
	if event.Status == status.EventDone {
		undone := status.EventUndone
		patch.Status = &undone
		*notifications = append(*notifications, notify.TopicBeforeEndStop)
	}
	return s.repo.EventUpdate(ctx, event.ID, patch)
}
