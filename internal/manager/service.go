// Package manager contains the lease service, the event engine and the
// resource monitor: the scheduling core of the reservation manager.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/metrics"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// Config carries the manager options.
type Config struct {
	// MinutesBeforeEndLease schedules a before_end_lease event that many
	// minutes before the lease end. 0 disables before_end events.
	MinutesBeforeEndLease int
	// EventMaxRetries bounds how long a failed event is retried (0-50).
	EventMaxRetries int
	// EventInterval is the engine tick.
	EventInterval time.Duration
}

// DefaultConfig returns the default manager options.
func DefaultConfig() Config {
	return Config{
		MinutesBeforeEndLease: 60,
		EventMaxRetries:       1,
		EventInterval:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.EventInterval <= 0 {
		c.EventInterval = 10 * time.Second
	}
	return c
}

// Service implements lease CRUD with status-machine guarding,
// enforcement and plugin orchestration.
type Service struct {
	repo        store.Repository
	registry    *plugin.Registry
	enforcement *enforcement.Enforcement
	notifier    notify.Notifier
	trust       TrustResolver
	guard       *status.Guard
	cfg         Config
	logger      zerolog.Logger
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the service clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the lease service.
func NewService(repo store.Repository, registry *plugin.Registry, enf *enforcement.Enforcement,
	notifier notify.Notifier, trust TrustResolver, cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		registry:    registry,
		enforcement: enf,
		notifier:    notifier,
		trust:       trust,
		guard:       status.NewGuard(repo),
		cfg:         cfg.withDefaults(),
		logger:      logger.With().Str("component", "manager").Logger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns one lease with its reservations and events.
func (s *Service) Get(ctx context.Context, leaseID string) (*model.Lease, error) {
	return s.repo.LeaseGet(ctx, leaseID)
}

// List returns leases, optionally restricted to one project.
func (s *Service) List(ctx context.Context, projectID string) ([]*model.Lease, error) {
	return s.repo.LeaseList(ctx, projectID)
}

// Create validates, plans and persists a lease with its reservations
// and lifecycle events. Partial writes are rolled back by destroying
// the lease row, which cascades.
func (s *Service) Create(ctx context.Context, req model.LeaseRequest) (*model.Lease, error) {
	lease, err := s.create(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LeaseOperationsTotal.WithLabelValues("create", outcome).Inc()
	return lease, err
}

func (s *Service) create(ctx context.Context, req model.LeaseRequest) (*model.Lease, error) {
	var missing []string
	if req.Name == "" {
		missing = append(missing, "name")
	}
	if req.StartDate == "" {
		missing = append(missing, "start_date")
	}
	if req.EndDate == "" {
		missing = append(missing, "end_date")
	}
	if len(missing) > 0 {
		return nil, &MissingParameterError{Params: missing}
	}
	if req.TrustID == "" {
		return nil, ErrMissingTrustID
	}
	for i, rr := range req.Reservations {
		if rr.ResourceType == "" {
			return nil, &MissingParameterError{Params: []string{fmt.Sprintf("reservations[%d].resource_type", i)}}
		}
	}

	now := model.CurrentMinute(s.now())
	start, err := model.ParseLeaseDate(req.StartDate, now)
	if err != nil {
		return nil, err
	}
	end, err := model.ParseLeaseDate(req.EndDate, now)
	if err != nil {
		return nil, err
	}
	if start.Before(now) {
		return nil, fmt.Errorf("start date must be later than current date: %w", ErrInvalidInput)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end date must be later than start date: %w", ErrInvalidInput)
	}

	rc, err := s.trust.ContextFromTrust(ctx, req.TrustID)
	if err != nil {
		return nil, err
	}

	lease := &model.Lease{
		ID:        uuid.NewString(),
		Name:      req.Name,
		ProjectID: rc.ProjectID,
		UserID:    req.UserID,
		TrustID:   req.TrustID,
		StartDate: start,
		EndDate:   end,
		Status:    status.LeaseCreating,
	}

	allocations, err := s.allocationCandidates(ctx, lease, req.Reservations)
	if err != nil {
		return nil, err
	}

	prospective := make([]*model.Reservation, len(req.Reservations))
	for i, rr := range req.Reservations {
		prospective[i] = &model.Reservation{
			LeaseID:      lease.ID,
			ResourceType: rr.ResourceType,
			Status:       status.ReservationPending,
			Params:       rr.Params,
		}
	}
	if err := s.enforcement.CheckCreate(ctx, enforcement.CreateRequest{
		Context:      rc,
		Lease:        lease,
		Reservations: prospective,
		Allocations:  allocations,
	}); err != nil {
		metrics.EnforcementDenialsTotal.WithLabelValues("check_create").Inc()
		s.logger.Error().Err(err).Str("event", "lease.create_denied").Str("lease_name", req.Name).Msg("enforcement checks failed")
		return nil, err
	}

	beforeEnd, haveBeforeEnd, err := s.beforeEndDate(req.BeforeEndDate, start, end, now, lease.Name)
	if err != nil {
		return nil, err
	}

	if err := s.repo.LeaseCreate(ctx, lease); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, &LeaseNameExistsError{Name: req.Name}
		}
		return nil, err
	}

	for _, rr := range req.Reservations {
		if err := s.createReservation(ctx, lease, rr); err != nil {
			s.rollbackLease(ctx, lease.ID, "reservation", err)
			return nil, err
		}
	}

	events := []*model.Event{
		{ID: uuid.NewString(), LeaseID: lease.ID, Type: model.EventStartLease, Time: start, Status: status.EventUndone},
		{ID: uuid.NewString(), LeaseID: lease.ID, Type: model.EventEndLease, Time: end, Status: status.EventUndone},
	}
	if haveBeforeEnd {
		events = append(events, &model.Event{
			ID: uuid.NewString(), LeaseID: lease.ID, Type: model.EventBeforeEndLease,
			Time: beforeEnd, Status: status.EventUndone,
		})
	}
	for _, event := range events {
		if err := s.repo.EventCreate(ctx, event); err != nil {
			s.rollbackLease(ctx, lease.ID, "event", err)
			return nil, err
		}
	}

	if err := s.repo.SetLeaseStatus(ctx, lease.ID, status.LeasePending); err != nil {
		s.rollbackLease(ctx, lease.ID, "status", err)
		return nil, err
	}

	created, err := s.repo.LeaseGet(ctx, lease.ID)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(ctx, notify.TopicLeaseCreate, created)
	s.logger.Info().
		Str("event", "lease.created").
		Str("lease_id", created.ID).
		Str("lease_name", created.Name).
		Time("start_date", created.StartDate).
		Time("end_date", created.EndDate).
		Msg("lease created")
	return created, nil
}

// beforeEndDate resolves the before_end event time: caller-supplied and
// range-checked, or derived from minutes_before_end_lease, or absent.
func (s *Service) beforeEndDate(supplied string, start, end, now time.Time, leaseName string) (time.Time, bool, error) {
	if supplied != "" {
		t, err := model.ParseLeaseDate(supplied, now)
		if err != nil {
			return time.Time{}, false, err
		}
		if !t.After(start) || !t.Before(end) {
			return time.Time{}, false, fmt.Errorf("before_end_date is out of lease limits: %w", ErrInvalidInput)
		}
		return t, true, nil
	}
	if s.cfg.MinutesBeforeEndLease <= 0 {
		return time.Time{}, false, nil
	}
	t := end.Add(-time.Duration(s.cfg.MinutesBeforeEndLease) * time.Minute)
	if t.Before(start) {
		s.logger.Warn().
			Str("event", "lease.before_end_clamped").
			Str("lease_name", leaseName).
			Time("start_date", start).
			Msg("computed before_end date precedes lease start, clamping to start date")
		t = start
	}
	return t, true, nil
}

func (s *Service) createReservation(ctx context.Context, lease *model.Lease, rr model.ReservationRequest) error {
	p, err := s.registry.Get(rr.ResourceType)
	if err != nil {
		return err
	}
	res := &model.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      lease.ID,
		ResourceType: rr.ResourceType,
		Status:       status.ReservationPending,
		Params:       rr.Params,
	}
	if err := s.repo.ReservationCreate(ctx, res); err != nil {
		return err
	}

	resourceID, err := p.ReserveResource(ctx, res.ID, plugin.Values{
		ReservationID: res.ID,
		LeaseID:       lease.ID,
		ProjectID:     lease.ProjectID,
		StartDate:     lease.StartDate,
		EndDate:       lease.EndDate,
		Params:        rr.Params,
	})
	if err != nil {
		return err
	}
	return s.repo.ReservationUpdate(ctx, res.ID, store.ReservationPatch{ResourceID: &resourceID})
}

func (s *Service) rollbackLease(ctx context.Context, leaseID, stage string, cause error) {
	s.logger.Error().
		Err(cause).
		Str("event", "lease.create_rollback").
		Str("lease_id", leaseID).
		Str("stage", stage).
		Msg("rolling back partially created lease")
	if err := s.repo.LeaseDestroy(ctx, leaseID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Str("lease_id", leaseID).Msg("rollback destroy failed")
	}
}

// allocationCandidates resolves candidate resource ids per resource
// type. When a plugin allows it, a failed attempt with default resource
// properties is retried once with the defaults stripped.
func (s *Service) allocationCandidates(ctx context.Context, lease *model.Lease, reservations []model.ReservationRequest) (enforcement.Allocations, error) {
	allocations := enforcement.Allocations{}

	for _, rr := range reservations {
		p, err := s.registry.Get(rr.ResourceType)
		if err != nil {
			return nil, err
		}

		values := plugin.Values{
			ReservationID: rr.ID,
			LeaseID:       lease.ID,
			ProjectID:     lease.ProjectID,
			StartDate:     lease.StartDate,
			EndDate:       lease.EndDate,
			Params:        rr.Params,
		}
		original := values.Clone()
		withDefaults := values.Clone()
		p.UpdateDefaultParameters(&withDefaults)

		candidates, err := p.AllocationCandidates(ctx, withDefaults)
		var notEnough *plugin.NotEnoughResourcesError
		if errors.As(err, &notEnough) {
			opts := s.registry.Options(rr.ResourceType)
			if opts.RetryAllocationWithoutDefaults {
				s.logger.Info().
					Str("event", "lease.allocation_retry").
					Str("resource_type", rr.ResourceType).
					Msg("not enough resources with default properties, retrying with defaults removed")
				candidates, err = p.AllocationCandidates(ctx, original)
			}
			if err != nil {
				if errors.As(err, &notEnough) && opts.DisplayDefaultResourceProperties {
					return nil, &plugin.NotEnoughResourcesError{
						ResourceType: rr.ResourceType,
						WithDefaults: true,
						Detail:       fmt.Sprintf("default resource properties: %v", opts.DefaultResourceProperties),
					}
				}
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}

		allocations[rr.ResourceType] = append(allocations[rr.ResourceType], candidates...)
	}
	return allocations, nil
}

// existingAllocations maps resource ids currently held, per resource type.
func (s *Service) existingAllocations(ctx context.Context, reservations []*model.Reservation) (enforcement.Allocations, error) {
	allocations := enforcement.Allocations{}
	for _, res := range reservations {
		p, err := s.registry.Get(res.ResourceType)
		if err != nil {
			return nil, err
		}
		allocs, err := p.ListAllocations(ctx, plugin.AllocationQuery{ReservationID: res.ID})
		if err != nil {
			return nil, err
		}
		for _, alloc := range allocs {
			allocations[res.ResourceType] = append(allocations[res.ResourceType], alloc.ResourceID)
		}
	}
	return allocations, nil
}

func (s *Service) firstEvent(ctx context.Context, leaseID string, eventType model.EventType) (*model.Event, error) {
	return s.repo.FirstEventSortedByTime(ctx, store.EventFilters{
		LeaseID: leaseID,
		Type:    eventType,
	})
}
