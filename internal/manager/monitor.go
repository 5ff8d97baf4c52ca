package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/croftd/croft/internal/metrics"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/store"
)

// HealthMonitor polls drivers that expose a resource monitor, flags
// reservations sitting on failed resources and lets healing drivers
// repair them. Leases with flagged reservations are marked degraded.
type HealthMonitor struct {
	repo     store.Repository
	registry *plugin.Registry
	notifier notify.Notifier
	logger   zerolog.Logger
}

// NewHealthMonitor wires a monitor over the registered drivers.
func NewHealthMonitor(repo store.Repository, registry *plugin.Registry, notifier notify.Notifier, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		repo:     repo,
		registry: registry,
		notifier: notifier,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run starts one poll loop per monitored driver and blocks until ctx is
// cancelled. Drivers without a monitor are skipped.
func (m *HealthMonitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, p := range m.registry.All() {
		monitored, ok := p.(plugin.Monitored)
		if !ok {
			continue
		}
		started++
		p := p
		g.Go(func() error {
			return m.pollLoop(ctx, p, monitored.Monitor())
		})
	}
	if started == 0 {
		m.logger.Info().Str("event", "monitor.idle").Msg("no monitored drivers registered")
		<-ctx.Done()
		return ctx.Err()
	}
	m.logger.Info().
		Str("event", "monitor.started").
		Int("drivers", started).
		Msg("health monitor started")
	return g.Wait()
}

func (m *HealthMonitor) pollLoop(ctx context.Context, p plugin.Plugin, mon plugin.ResourceMonitor) error {
	interval := mon.PollInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkOnce(ctx, p, mon)
		}
	}
}

// checkOnce runs one poll round for one driver: find reservations on
// failed resources, heal them if the driver can, and refresh the
// degraded flag on every touched lease.
func (m *HealthMonitor) checkOnce(ctx context.Context, p plugin.Plugin, mon plugin.ResourceMonitor) {
	logger := m.logger.With().Str("resource_type", p.ResourceType()).Logger()

	health, err := mon.Poll(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("resource poll failed")
		return
	}
	var failed []string
	for resourceID, healthy := range health {
		if !healthy {
			failed = append(failed, resourceID)
		}
	}
	if len(failed) == 0 {
		m.refreshDegradedGauge(ctx)
		return
	}
	logger.Warn().
		Str("event", "monitor.resources_failed").
		Int("count", len(failed)).
		Msg("failed resources detected")

	reservations, err := m.affectedReservations(ctx, failed)
	if err != nil {
		logger.Error().Err(err).Msg("resolving affected reservations failed")
		return
	}
	if len(reservations) == 0 {
		m.refreshDegradedGauge(ctx)
		return
	}

	results := m.heal(ctx, p, reservations, logger)
	touched := make(map[string]bool)
	for _, res := range reservations {
		result, ok := results[res.ID]
		if !ok {
			result = plugin.HealResult{MissingResources: true}
		}
		patch := store.ReservationPatch{
			MissingResources: &result.MissingResources,
			ResourcesChanged: &result.ResourcesChanged,
		}
		if err := m.repo.ReservationUpdate(ctx, res.ID, patch); err != nil {
			logger.Error().Err(err).Str("reservation_id", res.ID).Msg("flagging reservation failed")
			continue
		}
		touched[res.LeaseID] = true
	}

	for leaseID := range touched {
		m.refreshLease(ctx, leaseID, logger)
	}
	m.refreshDegradedGauge(ctx)
}

// affectedReservations maps failed resource ids to the reservations
// holding allocations on them.
func (m *HealthMonitor) affectedReservations(ctx context.Context, failed []string) ([]*model.Reservation, error) {
	allocations, err := m.repo.AllocationsByResources(ctx, failed)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*model.Reservation
	for _, alloc := range allocations {
		if seen[alloc.ReservationID] {
			continue
		}
		seen[alloc.ReservationID] = true
		res, err := m.repo.ReservationGet(ctx, alloc.ReservationID)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (m *HealthMonitor) heal(ctx context.Context, p plugin.Plugin, reservations []*model.Reservation, logger zerolog.Logger) map[string]plugin.HealResult {
	healer, ok := p.(plugin.Healer)
	if !ok {
		return nil
	}
	results, err := healer.HealReservations(ctx, reservations)
	if err != nil {
		logger.Error().Err(err).Msg("healing reservations failed")
		return nil
	}
	return results
}

// refreshLease recomputes a lease's degraded flag from its reservation
// flags and notifies on change.
func (m *HealthMonitor) refreshLease(ctx context.Context, leaseID string, logger zerolog.Logger) {
	lease, err := m.repo.LeaseGet(ctx, leaseID)
	if err != nil {
		logger.Error().Err(err).Str("lease_id", leaseID).Msg("loading lease failed")
		return
	}
	degraded := false
	for _, res := range lease.Reservations {
		if res.MissingResources || res.ResourcesChanged {
			degraded = true
			break
		}
	}
	if degraded == lease.Degraded {
		return
	}
	if err := m.repo.LeaseUpdate(ctx, leaseID, store.LeasePatch{Degraded: &degraded}); err != nil {
		logger.Error().Err(err).Str("lease_id", leaseID).Msg("updating lease degraded flag failed")
		return
	}
	lease.Degraded = degraded
	logger.Warn().
		Str("event", "monitor.lease_degraded").
		Str("lease_id", leaseID).
		Bool("degraded", degraded).
		Msg("lease degradation changed")
	m.notifier.Publish(ctx, notify.TopicLeaseUpdate, lease)
}

func (m *HealthMonitor) refreshDegradedGauge(ctx context.Context) {
	leases, err := m.repo.LeaseList(ctx, "")
	if err != nil {
		return
	}
	degraded := 0
	for _, lease := range leases {
		if lease.Degraded {
			degraded++
		}
	}
	metrics.DegradedLeases.Set(float64(degraded))
}
