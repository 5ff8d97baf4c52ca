// Package hosts implements the compute_host driver: a host inventory
// with time-overlap aware allocation. A host can serve at most one
// reservation at any instant; windows that touch end-to-start do not
// overlap, so back-to-back reuse of a host is allowed.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

// Name is the plugin name used in manager.plugins.
const Name = "physical.host.plugin"

// ResourceType served by this driver.
const ResourceType = "compute_host"

// Host is one inventory entry.
type Host struct {
	ID         string
	Properties map[string]string
	Healthy    bool
}

// Plugin reserves whole hosts for lease windows. Allocations and lease
// windows are read through the repository; the inventory itself is
// driver-owned state.
type Plugin struct {
	repo   store.Repository
	logger zerolog.Logger
	opts   plugin.Options

	mu    sync.RWMutex
	hosts map[string]*Host
}

// New constructs the driver over the given repository.
func New(repo store.Repository, logger zerolog.Logger) *Plugin {
	return &Plugin{
		repo:   repo,
		logger: logger.With().Str("component", "plugin.hosts").Logger(),
		hosts:  make(map[string]*Host),
	}
}

// Factory adapts New for registry registration.
func Factory(repo store.Repository, logger zerolog.Logger) plugin.Factory {
	return func() plugin.Plugin { return New(repo, logger) }
}

func (p *Plugin) ResourceType() string { return ResourceType }

func (p *Plugin) Setup(ctx context.Context, opts plugin.Options) error {
	p.opts = opts
	return nil
}

// AddHost registers a host in the inventory.
func (p *Plugin) AddHost(id string, properties map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts[id] = &Host{ID: id, Properties: properties, Healthy: true}
}

// SetHealthy flips a host's health flag; the monitor picks it up on the
// next poll.
func (p *Plugin) SetHealthy(id string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.hosts[id]; ok {
		h.Healthy = healthy
	}
}

func (p *Plugin) Get(ctx context.Context, resourceID string) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hosts[resourceID]
	if !ok {
		// Opaque reservation handles also reach Get; report them as-is.
		return map[string]any{"id": resourceID, "resource_type": ResourceType}, nil
	}
	return map[string]any{
		"id":         h.ID,
		"properties": h.Properties,
		"healthy":    h.Healthy,
	}, nil
}

// UpdateDefaultParameters folds configured default resource properties
// into the request where the caller did not set them.
func (p *Plugin) UpdateDefaultParameters(values *plugin.Values) {
	if len(p.opts.DefaultResourceProperties) == 0 {
		return
	}
	props, _ := values.Params["resource_properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
	}
	for k, v := range p.opts.DefaultResourceProperties {
		if _, set := props[k]; !set {
			props[k] = v
		}
	}
	if values.Params == nil {
		values.Params = make(map[string]any)
	}
	values.Params["resource_properties"] = props
}

// AllocationCandidates returns host ids free over the requested window,
// capped at max. Fewer than min free hosts is a NotEnoughResourcesError.
func (p *Plugin) AllocationCandidates(ctx context.Context, values plugin.Values) ([]string, error) {
	minCount, maxCount, err := countRange(values.Params)
	if err != nil {
		return nil, err
	}
	free, err := p.freeHosts(ctx, values)
	if err != nil {
		return nil, err
	}
	if len(free) < minCount {
		return nil, &plugin.NotEnoughResourcesError{
			ResourceType: ResourceType,
			WithDefaults: hasProperties(values),
			Detail:       fmt.Sprintf("need %d hosts, %d free in window", minCount, len(free)),
		}
	}
	if len(free) > maxCount {
		free = free[:maxCount]
	}
	return free, nil
}

// ReserveResource claims candidate hosts for the reservation and
// returns an opaque handle for the claim.
func (p *Plugin) ReserveResource(ctx context.Context, reservationID string, values plugin.Values) (string, error) {
	values.ReservationID = reservationID
	candidates, err := p.AllocationCandidates(ctx, values)
	if err != nil {
		return "", err
	}
	for _, hostID := range candidates {
		alloc := &model.Allocation{
			ID:            uuid.NewString(),
			ReservationID: reservationID,
			ResourceID:    hostID,
		}
		if err := p.repo.AllocationCreate(ctx, alloc); err != nil {
			return "", fmt.Errorf("allocate host %s: %w", hostID, err)
		}
	}
	handle := uuid.NewString()
	p.logger.Info().
		Str("event", "hosts.reserve").
		Str("reservation_id", reservationID).
		Strs("hosts", candidates).
		Msg("hosts reserved")
	return handle, nil
}

// UpdateReservation revalidates the reservation's hosts against the new
// window and parameters, replacing hosts that no longer fit.
func (p *Plugin) UpdateReservation(ctx context.Context, reservationID string, values plugin.Values) error {
	values.ReservationID = reservationID
	allocs, err := p.repo.AllocationsByReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	free, err := p.freeHosts(ctx, values)
	if err != nil {
		return err
	}
	freeSet := make(map[string]bool, len(free))
	for _, id := range free {
		freeSet[id] = true
	}
	// Hosts the reservation already holds are not replacement material.
	for _, alloc := range allocs {
		freeSet[alloc.ResourceID] = false
	}

	keep := make([]string, 0, len(allocs))
	changed := false
	for _, alloc := range allocs {
		if p.hostFits(ctx, alloc.ResourceID, values) {
			keep = append(keep, alloc.ResourceID)
			continue
		}
		replacement := ""
		for _, id := range free {
			if freeSet[id] {
				replacement = id
				break
			}
		}
		if replacement == "" {
			return &plugin.NotEnoughResourcesError{
				ResourceType: ResourceType,
				Detail:       fmt.Sprintf("host %s no longer fits and no replacement is free", alloc.ResourceID),
			}
		}
		freeSet[replacement] = false
		keep = append(keep, replacement)
		changed = true
		p.logger.Info().
			Str("event", "hosts.reallocate").
			Str("reservation_id", reservationID).
			Str("from", alloc.ResourceID).
			Str("to", replacement).
			Msg("reservation moved to replacement host")
	}
	if !changed {
		return nil
	}

	if err := p.repo.AllocationsDestroyByReservation(ctx, reservationID); err != nil {
		return err
	}
	for _, hostID := range keep {
		if err := p.repo.AllocationCreate(ctx, &model.Allocation{
			ID:            uuid.NewString(),
			ReservationID: reservationID,
			ResourceID:    hostID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) OnStart(ctx context.Context, resourceID string, lease *model.Lease) error {
	p.logger.Info().
		Str("event", "hosts.on_start").
		Str("lease_id", lease.ID).
		Msg("host reservation started")
	return nil
}

// OnEnd releases the reservation's hosts.
func (p *Plugin) OnEnd(ctx context.Context, resourceID string, lease *model.Lease) error {
	res := reservationForResource(lease, resourceID)
	if res == nil {
		return fmt.Errorf("no reservation holds resource %s on lease %s", resourceID, lease.ID)
	}
	if err := p.repo.AllocationsDestroyByReservation(ctx, res.ID); err != nil {
		return err
	}
	p.logger.Info().
		Str("event", "hosts.on_end").
		Str("lease_id", lease.ID).
		Str("reservation_id", res.ID).
		Msg("host reservation released")
	return nil
}

// BeforeEnd performs the configured pre-end action. The default action
// only notifies via the engine; "log" additionally records the window.
func (p *Plugin) BeforeEnd(ctx context.Context, resourceID string, lease *model.Lease) error {
	p.logger.Info().
		Str("event", "hosts.before_end").
		Str("lease_id", lease.ID).
		Str("action", p.opts.BeforeEndAction).
		Time("end_date", lease.EndDate).
		Msg("lease approaching end")
	return nil
}

func (p *Plugin) ListAllocations(ctx context.Context, query plugin.AllocationQuery) ([]*model.Allocation, error) {
	if query.ReservationID != "" {
		return p.repo.AllocationsByReservation(ctx, query.ReservationID)
	}
	if len(query.ResourceIDs) > 0 {
		return p.repo.AllocationsByResources(ctx, query.ResourceIDs)
	}
	return p.repo.AllocationsByResources(ctx, p.hostIDs())
}

func (p *Plugin) QueryAllocations(ctx context.Context, resourceIDs []string, leaseID, reservationID string) ([]*model.Allocation, error) {
	allocs, err := p.repo.AllocationsByResources(ctx, resourceIDs)
	if err != nil {
		return nil, err
	}
	if leaseID == "" && reservationID == "" {
		return allocs, nil
	}
	var out []*model.Allocation
	for _, alloc := range allocs {
		if reservationID != "" && alloc.ReservationID != reservationID {
			continue
		}
		if leaseID != "" {
			res, err := p.repo.ReservationGet(ctx, alloc.ReservationID)
			if err != nil || res.LeaseID != leaseID {
				continue
			}
		}
		out = append(out, alloc)
	}
	return out, nil
}

func (p *Plugin) hostIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.hosts))
	for id := range p.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// freeHosts returns healthy matching hosts with no overlapping
// allocation in the requested window, excluding the reservation's own.
func (p *Plugin) freeHosts(ctx context.Context, values plugin.Values) ([]string, error) {
	requested := requestedProperties(values)

	var free []string
	for _, hostID := range p.hostIDs() {
		p.mu.RLock()
		h := p.hosts[hostID]
		matches := h.Healthy && propertiesMatch(h.Properties, requested)
		p.mu.RUnlock()
		if !matches {
			continue
		}
		busy, err := p.hostBusy(ctx, hostID, values.StartDate, values.EndDate, values.ReservationID)
		if err != nil {
			return nil, err
		}
		if !busy {
			free = append(free, hostID)
		}
	}
	return free, nil
}

func (p *Plugin) hostFits(ctx context.Context, hostID string, values plugin.Values) bool {
	p.mu.RLock()
	h, ok := p.hosts[hostID]
	matches := ok && h.Healthy && propertiesMatch(h.Properties, requestedProperties(values))
	p.mu.RUnlock()
	if !matches {
		return false
	}
	busy, err := p.hostBusy(ctx, hostID, values.StartDate, values.EndDate, values.ReservationID)
	return err == nil && !busy
}

func (p *Plugin) hostBusy(ctx context.Context, hostID string, start, end time.Time, excludeReservation string) (bool, error) {
	allocs, err := p.repo.AllocationsByResources(ctx, []string{hostID})
	if err != nil {
		return false, err
	}
	for _, alloc := range allocs {
		if alloc.ReservationID == excludeReservation {
			continue
		}
		res, err := p.repo.ReservationGet(ctx, alloc.ReservationID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if res.Status == status.ReservationDeleted {
			continue
		}
		lease, err := p.repo.LeaseGet(ctx, res.LeaseID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		// Half-open windows: touching end-to-start is not an overlap.
		if lease.StartDate.Before(end) && start.Before(lease.EndDate) {
			return true, nil
		}
	}
	return false, nil
}

func reservationForResource(lease *model.Lease, resourceID string) *model.Reservation {
	for _, res := range lease.Reservations {
		if res.ResourceID == resourceID {
			return res
		}
	}
	return nil
}

func requestedProperties(values plugin.Values) map[string]string {
	props, _ := values.Params["resource_properties"].(map[string]any)
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func propertiesMatch(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func hasProperties(values plugin.Values) bool {
	props, _ := values.Params["resource_properties"].(map[string]any)
	return len(props) > 0
}

// countRange reads min/max host counts from the request, defaulting to
// one host.
func countRange(params map[string]any) (int, int, error) {
	minCount, err := intParam(params, "min", 1)
	if err != nil {
		return 0, 0, err
	}
	maxCount, err := intParam(params, "max", minCount)
	if err != nil {
		return 0, 0, err
	}
	if minCount < 1 || maxCount < minCount {
		return 0, 0, fmt.Errorf("invalid host count range min=%d max=%d", minCount, maxCount)
	}
	return minCount, maxCount, nil
}

func intParam(params map[string]any, key string, fallback int) (int, error) {
	v, ok := params[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %q must be a number, got %T", key, v)
	}
}
