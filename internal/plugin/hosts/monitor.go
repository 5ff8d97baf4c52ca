package hosts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
)

const defaultPollInterval = time.Minute

// Monitor exposes the driver's health monitor.
func (p *Plugin) Monitor() plugin.ResourceMonitor { return p }

// PollInterval returns the health polling period, configurable via the
// "healing_interval" option.
func (p *Plugin) PollInterval() time.Duration {
	if v, ok := p.opts.Extra["healing_interval"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultPollInterval
}

// Poll reports per-host health.
func (p *Plugin) Poll(ctx context.Context) (map[string]bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	health := make(map[string]bool, len(p.hosts))
	for id, h := range p.hosts {
		health[id] = h.Healthy
	}
	return health, nil
}

// HealReservations moves reservations off failed hosts where a healthy
// free host exists; reservations that cannot be moved are reported as
// missing resources.
func (p *Plugin) HealReservations(ctx context.Context, reservations []*model.Reservation) (map[string]plugin.HealResult, error) {
	results := make(map[string]plugin.HealResult, len(reservations))

	for _, res := range reservations {
		lease, err := p.repo.LeaseGet(ctx, res.LeaseID)
		if err != nil {
			return nil, err
		}
		allocs, err := p.repo.AllocationsByReservation(ctx, res.ID)
		if err != nil {
			return nil, err
		}

		healed := true
		changed := false
		hosts := make([]string, 0, len(allocs))
		for _, alloc := range allocs {
			if p.hostHealthy(alloc.ResourceID) {
				hosts = append(hosts, alloc.ResourceID)
				continue
			}
			replacement := p.replacementFor(ctx, res, lease, alloc)
			if replacement == "" {
				healed = false
				hosts = append(hosts, alloc.ResourceID)
				continue
			}
			hosts = append(hosts, replacement)
			changed = true
			p.logger.Info().
				Str("event", "hosts.heal").
				Str("reservation_id", res.ID).
				Str("from", alloc.ResourceID).
				Str("to", replacement).
				Msg("reservation healed onto replacement host")
		}
		if changed {
			if err := p.repo.AllocationsDestroyByReservation(ctx, res.ID); err != nil {
				return nil, err
			}
			for _, hostID := range hosts {
				if err := p.repo.AllocationCreate(ctx, &model.Allocation{
					ID:            uuid.NewString(),
					ReservationID: res.ID,
					ResourceID:    hostID,
				}); err != nil {
					return nil, err
				}
			}
		}
		results[res.ID] = plugin.HealResult{
			MissingResources: !healed,
			ResourcesChanged: changed,
		}
	}
	return results, nil
}

func (p *Plugin) hostHealthy(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hosts[id]
	return ok && h.Healthy
}

func (p *Plugin) replacementFor(ctx context.Context, res *model.Reservation, lease *model.Lease, failed *model.Allocation) string {
	values := plugin.Values{
		ReservationID: res.ID,
		LeaseID:       lease.ID,
		ProjectID:     lease.ProjectID,
		StartDate:     lease.StartDate,
		EndDate:       lease.EndDate,
		Params:        res.Params,
	}
	free, err := p.freeHosts(ctx, values)
	if err != nil {
		return ""
	}
	for _, id := range free {
		if id != failed.ResourceID {
			return id
		}
	}
	return ""
}
