// Package dummy is the default no-op driver ("dummy.vm.plugin"). It
// grants every reservation a synthetic resource and is mainly useful
// for smoke-testing the lifecycle engine without real infrastructure.
package dummy

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
)

// Name is the plugin name used in manager.plugins.
const Name = "dummy.vm.plugin"

// ResourceType served by this driver.
const ResourceType = "virtual:instance"

// Plugin is an in-memory driver that always has capacity.
type Plugin struct {
	logger zerolog.Logger

	mu        sync.Mutex
	resources map[string]string // resource id -> reservation id
}

// New constructs the driver.
func New(logger zerolog.Logger) *Plugin {
	return &Plugin{
		logger:    logger.With().Str("component", "plugin.dummy").Logger(),
		resources: make(map[string]string),
	}
}

// Factory adapts New for registry registration.
func Factory(logger zerolog.Logger) plugin.Factory {
	return func() plugin.Plugin { return New(logger) }
}

func (p *Plugin) ResourceType() string { return ResourceType }

func (p *Plugin) Setup(ctx context.Context, opts plugin.Options) error { return nil }

func (p *Plugin) Get(ctx context.Context, resourceID string) (map[string]any, error) {
	return map[string]any{"id": resourceID, "resource_type": ResourceType}, nil
}

func (p *Plugin) ReserveResource(ctx context.Context, reservationID string, values plugin.Values) (string, error) {
	resourceID := uuid.NewString()
	p.mu.Lock()
	p.resources[resourceID] = reservationID
	p.mu.Unlock()
	p.logger.Debug().
		Str("event", "dummy.reserve").
		Str("reservation_id", reservationID).
		Str("resource_id", resourceID).
		Msg("reserved synthetic resource")
	return resourceID, nil
}

func (p *Plugin) UpdateReservation(ctx context.Context, reservationID string, values plugin.Values) error {
	return nil
}

func (p *Plugin) AllocationCandidates(ctx context.Context, values plugin.Values) ([]string, error) {
	return []string{uuid.NewString()}, nil
}

func (p *Plugin) UpdateDefaultParameters(values *plugin.Values) {}

func (p *Plugin) OnStart(ctx context.Context, resourceID string, lease *model.Lease) error {
	p.logger.Info().Str("event", "dummy.on_start").Str("resource_id", resourceID).Msg("started")
	return nil
}

func (p *Plugin) OnEnd(ctx context.Context, resourceID string, lease *model.Lease) error {
	p.mu.Lock()
	delete(p.resources, resourceID)
	p.mu.Unlock()
	p.logger.Info().Str("event", "dummy.on_end").Str("resource_id", resourceID).Msg("ended")
	return nil
}

func (p *Plugin) BeforeEnd(ctx context.Context, resourceID string, lease *model.Lease) error {
	p.logger.Info().Str("event", "dummy.before_end").Str("resource_id", resourceID).Msg("before end")
	return nil
}

func (p *Plugin) ListAllocations(ctx context.Context, query plugin.AllocationQuery) ([]*model.Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.Allocation
	for resourceID, reservationID := range p.resources {
		if query.ReservationID != "" && query.ReservationID != reservationID {
			continue
		}
		out = append(out, &model.Allocation{ReservationID: reservationID, ResourceID: resourceID})
	}
	return out, nil
}

func (p *Plugin) QueryAllocations(ctx context.Context, resourceIDs []string, leaseID, reservationID string) ([]*model.Allocation, error) {
	return p.ListAllocations(ctx, plugin.AllocationQuery{ReservationID: reservationID, ResourceIDs: resourceIDs})
}
