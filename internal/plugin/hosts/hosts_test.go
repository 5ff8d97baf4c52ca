package hosts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store/sqlite"
)

func newHostsPlugin(t *testing.T) (*Plugin, *sqlite.Store) {
	t.Helper()
	repo, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	p := New(repo, zerolog.Nop())
	require.NoError(t, p.Setup(context.Background(), plugin.Options{}))
	return p, repo
}

func seedLease(t *testing.T, repo *sqlite.Store, start, end time.Time) *model.Lease {
	t.Helper()
	lease := &model.Lease{
		ID:        uuid.NewString(),
		Name:      uuid.NewString(),
		ProjectID: "proj-1",
		StartDate: start,
		EndDate:   end,
		Status:    status.LeasePending,
	}
	require.NoError(t, repo.LeaseCreate(context.Background(), lease))
	return lease
}

func seedReservation(t *testing.T, repo *sqlite.Store, leaseID string) *model.Reservation {
	t.Helper()
	res := &model.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      leaseID,
		ResourceType: ResourceType,
		Status:       status.ReservationPending,
	}
	require.NoError(t, repo.ReservationCreate(context.Background(), res))
	return res
}

func window(h int) (time.Time, time.Time) {
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	return base, base.Add(time.Duration(h) * time.Hour)
}

func TestAllocationCandidatesHonorsCountRange(t *testing.T) {
	p, _ := newHostsPlugin(t)
	ctx := context.Background()
	for _, id := range []string{"host-1", "host-2", "host-3"} {
		p.AddHost(id, nil)
	}
	start, end := window(2)

	candidates, err := p.AllocationCandidates(ctx, plugin.Values{
		StartDate: start, EndDate: end,
		Params: map[string]any{"min": 2, "max": 2},
	})
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	_, err = p.AllocationCandidates(ctx, plugin.Values{
		StartDate: start, EndDate: end,
		Params: map[string]any{"min": 4},
	})
	var notEnough *plugin.NotEnoughResourcesError
	require.ErrorAs(t, err, &notEnough)
	assert.Equal(t, ResourceType, notEnough.ResourceType)
}

func TestAllocationCandidatesRejectsBadRange(t *testing.T) {
	p, _ := newHostsPlugin(t)
	start, end := window(2)
	_, err := p.AllocationCandidates(context.Background(), plugin.Values{
		StartDate: start, EndDate: end,
		Params: map[string]any{"min": 3, "max": 1},
	})
	assert.Error(t, err)
}

func TestAllocationCandidatesFiltersProperties(t *testing.T) {
	p, _ := newHostsPlugin(t)
	p.AddHost("gpu-host", map[string]string{"gpu": "a100"})
	p.AddHost("cpu-host", nil)
	start, end := window(1)

	candidates, err := p.AllocationCandidates(context.Background(), plugin.Values{
		StartDate: start, EndDate: end,
		Params: map[string]any{
			"resource_properties": map[string]any{"gpu": "a100"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu-host"}, candidates)
}

func TestOverlappingWindowsExcludeBusyHosts(t *testing.T) {
	p, repo := newHostsPlugin(t)
	ctx := context.Background()
	p.AddHost("host-1", nil)

	start, end := window(4)
	lease := seedLease(t, repo, start, end)
	res := seedReservation(t, repo, lease.ID)
	_, err := p.ReserveResource(ctx, res.ID, plugin.Values{
		LeaseID: lease.ID, StartDate: start, EndDate: end,
	})
	require.NoError(t, err)

	// Overlapping request finds no host.
	_, err = p.AllocationCandidates(ctx, plugin.Values{
		StartDate: start.Add(time.Hour), EndDate: end.Add(time.Hour),
	})
	var notEnough *plugin.NotEnoughResourcesError
	assert.ErrorAs(t, err, &notEnough)

	// Back-to-back window starting exactly at the previous end is free.
	candidates, err := p.AllocationCandidates(ctx, plugin.Values{
		StartDate: end, EndDate: end.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"host-1"}, candidates)
}

func TestOnEndReleasesHosts(t *testing.T) {
	p, repo := newHostsPlugin(t)
	ctx := context.Background()
	p.AddHost("host-1", nil)

	start, end := window(2)
	lease := seedLease(t, repo, start, end)
	res := seedReservation(t, repo, lease.ID)
	handle, err := p.ReserveResource(ctx, res.ID, plugin.Values{
		LeaseID: lease.ID, StartDate: start, EndDate: end,
	})
	require.NoError(t, err)
	res.ResourceID = handle
	lease.Reservations = []*model.Reservation{res}

	require.NoError(t, p.OnEnd(ctx, handle, lease))

	allocs, err := repo.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestUpdateReservationReplacesUnhealthyHost(t *testing.T) {
	p, repo := newHostsPlugin(t)
	ctx := context.Background()
	p.AddHost("host-1", nil)
	p.AddHost("host-2", nil)

	start, end := window(2)
	lease := seedLease(t, repo, start, end)
	res := seedReservation(t, repo, lease.ID)
	_, err := p.ReserveResource(ctx, res.ID, plugin.Values{
		LeaseID: lease.ID, StartDate: start, EndDate: end,
		Params: map[string]any{"min": 1, "max": 1},
	})
	require.NoError(t, err)

	allocs, err := repo.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	held := allocs[0].ResourceID

	p.SetHealthy(held, false)
	require.NoError(t, p.UpdateReservation(ctx, res.ID, plugin.Values{
		LeaseID: lease.ID, StartDate: start, EndDate: end,
		Params: map[string]any{"min": 1, "max": 1},
	}))

	allocs, err = repo.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.NotEqual(t, held, allocs[0].ResourceID)
}

func TestUpdateDefaultParametersFillsOnlyUnset(t *testing.T) {
	p, _ := newHostsPlugin(t)
	require.NoError(t, p.Setup(context.Background(), plugin.Options{
		DefaultResourceProperties: map[string]string{"rack": "r1", "gpu": "none"},
	}))

	values := plugin.Values{Params: map[string]any{
		"resource_properties": map[string]any{"gpu": "a100"},
	}}
	p.UpdateDefaultParameters(&values)

	props := values.Params["resource_properties"].(map[string]any)
	assert.Equal(t, "a100", props["gpu"], "caller-set property wins")
	assert.Equal(t, "r1", props["rack"], "default fills the gap")
}

func TestMonitorPollAndHeal(t *testing.T) {
	p, repo := newHostsPlugin(t)
	ctx := context.Background()
	p.AddHost("host-1", nil)
	p.AddHost("host-2", nil)

	start, end := window(2)
	lease := seedLease(t, repo, start, end)
	res := seedReservation(t, repo, lease.ID)
	_, err := p.ReserveResource(ctx, res.ID, plugin.Values{
		LeaseID: lease.ID, StartDate: start, EndDate: end,
		Params: map[string]any{"min": 1, "max": 1},
	})
	require.NoError(t, err)
	allocs, err := repo.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	held := allocs[0].ResourceID

	p.SetHealthy(held, false)
	mon := p.Monitor()
	health, err := mon.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, health[held])

	results, err := p.HealReservations(ctx, []*model.Reservation{res})
	require.NoError(t, err)
	result, ok := results[res.ID]
	require.True(t, ok)
	assert.False(t, result.MissingResources)
	assert.True(t, result.ResourcesChanged)

	allocs, err = repo.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.NotEqual(t, held, allocs[0].ResourceID)
}
