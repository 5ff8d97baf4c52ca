package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeLease(name, projectID string) *model.Lease {
	return &model.Lease{
		ID:        uuid.NewString(),
		Name:      name,
		ProjectID: projectID,
		UserID:    "user-1",
		TrustID:   "trust-1",
		StartDate: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Status:    status.LeaseCreating,
	}
}

func TestLeaseCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("gpu-batch", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))

	got, err := s.LeaseGet(ctx, lease.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(lease, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("lease round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLeaseGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LeaseGet(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeaseNameUniquePerProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LeaseCreate(ctx, makeLease("shared-name", "proj-1")))
	err := s.LeaseCreate(ctx, makeLease("shared-name", "proj-1"))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	// Same name in another project is fine.
	require.NoError(t, s.LeaseCreate(ctx, makeLease("shared-name", "proj-2")))
}

func TestLeaseListFiltersByProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LeaseCreate(ctx, makeLease("bbb", "proj-1")))
	require.NoError(t, s.LeaseCreate(ctx, makeLease("aaa", "proj-1")))
	require.NoError(t, s.LeaseCreate(ctx, makeLease("ccc", "proj-2")))

	leases, err := s.LeaseList(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "aaa", leases[0].Name)
	assert.Equal(t, "bbb", leases[1].Name)

	all, err := s.LeaseList(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAcquireLeaseStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("guarded", "proj-1")
	lease.Status = status.LeasePending
	require.NoError(t, s.LeaseCreate(ctx, lease))

	prev, err := s.AcquireLeaseStatus(ctx, lease.ID, status.StableLeaseStatuses, status.LeaseStarting)
	require.NoError(t, err)
	assert.Equal(t, status.LeasePending, prev)

	// Second entry while transitional is rejected.
	_, err = s.AcquireLeaseStatus(ctx, lease.ID, status.StableLeaseStatuses, status.LeaseUpdating)
	assert.ErrorIs(t, err, status.ErrInvalidStatus)

	require.NoError(t, s.SetLeaseStatus(ctx, lease.ID, status.LeaseActive))
	prev, err = s.AcquireLeaseStatus(ctx, lease.ID, status.StableLeaseStatuses, status.LeaseUpdating)
	require.NoError(t, err)
	assert.Equal(t, status.LeaseActive, prev)
}

func TestAcquireLeaseStatusGone(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AcquireLeaseStatus(context.Background(), uuid.NewString(), status.StableLeaseStatuses, status.LeaseUpdating)
	assert.ErrorIs(t, err, status.ErrLeaseGone)
}

func TestLeaseDestroyCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("doomed", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))

	res := &model.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      lease.ID,
		ResourceType: "compute_host",
		Status:       status.ReservationPending,
		Params:       map[string]any{"min": 1},
	}
	require.NoError(t, s.ReservationCreate(ctx, res))
	require.NoError(t, s.EventCreate(ctx, &model.Event{
		ID:      uuid.NewString(),
		LeaseID: lease.ID,
		Type:    model.EventStartLease,
		Time:    lease.StartDate,
		Status:  status.EventUndone,
	}))
	require.NoError(t, s.AllocationCreate(ctx, &model.Allocation{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		ResourceID:    "host-1",
	}))

	require.NoError(t, s.LeaseDestroy(ctx, lease.ID))

	_, err := s.ReservationGet(ctx, res.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	events, err := s.EventsSortedByTime(ctx, store.EventFilters{LeaseID: lease.ID})
	require.NoError(t, err)
	assert.Empty(t, events)
	allocs, err := s.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestReservationUpdatePatchesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("res-patch", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))
	res := &model.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      lease.ID,
		ResourceType: "virtual:instance",
		Status:       status.ReservationPending,
		Params:       map[string]any{"flavor": "small"},
	}
	require.NoError(t, s.ReservationCreate(ctx, res))

	active := status.ReservationActive
	resourceID := "pool-7"
	missing := true
	require.NoError(t, s.ReservationUpdate(ctx, res.ID, store.ReservationPatch{
		Status:           &active,
		ResourceID:       &resourceID,
		MissingResources: &missing,
		Params:           map[string]any{"flavor": "large"},
	}))

	got, err := s.ReservationGet(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, status.ReservationActive, got.Status)
	assert.Equal(t, "pool-7", got.ResourceID)
	assert.True(t, got.MissingResources)
	assert.Equal(t, "large", got.Params["flavor"])
}

func TestEventsSortedByTimeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("evt", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	mkEvent := func(typ model.EventType, at time.Time, st status.Event) *model.Event {
		e := &model.Event{
			ID:      uuid.NewString(),
			LeaseID: lease.ID,
			Type:    typ,
			Time:    at,
			Status:  st,
		}
		require.NoError(t, s.EventCreate(ctx, e))
		return e
	}
	end := mkEvent(model.EventEndLease, base.Add(2*time.Hour), status.EventUndone)
	start := mkEvent(model.EventStartLease, base, status.EventUndone)
	mkEvent(model.EventBeforeEndLease, base.Add(time.Hour), status.EventDone)

	// Ascending by time.
	events, err := s.EventsSortedByTime(ctx, store.EventFilters{LeaseID: lease.ID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, start.ID, events[0].ID)
	assert.Equal(t, end.ID, events[2].ID)

	// Status + time border.
	due, err := s.EventsSortedByTime(ctx, store.EventFilters{
		Status: status.EventUndone,
		Time:   &store.TimeFilter{Op: store.OpLE, Border: base.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, start.ID, due[0].ID)

	first, err := s.FirstEventSortedByTime(ctx, store.EventFilters{
		LeaseID: lease.ID,
		Type:    model.EventEndLease,
	})
	require.NoError(t, err)
	assert.Equal(t, end.ID, first.ID)

	_, err = s.FirstEventSortedByTime(ctx, store.EventFilters{
		LeaseID: lease.ID,
		Type:    "no_such_type",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventStatusCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("cas", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))
	event := &model.Event{
		ID:      uuid.NewString(),
		LeaseID: lease.ID,
		Type:    model.EventStartLease,
		Time:    lease.StartDate,
		Status:  status.EventUndone,
	}
	require.NoError(t, s.EventCreate(ctx, event))

	ok, err := s.EventStatusCAS(ctx, event.ID, status.EventUndone, status.EventInProgress)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses the race.
	ok, err = s.EventStatusCAS(ctx, event.ID, status.EventUndone, status.EventInProgress)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.EventGet(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, status.EventInProgress, got.Status)
}

func TestAllocationsByResources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := makeLease("alloc", "proj-1")
	require.NoError(t, s.LeaseCreate(ctx, lease))
	res := &model.Reservation{
		ID:           uuid.NewString(),
		LeaseID:      lease.ID,
		ResourceType: "compute_host",
		Status:       status.ReservationActive,
	}
	require.NoError(t, s.ReservationCreate(ctx, res))
	for _, host := range []string{"host-1", "host-2"} {
		require.NoError(t, s.AllocationCreate(ctx, &model.Allocation{
			ID:            uuid.NewString(),
			ReservationID: res.ID,
			ResourceID:    host,
		}))
	}

	allocs, err := s.AllocationsByResources(ctx, []string{"host-2", "host-9"})
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, "host-2", allocs[0].ResourceID)

	require.NoError(t, s.AllocationsDestroyByReservation(ctx, res.ID))
	remaining, err := s.AllocationsByReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
