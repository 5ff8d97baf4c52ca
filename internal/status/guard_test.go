package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLeaseStore struct {
	status Lease
	gone   bool
}

func (f *fakeLeaseStore) AcquireLeaseStatus(_ context.Context, _ string, from []Lease, to Lease) (Lease, error) {
	if f.gone {
		return "", ErrLeaseGone
	}
	for _, s := range from {
		if f.status == s {
			prev := f.status
			f.status = to
			return prev, nil
		}
	}
	return "", ErrInvalidStatus
}

func (f *fakeLeaseStore) SetLeaseStatus(_ context.Context, _ string, to Lease) error {
	if f.gone {
		return ErrLeaseGone
	}
	f.status = to
	return nil
}

func TestGuardSuccessLandsDeclaredStatus(t *testing.T) {
	store := &fakeLeaseStore{status: LeasePending}
	g := NewGuard(store)

	var seen Lease
	err := g.Run(context.Background(), "l1", Transition{
		Name:         "start_lease",
		Transitional: LeaseStarting,
		OnSuccess:    LeaseActive,
	}, func(context.Context) error {
		seen = store.status
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, LeaseStarting, seen)
	assert.Equal(t, LeaseActive, store.status)
}

func TestGuardZeroTargetRestoresPreviousStatus(t *testing.T) {
	store := &fakeLeaseStore{status: LeaseActive}
	g := NewGuard(store)

	err := g.Run(context.Background(), "l1", Transition{
		Name:         "update_lease",
		Transitional: LeaseUpdating,
	}, func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, LeaseActive, store.status)
}

func TestGuardNonFatalErrorRestoresPreviousStatus(t *testing.T) {
	store := &fakeLeaseStore{status: LeasePending}
	g := NewGuard(store)
	errValidation := errors.New("bad dates")

	err := g.Run(context.Background(), "l1", Transition{
		Name:         "update_lease",
		Transitional: LeaseUpdating,
		NonFatal:     func(err error) bool { return errors.Is(err, errValidation) },
	}, func(context.Context) error { return errValidation })

	require.ErrorIs(t, err, errValidation)
	assert.Equal(t, LeasePending, store.status)
}

func TestGuardFatalErrorLandsError(t *testing.T) {
	store := &fakeLeaseStore{status: LeaseActive}
	g := NewGuard(store)
	boom := errors.New("plugin exploded")

	err := g.Run(context.Background(), "l1", Transition{
		Name:         "end_lease",
		Transitional: LeaseTerminating,
		OnSuccess:    LeaseTerminated,
	}, func(context.Context) error { return boom })

	require.ErrorIs(t, err, boom)
	assert.Equal(t, LeaseError, store.status)
}

func TestGuardRejectsTransitionalEntry(t *testing.T) {
	store := &fakeLeaseStore{status: LeaseStarting}
	g := NewGuard(store)

	called := false
	err := g.Run(context.Background(), "l1", Transition{
		Name:         "update_lease",
		Transitional: LeaseUpdating,
	}, func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.False(t, called)
	assert.Equal(t, LeaseStarting, store.status)
}

func TestGuardDestroysLeaseSkipsExitWrite(t *testing.T) {
	store := &fakeLeaseStore{status: LeaseActive}
	g := NewGuard(store)

	err := g.Run(context.Background(), "l1", Transition{
		Name:          "delete_lease",
		Transitional:  LeaseDeleting,
		DestroysLease: true,
	}, func(context.Context) error {
		store.gone = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, store.gone)
}

func TestGuardErrorWriteToleratesGoneLease(t *testing.T) {
	store := &fakeLeaseStore{status: LeaseActive}
	g := NewGuard(store)
	boom := errors.New("teardown half done")

	err := g.Run(context.Background(), "l1", Transition{
		Name:          "delete_lease",
		Transitional:  LeaseDeleting,
		DestroysLease: true,
	}, func(context.Context) error {
		store.gone = true
		return boom
	})

	require.ErrorIs(t, err, boom)
}
