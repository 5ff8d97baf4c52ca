package enforcement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croftd/croft/internal/model"
)

func leaseWithWindow(d time.Duration) *model.Lease {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	return &model.Lease{
		ID:        "lease-1",
		Name:      "test",
		ProjectID: "proj-1",
		StartDate: start,
		EndDate:   start.Add(d),
	}
}

func TestMaxLeaseDuration(t *testing.T) {
	f := &MaxLeaseDuration{Max: time.Hour}
	ctx := context.Background()

	err := f.CheckCreate(ctx, CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-1"},
		Lease:   leaseWithWindow(time.Hour),
	})
	assert.NoError(t, err, "window equal to the limit is allowed")

	err = f.CheckCreate(ctx, CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-1"},
		Lease:   leaseWithWindow(2 * time.Hour),
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestMaxLeaseDurationExemptProject(t *testing.T) {
	f := &MaxLeaseDuration{Max: time.Hour, ExemptProjects: []string{"proj-vip"}}
	err := f.CheckCreate(context.Background(), CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-vip"},
		Lease:   leaseWithWindow(48 * time.Hour),
	})
	assert.NoError(t, err)
}

func TestMaxLeaseDurationUnlimitedWhenZero(t *testing.T) {
	f := &MaxLeaseDuration{}
	err := f.CheckCreate(context.Background(), CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-1"},
		Lease:   leaseWithWindow(24 * 365 * time.Hour),
	})
	assert.NoError(t, err)
}

func TestMaxLeaseDurationCheckUpdateUsesNewWindow(t *testing.T) {
	f := &MaxLeaseDuration{Max: time.Hour}
	lease := leaseWithWindow(time.Hour)
	err := f.CheckUpdate(context.Background(), UpdateRequest{
		Context:      model.RequestContext{ProjectID: "proj-1"},
		Lease:        lease,
		NewStartDate: lease.StartDate,
		NewEndDate:   lease.StartDate.Add(3 * time.Hour),
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestExternalServiceAllowsOn2xx(t *testing.T) {
	var gotPath, gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Auth-Token")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := &ExternalService{BaseEndpoint: srv.URL, Token: "secret", Client: srv.Client()}
	err := f.CheckCreate(context.Background(), CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-1", UserID: "user-1"},
		Lease:   leaseWithWindow(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "/check-create", gotPath)
	assert.Equal(t, "secret", gotToken)
	rc := gotBody["context"].(map[string]any)
	assert.Equal(t, "proj-1", rc["project_id"])
}

func TestExternalServiceDeniesOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusForbidden)
	}))
	defer srv.Close()

	f := &ExternalService{BaseEndpoint: srv.URL, Client: srv.Client()}
	err := f.CheckUpdate(context.Background(), UpdateRequest{
		Lease:        leaseWithWindow(time.Hour),
		NewStartDate: time.Now(),
		NewEndDate:   time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestPipelineFirstDenialWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("second filter must not be reached after a denial")
	}))
	defer srv.Close()

	e := New([]Filter{
		&MaxLeaseDuration{Max: time.Minute},
		&ExternalService{BaseEndpoint: srv.URL, Client: srv.Client()},
	}, zerolog.Nop())

	err := e.CheckCreate(context.Background(), CreateRequest{
		Context: model.RequestContext{ProjectID: "proj-1"},
		Lease:   leaseWithWindow(time.Hour),
	})
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Contains(t, err.Error(), "max_lease_duration")
}

func TestPipelineOnEndNeverAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New([]Filter{&ExternalService{BaseEndpoint: srv.URL, Client: srv.Client()}}, zerolog.Nop())
	// Must not panic or surface an error.
	e.OnEnd(context.Background(), EndRequest{Lease: leaseWithWindow(time.Hour)})
}
