package enforcement

import (
	"context"
	"fmt"
	"time"
)

// MaxLeaseDuration caps the length of a lease window. Zero max means
// unlimited. Exempt projects bypass the cap.
type MaxLeaseDuration struct {
	Max            time.Duration
	ExemptProjects []string
}

func (f *MaxLeaseDuration) Name() string { return "max_lease_duration" }

func (f *MaxLeaseDuration) CheckCreate(ctx context.Context, req CreateRequest) error {
	return f.check(req.Context.ProjectID, req.Lease.StartDate, req.Lease.EndDate)
}

func (f *MaxLeaseDuration) CheckUpdate(ctx context.Context, req UpdateRequest) error {
	return f.check(req.Context.ProjectID, req.NewStartDate, req.NewEndDate)
}

func (f *MaxLeaseDuration) OnEnd(ctx context.Context, req EndRequest) error { return nil }

func (f *MaxLeaseDuration) check(projectID string, start, end time.Time) error {
	if f.Max <= 0 {
		return nil
	}
	for _, exempt := range f.ExemptProjects {
		if projectID == exempt {
			return nil
		}
	}
	if d := end.Sub(start); d > f.Max {
		return fmt.Errorf("lease duration %s exceeds maximum %s: %w", d, f.Max, ErrNotAuthorized)
	}
	return nil
}
