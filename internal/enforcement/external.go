package enforcement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/croftd/croft/internal/model"
)

// ExternalService delegates enforcement decisions to an HTTP service.
// Each checkpoint POSTs a JSON document to <base>/<check>; any non-2xx
// response is a denial.
type ExternalService struct {
	BaseEndpoint string
	Token        string
	Client       *http.Client
}

func (f *ExternalService) Name() string { return "external_service" }

func (f *ExternalService) CheckCreate(ctx context.Context, req CreateRequest) error {
	return f.post(ctx, "check-create", map[string]any{
		"context":      requestContextDoc(req.Context),
		"lease":        req.Lease,
		"reservations": req.Reservations,
		"allocations":  req.Allocations,
	})
}

func (f *ExternalService) CheckUpdate(ctx context.Context, req UpdateRequest) error {
	return f.post(ctx, "check-update", map[string]any{
		"context":          requestContextDoc(req.Context),
		"current_lease":    req.Lease,
		"start_date":       model.FormatLeaseDate(req.NewStartDate),
		"end_date":         model.FormatLeaseDate(req.NewEndDate),
		"old_reservations": req.OldReservations,
		"new_reservations": req.NewReservations,
		"old_allocations":  req.OldAllocations,
		"new_allocations":  req.NewAllocations,
	})
}

func (f *ExternalService) OnEnd(ctx context.Context, req EndRequest) error {
	return f.post(ctx, "on-end", map[string]any{
		"context":     requestContextDoc(req.Context),
		"lease":       req.Lease,
		"allocations": req.Allocations,
	})
}

func (f *ExternalService) post(ctx context.Context, check string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("external service %s: encode: %w", check, err)
	}

	url := strings.TrimRight(f.BaseEndpoint, "/") + "/" + check
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("external service %s: %w", check, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Token != "" {
		req.Header.Set("X-Auth-Token", f.Token)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("external service %s: %w", check, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("external service denied %s (%d): %s: %w",
		check, resp.StatusCode, strings.TrimSpace(string(msg)), ErrNotAuthorized)
}

func requestContextDoc(rc model.RequestContext) map[string]string {
	return map[string]string{
		"project_id": rc.ProjectID,
		"user_id":    rc.UserID,
	}
}
