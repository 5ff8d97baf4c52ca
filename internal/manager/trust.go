package manager

import (
	"context"
	"fmt"

	"github.com/croftd/croft/internal/model"
)

// TrustResolver exchanges a delegated-credential token for the request
// context of the lease owner. The engine uses it to act on the owner's
// behalf during lifecycle actions, independent of the original caller.
type TrustResolver interface {
	ContextFromTrust(ctx context.Context, trustID string) (model.RequestContext, error)
}

// StaticTrusts is a fixed trust table, suitable for single-tenant
// deployments and tests.
type StaticTrusts map[string]model.RequestContext

// ContextFromTrust resolves a trust id against the table.
func (t StaticTrusts) ContextFromTrust(_ context.Context, trustID string) (model.RequestContext, error) {
	rc, ok := t[trustID]
	if !ok {
		return model.RequestContext{}, fmt.Errorf("trust %q: %w", trustID, ErrMissingTrustID)
	}
	rc.TrustID = trustID
	return rc, nil
}
