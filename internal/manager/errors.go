package manager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
)

var (
	// ErrInvalidInput rejects a request whose values are not acceptable
	// (dates in the past, end before start, unknown reservation ids).
	ErrInvalidInput = errors.New("invalid input")
	// ErrMissingTrustID rejects a create call without a trust id.
	ErrMissingTrustID = errors.New("missing trust id")
	// ErrCantUpdateParameter rejects an update touching an immutable
	// parameter such as a reservation's resource type.
	ErrCantUpdateParameter = errors.New("parameter cannot be updated")
	// ErrEvent marks terminal engine failures (unknown event type,
	// unclean lease teardown).
	ErrEvent = errors.New("event error")
)

// MissingParameterError reports required fields absent from a request.
type MissingParameterError struct {
	Params []string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter: %s", strings.Join(e.Params, ", "))
}

// LeaseNameExistsError reports a duplicate lease name within a project.
type LeaseNameExistsError struct {
	Name string
}

func (e *LeaseNameExistsError) Error() string {
	return fmt.Sprintf("lease named %q already exists in this project", e.Name)
}

// nonFatalUpdate classifies validation errors that leave the lease in
// its pre-call stable status instead of ERROR.
func nonFatalUpdate(err error) bool {
	var (
		invalidDate *model.InvalidDateError
		missing     *MissingParameterError
		notEnough   *plugin.NotEnoughResourcesError
	)
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrCantUpdateParameter) ||
		errors.As(err, &invalidDate) ||
		errors.As(err, &missing) ||
		errors.As(err, &notEnough)
}
