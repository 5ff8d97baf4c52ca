package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/croftd/croft/internal/enforcement"
	"github.com/croftd/croft/internal/manager"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/status"
	"github.com/croftd/croft/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"error": detail})
}

// writeServiceError maps service error kinds to HTTP statuses. Unmapped
// errors stay opaque to the caller.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalidDate  *model.InvalidDateError
		missingParam *manager.MissingParameterError
		nameExists   *manager.LeaseNameExistsError
		noResources  *plugin.NotEnoughResourcesError
		unsupported  *plugin.UnsupportedResourceTypeError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, status.ErrLeaseGone):
		writeError(w, http.StatusNotFound, "lease not found")
	case errors.As(err, &nameExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, status.ErrInvalidStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, enforcement.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, manager.ErrInvalidInput),
		errors.Is(err, manager.ErrMissingTrustID),
		errors.Is(err, manager.ErrCantUpdateParameter),
		errors.As(err, &invalidDate),
		errors.As(err, &missingParam),
		errors.As(err, &noResources),
		errors.As(err, &unsupported):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
