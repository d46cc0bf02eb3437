package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/errs"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps a domain error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errs.ErrInvalidLocation):
		return http.StatusBadRequest, "invalid_location"
	case errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errs.ErrNotAssignedDriver):
		return http.StatusForbidden, "not_assigned_driver"
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errs.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned"
	case errors.Is(err, errs.ErrDriverUnavailable), errors.Is(err, errs.ErrNotAvailable):
		return http.StatusConflict, "driver_unavailable"
	case errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, errs.ErrDriverBusy):
		return http.StatusConflict, "driver_busy"
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errs.ErrOTPMismatch):
		return http.StatusUnprocessableEntity, "otp_mismatch"
	case errors.Is(err, errs.ErrNoDriverAvailable):
		return http.StatusServiceUnavailable, "no_driver_available"
	case errors.Is(err, errs.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorResponse{Error: err.Error(), Code: code, RequestID: requestIDFromContext(r.Context())}

	var ite *errs.InvalidTransitionError
	if errors.As(err, &ite) {
		body.From, body.To = ite.From, ite.To
	}
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", body.RequestID, "err", err)
		body.Error = "internal error"
	case http.StatusServiceUnavailable:
		s.logger.Warn("request unavailable", "route", routeTemplate(r), "request_id", body.RequestID, "err", err)
		if code == "no_driver_available" {
			w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds))
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
