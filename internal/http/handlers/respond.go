// Package handlers exposes the booking REST API and the transport webhooks.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/patientflow/internal/appointments"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorBody{Error: code, Details: details})
}

// writeLedgerError maps the appointment error taxonomy onto HTTP statuses.
// Unknown errors are reported without internal detail.
func writeLedgerError(w http.ResponseWriter, err error) {
	var validation *appointments.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", validation.Error())
	case errors.Is(err, appointments.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointments.ErrSlotConflict):
		details := "requested window overlaps an existing appointment"
		if c, ok := appointments.ConflictOf(err); ok && c.ConflictingID != "" {
			details += " " + c.ConflictingID
		}
		writeError(w, http.StatusConflict, "slot_conflict", details)
	case errors.Is(err, appointments.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, appointments.ErrAlreadyCompleted):
		writeError(w, http.StatusConflict, "already_completed", err.Error())
	case errors.Is(err, appointments.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, appointments.ErrLockTimeout):
		writeError(w, http.StatusServiceUnavailable, "busy", "calendar is busy, retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
