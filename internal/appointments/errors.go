package appointments

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("appointments: not found")
	ErrPatientNotFound     = fmt.Errorf("%w: patient", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("%w: doctor", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("%w: appointment", ErrNotFound)

	ErrSlotConflict = errors.New("appointments: slot conflict")

	ErrInvalidState     = errors.New("appointments: invalid state")
	ErrAlreadyCancelled = fmt.Errorf("%w: already cancelled", ErrInvalidState)
	ErrAlreadyCompleted = fmt.Errorf("%w: already completed", ErrInvalidState)

	ErrLockTimeout = errors.New("appointments: doctor lock wait exceeded")
)

// SlotConflictError is returned when a window overlaps an active appointment
// for the same doctor. ConflictingID is empty when the store detected the
// race without identifying the winner.
type SlotConflictError struct {
	DoctorID      string
	ConflictingID string
	Start         time.Time
	End           time.Time
}

func (e *SlotConflictError) Error() string {
	if e.ConflictingID == "" {
		return fmt.Sprintf("appointments: slot conflict for doctor %s at %s", e.DoctorID, e.Start.Format(time.RFC3339))
	}
	return fmt.Sprintf("appointments: slot conflict for doctor %s at %s with appointment %s",
		e.DoctorID, e.Start.Format(time.RFC3339), e.ConflictingID)
}

func (e *SlotConflictError) Is(target error) bool {
	return target == ErrSlotConflict
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "appointments: validation: " + e.Message
	}
	return fmt.Sprintf("appointments: validation: %s %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ConflictOf extracts the conflict details from err, if any.
func ConflictOf(err error) (*SlotConflictError, bool) {
	var c *SlotConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}
