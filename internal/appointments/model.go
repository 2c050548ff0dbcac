package appointments

import (
	"time"

	"github.com/wolfman30/patientflow/internal/scheduling"
)

// Status is the lifecycle state of an appointment. Appointments are never
// deleted; they only move between statuses.
type Status string

const (
	StatusBooked    Status = "BOOKED"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusNoShow    Status = "NO_SHOW"
)

// ActiveStatuses block the doctor's calendar.
var ActiveStatuses = []Status{StatusBooked, StatusConfirmed}

// Active reports whether the status occupies the doctor's time.
func (s Status) Active() bool {
	return s == StatusBooked || s == StatusConfirmed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Channel records where a booking originated.
type Channel string

const (
	ChannelAPI      Channel = "api"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
)

// Patient is a clinic patient, unique per (organization, phone).
type Patient struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RescheduleEntry is one append-only record of a window change.
type RescheduleEntry struct {
	FromStart time.Time `json:"fromStart"`
	FromEnd   time.Time `json:"fromEnd"`
	ToStart   time.Time `json:"toStart"`
	ToEnd     time.Time `json:"toEnd"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	At        time.Time `json:"at"`
}

// Cancellation records who cancelled and why.
type Cancellation struct {
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// Appointment is a booked window with a doctor.
type Appointment struct {
	ID                string            `json:"id"`
	Reference         string            `json:"reference"`
	OrganizationID    string            `json:"organizationId"`
	PatientID         string            `json:"patientId"`
	DoctorID          string            `json:"doctorId"`
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	Status            Status            `json:"status"`
	Source            Channel           `json:"source"`
	Notes             string            `json:"notes,omitempty"`
	RescheduleHistory []RescheduleEntry `json:"rescheduleHistory"`
	Cancellation      *Cancellation     `json:"cancellation,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Window returns the appointment's [Start, End) as a slot.
func (a Appointment) Window() scheduling.Slot {
	return scheduling.Slot{Start: a.Start, End: a.End}
}

func (a *Appointment) clone() *Appointment {
	if a == nil {
		return nil
	}
	out := *a
	out.RescheduleHistory = append([]RescheduleEntry(nil), a.RescheduleHistory...)
	if a.Cancellation != nil {
		c := *a.Cancellation
		out.Cancellation = &c
	}
	return &out
}

// ListFilter narrows appointment reads. Zero values mean "any".
// From/To select appointments overlapping [From, To).
type ListFilter struct {
	OrganizationID string
	PatientID      string
	DoctorID       string
	Statuses       []Status
	From           time.Time
	To             time.Time
	Limit          int
}

func (f ListFilter) matches(a *Appointment) bool {
	if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
		return false
	}
	if f.PatientID != "" && a.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != "" && a.DoctorID != f.DoctorID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && !a.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !a.Start.Before(f.To) {
		return false
	}
	return true
}
