package appointments

import (
	"context"
	"time"

	"github.com/wolfman30/patientflow/internal/scheduling"
)

// MutateFunc edits an appointment inside the repository's atomic unit.
// Returning an error aborts the update without writing anything.
type MutateFunc func(a *Appointment) error

// PatientStore persists patients.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	FindPatientByPhone(ctx context.Context, orgID, phone string) (*Patient, error)
	// UpsertPatient returns the patient for (orgID, phone), creating it when
	// absent. An empty stored name is filled in from name. created reports
	// whether a new row was inserted.
	UpsertPatient(ctx context.Context, orgID, phone, name string) (p *Patient, created bool, err error)
}

// DoctorStore persists doctors.
type DoctorStore interface {
	GetDoctor(ctx context.Context, id string) (*scheduling.Doctor, error)
	ListDoctors(ctx context.Context, orgID string, activeOnly bool) ([]scheduling.Doctor, error)
	SaveDoctor(ctx context.Context, d scheduling.Doctor) error
}

// Repository is the appointment store. InsertIfFree and UpdateAppointment
// must run the overlap check and the write as one atomic unit per doctor.
type Repository interface {
	PatientStore
	DoctorStore

	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	GetAppointmentByReference(ctx context.Context, orgID, reference string) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// InsertIfFree stores a when no active appointment of a.DoctorID overlaps
	// [a.Start, a.End); otherwise it returns *SlotConflictError. ID, Reference
	// and timestamps are assigned by the store.
	InsertIfFree(ctx context.Context, a *Appointment) (*Appointment, error)

	// UpdateAppointment loads the appointment, applies fn and persists the
	// result. With recheck set the resulting window is validated against the
	// doctor's other active appointments before writing.
	UpdateAppointment(ctx context.Context, id string, recheck bool, fn MutateFunc) (*Appointment, error)
}

func dayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
