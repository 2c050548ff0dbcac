package appointments

import (
	"context"
	"time"
)

// Reservation is a request to claim a doctor's window.
type Reservation struct {
	OrganizationID string
	PatientID      string
	DoctorID       string
	Start          time.Time
	End            time.Time
	Source         Channel
	Notes          string
}

// ConflictGuard owns every write that can change a doctor's calendar. It holds
// the doctor's lock around the repository's atomic check-and-write; conflicts
// are returned to the caller, never retried.
type ConflictGuard struct {
	repo   Repository
	locker Locker
}

// NewConflictGuard wires a guard. A nil locker means an in-process lock.
func NewConflictGuard(repo Repository, locker Locker) *ConflictGuard {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &ConflictGuard{repo: repo, locker: locker}
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() {
		return invalid("start", "is required")
	}
	if end.IsZero() {
		return invalid("end", "is required")
	}
	if !end.After(start) {
		return invalid("end", "must be after start")
	}
	return nil
}

// Reserve inserts a BOOKED appointment when [Start, End) is free.
func (g *ConflictGuard) Reserve(ctx context.Context, r Reservation) (*Appointment, error) {
	if err := validateWindow(r.Start, r.End); err != nil {
		return nil, err
	}
	var out *Appointment
	err := g.locker.WithDoctorLock(ctx, r.DoctorID, func(ctx context.Context) error {
		var err error
		out, err = g.repo.InsertIfFree(ctx, &Appointment{
			OrganizationID: r.OrganizationID,
			PatientID:      r.PatientID,
			DoctorID:       r.DoctorID,
			Start:          r.Start.UTC(),
			End:            r.End.UTC(),
			Status:         StatusBooked,
			Source:         r.Source,
			Notes:          r.Notes,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply runs fn against the stored appointment under the doctor's lock. With
// recheck set, the window after fn is validated against the doctor's other
// active appointments before it is written.
func (g *ConflictGuard) Apply(ctx context.Context, current *Appointment, recheck bool, fn MutateFunc) (*Appointment, error) {
	var out *Appointment
	err := g.locker.WithDoctorLock(ctx, current.DoctorID, func(ctx context.Context) error {
		var err error
		out, err = g.repo.UpdateAppointment(ctx, current.ID, recheck, func(a *Appointment) error {
			if err := fn(a); err != nil {
				return err
			}
			if recheck {
				return validateWindow(a.Start, a.End)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Check reports a conflict for [start, end) without writing. It is a read and
// can be stale by the time a write happens; Reserve and Apply re-check.
func (g *ConflictGuard) Check(ctx context.Context, doctorID string, start, end time.Time, excludeID string) error {
	if err := validateWindow(start, end); err != nil {
		return err
	}
	existing, err := g.repo.ListAppointments(ctx, ListFilter{
		DoctorID: doctorID,
		Statuses: ActiveStatuses,
		From:     start,
		To:       end,
	})
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.ID == excludeID {
			continue
		}
		return &SlotConflictError{DoctorID: doctorID, ConflictingID: a.ID, Start: start, End: end}
	}
	return nil
}
