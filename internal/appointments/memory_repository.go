package appointments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/patientflow/internal/scheduling"
)

// MemoryRepository keeps everything in process. A single mutex makes the
// overlap check and the write atomic.
type MemoryRepository struct {
	mu           sync.Mutex
	patients     map[string]*Patient
	phoneIndex   map[string]string
	doctors      map[string]scheduling.Doctor
	appointments map[string]*Appointment
	refIndex     map[string]string
	nextRef      int
	now          func() time.Time
}

// NewMemoryRepository returns an empty in-process repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[string]*Patient),
		phoneIndex:   make(map[string]string),
		doctors:      make(map[string]scheduling.Doctor),
		appointments: make(map[string]*Appointment),
		refIndex:     make(map[string]string),
		nextRef:      1001,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func phoneKey(orgID, phone string) string {
	return orgID + "|" + phone
}

func (r *MemoryRepository) GetPatient(_ context.Context, id string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) FindPatientByPhone(_ context.Context, orgID, phone string) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.phoneIndex[phoneKey(orgID, phone)]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *r.patients[id]
	return &cp, nil
}

func (r *MemoryRepository) UpsertPatient(_ context.Context, orgID, phone, name string) (*Patient, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if id, ok := r.phoneIndex[phoneKey(orgID, phone)]; ok {
		p := r.patients[id]
		if p.Name == "" && name != "" {
			p.Name = name
			p.UpdatedAt = now
		}
		cp := *p
		return &cp, false, nil
	}
	p := &Patient{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           name,
		Phone:          phone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.patients[p.ID] = p
	r.phoneIndex[phoneKey(orgID, phone)] = p.ID
	cp := *p
	return &cp, true, nil
}

func (r *MemoryRepository) GetDoctor(_ context.Context, id string) (*scheduling.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) ListDoctors(_ context.Context, orgID string, activeOnly bool) ([]scheduling.Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduling.Doctor, 0)
	for _, d := range r.doctors {
		if d.OrganizationID != orgID || (activeOnly && !d.Active) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) SaveDoctor(_ context.Context, d scheduling.Doctor) error {
	if d.ID == "" {
		return invalid("id", "is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.doctors[d.ID]; ok && d.CreatedAt.IsZero() {
		d.CreatedAt = existing.CreatedAt
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.now()
	}
	r.doctors[d.ID] = d
	return nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepository) GetAppointmentByReference(_ context.Context, orgID, reference string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.refIndex[reference]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a := r.appointments[id]
	if a.OrganizationID != orgID {
		return nil, ErrAppointmentNotFound
	}
	return a.clone(), nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range r.appointments {
		if f.matches(a) {
			out = append(out, *a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) InsertIfFree(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conflict := r.conflictLocked(a.DoctorID, a.Start, a.End, ""); conflict != nil {
		return nil, conflict
	}
	stored := a.clone()
	now := r.now()
	stored.ID = uuid.NewString()
	stored.Reference = fmt.Sprintf("APT-%d", r.nextRef)
	r.nextRef++
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.RescheduleHistory == nil {
		stored.RescheduleHistory = []RescheduleEntry{}
	}
	r.appointments[stored.ID] = stored
	r.refIndex[stored.Reference] = stored.ID
	return stored.clone(), nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, id string, recheck bool, fn MutateFunc) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	draft := current.clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	if recheck && draft.Status.Active() {
		if conflict := r.conflictLocked(draft.DoctorID, draft.Start, draft.End, id); conflict != nil {
			return nil, conflict
		}
	}
	draft.UpdatedAt = r.now()
	r.appointments[id] = draft
	return draft.clone(), nil
}

func (r *MemoryRepository) conflictLocked(doctorID string, start, end time.Time, excludeID string) *SlotConflictError {
	var hit *Appointment
	for _, existing := range r.appointments {
		if existing.ID == excludeID || existing.DoctorID != doctorID || !existing.Status.Active() {
			continue
		}
		if !scheduling.Overlaps(start, end, existing.Start, existing.End) {
			continue
		}
		if hit == nil || existing.Start.Before(hit.Start) {
			hit = existing
		}
	}
	if hit == nil {
		return nil
	}
	return &SlotConflictError{DoctorID: doctorID, ConflictingID: hit.ID, Start: start, End: end}
}
