package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/patientflow/internal/scheduling"
)

// PgxPool is the subset of pgxpool.Pool used by PgRepository.
type PgxPool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository stores appointments in Postgres. Writes that touch a doctor's
// calendar run in a SERIALIZABLE transaction holding a transaction-scoped
// advisory lock keyed by doctor id.
type PgRepository struct {
	pool PgxPool
}

func NewPgRepository(pool PgxPool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	pgExclusionViolation   = "23P01"
	pgSerializationFailure = "40001"

	appointmentColumns = `id, reference, organization_id, patient_id, doctor_id, start_at, end_at, status, source,
		COALESCE(notes, ''), reschedule_history, COALESCE(cancellation, 'null'::jsonb), created_at, updated_at`
	patientColumns = `id, organization_id, name, phone, created_at, updated_at`
	doctorColumns  = `id, organization_id, name, COALESCE(specialty, ''), active, COALESCE(timezone, ''), hours, created_at`

	lockDoctorSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`
	conflictSQL   = `
		SELECT id FROM appointments
		WHERE doctor_id = $1
		  AND status IN ('BOOKED', 'CONFIRMED')
		  AND start_at < $3 AND end_at > $2
		  AND id <> $4
		ORDER BY start_at
		LIMIT 1`
)

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Phone, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*scheduling.Doctor, error) {
	var d scheduling.Doctor
	var hours []byte
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.Name, &d.Specialty, &d.Active, &d.Timezone, &hours, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &d.Hours); err != nil {
			return nil, fmt.Errorf("appointments: decode doctor hours: %w", err)
		}
	}
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status, source string
	var history, cancellation []byte
	err := row.Scan(
		&a.ID,
		&a.Reference,
		&a.OrganizationID,
		&a.PatientID,
		&a.DoctorID,
		&a.Start,
		&a.End,
		&status,
		&source,
		&a.Notes,
		&history,
		&cancellation,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.Status = Status(status)
	a.Source = Channel(source)
	a.RescheduleHistory = []RescheduleEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &a.RescheduleHistory); err != nil {
			return nil, fmt.Errorf("appointments: decode reschedule history: %w", err)
		}
	}
	if len(cancellation) > 0 && string(cancellation) != "null" {
		var c Cancellation
		if err := json.Unmarshal(cancellation, &c); err != nil {
			return nil, fmt.Errorf("appointments: decode cancellation: %w", err)
		}
		a.Cancellation = &c
	}
	return &a, nil
}

func mapWriteError(err error, a *Appointment) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgExclusionViolation || pgErr.Code == pgSerializationFailure) {
		return &SlotConflictError{DoctorID: a.DoctorID, Start: a.Start, End: a.End}
	}
	return err
}

// Patients

func (r *PgRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (r *PgRepository) FindPatientByPhone(ctx context.Context, orgID, phone string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE organization_id = $1 AND phone = $2`, orgID, phone)
	return scanPatient(row)
}

func (r *PgRepository) UpsertPatient(ctx context.Context, orgID, phone, name string) (*Patient, bool, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, organization_id, phone, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (organization_id, phone) DO UPDATE
		SET name = CASE WHEN patients.name = '' THEN EXCLUDED.name ELSE patients.name END,
		    updated_at = now()
		RETURNING `+patientColumns+`, (xmax = 0) AS inserted`,
		uuid.NewString(), orgID, phone, name)
	var p Patient
	var inserted bool
	if err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Phone, &p.CreatedAt, &p.UpdatedAt, &inserted); err != nil {
		return nil, false, fmt.Errorf("appointments: upsert patient: %w", err)
	}
	return &p, inserted, nil
}

// Doctors

func (r *PgRepository) GetDoctor(ctx context.Context, id string) (*scheduling.Doctor, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = $1`, id)
	return scanDoctor(row)
}

func (r *PgRepository) ListDoctors(ctx context.Context, orgID string, activeOnly bool) ([]scheduling.Doctor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+doctorColumns+` FROM doctors
		WHERE organization_id = $1 AND ($2 = false OR active)
		ORDER BY created_at, id`, orgID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("appointments: list doctors: %w", err)
	}
	defer rows.Close()
	out := make([]scheduling.Doctor, 0)
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *PgRepository) SaveDoctor(ctx context.Context, d scheduling.Doctor) error {
	hours, err := json.Marshal(d.Hours)
	if err != nil {
		return fmt.Errorf("appointments: encode doctor hours: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO doctors (id, organization_id, name, specialty, active, timezone, hours, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, specialty = EXCLUDED.specialty, active = EXCLUDED.active,
		    timezone = EXCLUDED.timezone, hours = EXCLUDED.hours`,
		d.ID, d.OrganizationID, d.Name, d.Specialty, d.Active, d.Timezone, hours)
	if err != nil {
		return fmt.Errorf("appointments: save doctor: %w", err)
	}
	return nil
}

// Appointments

func (r *PgRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByReference(ctx context.Context, orgID, reference string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE organization_id = $1 AND reference = $2`,
		orgID, strings.ToUpper(reference))
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.DoctorID != "" {
		add("doctor_id = $%d", f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.From.IsZero() {
		add("end_at > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("start_at < $%d", f.To)
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()
	out := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PgRepository) InsertIfFree(ctx context.Context, a *Appointment) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("appointments: begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockDoctorSQL, a.DoctorID); err != nil {
		return nil, fmt.Errorf("appointments: lock doctor: %w", err)
	}
	if err := checkConflict(ctx, tx, a.DoctorID, a.Start, a.End, ""); err != nil {
		return nil, err
	}

	stored := a.clone()
	stored.ID = uuid.NewString()
	if stored.RescheduleHistory == nil {
		stored.RescheduleHistory = []RescheduleEntry{}
	}
	history, err := json.Marshal(stored.RescheduleHistory)
	if err != nil {
		return nil, fmt.Errorf("appointments: encode history: %w", err)
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, organization_id, patient_id, doctor_id, start_at, end_at, status, source, notes, reschedule_history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING reference, created_at, updated_at`,
		stored.ID, stored.OrganizationID, stored.PatientID, stored.DoctorID, stored.Start, stored.End,
		string(stored.Status), string(stored.Source), stored.Notes, history)
	if err := row.Scan(&stored.Reference, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, mapWriteError(fmt.Errorf("appointments: insert: %w", err), a)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(fmt.Errorf("appointments: commit reserve: %w", err), a)
	}
	return stored, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, id string, recheck bool, fn MutateFunc) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("appointments: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	draft := current.clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	if recheck && draft.Status.Active() {
		if _, err := tx.Exec(ctx, lockDoctorSQL, draft.DoctorID); err != nil {
			return nil, fmt.Errorf("appointments: lock doctor: %w", err)
		}
		if err := checkConflict(ctx, tx, draft.DoctorID, draft.Start, draft.End, draft.ID); err != nil {
			return nil, err
		}
	}

	history, err := json.Marshal(draft.RescheduleHistory)
	if err != nil {
		return nil, fmt.Errorf("appointments: encode history: %w", err)
	}
	var cancellation []byte
	if draft.Cancellation != nil {
		if cancellation, err = json.Marshal(draft.Cancellation); err != nil {
			return nil, fmt.Errorf("appointments: encode cancellation: %w", err)
		}
	}
	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET start_at = $2, end_at = $3, status = $4, notes = $5, reschedule_history = $6, cancellation = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		draft.ID, draft.Start, draft.End, string(draft.Status), draft.Notes, history, cancellation)
	if err := row.Scan(&draft.UpdatedAt); err != nil {
		return nil, mapWriteError(fmt.Errorf("appointments: update: %w", err), draft)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(fmt.Errorf("appointments: commit update: %w", err), draft)
	}
	return draft, nil
}

func checkConflict(ctx context.Context, tx pgx.Tx, doctorID string, start, end time.Time, excludeID string) error {
	var conflictingID string
	err := tx.QueryRow(ctx, conflictSQL, doctorID, start, end, excludeID).Scan(&conflictingID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("appointments: conflict check: %w", err)
	default:
		return &SlotConflictError{DoctorID: doctorID, ConflictingID: conflictingID, Start: start, End: end}
	}
}
