package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewPgRepository(mock)
}

func draftAppointment() *Appointment {
	return &Appointment{
		OrganizationID: "org-1",
		PatientID:      "pat-1",
		DoctorID:       "doc-1",
		Start:          ts(9, 0),
		End:            ts(9, 30),
		Status:         StatusBooked,
		Source:         ChannelSMS,
	}
}

func TestPgInsertIfFree(t *testing.T) {
	mock, repo := newMockRepo(t)
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("doc-1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM appointments").
		WithArgs("doc-1", ts(9, 0), ts(9, 30), "").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), "org-1", "pat-1", "doc-1", ts(9, 0), ts(9, 30), "BOOKED", "sms", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"reference", "created_at", "updated_at"}).AddRow("APT-1001", now, now))
	mock.ExpectCommit()

	got, err := repo.InsertIfFree(context.Background(), draftAppointment())
	if err != nil {
		t.Fatalf("InsertIfFree: %v", err)
	}
	if got.Reference != "APT-1001" || got.ID == "" {
		t.Fatalf("unexpected stored appointment %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgInsertIfFreeConflict(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("doc-1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM appointments").
		WithArgs("doc-1", ts(9, 0), ts(9, 30), "").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("appt-existing"))
	mock.ExpectRollback()

	_, err := repo.InsertIfFree(context.Background(), draftAppointment())
	conflict, ok := ConflictOf(err)
	if !ok {
		t.Fatalf("expected slot conflict, got %v", err)
	}
	if conflict.ConflictingID != "appt-existing" {
		t.Fatalf("expected conflicting id appt-existing, got %q", conflict.ConflictingID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPgInsertIfFreeSerializationFailure(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.Serializable})
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs("doc-1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id FROM appointments").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO appointments").WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := repo.InsertIfFree(context.Background(), draftAppointment())
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected serialization failure to surface as slot conflict, got %v", err)
	}
	conflict, _ := ConflictOf(err)
	if conflict.ConflictingID != "" {
		t.Fatalf("expected unknown conflicting id, got %q", conflict.ConflictingID)
	}
}

func TestPgGetAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	history := []byte(`[{"fromStart":"2025-01-07T08:00:00Z","fromEnd":"2025-01-07T08:30:00Z","toStart":"2025-01-07T09:00:00Z","toEnd":"2025-01-07T09:30:00Z","at":"2025-01-06T08:00:00Z"}]`)
	mock.ExpectQuery("FROM appointments WHERE id").WithArgs("appt-1").WillReturnRows(
		pgxmock.NewRows([]string{"id", "reference", "organization_id", "patient_id", "doctor_id", "start_at", "end_at",
			"status", "source", "notes", "reschedule_history", "cancellation", "created_at", "updated_at"}).
			AddRow("appt-1", "APT-1001", "org-1", "pat-1", "doc-1", ts(9, 0), ts(9, 30),
				"CONFIRMED", "voice", "", history, []byte("null"), now, now))

	got, err := repo.GetAppointment(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if got.Status != StatusConfirmed || got.Source != ChannelVoice {
		t.Fatalf("unexpected status/source %s/%s", got.Status, got.Source)
	}
	if len(got.RescheduleHistory) != 1 || !got.RescheduleHistory[0].ToStart.Equal(ts(9, 0)) {
		t.Fatalf("unexpected history %+v", got.RescheduleHistory)
	}
	if got.Cancellation != nil {
		t.Fatalf("expected no cancellation, got %+v", got.Cancellation)
	}

	mock.ExpectQuery("FROM appointments WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	if _, err := repo.GetAppointment(context.Background(), "missing"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
