package interactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/patientflow/internal/appointments"
)

// SQLStore writes interaction logs to Postgres through database/sql.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) LogMessage(ctx context.Context, m MessageLog) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs (
			id, organization_id, patient_id, session_id, channel, direction,
			external_id, body, intent, tools, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID,
		m.OrganizationID,
		nullString(m.PatientID),
		nullString(m.SessionID),
		m.Channel,
		string(m.Direction),
		nullString(m.ExternalID),
		m.Body,
		nullString(m.Intent),
		pq.Array(m.Tools),
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("interactions: log message: %w", err)
	}
	return nil
}

func (s *SQLStore) StartCall(ctx context.Context, c CallLog) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (id, organization_id, patient_id, call_sid, from_number, to_number, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_sid) DO NOTHING`,
		c.ID,
		c.OrganizationID,
		nullString(c.PatientID),
		c.CallSID,
		c.From,
		c.To,
		c.Status,
		c.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("interactions: start call: %w", err)
	}
	return nil
}

// CompleteCall fills completion columns. Empty values keep what is stored;
// ended_at is only ever set once.
func (s *SQLStore) CompleteCall(ctx context.Context, callSID string, c CallCompletion) error {
	var endedAt sql.NullTime
	if !c.EndedAt.IsZero() {
		endedAt = sql.NullTime{Time: c.EndedAt, Valid: true}
	}
	var duration sql.NullInt64
	if c.DurationSeconds > 0 {
		duration = sql.NullInt64{Int64: int64(c.DurationSeconds), Valid: true}
	}
	var phases any
	if len(c.Phases) > 0 {
		phases = pq.Array(c.Phases)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_logs SET
			patient_id       = COALESCE(patient_id, $2),
			status           = COALESCE($3, status),
			ended_at         = COALESCE(ended_at, $4),
			duration_seconds = COALESCE($5, duration_seconds),
			recording_url    = COALESCE($6, recording_url),
			transcript       = COALESCE($7, transcript),
			summary          = COALESCE($8, summary),
			phases           = COALESCE($9, phases)
		WHERE call_sid = $1`,
		callSID,
		nullString(c.PatientID),
		nullString(c.Status),
		endedAt,
		duration,
		nullString(c.RecordingURL),
		nullString(c.Transcript),
		nullString(c.Summary),
		phases,
	)
	if err != nil {
		return fmt.Errorf("interactions: complete call: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCallNotFound
	}
	return nil
}

func (s *SQLStore) GetCall(ctx context.Context, callSID string) (*CallLog, error) {
	var (
		c                                            CallLog
		patientID, recordingURL, transcript, summary sql.NullString
		endedAt                                      sql.NullTime
		duration                                     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, patient_id, call_sid, from_number, to_number, status, started_at,
		       ended_at, duration_seconds, recording_url, transcript, summary, phases
		FROM call_logs WHERE call_sid = $1`, callSID).Scan(
		&c.ID, &c.OrganizationID, &patientID, &c.CallSID, &c.From, &c.To, &c.Status, &c.StartedAt,
		&endedAt, &duration, &recordingURL, &transcript, &summary, pq.Array(&c.Phases),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("interactions: get call: %w", err)
	}
	c.PatientID = patientID.String
	c.RecordingURL = recordingURL.String
	c.Transcript = transcript.String
	c.Summary = summary.String
	c.DurationSeconds = int(duration.Int64)
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return &c, nil
}

func (s *SQLStore) RecordAudit(ctx context.Context, e appointments.AuditEntry) error {
	event, err := auditFromEntry(e)
	if err != nil {
		return fmt.Errorf("interactions: encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, organization_id, appointment_id, patient_id, doctor_id, action, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.NewString(),
		event.OrganizationID,
		event.AppointmentID,
		nullString(event.PatientID),
		nullString(event.DoctorID),
		event.Action,
		nullString(event.Actor),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("interactions: record audit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
