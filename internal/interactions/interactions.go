// Package interactions keeps the append-only message, call and audit logs
// written by the channel engines and the appointment ledger.
package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wolfman30/patientflow/internal/appointments"
)

var ErrCallNotFound = errors.New("interactions: call not found")

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageLog is one text-channel message.
type MessageLog struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	PatientID      string    `json:"patientId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	Channel        string    `json:"channel"`
	Direction      Direction `json:"direction"`
	ExternalID     string    `json:"externalId,omitempty"`
	Body           string    `json:"body"`
	Intent         string    `json:"intent,omitempty"`
	Tools          []string  `json:"tools,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CallLog is one voice call. Completion fields are filled in once the call
// ends; the rest never changes after StartCall.
type CallLog struct {
	ID              string     `json:"id"`
	OrganizationID  string     `json:"organizationId"`
	PatientID       string     `json:"patientId,omitempty"`
	CallSID         string     `json:"callSid"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	StartedAt       time.Time  `json:"startedAt"`
	Status          string     `json:"status"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
	RecordingURL    string     `json:"recordingUrl,omitempty"`
	Transcript      string     `json:"transcript,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Phases          []string   `json:"phases,omitempty"`
}

// CallCompletion carries the fields appended to a CallLog after the fact.
// Zero values leave the stored column untouched.
type CallCompletion struct {
	PatientID       string
	Status          string
	EndedAt         time.Time
	DurationSeconds int
	RecordingURL    string
	Transcript      string
	Summary         string
	Phases          []string
}

// AuditEvent is an appointment ledger write.
type AuditEvent struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	AppointmentID  string          `json:"appointmentId"`
	PatientID      string          `json:"patientId,omitempty"`
	DoctorID       string          `json:"doctorId,omitempty"`
	Action         string          `json:"action"`
	Actor          string          `json:"actor,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Logger is the interaction logger used by the engines. It also satisfies
// appointments.AuditRecorder.
type Logger interface {
	LogMessage(ctx context.Context, m MessageLog) error
	StartCall(ctx context.Context, c CallLog) error
	CompleteCall(ctx context.Context, callSID string, c CallCompletion) error
	GetCall(ctx context.Context, callSID string) (*CallLog, error)
	RecordAudit(ctx context.Context, e appointments.AuditEntry) error
}

func auditFromEntry(e appointments.AuditEntry) (AuditEvent, error) {
	var details json.RawMessage
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return AuditEvent{}, err
		}
		details = raw
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return AuditEvent{
		OrganizationID: e.OrganizationID,
		AppointmentID:  e.AppointmentID,
		PatientID:      e.PatientID,
		DoctorID:       e.DoctorID,
		Action:         e.Action,
		Actor:          e.Actor,
		Details:        details,
		CreatedAt:      at,
	}, nil
}
