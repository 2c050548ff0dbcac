package interactions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/patientflow/internal/appointments"
)

// MemoryStore keeps interaction logs in process.
type MemoryStore struct {
	mu       sync.Mutex
	messages []MessageLog
	calls    map[string]*CallLog
	audits   []AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]*CallLog)}
}

func (s *MemoryStore) LogMessage(_ context.Context, m MessageLog) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

// StartCall records the call once; later calls for the same sid are ignored.
func (s *MemoryStore) StartCall(_ context.Context, c CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.CallSID]; ok {
		return nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	s.calls[c.CallSID] = &c
	return nil
}

func (s *MemoryStore) CompleteCall(_ context.Context, callSID string, c CallCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callSID]
	if !ok {
		return ErrCallNotFound
	}
	if c.PatientID != "" && call.PatientID == "" {
		call.PatientID = c.PatientID
	}
	if c.Status != "" {
		call.Status = c.Status
	}
	if !c.EndedAt.IsZero() && call.EndedAt == nil {
		ended := c.EndedAt
		call.EndedAt = &ended
	}
	if c.DurationSeconds > 0 {
		call.DurationSeconds = c.DurationSeconds
	}
	if c.RecordingURL != "" {
		call.RecordingURL = c.RecordingURL
	}
	if c.Transcript != "" {
		call.Transcript = c.Transcript
	}
	if c.Summary != "" {
		call.Summary = c.Summary
	}
	if len(c.Phases) > 0 {
		call.Phases = append([]string(nil), c.Phases...)
	}
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, callSID string) (*CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callSID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *call
	return &cp, nil
}

func (s *MemoryStore) RecordAudit(_ context.Context, e appointments.AuditEntry) error {
	event, err := auditFromEntry(e)
	if err != nil {
		return err
	}
	event.ID = uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, event)
	return nil
}

// Messages returns a copy of the message log.
func (s *MemoryStore) Messages() []MessageLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MessageLog(nil), s.messages...)
}

// Audits returns a copy of the audit log.
func (s *MemoryStore) Audits() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.audits...)
}
