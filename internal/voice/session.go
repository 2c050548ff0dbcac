package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/patientflow/internal/kvstore"
)

// Phase is a state of the IVR call flow.
type Phase string

const (
	PhaseIdentify          Phase = "identify"
	PhaseExistingMenu      Phase = "existing_menu"
	PhaseNewPatientName    Phase = "new_patient_name"
	PhaseNewPatientReason  Phase = "new_patient_reason"
	PhaseAIConversation    Phase = "ai_conversation"
	PhaseRescheduleConfirm Phase = "reschedule_confirm"
	PhaseCompleted         Phase = "completed"
	PhaseHangup            Phase = "hangup"
)

// Terminal reports whether the call flow is over.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseHangup
}

const (
	callKeyPrefix      = "voice:call:"
	defaultCallTTL     = 24 * time.Hour
	maxTranscriptTurns = 100

	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// ErrUnknownCall is returned for gather or status events of a call that was
// never started or has already been closed.
var ErrUnknownCall = errors.New("voice: unknown call")

// Turn is one line of the in-call transcript.
type Turn struct {
	Role  string    `json:"role"`
	Text  string    `json:"text"`
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// CallSession is the persisted IVR state of one call, keyed by call SID.
type CallSession struct {
	CallSID        string    `json:"callSid"`
	OrganizationID string    `json:"organizationId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Phase          Phase     `json:"phase"`
	Attempts       int       `json:"attempts"`
	Turn           int       `json:"turn"`
	LastPrompt     string    `json:"lastPrompt"`
	PatientID      string    `json:"patientId,omitempty"`
	PatientName    string    `json:"patientName,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	AppointmentID  string    `json:"appointmentId,omitempty"`
	ProposedStart  time.Time `json:"proposedStart,omitempty"`
	ProposedEnd    time.Time `json:"proposedEnd,omitempty"`
	CallStatus     string    `json:"callStatus,omitempty"`
	Phases         []Phase   `json:"phases"`
	Transcript     []Turn    `json:"transcript"`
	StartedAt      time.Time `json:"startedAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s *CallSession) addTurn(role, text string, at time.Time) {
	if text == "" {
		return
	}
	s.Transcript = append(s.Transcript, Turn{Role: role, Text: text, Phase: s.Phase, At: at})
	if len(s.Transcript) > maxTranscriptTurns {
		s.Transcript = s.Transcript[len(s.Transcript)-maxTranscriptTurns:]
	}
}

func (s *CallSession) phaseNames() []string {
	out := make([]string, len(s.Phases))
	for i, p := range s.Phases {
		out[i] = string(p)
	}
	return out
}

func callKey(callSID string) string {
	return callKeyPrefix + callSID
}

// CallStore persists call sessions in a kvstore.Store.
type CallStore struct {
	kv  kvstore.Store
	ttl time.Duration
}

func NewCallStore(kv kvstore.Store, ttl time.Duration) *CallStore {
	if ttl <= 0 {
		ttl = defaultCallTTL
	}
	return &CallStore{kv: kv, ttl: ttl}
}

// Create stores sess unless a session for the same call SID exists, in
// which case the stored one is returned with created=false.
func (s *CallStore) Create(ctx context.Context, sess *CallSession) (*CallSession, bool, error) {
	created, err := kvstore.PutJSONIfAbsent(ctx, s.kv, callKey(sess.CallSID), sess, s.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("voice: create call session: %w", err)
	}
	if created {
		return sess, true, nil
	}
	existing, err := s.Get(ctx, sess.CallSID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *CallStore) Get(ctx context.Context, callSID string) (*CallSession, error) {
	var sess CallSession
	err := kvstore.GetJSON(ctx, s.kv, callKey(callSID), &sess)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrUnknownCall
	}
	if err != nil {
		return nil, fmt.Errorf("voice: load call session: %w", err)
	}
	return &sess, nil
}

func (s *CallStore) Save(ctx context.Context, sess *CallSession) error {
	if err := kvstore.PutJSON(ctx, s.kv, callKey(sess.CallSID), sess, s.ttl); err != nil {
		return fmt.Errorf("voice: save call session: %w", err)
	}
	return nil
}

func (s *CallStore) Delete(ctx context.Context, callSID string) error {
	if err := s.kv.Delete(ctx, callKey(callSID)); err != nil {
		return fmt.Errorf("voice: delete call session: %w", err)
	}
	return nil
}
