package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/kvstore"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	defaultSessionTTL = 24 * time.Hour
	maxSessionTurns   = 50
)

// Turn is one message in a session transcript.
type Turn struct {
	Role   string      `json:"role"`
	Text   string      `json:"text"`
	Intent intent.Type `json:"intent,omitempty"`
	At     time.Time   `json:"at"`
}

// ToolCall records a ledger operation made on the patient's behalf.
type ToolCall struct {
	Name    string    `json:"name"`
	Outcome string    `json:"outcome"`
	Ref     string    `json:"ref,omitempty"`
	At      time.Time `json:"at"`
}

// Session is the text-channel conversation for one (organization, phone).
type Session struct {
	ID             string      `json:"id"`
	Key            string      `json:"key"`
	OrganizationID string      `json:"organizationId"`
	PatientPhone   string      `json:"patientPhone"`
	PatientID      string      `json:"patientId,omitempty"`
	Channel        string      `json:"channel"`
	Active         bool        `json:"active"`
	Turns          []Turn      `json:"turns"`
	LastIntent     intent.Type `json:"lastIntent,omitempty"`
	Pending        intent.Type `json:"pending,omitempty"` // intent awaiting a date or time
	Tools          []ToolCall  `json:"tools,omitempty"`
	StartedAt      time.Time   `json:"startedAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// SessionKey is the store key of the active session for (org, phone).
func SessionKey(orgID, phone string) string {
	return "conv:session:" + orgID + ":" + phone
}

func (s *Session) appendTurn(t Turn) {
	s.Turns = append(s.Turns, t)
	if len(s.Turns) > maxSessionTurns {
		s.Turns = s.Turns[len(s.Turns)-maxSessionTurns:]
	}
}

func (s *Session) recordTool(c ToolCall) {
	s.Tools = append(s.Tools, c)
	if len(s.Tools) > maxSessionTurns {
		s.Tools = s.Tools[len(s.Tools)-maxSessionTurns:]
	}
}

func (s *Session) history() []intent.Turn {
	out := make([]intent.Turn, 0, len(s.Turns))
	for _, t := range s.Turns {
		out = append(out, intent.Turn{Role: t.Role, Text: t.Text})
	}
	return out
}

// SessionStore persists sessions in a kvstore.Store; entries expire after
// ttl of inactivity.
type SessionStore struct {
	kv  kvstore.Store
	ttl time.Duration
}

func NewSessionStore(kv kvstore.Store, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{kv: kv, ttl: ttl}
}

// Open returns the active session for (org, phone), creating it when none
// exists. Creation is a put-if-absent, so concurrent first messages agree on
// one session.
func (s *SessionStore) Open(ctx context.Context, orgID, phone, channel string, now time.Time) (*Session, bool, error) {
	key := SessionKey(orgID, phone)
	for attempt := 0; attempt < 2; attempt++ {
		var existing Session
		err := kvstore.GetJSON(ctx, s.kv, key, &existing)
		if err == nil && existing.Active {
			return &existing, false, nil
		}
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return nil, false, fmt.Errorf("conversation: load session: %w", err)
		}

		fresh := &Session{
			ID:             uuid.NewString(),
			Key:            key,
			OrganizationID: orgID,
			PatientPhone:   phone,
			Channel:        channel,
			Active:         true,
			Turns:          []Turn{},
			StartedAt:      now,
			UpdatedAt:      now,
		}
		if err == nil {
			// An ended session still under its TTL is replaced.
			if err := kvstore.PutJSON(ctx, s.kv, key, fresh, s.ttl); err != nil {
				return nil, false, fmt.Errorf("conversation: create session: %w", err)
			}
			return fresh, true, nil
		}
		created, err := kvstore.PutJSONIfAbsent(ctx, s.kv, key, fresh, s.ttl)
		if err != nil {
			return nil, false, fmt.Errorf("conversation: create session: %w", err)
		}
		if created {
			return fresh, true, nil
		}
	}
	return nil, false, fmt.Errorf("conversation: session %s changed during open", key)
}

// Get loads the session for (org, phone) whether or not it is active.
func (s *SessionStore) Get(ctx context.Context, orgID, phone string) (*Session, error) {
	var sess Session
	if err := kvstore.GetJSON(ctx, s.kv, SessionKey(orgID, phone), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save writes the session and refreshes its TTL.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	if err := kvstore.PutJSON(ctx, s.kv, sess.Key, sess, s.ttl); err != nil {
		return fmt.Errorf("conversation: save session: %w", err)
	}
	return nil
}

// End marks the session inactive and removes it; the next message opens a
// new one.
func (s *SessionStore) End(ctx context.Context, sess *Session) error {
	sess.Active = false
	if err := s.kv.Delete(ctx, sess.Key); err != nil {
		return fmt.Errorf("conversation: end session: %w", err)
	}
	return nil
}
