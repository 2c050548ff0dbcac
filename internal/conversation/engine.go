// Package conversation runs the text-channel booking conversation: each
// inbound message is classified and dispatched to the appointment ledger.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/patientflow/internal/appointments"
	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/interactions"
	"github.com/wolfman30/patientflow/internal/kvstore"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/pkg/logging"
)

var tracer = otel.Tracer("patientflow.internal.conversation")

// ErrInvalidInbound is returned for messages without an organization or sender.
var ErrInvalidInbound = errors.New("conversation: inbound message missing org or sender")

// Inbound is one message from a patient.
type Inbound struct {
	OrganizationID string
	MessageID      string
	From           string
	To             string
	Text           string
	Channel        string
	MediaCount     int
}

// Reply codes.
const (
	CodeBooked        = "booked"
	CodeRescheduled   = "rescheduled"
	CodeCancelled     = "cancelled"
	CodeListed        = "listed"
	CodeNoSlots       = "no_slots_available"
	CodeNeedTime      = "need_time"
	CodeNoDoctors     = "no_doctors"
	CodeNotFound      = "not_found"
	CodeSlotConflict  = "slot_conflict"
	CodeInvalidState  = "invalid_state"
	CodeInvalidInput  = "invalid_input"
	CodeHelp          = "help"
	CodeSessionEnded  = "session_ended"
	CodeMediaOnly     = "media_unsupported"
	CodeInternalError = "error"
)

// Reply is the engine's answer to one message.
type Reply struct {
	Text        string                    `json:"text"`
	Code        string                    `json:"code"`
	Intent      intent.Type               `json:"intent,omitempty"`
	SessionID   string                    `json:"sessionId,omitempty"`
	Appointment *appointments.Appointment `json:"appointment,omitempty"`
	Suggestions []scheduling.Slot         `json:"suggestions,omitempty"`
}

// MessageLogger receives the message log entries of each turn.
type MessageLogger interface {
	LogMessage(ctx context.Context, m interactions.MessageLog) error
}

type turn struct {
	session *Session
	in      Inbound
	result  intent.Result
	now     time.Time
	tools   []string
}

type handlerFunc func(ctx context.Context, t *turn) Reply

// Engine is the text-channel conversation state machine.
type Engine struct {
	ledger       *appointments.Ledger
	sessions     *SessionStore
	classifier   intent.Classifier
	messages     MessageLogger
	metrics      *metrics.ConversationMetrics
	logger       *logging.Logger
	loc          *time.Location
	slotDuration time.Duration
	locks        *kvstore.KeyMutex
	handlers     map[intent.Type]handlerFunc
}

type Option func(*Engine)

func WithMessageLogger(l MessageLogger) Option {
	return func(e *Engine) { e.messages = l }
}

func WithMetrics(m *metrics.ConversationMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLocation sets the clinic timezone used to read "today" and "10am".
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithSlotDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.slotDuration = d
		}
	}
}

func NewEngine(ledger *appointments.Ledger, sessions *SessionStore, classifier intent.Classifier, opts ...Option) *Engine {
	if classifier == nil {
		classifier = intent.NewKeywordClassifier()
	}
	e := &Engine{
		ledger:       ledger,
		sessions:     sessions,
		classifier:   classifier,
		logger:       logging.Default(),
		loc:          time.UTC,
		slotDuration: scheduling.DefaultSlotDuration,
		locks:        kvstore.NewKeyMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[intent.Type]handlerFunc{
		intent.TypeBook:       e.handleBook,
		intent.TypeReschedule: e.handleReschedule,
		intent.TypeCancel:     e.handleCancel,
		intent.TypeCheck:      e.handleCheck,
		intent.TypeGeneral:    e.handleHelp,
		intent.TypeUnknown:    e.handleHelp,
	}
	return e
}

// HandleMessage processes one inbound message. Messages for the same
// (organization, phone) are handled one at a time in arrival order.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (Reply, error) {
	if strings.TrimSpace(in.OrganizationID) == "" || strings.TrimSpace(in.From) == "" {
		return Reply{}, ErrInvalidInbound
	}
	if in.Channel == "" {
		in.Channel = string(appointments.ChannelSMS)
	}
	ctx, span := tracer.Start(ctx, "conversation.handle_message")
	defer span.End()
	span.SetAttributes(attribute.String("org_id", in.OrganizationID), attribute.String("channel", in.Channel))

	unlock := e.locks.Lock(SessionKey(in.OrganizationID, in.From))
	defer unlock()

	now := e.ledger.Now()
	text := strings.TrimSpace(in.Text)
	in.Text = text

	if messaging.IsSessionEnd(text) {
		return e.endSession(ctx, in, now)
	}

	sess, created, err := e.sessions.Open(ctx, in.OrganizationID, in.From, in.Channel, now)
	if err != nil {
		span.RecordError(err)
		return Reply{}, err
	}
	if created {
		e.logger.Info("conversation session opened", "org_id", in.OrganizationID, "session_id", sess.ID, "phone", logging.MaskPhone(in.From))
	}
	if sess.PatientID == "" {
		if p, err := e.ledger.FindPatientByPhone(ctx, in.OrganizationID, in.From); err == nil {
			sess.PatientID = p.ID
		}
	}

	t := &turn{session: sess, in: in, now: now}
	var reply Reply
	if text == "" && in.MediaCount > 0 {
		t.result = intent.Result{Type: intent.TypeUnknown}
		reply = Reply{Code: CodeMediaOnly, Text: msgMediaOnly}
	} else {
		t.result = e.classify(ctx, t)
		reply = e.handlers[t.result.Type](ctx, t)
	}
	reply.Intent = t.result.Type
	reply.SessionID = sess.ID
	span.SetAttributes(attribute.String("intent", string(t.result.Type)), attribute.String("outcome", reply.Code))

	sess.appendTurn(Turn{Role: RoleUser, Text: text, Intent: t.result.Type, At: now})
	sess.appendTurn(Turn{Role: RoleAssistant, Text: reply.Text, At: now})
	sess.LastIntent = t.result.Type
	sess.Pending = ""
	if reply.Code == CodeNeedTime || reply.Code == CodeNoSlots || reply.Code == CodeSlotConflict {
		sess.Pending = t.result.Type
	}
	sess.UpdatedAt = now
	if err := e.sessions.Save(ctx, sess); err != nil {
		span.RecordError(err)
		return Reply{}, err
	}

	e.logTurn(ctx, sess, in, reply, t.tools)
	e.metrics.ObserveTurn(in.Channel, string(t.result.Type))
	return reply, nil
}

func (e *Engine) classify(ctx context.Context, t *turn) intent.Result {
	sess := t.session
	ictx := intent.Context{
		OrganizationID: sess.OrganizationID,
		Channel:        t.in.Channel,
		PatientKnown:   sess.PatientID != "",
		History:        sess.history(),
		LastIntent:     sess.LastIntent,
		Now:            t.now,
	}
	if sess.PatientID != "" {
		if upcoming, err := e.ledger.ListForPatient(ctx, sess.PatientID, appointments.PatientFilter{
			Statuses: appointments.ActiveStatuses, From: t.now,
		}); err == nil {
			for _, a := range upcoming {
				ictx.Appointments = append(ictx.Appointments, a.Reference)
			}
		}
	}

	res, err := e.classifier.Classify(ctx, t.in.Text, ictx)
	if err != nil {
		e.logger.Warn("intent classification failed", "org_id", sess.OrganizationID, "session_id", sess.ID, "error", err)
		res = intent.ClassifyKeywords(t.in.Text)
	}
	if res.Parameters == nil {
		res.Parameters = map[string]string{}
	}
	if _, ok := e.handlers[res.Type]; !ok {
		res.Type = intent.TypeUnknown
	}
	// A bare "tomorrow at 3pm" answers the previous question.
	if sess.Pending != "" && (res.Type == intent.TypeUnknown || res.Type == intent.TypeGeneral) &&
		(res.Param(intent.ParamDate) != "" || res.Param(intent.ParamTime) != "") {
		res.Type = sess.Pending
	}
	return res
}

func (e *Engine) endSession(ctx context.Context, in Inbound, now time.Time) (Reply, error) {
	reply := Reply{Code: CodeSessionEnded, Text: msgGoodbye, Intent: intent.TypeGeneral}
	sess, err := e.sessions.Get(ctx, in.OrganizationID, in.From)
	switch {
	case err == nil:
		reply.SessionID = sess.ID
		if err := e.sessions.End(ctx, sess); err != nil {
			return Reply{}, err
		}
		e.logger.Info("conversation session ended", "org_id", in.OrganizationID, "session_id", sess.ID)
		e.logTurn(ctx, sess, in, reply, nil)
	case errors.Is(err, kvstore.ErrNotFound):
		e.logTurn(ctx, &Session{OrganizationID: in.OrganizationID}, in, reply, nil)
	default:
		return Reply{}, err
	}
	e.metrics.ObserveTurn(in.Channel, "session_end")
	return reply, nil
}

func (e *Engine) logTurn(ctx context.Context, sess *Session, in Inbound, reply Reply, tools []string) {
	if e.messages == nil {
		return
	}
	entries := []interactions.MessageLog{
		{
			OrganizationID: in.OrganizationID,
			PatientID:      sess.PatientID,
			SessionID:      sess.ID,
			Channel:        in.Channel,
			Direction:      interactions.DirectionInbound,
			ExternalID:     in.MessageID,
			Body:           in.Text,
			Intent:         string(reply.Intent),
		},
		{
			OrganizationID: in.OrganizationID,
			PatientID:      sess.PatientID,
			SessionID:      sess.ID,
			Channel:        in.Channel,
			Direction:      interactions.DirectionOutbound,
			Body:           reply.Text,
			Intent:         string(reply.Intent),
			Tools:          tools,
		},
	}
	for _, m := range entries {
		if err := e.messages.LogMessage(ctx, m); err != nil {
			e.logger.Warn("message log write failed", "org_id", in.OrganizationID, "session_id", sess.ID, "error", err)
		}
	}
}
