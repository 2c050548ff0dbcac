// Package voice runs the IVR call flow: a per-call phase machine driven by
// gather turns, with speech synthesis, post-call transcription and
// summarisation.
package voice

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
	"github.com/wolfman30/patientflow/pkg/logging"
)

var tracer = otel.Tracer("patientflow.internal.voice")

// Gather input modes.
const (
	InputSpeech     = "speech"
	InputDTMFSpeech = "dtmf speech"
)

// Config holds the call-flow policy.
type Config struct {
	ClinicName          string
	MaxGatherAttempts   int
	ProvisionalHour     int
	ProvisionalDuration time.Duration
	RescheduleOffset    time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ClinicName) == "" {
		c.ClinicName = "the clinic"
	}
	if c.MaxGatherAttempts <= 0 {
		c.MaxGatherAttempts = 3
	}
	if c.ProvisionalHour <= 0 {
		c.ProvisionalHour = 10
	}
	if c.ProvisionalDuration <= 0 {
		c.ProvisionalDuration = 30 * time.Minute
	}
	if c.RescheduleOffset <= 0 {
		c.RescheduleOffset = time.Hour
	}
	return c
}

// CallStart is the first webhook of an inbound call.
type CallStart struct {
	CallSID        string
	OrganizationID string
	From           string
	To             string
}

// GatherInput is the result of one gather turn. Empty digits and speech
// mean the gather timed out. Turn is the sequence number the prompt was
// issued with; zero skips the staleness check.
type GatherInput struct {
	CallSID    string
	Digits     string
	Speech     string
	Confidence float64
	Turn       int
}

// StatusUpdate is a call lifecycle callback.
type StatusUpdate struct {
	CallSID         string
	Status          string
	DurationSeconds int
}

// Result is the engine's instruction for the next telephony step.
type Result struct {
	CallSID string
	Phase   Phase
	Speech  Speech
	Gather  bool
	Input   string
	Turn    int
	Hangup  bool
}

// CallLogger receives call lifecycle records.
type CallLogger interface {
	StartCall(ctx context.Context, c interactions.CallLog) error
	CompleteCall(ctx context.Context, callSID string, c interactions.CallCompletion) error
}

// JobPublisher hands finished recordings to the post-call pipeline.
type JobPublisher interface {
	Enqueue(ctx context.Context, job Job) error
}

// step is a phase handler's decision.
type step struct {
	next         Phase
	say          string
	hangup       bool
	unrecognized bool
}

type callTurn struct {
	session *CallSession
	input   GatherInput
	now     time.Time
}

type phaseHandler func(ctx context.Context, t *callTurn) step

// Engine is the voice IVR state machine.
type Engine struct {
	ledger      *appointments.Ledger
	calls       *CallStore
	classifier  intent.Classifier
	synthesizer Synthesizer
	responder   Responder
	sender      messaging.Sender
	callLog     CallLogger
	postCall    JobPublisher
	metrics     *metrics.VoiceMetrics
	logger      *logging.Logger
	cfg         Config
	locks       *kvstore.KeyMutex
	phases      map[Phase]phaseHandler
	prompts     map[Phase]string
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithClassifier(c intent.Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithSynthesizer enables pre-rendered audio prompts.
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Engine) { e.synthesizer = s }
}

func WithResponder(r Responder) Option {
	return func(e *Engine) {
		if r != nil {
			e.responder = r
		}
	}
}

// WithSender enables the SMS confirmation of provisional bookings.
func WithSender(s messaging.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

func WithCallLogger(l CallLogger) Option {
	return func(e *Engine) { e.callLog = l }
}

func WithPostCall(p JobPublisher) Option {
	return func(e *Engine) { e.postCall = p }
}

func WithMetrics(m *metrics.VoiceMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(ledger *appointments.Ledger, calls *CallStore, opts ...Option) *Engine {
	e := &Engine{
		ledger:     ledger,
		calls:      calls,
		classifier: intent.NewKeywordClassifier(),
		responder:  CannedResponder{},
		logger:     logging.Default(),
		locks:      kvstore.NewKeyMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.phases = map[Phase]phaseHandler{
		PhaseIdentify:          e.identify,
		PhaseExistingMenu:      e.existingMenu,
		PhaseNewPatientName:    e.newPatientName,
		PhaseNewPatientReason:  e.newPatientReason,
		PhaseAIConversation:    e.aiConversation,
		PhaseRescheduleConfirm: e.rescheduleConfirm,
	}
	e.prompts = map[Phase]string{
		PhaseIdentify:          "If you are a new patient, press 1 or say new patient. To reschedule or for anything else, press 2 or tell me how I can help.",
		PhaseExistingMenu:      "Press 1 to hear your upcoming appointments, press 2 to reschedule, or press 3 to speak with our assistant.",
		PhaseNewPatientName:    "Please say your first and last name.",
		PhaseNewPatientReason:  "Briefly, what is the reason for your visit?",
		PhaseAIConversation:    "How can I help you today? Say done when you are finished.",
		PhaseRescheduleConfirm: "Press 1 or say yes to confirm the new time. Press 2 or say no to keep your current time.",
	}
	return e
}

// StartCall opens the call session and returns the greeting. A repeated
// start for the same call SID resumes from the stored phase.
func (e *Engine) StartCall(ctx context.Context, in CallStart) (Result, error) {
	ctx, span := tracer.Start(ctx, "voice.start_call")
	defer span.End()
	span.SetAttributes(attribute.String("call_sid", in.CallSID), attribute.String("org_id", in.OrganizationID))

	unlock := e.locks.Lock(in.CallSID)
	defer unlock()

	now := e.ledger.Now()
	fresh := &CallSession{
		CallSID:        in.CallSID,
		OrganizationID: in.OrganizationID,
		From:           in.From,
		To:             in.To,
		Phase:          PhaseIdentify,
		Phases:         []Phase{PhaseIdentify},
		Transcript:     []Turn{},
		StartedAt:      now,
		UpdatedAt:      now,
	}
	sess, created, err := e.calls.Create(ctx, fresh)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if !created {
		e.logger.Info("voice call resumed", "call_sid", in.CallSID, "phase", sess.Phase)
		return e.replay(ctx, sess), nil
	}

	greeting := "Thanks for calling " + e.cfg.ClinicName + ". "
	if p, err := e.ledger.FindPatientByPhone(ctx, in.OrganizationID, in.From); err == nil {
		sess.PatientID = p.ID
		sess.PatientName = p.Name
		e.transition(sess, PhaseExistingMenu)
		greeting = "Welcome back to " + e.cfg.ClinicName + firstNameSuffix(p.Name) + ". "
	} else if !errors.Is(err, appointments.ErrNotFound) {
		e.logger.Warn("caller lookup failed", "call_sid", in.CallSID, "error", err)
	}
	prompt := greeting + e.prompts[sess.Phase]
	sess.LastPrompt = prompt
	sess.Turn = 1
	sess.addTurn(RoleAssistant, prompt, now)
	if err := e.calls.Save(ctx, sess); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	if e.callLog != nil {
		if err := e.callLog.StartCall(ctx, interactions.CallLog{
			OrganizationID: in.OrganizationID,
			PatientID:      sess.PatientID,
			CallSID:        in.CallSID,
			From:           in.From,
			To:             in.To,
			StartedAt:      now,
			Status:         "in-progress",
		}); err != nil {
			e.logger.Warn("call log start failed", "call_sid", in.CallSID, "error", err)
		}
	}
	e.logger.Info("voice call started", "call_sid", in.CallSID, "org_id", in.OrganizationID,
		"phone", logging.MaskPhone(in.From), "phase", sess.Phase)
	return e.result(ctx, sess, prompt, false), nil
}

// HandleGather advances the call by one gather turn.
func (e *Engine) HandleGather(ctx context.Context, in GatherInput) (Result, error) {
	ctx, span := tracer.Start(ctx, "voice.gather")
	defer span.End()
	span.SetAttributes(attribute.String("call_sid", in.CallSID))

	unlock := e.locks.Lock(in.CallSID)
	defer unlock()

	sess, err := e.calls.Get(ctx, in.CallSID)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if sess.Phase.Terminal() {
		return e.result(ctx, sess, "Goodbye.", true), nil
	}
	if in.Turn != 0 && in.Turn != sess.Turn {
		e.logger.Info("stale gather replayed", "call_sid", in.CallSID, "turn", in.Turn, "current_turn", sess.Turn)
		return e.replay(ctx, sess), nil
	}

	now := e.ledger.Now()
	in.Digits = strings.TrimSpace(in.Digits)
	in.Speech = strings.TrimSpace(in.Speech)
	sess.addTurn(RoleCaller, callerText(in), now)

	from := sess.Phase
	st := e.phases[from](ctx, &callTurn{session: sess, input: in, now: now})
	if st.unrecognized {
		st = e.unrecognized(sess)
	} else {
		sess.Attempts = 0
	}
	e.transition(sess, st.next)
	span.SetAttributes(attribute.String("phase_from", string(from)), attribute.String("phase_to", string(sess.Phase)))

	sess.LastPrompt = st.say
	sess.Turn++
	sess.UpdatedAt = now
	sess.addTurn(RoleAssistant, st.say, now)
	if err := e.calls.Save(ctx, sess); err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if sess.Phase.Terminal() {
		e.metrics.ObserveCallEnded(string(sess.Phase))
	}
	return e.result(ctx, sess, st.say, st.hangup), nil
}

// Replay returns the call's current prompt without advancing it.
func (e *Engine) Replay(ctx context.Context, callSID string) (Result, error) {
	sess, err := e.calls.Get(ctx, callSID)
	if err != nil {
		return Result{}, err
	}
	return e.replay(ctx, sess), nil
}

// HandleStatus records call lifecycle callbacks. Final statuses close the
// call flow and complete the call log.
func (e *Engine) HandleStatus(ctx context.Context, in StatusUpdate) error {
	unlock := e.locks.Lock(in.CallSID)
	defer unlock()

	sess, err := e.calls.Get(ctx, in.CallSID)
	if err != nil {
		return err
	}
	now := e.ledger.Now()
	sess.CallStatus = in.Status
	sess.UpdatedAt = now
	final := isFinalStatus(in.Status)
	if final && !sess.Phase.Terminal() {
		e.transition(sess, PhaseCompleted)
		e.metrics.ObserveCallEnded(string(PhaseCompleted))
	}
	if err := e.calls.Save(ctx, sess); err != nil {
		return err
	}
	if final && e.callLog != nil {
		if err := e.callLog.CompleteCall(ctx, in.CallSID, interactions.CallCompletion{
			PatientID:       sess.PatientID,
			Status:          in.Status,
			EndedAt:         now,
			DurationSeconds: in.DurationSeconds,
			Phases:          sess.phaseNames(),
		}); err != nil {
			e.logger.Warn("call log completion failed", "call_sid", in.CallSID, "error", err)
		}
	}
	e.logger.Info("voice call status", "call_sid", in.CallSID, "status", in.Status, "phase", sess.Phase)
	return nil
}

// HandleRecording queues post-call processing for a finished recording.
func (e *Engine) HandleRecording(ctx context.Context, rec Recording) error {
	sess, err := e.calls.Get(ctx, rec.CallSID)
	if err != nil {
		return err
	}
	if e.postCall == nil {
		e.logger.Warn("no post-call pipeline configured; recording ignored", "call_sid", rec.CallSID)
		return nil
	}
	return e.postCall.Enqueue(ctx, Job{
		CallSID:        rec.CallSID,
		OrganizationID: sess.OrganizationID,
		Recording:      rec,
	})
}

func (e *Engine) transition(sess *CallSession, next Phase) {
	if next == "" || next == sess.Phase {
		return
	}
	e.metrics.ObservePhase(string(sess.Phase), string(next))
	e.logger.Debug("voice phase transition", "call_sid", sess.CallSID, "from", sess.Phase, "to", next)
	sess.Phase = next
	sess.Attempts = 0
	sess.Phases = append(sess.Phases, next)
}

// unrecognized counts a failed gather against the current phase and hangs
// up after MaxGatherAttempts consecutive failures. Any recognized turn
// clears the count.
func (e *Engine) unrecognized(sess *CallSession) step {
	sess.Attempts++
	if sess.Attempts >= e.cfg.MaxGatherAttempts {
		e.logger.Info("gather attempts exhausted", "call_sid", sess.CallSID, "phase", sess.Phase, "attempts", sess.Attempts)
		return step{
			next:   PhaseHangup,
			say:    "Sorry, I'm having trouble understanding. Please call back or send us a text message. Goodbye.",
			hangup: true,
		}
	}
	return step{next: sess.Phase, say: "Sorry, I didn't catch that. " + e.prompts[sess.Phase]}
}

func (e *Engine) replay(ctx context.Context, sess *CallSession) Result {
	prompt := sess.LastPrompt
	if prompt == "" {
		prompt = e.prompts[sess.Phase]
	}
	return e.result(ctx, sess, prompt, sess.Phase.Terminal())
}

func (e *Engine) result(ctx context.Context, sess *CallSession, text string, hangup bool) Result {
	res := Result{
		CallSID: sess.CallSID,
		Phase:   sess.Phase,
		Speech:  e.speak(ctx, sess.CallSID, text),
		Turn:    sess.Turn,
		Hangup:  hangup || sess.Phase.Terminal(),
	}
	if !res.Hangup {
		res.Gather = true
		res.Input = inputFor(sess.Phase)
	}
	return res
}

// speak renders text to audio, degrading to text on any synthesis failure.
func (e *Engine) speak(ctx context.Context, callSID, text string) Speech {
	sp := Speech{Text: text}
	if e.synthesizer == nil || text == "" {
		return sp
	}
	url, err := e.synthesizer.Synthesize(ctx, text)
	if err != nil {
		e.metrics.ObserveTTSFallback()
		e.logger.Warn("speech synthesis failed; using text prompt", "call_sid", callSID, "error", err)
		return sp
	}
	sp.AudioURL = url
	return sp
}

func inputFor(p Phase) string {
	switch p {
	case PhaseIdentify, PhaseExistingMenu, PhaseRescheduleConfirm:
		return InputDTMFSpeech
	default:
		return InputSpeech
	}
}

func isFinalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	}
	return false
}

func callerText(in GatherInput) string {
	switch {
	case in.Speech != "":
		return in.Speech
	case in.Digits != "":
		return "pressed " + in.Digits
	}
	return ""
}

func firstNameSuffix(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return ", " + fields[0]
}
