package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/patientflow/internal/appointments"
	"github.com/wolfman30/patientflow/internal/interactions"
	"github.com/wolfman30/patientflow/internal/kvstore"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/pkg/logging"
)

const (
	testOrg    = "org-1"
	callerNew  = "+15550009999"
	callerKnow = "+15550001111"
	clinicLine = "+15557770000"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []messaging.OutboundMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg messaging.OutboundMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return "SM-1", s.err
}

type failingSynth struct{ calls int }

func (f *failingSynth) Synthesize(context.Context, string) (string, error) {
	f.calls++
	return "", errors.New("polly throttled")
}

type staticSynth struct{}

func (staticSynth) Synthesize(_ context.Context, text string) (string, error) {
	return "https://audio.example/" + promptHash("v", text) + ".mp3", nil
}

type voiceFixture struct {
	engine  *Engine
	ledger  *appointments.Ledger
	calls   *CallStore
	callLog *interactions.MemoryStore
	sender  *recordingSender
	reg     *prometheus.Registry
	known   *appointments.Patient
}

// Monday 2025-01-06 15:00 UTC; the next business day is Tuesday the 7th.
func newVoiceFixture(t *testing.T, opts ...Option) *voiceFixture {
	t.Helper()
	ctx := context.Background()
	repo := appointments.NewMemoryRepository()
	require.NoError(t, repo.SaveDoctor(ctx, scheduling.Doctor{
		ID: "doc-1", OrganizationID: testOrg, Name: "Dr. Mira Patel", Active: true,
		Hours: scheduling.WeeklySchedule{
			"tuesday":   {Open: "09:00", Close: "17:00"},
			"wednesday": {Open: "09:00", Close: "17:00"},
		},
	}))
	known, _, err := repo.UpsertPatient(ctx, testOrg, callerKnow, "Lena Ortiz")
	require.NoError(t, err)

	ledger := appointments.NewLedger(repo, appointments.NewConflictGuard(repo, appointments.NewLocalLocker()),
		appointments.WithLogger(logging.Discard()),
		appointments.WithClock(func() time.Time { return time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC) }),
	)
	reg := prometheus.NewRegistry()
	f := &voiceFixture{
		ledger:  ledger,
		calls:   NewCallStore(kvstore.NewMemoryStore(100), time.Hour),
		callLog: interactions.NewMemoryStore(),
		sender:  &recordingSender{},
		reg:     reg,
		known:   known,
	}
	base := []Option{
		WithConfig(Config{ClinicName: "Riverside Clinic"}),
		WithCallLogger(f.callLog),
		WithSender(f.sender),
		WithMetrics(metrics.NewVoiceMetrics(reg)),
		WithLogger(logging.Discard()),
	}
	f.engine = NewEngine(ledger, f.calls, append(base, opts...)...)
	return f
}

func (f *voiceFixture) start(t *testing.T, sid, from string) Result {
	t.Helper()
	res, err := f.engine.StartCall(context.Background(), CallStart{CallSID: sid, OrganizationID: testOrg, From: from, To: clinicLine})
	require.NoError(t, err)
	return res
}

func (f *voiceFixture) gather(t *testing.T, sid string, in GatherInput) Result {
	t.Helper()
	in.CallSID = sid
	res, err := f.engine.HandleGather(context.Background(), in)
	require.NoError(t, err)
	return res
}

func (f *voiceFixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNewPatientVoiceBooking(t *testing.T) {
	f := newVoiceFixture(t)

	res := f.start(t, "CA1", callerNew)
	assert.Equal(t, PhaseIdentify, res.Phase)
	assert.True(t, res.Gather)
	assert.Equal(t, InputDTMFSpeech, res.Input)
	assert.Contains(t, res.Speech.Text, "Riverside Clinic")

	res = f.gather(t, "CA1", GatherInput{Speech: "I'm a new patient", Confidence: 0.9, Turn: res.Turn})
	require.Equal(t, PhaseNewPatientName, res.Phase)
	assert.Equal(t, InputSpeech, res.Input)

	res = f.gather(t, "CA1", GatherInput{Speech: "My name is Asha Rao.", Turn: res.Turn})
	require.Equal(t, PhaseNewPatientReason, res.Phase)
	assert.Contains(t, res.Speech.Text, "Asha Rao")

	res = f.gather(t, "CA1", GatherInput{Speech: "annual checkup", Turn: res.Turn})
	require.Equal(t, PhaseAIConversation, res.Phase)
	assert.Contains(t, res.Speech.Text, "Tuesday, January 7 at 10:00 AM")

	ctx := context.Background()
	patient, err := f.ledger.FindPatientByPhone(ctx, testOrg, callerNew)
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", patient.Name)

	list, err := f.ledger.ListForPatient(ctx, patient.ID, appointments.PatientFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	appt := list[0]
	assert.Equal(t, "doc-1", appt.DoctorID)
	assert.True(t, appt.Start.Equal(time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, 30*time.Minute, appt.End.Sub(appt.Start))
	assert.Equal(t, appointments.ChannelVoice, appt.Source)
	assert.Equal(t, "annual checkup", appt.Notes)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, callerNew, f.sender.sent[0].To)
	assert.Equal(t, clinicLine, f.sender.sent[0].From)
	assert.Contains(t, f.sender.sent[0].Body, appt.Reference)

	sess, err := f.calls.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseIdentify, PhaseNewPatientName, PhaseNewPatientReason, PhaseAIConversation}, sess.Phases)
	assert.Equal(t, patient.ID, sess.PatientID)
}

func TestProvisionalBookingSkipsWeekend(t *testing.T) {
	friday := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	next := nextBusinessDay(friday)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 13, next.Day())
}

func TestSMSFailureDoesNotFailCall(t *testing.T) {
	f := newVoiceFixture(t)
	f.sender.err = errors.New("twilio down")

	res := f.start(t, "CA2", callerNew)
	res = f.gather(t, "CA2", GatherInput{Digits: "1", Turn: res.Turn})
	res = f.gather(t, "CA2", GatherInput{Speech: "Asha Rao", Turn: res.Turn})
	res = f.gather(t, "CA2", GatherInput{Speech: "back pain", Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.Len(t, f.sender.sent, 1)
}

func (f *voiceFixture) bookKnown(t *testing.T) *appointments.Appointment {
	t.Helper()
	appt, err := f.ledger.Book(context.Background(), appointments.BookRequest{
		OrganizationID: testOrg,
		PatientID:      f.known.ID,
		DoctorID:       "doc-1",
		Start:          time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 1, 7, 10, 30, 0, 0, time.UTC),
		Source:         appointments.ChannelAPI,
	})
	require.NoError(t, err)
	return appt
}

func TestRescheduleConfirmCommits(t *testing.T) {
	f := newVoiceFixture(t)
	appt := f.bookKnown(t)

	res := f.start(t, "CA3", callerKnow)
	require.Equal(t, PhaseExistingMenu, res.Phase)
	assert.Contains(t, res.Speech.Text, "Lena")

	res = f.gather(t, "CA3", GatherInput{Digits: "2", Turn: res.Turn})
	require.Equal(t, PhaseRescheduleConfirm, res.Phase)
	assert.Contains(t, res.Speech.Text, "Tuesday, January 7 at 11:00 AM")

	res = f.gather(t, "CA3", GatherInput{Digits: "1", Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.Contains(t, res.Speech.Text, "Done.")

	got, err := f.ledger.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.True(t, got.Start.Equal(time.Date(2025, 1, 7, 11, 0, 0, 0, time.UTC)))
	assert.True(t, got.End.Equal(time.Date(2025, 1, 7, 11, 30, 0, 0, time.UTC)))
	require.Len(t, got.RescheduleHistory, 1)
}

func TestRescheduleDeclinedLeavesAppointment(t *testing.T) {
	for _, in := range []GatherInput{{Digits: "2"}, {Speech: "no, keep it"}, {}} {
		f := newVoiceFixture(t)
		appt := f.bookKnown(t)

		res := f.start(t, "CA4", callerKnow)
		res = f.gather(t, "CA4", GatherInput{Speech: "I need to reschedule", Turn: res.Turn})
		require.Equal(t, PhaseRescheduleConfirm, res.Phase)

		in.Turn = res.Turn
		res = f.gather(t, "CA4", in)
		assert.Equal(t, PhaseAIConversation, res.Phase)
		assert.Contains(t, res.Speech.Text, "unchanged")

		got, err := f.ledger.Get(context.Background(), appt.ID)
		require.NoError(t, err)
		assert.True(t, got.Start.Equal(appt.Start))
		assert.Empty(t, got.RescheduleHistory)
	}
}

func TestRescheduleConfirmConflict(t *testing.T) {
	f := newVoiceFixture(t)
	f.bookKnown(t)

	res := f.start(t, "CA5", callerKnow)
	res = f.gather(t, "CA5", GatherInput{Digits: "2", Turn: res.Turn})
	require.Equal(t, PhaseRescheduleConfirm, res.Phase)

	other, _, err := f.ledger.EnsurePatient(context.Background(), testOrg, "+15550003333", "Sam Lee")
	require.NoError(t, err)
	_, err = f.ledger.Book(context.Background(), appointments.BookRequest{
		OrganizationID: testOrg, PatientID: other.ID, DoctorID: "doc-1",
		Start: time.Date(2025, 1, 7, 11, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 7, 11, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	res = f.gather(t, "CA5", GatherInput{Digits: "1", Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.Contains(t, res.Speech.Text, "just taken")
}

func TestUnrecognizedInputHangsUpAfterMaxAttempts(t *testing.T) {
	f := newVoiceFixture(t)

	res := f.start(t, "CA6", callerNew)
	res = f.gather(t, "CA6", GatherInput{Speech: "blue elephant", Turn: res.Turn})
	assert.Equal(t, PhaseIdentify, res.Phase)
	assert.True(t, strings.HasPrefix(res.Speech.Text, "Sorry, I didn't catch that."))

	res = f.gather(t, "CA6", GatherInput{Turn: res.Turn})
	assert.Equal(t, PhaseIdentify, res.Phase)
	assert.True(t, res.Gather)

	res = f.gather(t, "CA6", GatherInput{Digits: "9", Turn: res.Turn})
	assert.Equal(t, PhaseHangup, res.Phase)
	assert.True(t, res.Hangup)
	assert.False(t, res.Gather)

	res = f.gather(t, "CA6", GatherInput{Digits: "1"})
	assert.Equal(t, PhaseHangup, res.Phase)
	assert.True(t, res.Hangup)

	assert.Equal(t, 1.0, f.counter(t, "patientflow_voice_calls_ended_total", map[string]string{"phase": "hangup"}))
}

func TestAttemptsResetOnPhaseChange(t *testing.T) {
	f := newVoiceFixture(t)

	res := f.start(t, "CA7", callerNew)
	res = f.gather(t, "CA7", GatherInput{Turn: res.Turn})
	res = f.gather(t, "CA7", GatherInput{Turn: res.Turn})
	res = f.gather(t, "CA7", GatherInput{Digits: "1", Turn: res.Turn})
	require.Equal(t, PhaseNewPatientName, res.Phase)

	res = f.gather(t, "CA7", GatherInput{Turn: res.Turn})
	res = f.gather(t, "CA7", GatherInput{Speech: "12345", Turn: res.Turn})
	assert.Equal(t, PhaseNewPatientName, res.Phase)
	res = f.gather(t, "CA7", GatherInput{Turn: res.Turn})
	assert.Equal(t, PhaseHangup, res.Phase)
}

func TestRecognizedTurnClearsAttempts(t *testing.T) {
	f := newVoiceFixture(t)

	res := f.start(t, "CA17", callerNew)
	res = f.gather(t, "CA17", GatherInput{Digits: "2", Turn: res.Turn})
	require.Equal(t, PhaseAIConversation, res.Phase)

	res = f.gather(t, "CA17", GatherInput{Turn: res.Turn})
	require.Equal(t, PhaseAIConversation, res.Phase)
	res = f.gather(t, "CA17", GatherInput{Speech: "what are your opening hours", Turn: res.Turn})
	require.Equal(t, PhaseAIConversation, res.Phase)

	res = f.gather(t, "CA17", GatherInput{Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	res = f.gather(t, "CA17", GatherInput{Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.False(t, res.Hangup)

	sess, err := f.calls.Get(context.Background(), "CA17")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Attempts)

	res = f.gather(t, "CA17", GatherInput{Turn: res.Turn})
	assert.Equal(t, PhaseHangup, res.Phase)
}

func TestAIConversationEndsOnDone(t *testing.T) {
	f := newVoiceFixture(t)

	res := f.start(t, "CA8", callerNew)
	res = f.gather(t, "CA8", GatherInput{Speech: "I have a question about your hours", Turn: res.Turn})
	require.Equal(t, PhaseAIConversation, res.Phase)

	res = f.gather(t, "CA8", GatherInput{Speech: "do you take insurance", Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.Equal(t, cannedReply, res.Speech.Text)

	res = f.gather(t, "CA8", GatherInput{Speech: "no that's all", Turn: res.Turn})
	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.True(t, res.Hangup)
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, RespondRequest) (string, error) {
	return "", errors.New("bedrock unavailable")
}

func TestResponderFailureFallsBackToCannedReply(t *testing.T) {
	f := newVoiceFixture(t, WithResponder(failingResponder{}))

	res := f.start(t, "CA9", callerNew)
	res = f.gather(t, "CA9", GatherInput{Digits: "2", Turn: res.Turn})
	res = f.gather(t, "CA9", GatherInput{Speech: "where do I park", Turn: res.Turn})
	assert.Equal(t, PhaseAIConversation, res.Phase)
	assert.Equal(t, cannedReply, res.Speech.Text)
}

func TestSpeechSynthesisFallback(t *testing.T) {
	synth := &failingSynth{}
	f := newVoiceFixture(t, WithSynthesizer(synth))

	res := f.start(t, "CA10", callerNew)
	assert.Empty(t, res.Speech.AudioURL)
	assert.NotEmpty(t, res.Speech.Text)
	assert.Equal(t, 1, synth.calls)
	assert.Equal(t, 1.0, f.counter(t, "patientflow_voice_tts_fallback_total", nil))

	ok := newVoiceFixture(t, WithSynthesizer(staticSynth{}))
	res = ok.start(t, "CA11", callerNew)
	assert.True(t, strings.HasPrefix(res.Speech.AudioURL, "https://audio.example/"))
}

func TestStartCallIsIdempotentAndResumes(t *testing.T) {
	f := newVoiceFixture(t)

	first := f.start(t, "CA12", callerNew)
	next := f.gather(t, "CA12", GatherInput{Digits: "1", Turn: first.Turn})
	require.Equal(t, PhaseNewPatientName, next.Phase)

	again := f.start(t, "CA12", callerNew)
	assert.Equal(t, PhaseNewPatientName, again.Phase)
	assert.Equal(t, next.Speech.Text, again.Speech.Text)
	assert.Equal(t, next.Turn, again.Turn)

	call, err := f.callLog.GetCall(context.Background(), "CA12")
	require.NoError(t, err)
	assert.Equal(t, callerNew, call.From)
}

func TestStaleGatherIsReplayed(t *testing.T) {
	f := newVoiceFixture(t)

	first := f.start(t, "CA13", callerNew)
	next := f.gather(t, "CA13", GatherInput{Digits: "1", Turn: first.Turn})

	replay := f.gather(t, "CA13", GatherInput{Digits: "1", Turn: first.Turn})
	assert.Equal(t, next.Phase, replay.Phase)
	assert.Equal(t, next.Turn, replay.Turn)

	sess, err := f.calls.Get(context.Background(), "CA13")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Attempts)
}

func TestGatherForUnknownCall(t *testing.T) {
	f := newVoiceFixture(t)
	_, err := f.engine.HandleGather(context.Background(), GatherInput{CallSID: "nope", Digits: "1"})
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestStatusCallbackCompletesCall(t *testing.T) {
	f := newVoiceFixture(t)
	f.start(t, "CA14", callerNew)

	require.NoError(t, f.engine.HandleStatus(context.Background(), StatusUpdate{CallSID: "CA14", Status: "completed", DurationSeconds: 42}))

	sess, err := f.calls.Get(context.Background(), "CA14")
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, sess.Phase)

	call, err := f.callLog.GetCall(context.Background(), "CA14")
	require.NoError(t, err)
	require.NotNil(t, call.EndedAt)
	assert.Equal(t, 42, call.DurationSeconds)
	assert.Equal(t, []string{"identify", "completed"}, call.Phases)
}

type capturePublisher struct{ jobs []Job }

func (c *capturePublisher) Enqueue(_ context.Context, job Job) error {
	c.jobs = append(c.jobs, job)
	return nil
}

func TestRecordingQueuesPostCallJob(t *testing.T) {
	pub := &capturePublisher{}
	f := newVoiceFixture(t, WithPostCall(pub))
	f.start(t, "CA15", callerNew)

	require.NoError(t, f.engine.HandleRecording(context.Background(), Recording{CallSID: "CA15", SID: "RE1", URL: "https://rec.example/RE1"}))
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, testOrg, pub.jobs[0].OrganizationID)
	assert.Equal(t, "RE1", pub.jobs[0].Recording.SID)
}
