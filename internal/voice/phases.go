package voice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wolfman30/patientflow/internal/appointments"
	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/messaging"
)

var (
	newPatientRe = regexp.MustCompile(`(?i)\bnew\s+(patient|here|client)\b|\bfirst\s+(time|visit)\b`)
	yesRe        = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|sure|ok(ay)?|confirm|please do|that works|sounds good)\b`)
	noRe         = regexp.MustCompile(`(?i)^\s*(no|nope|nah|keep|don't|do not|leave it)\b`)
	doneRe       = regexp.MustCompile(`(?i)\b(done|nothing|that's all|that is all|no thanks|no thank you|goodbye|bye)\b|^\s*(no|nope)[.!]?\s*$`)
)

const (
	anythingElse = " Is there anything else I can help with?"
	whenLayout   = "Monday, January 2 at 3:04 PM"
	actorCaller  = "caller"
)

func (e *Engine) classify(ctx context.Context, t *callTurn) intent.Result {
	if t.input.Digits != "" {
		if typ, ok := intent.FromDigits(t.input.Digits); ok {
			return intent.Result{Type: typ, Confidence: 1, Parameters: map[string]string{}}
		}
		return intent.Result{Type: intent.TypeUnknown, Parameters: map[string]string{}}
	}
	if t.input.Speech == "" {
		return intent.Result{Type: intent.TypeUnknown, Parameters: map[string]string{}}
	}
	res, err := e.classifier.Classify(ctx, t.input.Speech, intent.Context{
		OrganizationID: t.session.OrganizationID,
		Channel:        string(appointments.ChannelVoice),
		PatientKnown:   t.session.PatientID != "",
		Now:            t.now,
	})
	if err != nil {
		e.logger.Warn("voice intent classification failed", "call_sid", t.session.CallSID, "error", err)
		res = intent.ClassifyKeywords(t.input.Speech)
	}
	return res
}

func (e *Engine) identify(ctx context.Context, t *callTurn) step {
	if t.input.Digits == "1" || newPatientRe.MatchString(t.input.Speech) {
		return step{next: PhaseNewPatientName, say: "Welcome! " + e.prompts[PhaseNewPatientName]}
	}
	if t.input.Digits == "2" {
		return step{next: PhaseAIConversation, say: e.prompts[PhaseAIConversation]}
	}
	if t.input.Speech == "" {
		return step{unrecognized: true}
	}
	switch e.classify(ctx, t).Type {
	case intent.TypeReschedule, intent.TypeGeneral, intent.TypeBook, intent.TypeCancel, intent.TypeCheck:
		return step{next: PhaseAIConversation, say: e.prompts[PhaseAIConversation]}
	}
	return step{unrecognized: true}
}

func (e *Engine) existingMenu(ctx context.Context, t *callTurn) step {
	switch e.classify(ctx, t).Type {
	case intent.TypeCheck:
		return step{next: PhaseAIConversation, say: e.appointmentSummary(ctx, t) + anythingElse}
	case intent.TypeReschedule:
		return e.proposeReschedule(ctx, t)
	case intent.TypeGeneral, intent.TypeBook, intent.TypeCancel:
		if t.input.Speech == "" {
			return step{next: PhaseAIConversation, say: e.prompts[PhaseAIConversation]}
		}
		return step{next: PhaseAIConversation, say: e.converse(ctx, t)}
	}
	return step{unrecognized: true}
}

func (e *Engine) newPatientName(_ context.Context, t *callTurn) step {
	name := cleanName(t.input.Speech)
	if name == "" {
		return step{unrecognized: true}
	}
	t.session.PatientName = name
	return step{next: PhaseNewPatientReason, say: "Thanks, " + name + ". " + e.prompts[PhaseNewPatientReason]}
}

func (e *Engine) newPatientReason(ctx context.Context, t *callTurn) step {
	reason := strings.TrimSpace(t.input.Speech)
	if reason == "" {
		return step{unrecognized: true}
	}
	t.session.Reason = reason
	return step{next: PhaseAIConversation, say: e.bookProvisional(ctx, t) + anythingElse}
}

func (e *Engine) aiConversation(ctx context.Context, t *callTurn) step {
	if t.input.Speech == "" && t.input.Digits == "" {
		return step{unrecognized: true}
	}
	if doneRe.MatchString(t.input.Speech) {
		return step{next: PhaseCompleted, say: "Thank you for calling " + e.cfg.ClinicName + ". Goodbye.", hangup: true}
	}
	switch e.classify(ctx, t).Type {
	case intent.TypeReschedule:
		return e.proposeReschedule(ctx, t)
	case intent.TypeCheck:
		return step{next: PhaseAIConversation, say: e.appointmentSummary(ctx, t) + anythingElse}
	}
	if t.input.Speech == "" {
		return step{unrecognized: true}
	}
	return step{next: PhaseAIConversation, say: e.converse(ctx, t)}
}

func (e *Engine) rescheduleConfirm(ctx context.Context, t *callTurn) step {
	sess := t.session
	switch {
	case t.input.Digits == "1" || (t.input.Digits == "" && yesRe.MatchString(t.input.Speech)):
		say := e.commitReschedule(ctx, t)
		sess.ProposedStart, sess.ProposedEnd = time.Time{}, time.Time{}
		return step{next: PhaseAIConversation, say: say + anythingElse}
	case t.input.Digits == "2" || (t.input.Digits == "" && noRe.MatchString(t.input.Speech)),
		t.input.Digits == "" && t.input.Speech == "":
		sess.ProposedStart, sess.ProposedEnd = time.Time{}, time.Time{}
		return step{next: PhaseAIConversation, say: "No problem, your appointment is unchanged." + anythingElse}
	}
	return step{unrecognized: true}
}

// converse asks the responder for a free-form answer, falling back to the
// canned reply when it fails.
func (e *Engine) converse(ctx context.Context, t *callTurn) string {
	reply, err := e.responder.Respond(ctx, RespondRequest{
		OrganizationID: t.session.OrganizationID,
		ClinicName:     e.cfg.ClinicName,
		History:        t.session.Transcript,
		Utterance:      t.input.Speech,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		e.logger.Warn("voice responder failed; using canned reply", "call_sid", t.session.CallSID, "error", err)
		return cannedReply
	}
	return reply
}

func (e *Engine) appointmentSummary(ctx context.Context, t *callTurn) string {
	if t.session.PatientID == "" {
		return "I don't see any upcoming appointments for this number."
	}
	list, err := e.ledger.ListForPatient(ctx, t.session.PatientID, appointments.PatientFilter{
		Statuses: appointments.ActiveStatuses,
		From:     t.now,
		Limit:    3,
	})
	if err != nil {
		e.logger.Error("voice appointment lookup failed", "call_sid", t.session.CallSID, "error", err)
		return "Sorry, I can't look up your appointments right now."
	}
	if len(list) == 0 {
		return "I don't see any upcoming appointments for this number."
	}
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, e.spokenWhen(ctx, a.DoctorID, a.Start))
	}
	if len(parts) == 1 {
		return "Your next appointment is " + parts[0] + "."
	}
	return fmt.Sprintf("You have %d upcoming appointments: %s.", len(parts), strings.Join(parts, ", and "))
}

// proposeReschedule offers the caller's next appointment one offset later.
func (e *Engine) proposeReschedule(ctx context.Context, t *callTurn) step {
	sess := t.session
	if sess.PatientID == "" {
		return step{next: PhaseAIConversation, say: "I couldn't find an appointment for this number." + anythingElse}
	}
	list, err := e.ledger.ListForPatient(ctx, sess.PatientID, appointments.PatientFilter{
		Statuses: appointments.ActiveStatuses,
		From:     t.now,
		Limit:    1,
	})
	if err != nil {
		e.logger.Error("voice appointment lookup failed", "call_sid", sess.CallSID, "error", err)
		return step{next: PhaseAIConversation, say: "Sorry, I can't look up your appointments right now." + anythingElse}
	}
	if len(list) == 0 {
		return step{next: PhaseAIConversation, say: "I don't see any upcoming appointments to move." + anythingElse}
	}
	appt := list[0]
	sess.AppointmentID = appt.ID
	sess.ProposedStart = appt.Start.Add(e.cfg.RescheduleOffset)
	sess.ProposedEnd = appt.End.Add(e.cfg.RescheduleOffset)
	say := fmt.Sprintf("Your appointment on %s can move to %s. %s",
		e.spokenWhen(ctx, appt.DoctorID, appt.Start),
		e.spokenWhen(ctx, appt.DoctorID, sess.ProposedStart),
		e.prompts[PhaseRescheduleConfirm])
	return step{next: PhaseRescheduleConfirm, say: say}
}

func (e *Engine) commitReschedule(ctx context.Context, t *callTurn) string {
	sess := t.session
	if sess.AppointmentID == "" || sess.ProposedStart.IsZero() {
		return "Sorry, I lost track of that change, so your appointment is unchanged."
	}
	appt, err := e.ledger.Reschedule(ctx, sess.AppointmentID, sess.ProposedStart, sess.ProposedEnd, "caller confirmed by phone", actorCaller)
	var conflict *appointments.SlotConflictError
	switch {
	case err == nil:
		e.logger.Info("voice reschedule committed", "call_sid", sess.CallSID, "appointment_id", appt.ID)
		return "Done. Your appointment is now " + e.spokenWhen(ctx, appt.DoctorID, appt.Start) + "."
	case errors.As(err, &conflict):
		return "Sorry, that time was just taken, so your appointment is unchanged."
	case errors.Is(err, appointments.ErrInvalidState):
		return "That appointment can no longer be changed."
	default:
		e.logger.Error("voice reschedule failed", "call_sid", sess.CallSID, "appointment_id", sess.AppointmentID, "error", err)
		return "Sorry, I couldn't change your appointment right now, so it is unchanged."
	}
}

// bookProvisional creates the patient and holds the fixed next-business-day
// slot with the first active doctor.
func (e *Engine) bookProvisional(ctx context.Context, t *callTurn) string {
	sess := t.session
	firstName := "there"
	if fields := strings.Fields(sess.PatientName); len(fields) > 0 {
		firstName = fields[0]
	}
	patient, _, err := e.ledger.EnsurePatient(ctx, sess.OrganizationID, sess.From, sess.PatientName)
	if err != nil {
		e.logger.Error("voice patient create failed", "call_sid", sess.CallSID, "error", err)
		return "Thanks, " + firstName + ". Our team will call you back to finish your registration."
	}
	sess.PatientID = patient.ID

	doctor, err := e.ledger.FirstActiveDoctor(ctx, sess.OrganizationID)
	if err != nil {
		e.logger.Warn("no active doctor for provisional booking", "call_sid", sess.CallSID, "error", err)
		return "Thanks, " + firstName + ". Our team will contact you to find a time."
	}
	loc := doctor.Location()
	day := nextBusinessDay(t.now.In(loc))
	start := time.Date(day.Year(), day.Month(), day.Day(), e.cfg.ProvisionalHour, 0, 0, 0, loc)
	appt, err := e.ledger.Book(ctx, appointments.BookRequest{
		OrganizationID: sess.OrganizationID,
		PatientID:      patient.ID,
		DoctorID:       doctor.ID,
		Start:          start,
		End:            start.Add(e.cfg.ProvisionalDuration),
		Source:         appointments.ChannelVoice,
		Notes:          sess.Reason,
	})
	if err != nil {
		e.logger.Warn("provisional booking failed", "call_sid", sess.CallSID, "doctor_id", doctor.ID, "error", err)
		return "Thanks, " + firstName + ". Our team will contact you to confirm a time."
	}
	sess.AppointmentID = appt.ID
	when := start.Format(whenLayout)
	e.confirmBySMS(ctx, sess, appt, doctor.Name, when)
	return fmt.Sprintf("Thanks, %s. I've reserved %s with %s as a provisional appointment. We'll text you a confirmation.",
		firstName, when, doctor.Name)
}

func (e *Engine) confirmBySMS(ctx context.Context, sess *CallSession, appt *appointments.Appointment, doctor, when string) {
	if e.sender == nil {
		return
	}
	body := fmt.Sprintf("%s: your provisional appointment with %s is %s (ref %s). Reply CANCEL %s to cancel.",
		e.cfg.ClinicName, doctor, when, appt.Reference, appt.Reference)
	if _, err := e.sender.Send(ctx, messaging.OutboundMessage{
		OrganizationID: sess.OrganizationID,
		To:             sess.From,
		From:           sess.To,
		Body:           body,
		Channel:        messaging.ChannelSMS,
	}); err != nil {
		e.logger.Warn("provisional booking sms failed", "call_sid", sess.CallSID, "appointment_id", appt.ID, "error", err)
	}
}

func (e *Engine) spokenWhen(ctx context.Context, doctorID string, at time.Time) string {
	loc := time.UTC
	if d, err := e.ledger.GetDoctor(ctx, doctorID); err == nil {
		loc = d.Location()
	}
	return at.In(loc).Format(whenLayout)
}

// nextBusinessDay is the next Monday-to-Friday date after t.
func nextBusinessDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

var nameNoiseRe = regexp.MustCompile(`(?i)^(my name is|my name's|this is|it's|it is|i am|i'm)\s+`)

func cleanName(speech string) string {
	s := strings.TrimSpace(strings.Trim(speech, ".!?, "))
	s = nameNoiseRe.ReplaceAllString(s, "")
	fields := strings.Fields(s)
	for _, f := range fields {
		for _, r := range f {
			if r >= '0' && r <= '9' {
				return ""
			}
		}
	}
	return strings.Join(fields, " ")
}
