package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/patientflow/internal/appointments"
	"github.com/wolfman30/patientflow/internal/intent"
	"github.com/wolfman30/patientflow/internal/scheduling"
)

const (
	// slotTolerance bounds how far a chosen slot may drift from the requested time.
	slotTolerance  = time.Hour
	suggestionDays = 3
	maxListed      = 5
	actorPatient   = "patient"
)

// when is the resolved date and optional time of a request.
type when struct {
	date    time.Time
	at      time.Time
	hasDate bool
	hasTime bool
}

func (e *Engine) resolveWhen(t *turn) when {
	date, at, hasDate, hasTime := intent.ResolveDateTime(t.result, t.now, e.loc)
	w := when{date: date, at: at, hasDate: hasDate, hasTime: hasTime}
	if hasTime && !hasDate && at.Before(t.now) {
		w.at = w.at.AddDate(0, 0, 1)
	}
	if hasTime {
		w.date = time.Date(w.at.Year(), w.at.Month(), w.at.Day(), 0, 0, 0, 0, e.loc)
	}
	return w
}

func (e *Engine) handleBook(ctx context.Context, t *turn) Reply {
	w := e.resolveWhen(t)
	if !w.hasDate && !w.hasTime {
		w.date, _ = intent.ResolveDate("tomorrow", t.now, e.loc)
	}

	doctors, err := e.ledger.ListDoctors(ctx, t.in.OrganizationID, true)
	if err != nil {
		return e.failure(t, "ledger.list_doctors", err)
	}
	if len(doctors) == 0 {
		return Reply{Code: CodeNoDoctors, Text: msgNoDoctors}
	}

	var (
		chosen    *scheduling.Doctor
		slot      scheduling.Slot
		bestDelta time.Duration
		earliest  *scheduling.Doctor
		early     scheduling.Slot
	)
	for i := range doctors {
		d := &doctors[i]
		res, err := e.ledger.Availability(ctx, d.ID, w.date, e.slotDuration)
		if err != nil {
			return e.failure(t, "ledger.availability", err)
		}
		if s, ok := scheduling.Earliest(res.Slots); ok && (earliest == nil || s.Start.Before(early.Start)) {
			earliest, early = d, s
		}
		if !w.hasTime {
			continue
		}
		if s, ok := scheduling.Closest(res.Slots, w.at, slotTolerance); ok {
			delta := absDuration(s.Start.Sub(w.at))
			if chosen == nil || delta < bestDelta {
				chosen, slot, bestDelta = d, s, delta
			}
		}
	}
	if chosen == nil {
		chosen, slot = earliest, early
	}
	if chosen == nil {
		suggestions, err := e.ledger.Suggest(ctx, doctors[0].ID, w.date, suggestionDays, e.slotDuration)
		if err != nil {
			e.logger.Warn("slot suggestion failed", "org_id", t.in.OrganizationID, "error", err)
		}
		t.tool("ledger.availability", CodeNoSlots, "")
		return Reply{Code: CodeNoSlots, Text: noSlotsText(w.date, suggestions, e.loc), Suggestions: suggestions}
	}

	patient, _, err := e.ledger.EnsurePatient(ctx, t.in.OrganizationID, t.in.From, "")
	if err != nil {
		return e.failure(t, "ledger.ensure_patient", err)
	}
	t.session.PatientID = patient.ID

	appt, err := e.ledger.Book(ctx, appointments.BookRequest{
		OrganizationID: t.in.OrganizationID,
		PatientID:      patient.ID,
		DoctorID:       chosen.ID,
		Start:          slot.Start,
		End:            slot.End,
		Source:         appointments.Channel(t.in.Channel),
		Notes:          t.result.Param(intent.ParamReason),
	})
	if err != nil {
		return e.failure(t, "ledger.book", err)
	}
	t.tool("ledger.book", CodeBooked, appt.Reference)
	return Reply{
		Code:        CodeBooked,
		Appointment: appt,
		Text: fmt.Sprintf("You're booked with %s on %s. Your reference is %s. Reply CANCEL %s to cancel.",
			chosen.Name, formatWhen(appt.Start, e.loc), appt.Reference, appt.Reference),
	}
}

func (e *Engine) handleReschedule(ctx context.Context, t *turn) Reply {
	appt, reply, ok := e.target(ctx, t)
	if !ok {
		return reply
	}
	w := e.resolveWhen(t)
	if !w.hasDate && !w.hasTime {
		return Reply{Code: CodeNeedTime, Appointment: appt,
			Text: fmt.Sprintf("What day and time would you like to move %s to?", appt.Reference)}
	}
	if w.hasTime && !w.hasDate {
		day := appt.Start.In(e.loc)
		w.at = time.Date(day.Year(), day.Month(), day.Day(), w.at.Hour(), w.at.Minute(), 0, 0, e.loc)
		w.date = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, e.loc)
	}

	duration := appt.End.Sub(appt.Start)
	res, err := e.ledger.Availability(ctx, appt.DoctorID, w.date, duration)
	if err != nil {
		return e.failure(t, "ledger.availability", err)
	}
	if len(res.Slots) == 0 {
		suggestions, err := e.ledger.Suggest(ctx, appt.DoctorID, w.date, suggestionDays, duration)
		if err != nil {
			e.logger.Warn("slot suggestion failed", "org_id", t.in.OrganizationID, "error", err)
		}
		t.tool("ledger.availability", CodeNoSlots, appt.Reference)
		return Reply{Code: CodeNoSlots, Appointment: appt, Text: noSlotsText(w.date, suggestions, e.loc), Suggestions: suggestions}
	}
	slot, _ := scheduling.Earliest(res.Slots)
	if w.hasTime {
		if s, ok := scheduling.Closest(res.Slots, w.at, slotTolerance); ok {
			slot = s
		}
	}

	reason := t.result.Param(intent.ParamReason)
	if reason == "" {
		reason = "patient request"
	}
	updated, err := e.ledger.Reschedule(ctx, appt.ID, slot.Start, slot.End, reason, actorPatient)
	if err != nil {
		return e.failure(t, "ledger.reschedule", err)
	}
	t.tool("ledger.reschedule", CodeRescheduled, updated.Reference)
	return Reply{
		Code:        CodeRescheduled,
		Appointment: updated,
		Text:        fmt.Sprintf("Done. %s is now on %s.", updated.Reference, formatWhen(updated.Start, e.loc)),
	}
}

func (e *Engine) handleCancel(ctx context.Context, t *turn) Reply {
	appt, reply, ok := e.target(ctx, t)
	if !ok {
		return reply
	}
	reason := t.result.Param(intent.ParamReason)
	if reason == "" {
		reason = "patient request"
	}
	updated, err := e.ledger.Cancel(ctx, appt.ID, reason, actorPatient)
	if err != nil {
		return e.failure(t, "ledger.cancel", err)
	}
	t.tool("ledger.cancel", CodeCancelled, updated.Reference)
	return Reply{
		Code:        CodeCancelled,
		Appointment: updated,
		Text:        fmt.Sprintf("%s on %s has been cancelled.", updated.Reference, formatWhen(updated.Start, e.loc)),
	}
}

func (e *Engine) handleCheck(ctx context.Context, t *turn) Reply {
	if t.session.PatientID == "" {
		return Reply{Code: CodeListed, Text: msgNoAppointments}
	}
	list, err := e.ledger.ListForPatient(ctx, t.session.PatientID, appointments.PatientFilter{
		Statuses: appointments.ActiveStatuses,
		From:     t.now,
		Limit:    maxListed,
	})
	if err != nil {
		return e.failure(t, "ledger.list", err)
	}
	t.tool("ledger.list", CodeListed, "")
	if len(list) == 0 {
		return Reply{Code: CodeListed, Text: msgNoAppointments}
	}
	var b strings.Builder
	b.WriteString("Your upcoming appointments:")
	for _, a := range list {
		fmt.Fprintf(&b, "\n%s on %s (%s)", a.Reference, formatWhen(a.Start, e.loc), strings.ToLower(string(a.Status)))
	}
	return Reply{Code: CodeListed, Text: b.String()}
}

func (e *Engine) handleHelp(_ context.Context, _ *turn) Reply {
	return Reply{Code: CodeHelp, Text: msgHelp}
}

// target finds the appointment a reschedule or cancel applies to: the named
// reference when given, otherwise the patient's most recently created
// booked appointment, then confirmed.
func (e *Engine) target(ctx context.Context, t *turn) (*appointments.Appointment, Reply, bool) {
	notFound := Reply{Code: CodeNotFound, Text: msgNoAppointments}
	if t.session.PatientID == "" {
		return nil, notFound, false
	}
	if ref := t.result.Param(intent.ParamAppointmentID); ref != "" {
		appt, err := e.ledger.GetByReference(ctx, t.in.OrganizationID, ref)
		if errors.Is(err, appointments.ErrNotFound) || (err == nil && appt.PatientID != t.session.PatientID) {
			return nil, Reply{Code: CodeNotFound, Text: fmt.Sprintf("I couldn't find appointment %s for this number.", ref)}, false
		}
		if err != nil {
			return nil, e.failure(t, "ledger.get", err), false
		}
		return appt, Reply{}, true
	}
	for _, status := range appointments.ActiveStatuses {
		list, err := e.ledger.ListForPatient(ctx, t.session.PatientID, appointments.PatientFilter{
			Statuses: []appointments.Status{status},
		})
		if err != nil {
			return nil, e.failure(t, "ledger.list", err), false
		}
		if len(list) == 0 {
			continue
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		return &list[0], Reply{}, true
	}
	return nil, notFound, false
}

// failure maps a ledger error to a patient-facing reply.
func (e *Engine) failure(t *turn, tool string, err error) Reply {
	var (
		conflict   *appointments.SlotConflictError
		validation *appointments.ValidationError
		reply      Reply
	)
	switch {
	case errors.As(err, &conflict), errors.Is(err, appointments.ErrSlotConflict):
		reply = Reply{Code: CodeSlotConflict, Text: msgSlotTaken}
	case errors.Is(err, appointments.ErrAlreadyCancelled):
		reply = Reply{Code: CodeInvalidState, Text: "That appointment is already cancelled."}
	case errors.Is(err, appointments.ErrAlreadyCompleted):
		reply = Reply{Code: CodeInvalidState, Text: "That appointment has already taken place."}
	case errors.Is(err, appointments.ErrInvalidState):
		reply = Reply{Code: CodeInvalidState, Text: "That appointment can no longer be changed."}
	case errors.Is(err, appointments.ErrNotFound):
		reply = Reply{Code: CodeNotFound, Text: msgNoAppointments}
	case errors.As(err, &validation):
		reply = Reply{Code: CodeInvalidInput, Text: msgBadTime}
	default:
		e.logger.Error("conversation tool failed", "org_id", t.in.OrganizationID, "session_id", t.session.ID, "tool", tool, "error", err)
		reply = Reply{Code: CodeInternalError, Text: msgInternal}
	}
	t.tool(tool, reply.Code, "")
	return reply
}

func (t *turn) tool(name, outcome, ref string) {
	t.tools = append(t.tools, name)
	t.session.recordTool(ToolCall{Name: name, Outcome: outcome, Ref: ref, At: t.now})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
