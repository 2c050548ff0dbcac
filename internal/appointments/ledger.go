package appointments

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/pkg/logging"
)

var ledgerTracer = otel.Tracer("patientflow.internal.appointments")

// AuditEntry is the interaction-log record emitted by every ledger write.
type AuditEntry struct {
	OrganizationID string
	AppointmentID  string
	PatientID      string
	DoctorID       string
	Action         string
	Actor          string
	Detail         map[string]any
	At             time.Time
}

// AuditRecorder receives ledger audit entries.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// BookRequest carries the inputs of Ledger.Book.
type BookRequest struct {
	OrganizationID string
	PatientID      string
	DoctorID       string
	Start          time.Time
	End            time.Time
	Source         Channel
	Notes          string
}

// PatientFilter narrows ListForPatient.
type PatientFilter struct {
	Statuses []Status
	From     time.Time
	To       time.Time
	Limit    int
}

// Ledger is the appointment service. Every calendar write goes through the
// ConflictGuard.
type Ledger struct {
	repo    Repository
	guard   *ConflictGuard
	audit   AuditRecorder
	metrics *metrics.SchedulingMetrics
	logger  *logging.Logger
	now     func() time.Time
}

// LedgerOption customizes a Ledger.
type LedgerOption func(*Ledger)

func WithAuditRecorder(r AuditRecorder) LedgerOption {
	return func(l *Ledger) { l.audit = r }
}

func WithSchedulingMetrics(m *metrics.SchedulingMetrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger *logging.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLedger(repo Repository, guard *ConflictGuard, opts ...LedgerOption) *Ledger {
	if guard == nil {
		guard = NewConflictGuard(repo, nil)
	}
	l := &Ledger{
		repo:   repo,
		guard:  guard,
		logger: logging.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now exposes the ledger clock so channel engines agree on "today".
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := ledgerTracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

func (l *Ledger) record(ctx context.Context, a *Appointment, action, actor string, detail map[string]any) {
	if l.audit == nil || a == nil {
		return
	}
	entry := AuditEntry{
		OrganizationID: a.OrganizationID,
		AppointmentID:  a.ID,
		PatientID:      a.PatientID,
		DoctorID:       a.DoctorID,
		Action:         action,
		Actor:          actor,
		Detail:         detail,
		At:             l.now().UTC(),
	}
	if err := l.audit.RecordAudit(ctx, entry); err != nil {
		l.logger.Warn("appointment audit write failed", "appointment_id", a.ID, "action", action, "error", err)
	}
}

// Book validates the patient and doctor, then reserves the window.
func (l *Ledger) Book(ctx context.Context, req BookRequest) (appt *Appointment, err error) {
	ctx, span := l.startSpan(ctx, "appointments.book",
		attribute.String("org_id", req.OrganizationID),
		attribute.String("doctor_id", req.DoctorID),
		attribute.String("source", string(req.Source)))
	defer func() {
		endSpan(span, err)
		l.metrics.ObserveBooking(string(req.Source), outcomeOf(err))
		if err != nil {
			l.logger.Warn("booking failed",
				"org_id", req.OrganizationID, "patient_id", req.PatientID, "doctor_id", req.DoctorID,
				"start", req.Start, "outcome", outcomeOf(err), "error", err)
		}
	}()

	if err := l.validateBook(req); err != nil {
		return nil, err
	}
	patient, err := l.repo.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	if patient.OrganizationID != req.OrganizationID {
		return nil, ErrPatientNotFound
	}
	doctor, err := l.repo.GetDoctor(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if doctor.OrganizationID != req.OrganizationID {
		return nil, ErrDoctorNotFound
	}
	if !doctor.Active {
		return nil, invalid("doctorId", "is not accepting appointments")
	}

	source := req.Source
	if source == "" {
		source = ChannelAPI
	}
	appt, err = l.guard.Reserve(ctx, Reservation{
		OrganizationID: req.OrganizationID,
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		Start:          req.Start,
		End:            req.End,
		Source:         source,
		Notes:          strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment_id", appt.ID))
	l.record(ctx, appt, "booked", string(source), map[string]any{
		"start": appt.Start, "end": appt.End, "reference": appt.Reference,
	})
	return appt, nil
}

func (l *Ledger) validateBook(req BookRequest) error {
	switch {
	case strings.TrimSpace(req.OrganizationID) == "":
		return invalid("organizationId", "is required")
	case strings.TrimSpace(req.PatientID) == "":
		return invalid("patientId", "is required")
	case strings.TrimSpace(req.DoctorID) == "":
		return invalid("doctorId", "is required")
	}
	if err := validateWindow(req.Start, req.End); err != nil {
		return err
	}
	if req.Start.Before(l.now()) {
		return invalid("start", "must be in the future")
	}
	return nil
}

// Reschedule moves an appointment to a new window and appends one history
// entry. A NO_SHOW appointment is booked again for the new window.
func (l *Ledger) Reschedule(ctx context.Context, id string, newStart, newEnd time.Time, reason, actor string) (appt *Appointment, err error) {
	ctx, span := l.startSpan(ctx, "appointments.reschedule", attribute.String("appointment_id", id))
	defer func() { l.finishTransition(span, ActionReschedule, id, err) }()

	if err := validateWindow(newStart, newEnd); err != nil {
		return nil, err
	}
	current, err := l.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	at := l.now().UTC()
	appt, err = l.guard.Apply(ctx, current, true, func(a *Appointment) error {
		if !ValidTransition(ActionReschedule, a.Status) {
			return transitionError(ActionReschedule, a.Status)
		}
		a.RescheduleHistory = append(a.RescheduleHistory, RescheduleEntry{
			FromStart: a.Start,
			FromEnd:   a.End,
			ToStart:   newStart.UTC(),
			ToEnd:     newEnd.UTC(),
			Reason:    reason,
			Actor:     actor,
			At:        at,
		})
		a.Start = newStart.UTC()
		a.End = newEnd.UTC()
		if a.Status == StatusNoShow {
			a.Status = StatusBooked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.record(ctx, appt, "rescheduled", actor, map[string]any{
		"from": current.Start, "to": appt.Start, "reason": reason,
	})
	return appt, nil
}

// Cancel marks an active appointment CANCELLED and records who cancelled it.
func (l *Ledger) Cancel(ctx context.Context, id, reason, actor string) (appt *Appointment, err error) {
	ctx, span := l.startSpan(ctx, "appointments.cancel", attribute.String("appointment_id", id))
	defer func() { l.finishTransition(span, ActionCancel, id, err) }()

	current, err := l.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(ActionCancel, current.Status) {
		return nil, transitionError(ActionCancel, current.Status)
	}
	at := l.now().UTC()
	appt, err = l.guard.Apply(ctx, current, false, func(a *Appointment) error {
		if !ValidTransition(ActionCancel, a.Status) {
			return transitionError(ActionCancel, a.Status)
		}
		a.Status = StatusCancelled
		a.Cancellation = &Cancellation{Reason: reason, Actor: actor, At: at}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.record(ctx, appt, "cancelled", actor, map[string]any{"reason": reason})
	return appt, nil
}

// Confirm moves BOOKED to CONFIRMED after re-validating the window.
func (l *Ledger) Confirm(ctx context.Context, id, actor string) (*Appointment, error) {
	return l.transition(ctx, ActionConfirm, id, actor, true)
}

// Complete marks a visit as attended.
func (l *Ledger) Complete(ctx context.Context, id, actor string) (*Appointment, error) {
	return l.transition(ctx, ActionComplete, id, actor, false)
}

// MarkNoShow records that the patient did not attend.
func (l *Ledger) MarkNoShow(ctx context.Context, id, actor string) (*Appointment, error) {
	return l.transition(ctx, ActionNoShow, id, actor, false)
}

func (l *Ledger) transition(ctx context.Context, action Action, id, actor string, recheck bool) (appt *Appointment, err error) {
	ctx, span := l.startSpan(ctx, "appointments."+string(action), attribute.String("appointment_id", id))
	defer func() { l.finishTransition(span, action, id, err) }()

	current, err := l.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(action, current.Status) {
		return nil, transitionError(action, current.Status)
	}
	target := transitionTarget[action]
	appt, err = l.guard.Apply(ctx, current, recheck, func(a *Appointment) error {
		if !ValidTransition(action, a.Status) {
			return transitionError(action, a.Status)
		}
		a.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.record(ctx, appt, string(action), actor, map[string]any{"status": string(target)})
	return appt, nil
}

func (l *Ledger) finishTransition(span trace.Span, action Action, id string, err error) {
	endSpan(span, err)
	l.metrics.ObserveTransition(string(action), outcomeOf(err))
	if err != nil {
		l.logger.Warn("appointment transition failed",
			"action", string(action), "appointment_id", id, "outcome", outcomeOf(err), "error", err)
	}
}

// Get returns one appointment.
func (l *Ledger) Get(ctx context.Context, id string) (*Appointment, error) {
	return l.repo.GetAppointment(ctx, id)
}

// GetByReference resolves a human reference such as "APT-1042".
func (l *Ledger) GetByReference(ctx context.Context, orgID, reference string) (*Appointment, error) {
	return l.repo.GetAppointmentByReference(ctx, orgID, NormalizeReference(reference))
}

// NormalizeReference turns "apt1042", "APT-1042" or "apt-1042" into "APT-1042".
func NormalizeReference(ref string) string {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	ref = strings.TrimPrefix(ref, "APT")
	ref = strings.TrimPrefix(ref, "-")
	return "APT-" + ref
}

// ListForPatient returns the patient's appointments ordered by start time.
func (l *Ledger) ListForPatient(ctx context.Context, patientID string, f PatientFilter) ([]Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, invalid("patientId", "is required")
	}
	return l.repo.ListAppointments(ctx, ListFilter{
		PatientID: patientID,
		Statuses:  f.Statuses,
		From:      f.From,
		To:        f.To,
		Limit:     f.Limit,
	})
}

// ListForDoctor returns every appointment of the doctor on date (doctor's
// local calendar day), ordered by start time.
func (l *Ledger) ListForDoctor(ctx context.Context, doctorID string, date time.Time) ([]Appointment, error) {
	doctor, err := l.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	from, to := dayBounds(date, doctor.Location())
	return l.repo.ListAppointments(ctx, ListFilter{DoctorID: doctorID, From: from, To: to})
}

// Availability lists the doctor's open slots on date. Slots that already
// started are dropped.
func (l *Ledger) Availability(ctx context.Context, doctorID string, date time.Time, duration time.Duration) (scheduling.Result, error) {
	doctor, err := l.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return scheduling.Result{}, err
	}
	return l.availabilityFor(ctx, *doctor, date, duration)
}

func (l *Ledger) availabilityFor(ctx context.Context, doctor scheduling.Doctor, date time.Time, duration time.Duration) (scheduling.Result, error) {
	from, to := dayBounds(date, doctor.Location())
	booked, err := l.repo.ListAppointments(ctx, ListFilter{
		DoctorID: doctor.ID,
		Statuses: ActiveStatuses,
		From:     from,
		To:       to,
	})
	if err != nil {
		return scheduling.Result{}, err
	}
	busy := make([]scheduling.Slot, 0, len(booked))
	for _, a := range booked {
		busy = append(busy, a.Window())
	}
	res := scheduling.Generate(doctor, date, duration, busy)
	now := l.now()
	open := res.Slots[:0]
	for _, s := range res.Slots {
		if s.Start.Before(now) {
			continue
		}
		open = append(open, s)
	}
	if len(open) == 0 && res.Reason == scheduling.ReasonNone {
		res.Reason = scheduling.ReasonFullyBooked
	}
	res.Slots = open
	return res, nil
}

// Suggest returns the first open slot on each of the days after date, up to
// days calendar days ahead.
func (l *Ledger) Suggest(ctx context.Context, doctorID string, date time.Time, days int, duration time.Duration) ([]scheduling.Slot, error) {
	doctor, err := l.repo.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	out := make([]scheduling.Slot, 0, days)
	for i := 1; i <= days; i++ {
		res, err := l.availabilityFor(ctx, *doctor, date.AddDate(0, 0, i), duration)
		if err != nil {
			return nil, err
		}
		if len(res.Slots) > 0 {
			out = append(out, res.Slots[0])
		}
	}
	return out, nil
}

// EnsurePatient returns the patient for (orgID, phone), creating it if needed.
func (l *Ledger) EnsurePatient(ctx context.Context, orgID, phone, name string) (*Patient, bool, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, false, invalid("organizationId", "is required")
	}
	if strings.TrimSpace(phone) == "" {
		return nil, false, invalid("phone", "is required")
	}
	p, created, err := l.repo.UpsertPatient(ctx, orgID, phone, strings.TrimSpace(name))
	if err != nil {
		return nil, false, err
	}
	if created {
		l.logger.Info("patient created", "org_id", orgID, "patient_id", p.ID, "phone", logging.MaskPhone(phone))
	}
	return p, created, nil
}

// FindPatientByPhone looks up a patient without creating one.
func (l *Ledger) FindPatientByPhone(ctx context.Context, orgID, phone string) (*Patient, error) {
	return l.repo.FindPatientByPhone(ctx, orgID, phone)
}

func (l *Ledger) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return l.repo.GetPatient(ctx, id)
}

func (l *Ledger) GetDoctor(ctx context.Context, id string) (*scheduling.Doctor, error) {
	return l.repo.GetDoctor(ctx, id)
}

// ListDoctors returns the organization's doctors in creation order.
func (l *Ledger) ListDoctors(ctx context.Context, orgID string, activeOnly bool) ([]scheduling.Doctor, error) {
	return l.repo.ListDoctors(ctx, orgID, activeOnly)
}

// FirstActiveDoctor returns the earliest-created active doctor of orgID.
func (l *Ledger) FirstActiveDoctor(ctx context.Context, orgID string) (*scheduling.Doctor, error) {
	doctors, err := l.repo.ListDoctors(ctx, orgID, true)
	if err != nil {
		return nil, err
	}
	if len(doctors) == 0 {
		return nil, ErrDoctorNotFound
	}
	return &doctors[0], nil
}
