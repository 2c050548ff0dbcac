package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/patientflow/internal/appointments"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/internal/tenancy"
	"github.com/wolfman30/patientflow/pkg/logging"
)

const (
	maxBodyBytes       = 1 << 16
	maxDurationMinutes = 8 * 60
	dateLayout         = "2006-01-02"
	apiActor           = "api"
)

type ledger interface {
	Book(ctx context.Context, req appointments.BookRequest) (*appointments.Appointment, error)
	Reschedule(ctx context.Context, id string, start, end time.Time, reason, actor string) (*appointments.Appointment, error)
	Cancel(ctx context.Context, id, reason, actor string) (*appointments.Appointment, error)
	Confirm(ctx context.Context, id, actor string) (*appointments.Appointment, error)
	Complete(ctx context.Context, id, actor string) (*appointments.Appointment, error)
	MarkNoShow(ctx context.Context, id, actor string) (*appointments.Appointment, error)
	Get(ctx context.Context, id string) (*appointments.Appointment, error)
	GetPatient(ctx context.Context, id string) (*appointments.Patient, error)
	GetDoctor(ctx context.Context, id string) (*scheduling.Doctor, error)
	ListDoctors(ctx context.Context, orgID string, activeOnly bool) ([]scheduling.Doctor, error)
	ListForPatient(ctx context.Context, patientID string, f appointments.PatientFilter) ([]appointments.Appointment, error)
	Availability(ctx context.Context, doctorID string, date time.Time, duration time.Duration) (scheduling.Result, error)
}

// AppointmentsHandler serves the org-scoped booking API. The org comes from
// the authenticated request context; entities of other orgs read as missing.
type AppointmentsHandler struct {
	ledger ledger
	logger *logging.Logger
}

func NewAppointmentsHandler(l ledger, logger *logging.Logger) *AppointmentsHandler {
	if l == nil {
		panic("handlers: ledger cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AppointmentsHandler{ledger: l, logger: logger}
}

// BookAppointmentRequest is the body of POST /appointments. End may be
// omitted in favour of DurationMinutes (default 30).
type BookAppointmentRequest struct {
	PatientID       string     `json:"patientId"`
	DoctorID        string     `json:"doctorId"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// RescheduleRequest is the body of PUT /appointments/{id}/reschedule.
type RescheduleRequest struct {
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end,omitempty"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// AvailabilityResponse lists open slots for one doctor and day.
type AvailabilityResponse struct {
	DoctorID        string            `json:"doctorId"`
	Date            string            `json:"date"`
	DurationMinutes int               `json:"durationMinutes"`
	Slots           []scheduling.Slot `json:"slots"`
	Reason          scheduling.Reason `json:"reason,omitempty"`
}

// Book handles POST /appointments.
func (h *AppointmentsHandler) Book(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	var req BookAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "validation_failed", "start is required")
		return
	}
	end, err := windowEnd(req.Start, req.End, req.DurationMinutes)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	appt, err := h.ledger.Book(r.Context(), appointments.BookRequest{
		OrganizationID: orgID,
		PatientID:      strings.TrimSpace(req.PatientID),
		DoctorID:       strings.TrimSpace(req.DoctorID),
		Start:          req.Start,
		End:            end,
		Source:         appointments.ChannelAPI,
		Notes:          req.Notes,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// Get handles GET /appointments/{id}.
func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.appointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Reschedule handles PUT /appointments/{id}/reschedule.
func (h *AppointmentsHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	current, ok := h.appointment(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "validation_failed", "start is required")
		return
	}
	duration := req.DurationMinutes
	if req.End == nil && duration == 0 {
		duration = int(current.End.Sub(current.Start) / time.Minute)
	}
	end, err := windowEnd(req.Start, req.End, duration)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	appt, err := h.ledger.Reschedule(r.Context(), current.ID, req.Start, end, req.Reason, tenancy.ActorFromContext(r.Context(), apiActor))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Cancel handles DELETE /appointments/{id}. The reason may come from the
// query string or a JSON body.
func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	current, ok := h.appointment(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	if reason == "" && r.ContentLength > 0 {
		var body cancelRequest
		if !decodeBody(w, r, &body) {
			return
		}
		reason = strings.TrimSpace(body.Reason)
	}
	appt, err := h.ledger.Cancel(r.Context(), current.ID, reason, tenancy.ActorFromContext(r.Context(), apiActor))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// Confirm handles POST /appointments/{id}/confirm.
func (h *AppointmentsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.Confirm)
}

// Complete handles POST /appointments/{id}/complete.
func (h *AppointmentsHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.Complete)
}

// NoShow handles POST /appointments/{id}/no-show.
func (h *AppointmentsHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.MarkNoShow)
}

func (h *AppointmentsHandler) transition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id, actor string) (*appointments.Appointment, error)) {
	current, ok := h.appointment(w, r)
	if !ok {
		return
	}
	appt, err := apply(r.Context(), current.ID, tenancy.ActorFromContext(r.Context(), apiActor))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// ListDoctors handles GET /doctors. ?active=false includes inactive doctors.
func (h *AppointmentsHandler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "active must be a boolean")
			return
		}
		activeOnly = b
	}
	doctors, err := h.ledger.ListDoctors(r.Context(), orgID, activeOnly)
	if err != nil {
		h.logger.Error("list doctors failed", "org_id", orgID, "error", err)
		writeLedgerError(w, err)
		return
	}
	if doctors == nil {
		doctors = []scheduling.Doctor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"doctors": doctors})
}

// Availability handles GET /doctors/{id}/availability?date=YYYY-MM-DD&durationMinutes=N.
// The date is read in the doctor's time zone.
func (h *AppointmentsHandler) Availability(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	doctor, err := h.ledger.GetDoctor(r.Context(), chi.URLParam(r, "id"))
	if err == nil && doctor.OrganizationID != orgID {
		err = appointments.ErrDoctorNotFound
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	q := r.URL.Query()
	date, err := time.ParseInLocation(dateLayout, q.Get("date"), doctor.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "date must be YYYY-MM-DD")
		return
	}
	minutes := int(scheduling.DefaultSlotDuration / time.Minute)
	if v := q.Get("durationMinutes"); v != "" {
		minutes, err = strconv.Atoi(v)
		if err != nil || minutes <= 0 || minutes > maxDurationMinutes {
			writeError(w, http.StatusBadRequest, "validation_failed", "durationMinutes must be between 1 and 480")
			return
		}
	}

	res, err := h.ledger.Availability(r.Context(), doctor.ID, date, time.Duration(minutes)*time.Minute)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		DoctorID:        doctor.ID,
		Date:            date.Format(dateLayout),
		DurationMinutes: minutes,
		Slots:           res.Slots,
		Reason:          res.Reason,
	})
}

// PatientAppointments handles GET /patients/{id}/appointments with optional
// status (comma separated), from, to (RFC 3339) and limit filters.
func (h *AppointmentsHandler) PatientAppointments(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	patient, err := h.ledger.GetPatient(r.Context(), chi.URLParam(r, "id"))
	if err == nil && patient.OrganizationID != orgID {
		err = appointments.ErrPatientNotFound
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	filter, msg := parsePatientFilter(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, "validation_failed", msg)
		return
	}
	list, err := h.ledger.ListForPatient(r.Context(), patient.ID, filter)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

func parsePatientFilter(r *http.Request) (appointments.PatientFilter, string) {
	q := r.URL.Query()
	var f appointments.PatientFilter
	if v := q.Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			s := appointments.Status(strings.ToUpper(strings.TrimSpace(raw)))
			if !s.Valid() {
				return f, "unknown status " + raw
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, p.name + " must be RFC 3339"
			}
			*p.dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, "limit must be a positive integer"
		}
		f.Limit = n
	}
	return f, ""
}

func (h *AppointmentsHandler) org(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID, ok := tenancy.OrgIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "organization scope missing")
		return "", false
	}
	return orgID, true
}

// appointment loads {id} and hides appointments owned by other orgs.
func (h *AppointmentsHandler) appointment(w http.ResponseWriter, r *http.Request) (*appointments.Appointment, bool) {
	orgID, ok := h.org(w, r)
	if !ok {
		return nil, false
	}
	appt, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && appt.OrganizationID != orgID {
		err = appointments.ErrAppointmentNotFound
	}
	if err != nil {
		writeLedgerError(w, err)
		return nil, false
	}
	return appt, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func windowEnd(start time.Time, end *time.Time, minutes int) (time.Time, error) {
	if end != nil {
		return *end, nil
	}
	if minutes == 0 {
		minutes = int(scheduling.DefaultSlotDuration / time.Minute)
	}
	if minutes < 0 || minutes > maxDurationMinutes {
		return time.Time{}, &appointments.ValidationError{Field: "durationMinutes", Message: "must be between 1 and 480"}
	}
	return start.Add(time.Duration(minutes) * time.Minute), nil
}
