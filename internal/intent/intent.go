// Package intent maps free text and keypad input to scheduling actions.
package intent

import (
	"context"
	"errors"
	"time"
)

// Type is the action an utterance asks for.
type Type string

const (
	TypeBook       Type = "book_appointment"
	TypeReschedule Type = "reschedule_appointment"
	TypeCancel     Type = "cancel_appointment"
	TypeCheck      Type = "check_appointments"
	TypeGeneral    Type = "general_inquiry"
	TypeUnknown    Type = "unknown"
)

// Known reports whether t is one of the defined intent types.
func (t Type) Known() bool {
	switch t {
	case TypeBook, TypeReschedule, TypeCancel, TypeCheck, TypeGeneral, TypeUnknown:
		return true
	}
	return false
}

// Parameter keys.
const (
	ParamDate          = "preferredDate"
	ParamTime          = "preferredTime"
	ParamAppointmentID = "appointmentId"
	ParamReason        = "reason"
)

// ErrUpstreamUnavailable marks a classifier backend failure. Callers degrade
// to a fallback classifier or a generic reply.
var ErrUpstreamUnavailable = errors.New("intent: classifier unavailable")

// Result is the classification of one utterance.
type Result struct {
	Type       Type              `json:"type"`
	Confidence float64           `json:"confidence"`
	Parameters map[string]string `json:"parameters"`
}

// Param returns a parameter or "".
func (r Result) Param(key string) string {
	if r.Parameters == nil {
		return ""
	}
	return r.Parameters[key]
}

// Turn is one prior exchange offered to the classifier as context.
type Turn struct {
	Role string
	Text string
}

// Context is what the engine knows about the conversation so far.
type Context struct {
	OrganizationID string
	Channel        string
	PatientKnown   bool
	Appointments   []string // references of the patient's active appointments
	History        []Turn
	LastIntent     Type
	Now            time.Time
}

// Classifier is the replaceable intent capability. Engines only depend on
// this contract.
type Classifier interface {
	Classify(ctx context.Context, utterance string, c Context) (Result, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, utterance string, c Context) (Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, utterance string, c Context) (Result, error) {
	return f(ctx, utterance, c)
}

// FromDigits maps a keypad choice on the returning-patient menu to an intent.
func FromDigits(digits string) (Type, bool) {
	switch digits {
	case "1":
		return TypeCheck, true
	case "2":
		return TypeReschedule, true
	case "3":
		return TypeGeneral, true
	}
	return TypeUnknown, false
}
