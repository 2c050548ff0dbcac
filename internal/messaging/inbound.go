package messaging

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
)

var ErrMissingField = errors.New("messaging: missing required field")

// Channel names the text transport an inbound message came through.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// TextEvent is an inbound text-channel message.
type TextEvent struct {
	ID         string
	From       string
	To         string
	Text       string
	MediaCount int
	Channel    string
}

// CallEvent is a call lifecycle callback.
type CallEvent struct {
	CallSID    string
	From       string
	To         string
	CallStatus string
}

// GatherEvent is the result of one gather turn. Turn is the gather sequence
// number echoed back on the action URL.
type GatherEvent struct {
	CallSID      string
	Digits       string
	SpeechResult string
	Confidence   float64
	Turn         int
}

// RecordingEvent arrives once the call recording is available.
type RecordingEvent struct {
	CallSID         string
	RecordingURL    string
	RecordingSID    string
	DurationSeconds int
}

// ParseTextEvent reads a form-encoded inbound message.
func ParseTextEvent(form url.Values) (TextEvent, error) {
	from := form.Get("From")
	ev := TextEvent{
		ID:         strings.TrimSpace(form.Get("MessageSid")),
		From:       NormalizeE164(from),
		To:         NormalizeE164(form.Get("To")),
		Text:       strings.TrimSpace(form.Get("Body")),
		MediaCount: atoiOrZero(form.Get("NumMedia")),
		Channel:    ChannelSMS,
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(from)), "whatsapp:") {
		ev.Channel = ChannelWhatsApp
	}
	if ev.ID == "" || ev.From == "" {
		return ev, ErrMissingField
	}
	return ev, nil
}

// ParseCallEvent reads a call start or status callback.
func ParseCallEvent(form url.Values) (CallEvent, error) {
	ev := CallEvent{
		CallSID:    strings.TrimSpace(form.Get("CallSid")),
		From:       NormalizeE164(form.Get("From")),
		To:         NormalizeE164(form.Get("To")),
		CallStatus: strings.ToLower(strings.TrimSpace(form.Get("CallStatus"))),
	}
	if ev.CallSID == "" {
		return ev, ErrMissingField
	}
	return ev, nil
}

// ParseGatherEvent reads a gather result; query carries the turn number.
func ParseGatherEvent(form url.Values, query url.Values) (GatherEvent, error) {
	ev := GatherEvent{
		CallSID:      strings.TrimSpace(form.Get("CallSid")),
		Digits:       strings.TrimSpace(form.Get("Digits")),
		SpeechResult: strings.TrimSpace(form.Get("SpeechResult")),
		Turn:         atoiOrZero(query.Get("turn")),
	}
	if c, err := strconv.ParseFloat(form.Get("Confidence"), 64); err == nil {
		ev.Confidence = c
	}
	if ev.CallSID == "" {
		return ev, ErrMissingField
	}
	return ev, nil
}

// ParseRecordingEvent reads a recording-status callback.
func ParseRecordingEvent(form url.Values) (RecordingEvent, error) {
	ev := RecordingEvent{
		CallSID:         strings.TrimSpace(form.Get("CallSid")),
		RecordingURL:    strings.TrimSpace(form.Get("RecordingUrl")),
		RecordingSID:    strings.TrimSpace(form.Get("RecordingSid")),
		DurationSeconds: atoiOrZero(form.Get("RecordingDuration")),
	}
	if ev.CallSID == "" || ev.RecordingSID == "" {
		return ev, ErrMissingField
	}
	return ev, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
