package messaging

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/patientflow/pkg/logging"
)

func TestVerifySignature(t *testing.T) {
	body := []byte("MessageSid=SM1&Body=hi")
	sig := Sign("s3cret", body)

	if err := VerifySignature("s3cret", body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("s3cret", body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	cases := map[string]struct {
		secret, header string
		body           []byte
	}{
		"tampered body": {"s3cret", sig, []byte("MessageSid=SM1&Body=hello")},
		"wrong secret":  {"other", sig, body},
		"missing":       {"s3cret", "", body},
		"not hex":       {"s3cret", "zz", body},
		"no secret":     {"", sig, body},
	}
	for name, tc := range cases {
		if err := VerifySignature(tc.secret, tc.body, tc.header); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("%s: expected ErrSignatureInvalid, got %v", name, err)
		}
	}
}

func TestParseTextEvent(t *testing.T) {
	form := url.Values{
		"MessageSid": {"SM123"},
		"From":       {"whatsapp:+1 (555) 000-1111"},
		"To":         {"+15559990000"},
		"Body":       {"  book tomorrow  "},
		"NumMedia":   {"2"},
	}
	ev, err := ParseTextEvent(form)
	if err != nil {
		t.Fatalf("ParseTextEvent: %v", err)
	}
	if ev.From != "+15550001111" || ev.Channel != ChannelWhatsApp || ev.Text != "book tomorrow" || ev.MediaCount != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := ParseTextEvent(url.Values{"From": {"+1555"}}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestParseVoiceEvents(t *testing.T) {
	g, err := ParseGatherEvent(url.Values{"CallSid": {"CA1"}, "SpeechResult": {"new patient"}, "Confidence": {"0.91"}}, url.Values{"turn": {"3"}})
	if err != nil || g.Turn != 3 || g.Confidence != 0.91 || g.SpeechResult != "new patient" {
		t.Fatalf("unexpected gather %+v %v", g, err)
	}
	r, err := ParseRecordingEvent(url.Values{"CallSid": {"CA1"}, "RecordingSid": {"RE1"}, "RecordingUrl": {"https://x/RE1"}, "RecordingDuration": {"42"}})
	if err != nil || r.DurationSeconds != 42 {
		t.Fatalf("unexpected recording %+v %v", r, err)
	}
	c, err := ParseCallEvent(url.Values{"CallSid": {"CA1"}, "CallStatus": {"Completed"}})
	if err != nil || c.CallStatus != "completed" {
		t.Fatalf("unexpected call %+v %v", c, err)
	}
}

func TestStaticOrgResolver(t *testing.T) {
	r := NewStaticOrgResolver(map[string]string{"+1 555 999 0000": "org-1"}, "")
	org, err := r.ResolveOrgID(context.Background(), "whatsapp:+15559990000")
	if err != nil || org != "org-1" {
		t.Fatalf("ResolveOrgID = %q, %v", org, err)
	}
	if _, err := r.ResolveOrgID(context.Background(), "+10000000000"); !errors.Is(err, ErrOrgNotFound) {
		t.Fatalf("expected ErrOrgNotFound, got %v", err)
	}
	withDefault := NewStaticOrgResolver(nil, "org-default")
	if org, _ := withDefault.ResolveOrgID(context.Background(), "+10000000000"); org != "org-default" {
		t.Fatalf("expected default org, got %q", org)
	}
}

func TestIsSessionEnd(t *testing.T) {
	for _, body := range []string{"stop", "Bye!", "please end", " goodbye. "} {
		if !IsSessionEnd(body) {
			t.Fatalf("expected %q to end the session", body)
		}
	}
	for _, body := range []string{"cancel", "stop my appointment", "end of the month works"} {
		if IsSessionEnd(body) {
			t.Fatalf("did not expect %q to end the session", body)
		}
	}
}

func TestTwilioSenderRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		user, pass, _ := r.BasicAuth()
		if user != "AC1" || pass != "tok" {
			t.Errorf("unexpected basic auth %q/%q", user, pass)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "To=whatsapp%3A%2B15550001111") {
			t.Errorf("unexpected payload %s", body)
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM999"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender("AC1", "tok", "+15559990000", logging.Discard())
	s.baseURL = srv.URL
	s.backoff = func(int) time.Duration { return time.Millisecond }

	sid, err := s.Send(context.Background(), OutboundMessage{To: "+15550001111", Body: "See you at 10:00", Channel: ChannelWhatsApp})
	if err != nil || sid != "SM999" {
		t.Fatalf("Send = %q, %v", sid, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestTwilioSenderDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"invalid To"}`))
	}))
	defer srv.Close()

	s := NewTwilioSender("AC1", "tok", "+15559990000", logging.Discard())
	s.baseURL = srv.URL
	_, err := s.Send(context.Background(), OutboundMessage{To: "+1", Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("expected twilio error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
