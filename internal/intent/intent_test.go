package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/patientflow/internal/llm"
	"github.com/wolfman30/patientflow/pkg/logging"
)

func TestKeywordBookingRoundTrip(t *testing.T) {
	res, err := NewKeywordClassifier().Classify(context.Background(), "I want to book an appointment for tomorrow at 10am", Context{})
	require.NoError(t, err)
	assert.Equal(t, TypeBook, res.Type)
	assert.Equal(t, "tomorrow", res.Param(ParamDate))
	assert.Equal(t, "10am", res.Param(ParamTime))
}

func TestKeywordPriority(t *testing.T) {
	cases := []struct {
		text string
		want Type
	}{
		{"Please cancel and book a new one", TypeCancel},
		{"I need to reschedule, can I book later?", TypeReschedule},
		{"Can I schedule a visit", TypeBook},
		{"When is my appointment?", TypeCheck},
		{"What are your opening hours", TypeGeneral},
		{"hi", TypeGeneral},
		{"this is a specialist question", TypeGeneral},
		{"purple elephant", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyKeywords(tc.text).Type; got != tc.want {
			t.Fatalf("ClassifyKeywords(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestExtractParameters(t *testing.T) {
	cases := []struct {
		text string
		want map[string]string
	}{
		{"move apt1042 to 2025-01-09 at 3:30 PM", map[string]string{ParamAppointmentID: "APT-1042", ParamDate: "2025-01-09", ParamTime: "3:30pm"}},
		{"cancel APT-7 because I feel better", map[string]string{ParamAppointmentID: "APT-7", ParamReason: "i feel better"}},
		{"book 09/01/2025 14:15", map[string]string{ParamDate: "09/01/2025", ParamTime: "14:15"}},
		{"next week please", map[string]string{ParamDate: "next week"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractParameters(tc.text), tc.text)
	}
}

func TestResolveDate(t *testing.T) {
	now := time.Date(2025, 1, 6, 22, 30, 0, 0, time.UTC)

	d, ok := ResolveDate("tomorrow", now, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC), d)

	d, ok = ResolveDate("09/01/2025", now, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.January, d.Month())
	assert.Equal(t, 9, d.Day())

	d, ok = ResolveDate("next week", now, time.UTC)
	require.True(t, ok)
	assert.Equal(t, 13, d.Day())

	_, ok = ResolveDate("someday", now, time.UTC)
	assert.False(t, ok)
}

func TestResolveClock(t *testing.T) {
	cases := []struct {
		in     string
		h, m   int
		wantOK bool
	}{
		{"10am", 10, 0, true},
		{"12am", 0, 0, true},
		{"12pm", 12, 0, true},
		{"3:30pm", 15, 30, true},
		{"14:05", 14, 5, true},
		{"14", 0, 0, false},
		{"13pm", 0, 0, false},
	}
	for _, tc := range cases {
		h, m, ok := ResolveClock(tc.in)
		if ok != tc.wantOK || (ok && (h != tc.h || m != tc.m)) {
			t.Fatalf("ResolveClock(%q) = %d:%d %v, want %d:%d %v", tc.in, h, m, ok, tc.h, tc.m, tc.wantOK)
		}
	}
}

func TestResolveDateTime(t *testing.T) {
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	res := ClassifyKeywords("book tomorrow at 10am")
	_, at, hasDate, hasTime := ResolveDateTime(res, now, time.UTC)
	require.True(t, hasDate)
	require.True(t, hasTime)
	assert.Equal(t, time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC), at)
}

func TestFromDigits(t *testing.T) {
	got, ok := FromDigits("2")
	assert.True(t, ok)
	assert.Equal(t, TypeReschedule, got)
	_, ok = FromDigits("7")
	assert.False(t, ok)
}

type fakeLLM struct {
	text string
	err  error
	req  llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.req = req
	return llm.Response{Text: f.text}, f.err
}

func TestLLMClassifier(t *testing.T) {
	client := &fakeLLM{text: "Sure! {\"type\": \"cancel_appointment\", \"confidence\": 0.93, \"parameters\": {\"reason\": \"travel\"}}"}
	c := NewLLMClassifier(client, nil, logging.Discard())

	res, err := c.Classify(context.Background(), "please drop apt-12 i'm travelling", Context{Appointments: []string{"APT-12"}})
	require.NoError(t, err)
	assert.Equal(t, TypeCancel, res.Type)
	assert.InDelta(t, 0.93, res.Confidence, 0.001)
	assert.Equal(t, "travel", res.Param(ParamReason))
	assert.Equal(t, "APT-12", res.Param(ParamAppointmentID))
	assert.Len(t, client.req.System, 2)
}

func TestLLMClassifierFallsBack(t *testing.T) {
	for _, client := range []*fakeLLM{
		{err: errors.New("throttled")},
		{text: "not json"},
		{text: `{"type": "order_pizza"}`},
	} {
		c := NewLLMClassifier(client, nil, logging.Discard())
		res, err := c.Classify(context.Background(), "book me tomorrow", Context{})
		require.NoError(t, err)
		assert.Equal(t, TypeBook, res.Type)
	}
}
