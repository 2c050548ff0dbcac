package intent

import (
	"context"
	"regexp"
	"strings"
)

var (
	cancelKeywords     = []string{"cancel", "call off", "can't make it", "cannot make it"}
	rescheduleKeywords = []string{"reschedule", "re-schedule", "move my appointment", "change my appointment", "different time", "another time", "postpone", "push back"}
	bookKeywords       = []string{"book", "schedule", "make an appointment", "new appointment", "see a doctor", "see the doctor", "availability", "available"}
	checkKeywords      = []string{"my appointment", "upcoming", "check my", "check on", "when is", "what time is", "list my", "do i have"}
	generalKeywords    = []string{"help", "hours", "open", "price", "cost", "insurance", "address", "location", "where", "question", "hello", "hi"}
)

var (
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	wordDateRe  = regexp.MustCompile(`\b(today|tomorrow|next week)\b`)
	meridiemRe  = regexp.MustCompile(`\b(\d{1,2})(?::([0-5]\d))?\s*(am|pm)\b`)
	clockRe     = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	appointRe   = regexp.MustCompile(`\bapt-?(\d+)\b`)
	reasonRe    = regexp.MustCompile(`\b(?:because|since|due to)\s+(.+)$`)
	wordRe      = regexp.MustCompile(`[a-z']+`)
)

// KeywordClassifier is the deterministic default: case-insensitive keyword
// tests in the order cancel, reschedule, book, check, general.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (k *KeywordClassifier) Classify(_ context.Context, utterance string, _ Context) (Result, error) {
	return ClassifyKeywords(utterance), nil
}

// ClassifyKeywords runs keyword classification and parameter extraction.
func ClassifyKeywords(utterance string) Result {
	text := strings.ToLower(strings.TrimSpace(utterance))
	res := Result{Type: TypeUnknown, Parameters: ExtractParameters(text)}
	if text == "" {
		return res
	}
	switch {
	case containsAny(text, cancelKeywords):
		res.Type, res.Confidence = TypeCancel, 0.8
	case containsAny(text, rescheduleKeywords):
		res.Type, res.Confidence = TypeReschedule, 0.8
	case containsAny(text, bookKeywords):
		res.Type, res.Confidence = TypeBook, 0.8
	case containsAny(text, checkKeywords):
		res.Type, res.Confidence = TypeCheck, 0.7
	case containsAny(text, generalKeywords) || hasWord(text, generalKeywords):
		res.Type, res.Confidence = TypeGeneral, 0.6
	}
	return res
}

// ExtractParameters pulls dates, times, appointment references and a cancel
// reason out of text.
func ExtractParameters(utterance string) map[string]string {
	text := strings.ToLower(utterance)
	params := make(map[string]string)

	switch {
	case isoDateRe.MatchString(text):
		params[ParamDate] = isoDateRe.FindString(text)
	case slashDateRe.MatchString(text):
		params[ParamDate] = slashDateRe.FindString(text)
	case wordDateRe.MatchString(text):
		params[ParamDate] = wordDateRe.FindString(text)
	}

	if m := meridiemRe.FindStringSubmatch(text); m != nil {
		t := m[1]
		if m[2] != "" {
			t += ":" + m[2]
		}
		params[ParamTime] = t + m[3]
	} else if m := clockRe.FindString(text); m != "" {
		params[ParamTime] = m
	}

	if m := appointRe.FindStringSubmatch(text); m != nil {
		params[ParamAppointmentID] = "APT-" + m[1]
	}
	if m := reasonRe.FindStringSubmatch(text); m != nil {
		params[ParamReason] = strings.TrimSpace(m[1])
	}
	return params
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if len(kw) <= 2 {
			continue
		}
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// hasWord matches short keywords such as "hi" on word boundaries only.
func hasWord(text string, keywords []string) bool {
	words := wordRe.FindAllString(text, -1)
	for _, w := range words {
		for _, kw := range keywords {
			if len(kw) <= 2 && w == kw {
				return true
			}
		}
	}
	return false
}
