package voice

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfman30/patientflow/internal/llm"
)

// RespondRequest is one free-form caller turn.
type RespondRequest struct {
	OrganizationID string
	ClinicName     string
	History        []Turn
	Utterance      string
}

// Responder produces the assistant's spoken answer during ai_conversation.
type Responder interface {
	Respond(ctx context.Context, req RespondRequest) (string, error)
}

// Summarizer condenses a finished call for the call log.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

const cannedReply = "I can help you check or reschedule an appointment, and our team can answer other questions by text. " +
	"Is there anything else I can help with? Say done when you are finished."

// CannedResponder always gives the same answer.
type CannedResponder struct{}

func (CannedResponder) Respond(context.Context, RespondRequest) (string, error) {
	return cannedReply, nil
}

const (
	historyTurns      = 10
	maxResponseTokens = 200
	maxSummaryTokens  = 300
	maxSpokenChars    = 600
)

const responderPrompt = `You are the phone receptionist for %s, a medical clinic.
Answer the caller in one or two short spoken sentences. Do not use lists, markdown or emojis.
Never give medical advice; suggest the caller speak with a clinician for anything clinical.
You cannot book or cancel on this line; offer to text the caller or have the team call back.
End by asking whether there is anything else, and remind them they can say done to finish.`

// LLMResponder answers free-form turns with an llm.Client.
type LLMResponder struct {
	client llm.Client
}

func NewLLMResponder(client llm.Client) *LLMResponder {
	return &LLMResponder{client: client}
}

func (r *LLMResponder) Respond(ctx context.Context, req RespondRequest) (string, error) {
	clinic := req.ClinicName
	if clinic == "" {
		clinic = "the clinic"
	}
	history := req.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Utterance})

	resp, err := r.client.Complete(ctx, llm.Request{
		System:      []string{fmt.Sprintf(responderPrompt, clinic)},
		Messages:    mergeRoles(msgs),
		MaxTokens:   maxResponseTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	if len(text) > maxSpokenChars {
		text = text[:maxSpokenChars]
	}
	return text, nil
}

// mergeRoles joins consecutive turns of the same role; chat providers
// reject two user turns in a row.
func mergeRoles(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + m.Content
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role != llm.RoleUser {
		out = out[1:]
	}
	return out
}

// CannedSummarizer keeps the opening of the transcript.
type CannedSummarizer struct{}

const cannedSummaryChars = 280

func (CannedSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	transcript = strings.Join(strings.Fields(transcript), " ")
	if transcript == "" {
		return "No transcript available.", nil
	}
	if len(transcript) <= cannedSummaryChars {
		return transcript, nil
	}
	return transcript[:cannedSummaryChars] + "...", nil
}

const summaryPrompt = `Summarise this clinic phone call for the front desk in at most three sentences.
Mention the caller's request, any appointment booked or moved, and any follow-up needed.
Do not include phone numbers or dates of birth.`

// LLMSummarizer summarises calls with an llm.Client.
type LLMSummarizer struct {
	client llm.Client
}

func NewLLMSummarizer(client llm.Client) *LLMSummarizer {
	return &LLMSummarizer{client: client}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("voice: empty transcript")
	}
	resp, err := s.client.Complete(ctx, llm.Request{
		System:      []string{summaryPrompt},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		MaxTokens:   maxSummaryTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}
