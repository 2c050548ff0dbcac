package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wolfman30/patientflow/internal/llm"
	"github.com/wolfman30/patientflow/pkg/logging"
)

const classifierPrompt = `You classify messages sent to a medical clinic's booking assistant.
Reply with a single JSON object and nothing else:
{"type": "<book_appointment|reschedule_appointment|cancel_appointment|check_appointments|general_inquiry|unknown>",
 "confidence": <0..1>,
 "parameters": {"preferredDate": "...", "preferredTime": "...", "appointmentId": "...", "reason": "..."}}
Omit parameters that the message does not mention. Dates may be "today", "tomorrow", "next week",
YYYY-MM-DD or DD/MM/YYYY. Times look like "10am" or "14:30". Appointment ids look like APT-1042.`

// LLMClassifier asks a language model for the intent. Any provider failure
// or unparsable answer falls back to the keyword classifier.
type LLMClassifier struct {
	client    llm.Client
	fallback  Classifier
	logger    *logging.Logger
	maxTokens int32
}

func NewLLMClassifier(client llm.Client, fallback Classifier, logger *logging.Logger) *LLMClassifier {
	if fallback == nil {
		fallback = NewKeywordClassifier()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMClassifier{client: client, fallback: fallback, logger: logger, maxTokens: 256}
}

func (c *LLMClassifier) Classify(ctx context.Context, utterance string, ic Context) (Result, error) {
	if strings.TrimSpace(utterance) == "" {
		return Result{Type: TypeUnknown, Parameters: map[string]string{}}, nil
	}
	res, err := c.classifyRemote(ctx, utterance, ic)
	if err != nil {
		c.logger.Warn("llm intent classification failed, using keywords", "channel", ic.Channel, "error", err)
		return c.fallback.Classify(ctx, utterance, ic)
	}
	// Regex extraction is exact; prefer it over the model's paraphrase.
	for k, v := range ExtractParameters(utterance) {
		res.Parameters[k] = v
	}
	return res, nil
}

func (c *LLMClassifier) classifyRemote(ctx context.Context, utterance string, ic Context) (Result, error) {
	messages := make([]llm.Message, 0, len(ic.History)+1)
	for _, turn := range lastTurns(ic.History, 6) {
		role := llm.RoleUser
		if turn.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	system := []string{classifierPrompt}
	if len(ic.Appointments) > 0 {
		system = append(system, "The patient's active appointments: "+strings.Join(ic.Appointments, ", "))
	}
	resp, err := c.client.Complete(ctx, llm.Request{
		System:      system,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return parseLLMResult(resp.Text)
}

func parseLLMResult(text string) (Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("intent: no json object in model reply")
	}
	var raw struct {
		Type       string            `json:"type"`
		Confidence float64           `json:"confidence"`
		Parameters map[string]string `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Result{}, fmt.Errorf("intent: decode model reply: %w", err)
	}
	t := Type(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !t.Known() {
		return Result{}, fmt.Errorf("intent: model returned unknown type %q", raw.Type)
	}
	res := Result{Type: t, Confidence: raw.Confidence, Parameters: map[string]string{}}
	for k, v := range raw.Parameters {
		if v = strings.TrimSpace(v); v != "" {
			res.Parameters[k] = v
		}
	}
	return res, nil
}

func lastTurns(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
