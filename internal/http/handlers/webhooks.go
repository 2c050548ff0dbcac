package handlers

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/patientflow/internal/conversation"
	"github.com/wolfman30/patientflow/internal/events"
	"github.com/wolfman30/patientflow/internal/messaging"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/voice"
	"github.com/wolfman30/patientflow/pkg/logging"
)

var webhookTracer = otel.Tracer("patientflow.internal.http.webhooks")

const (
	kindText      = "text"
	kindVoice     = "voice_start"
	kindGather    = "voice_gather"
	kindStatus    = "voice_status"
	kindRecording = "voice_recording"

	maxWebhookBytes = 1 << 20
)

type textEngine interface {
	HandleMessage(ctx context.Context, in conversation.Inbound) (conversation.Reply, error)
}

type voiceEngine interface {
	StartCall(ctx context.Context, in voice.CallStart) (voice.Result, error)
	HandleGather(ctx context.Context, in voice.GatherInput) (voice.Result, error)
	HandleStatus(ctx context.Context, in voice.StatusUpdate) error
	HandleRecording(ctx context.Context, rec voice.Recording) error
	Replay(ctx context.Context, callSID string) (voice.Result, error)
}

// WebhookConfig wires the gateway. Sender is optional: without it text
// replies are returned inline as a TwiML Message.
type WebhookConfig struct {
	Secret   string
	Dedupe   events.Deduper
	Orgs     messaging.OrgResolver
	Text     textEngine
	Voice    voiceEngine
	Renderer voice.Renderer
	Sender   messaging.Sender
	Metrics  *metrics.WebhookMetrics
	Logger   *logging.Logger
}

// WebhookHandler is the gateway between the telephony/messaging provider
// and the conversation engines. Every request is authenticated before any
// dedupe or session work happens.
type WebhookHandler struct {
	secret   string
	dedupe   events.Deduper
	orgs     messaging.OrgResolver
	text     textEngine
	voice    voiceEngine
	renderer voice.Renderer
	sender   messaging.Sender
	metrics  *metrics.WebhookMetrics
	logger   *logging.Logger
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Dedupe == nil {
		panic("handlers: deduper cannot be nil")
	}
	if cfg.Orgs == nil {
		panic("handlers: org resolver cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		secret:   cfg.Secret,
		dedupe:   cfg.Dedupe,
		orgs:     cfg.Orgs,
		text:     cfg.Text,
		voice:    cfg.Voice,
		renderer: cfg.Renderer,
		sender:   cfg.Sender,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

type twimlMessage struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func writeTwiML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func messageTwiML(text string) []byte {
	out, _ := xml.Marshal(twimlMessage{Message: text})
	return append([]byte(xml.Header), out...)
}

// authenticate reads the raw body, checks its signature and parses the form.
// It writes the error response itself and returns ok=false on failure.
func (h *WebhookHandler) authenticate(w http.ResponseWriter, r *http.Request, span trace.Span, kind string) (url.Values, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.reject(w, span, kind, http.StatusBadRequest, err)
		return nil, false
	}
	if err := messaging.VerifySignature(h.secret, raw, r.Header.Get(messaging.SignatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", "kind", kind, "remote_ip", r.RemoteAddr)
		h.reject(w, span, kind, http.StatusUnauthorized, err)
		return nil, false
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		h.reject(w, span, kind, http.StatusBadRequest, err)
		return nil, false
	}
	return form, true
}

func (h *WebhookHandler) reject(w http.ResponseWriter, span trace.Span, kind string, status int, err error) {
	span.RecordError(err)
	h.metrics.ObserveInbound(kind, strconv.Itoa(status))
	http.Error(w, http.StatusText(status), status)
}

// duplicate records id in the dedup window. A store failure is logged and
// the event is processed: losing dedupe is preferable to dropping traffic.
func (h *WebhookHandler) duplicate(ctx context.Context, kind, id string) bool {
	dup, err := h.dedupe.IsDuplicate(ctx, id)
	if err != nil {
		h.logger.Warn("dedupe check failed; processing event", "kind", kind, "event_id", id, "error", err)
		return false
	}
	if dup {
		h.metrics.ObserveDuplicate(kind)
		h.logger.Info("duplicate webhook acknowledged", "kind", kind, "event_id", id)
	}
	return dup
}

// release forgets an event whose processing failed so the provider's
// redelivery is handled instead of acknowledged as a duplicate.
func (h *WebhookHandler) release(ctx context.Context, kind, id string) {
	if err := h.dedupe.Forget(ctx, id); err != nil {
		h.logger.Warn("dedupe release failed", "kind", kind, "event_id", id, "error", err)
	}
}

func (h *WebhookHandler) observe(kind string, status int, start time.Time) {
	h.metrics.ObserveInbound(kind, strconv.Itoa(status))
	h.metrics.ObserveLatency(kind, time.Since(start).Seconds())
}

// TextInbound handles POST /webhooks/text.
func (h *WebhookHandler) TextInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "webhooks.text")
	defer span.End()

	form, ok := h.authenticate(w, r, span, kindText)
	if !ok {
		return
	}
	ev, err := messaging.ParseTextEvent(form)
	if err != nil {
		h.reject(w, span, kindText, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("message_sid", ev.ID))
	if h.duplicate(ctx, kindText, ev.ID) {
		writeTwiML(w, messageTwiML(""))
		h.observe(kindText, http.StatusOK, start)
		return
	}

	orgID, err := h.orgs.ResolveOrgID(ctx, ev.To)
	if err != nil {
		h.logger.Warn("no organization for destination number", "to", logging.MaskPhone(ev.To), "error", err)
		h.reject(w, span, kindText, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("org_id", orgID))

	reply, err := h.text.HandleMessage(ctx, conversation.Inbound{
		OrganizationID: orgID,
		MessageID:      ev.ID,
		From:           ev.From,
		To:             ev.To,
		Text:           ev.Text,
		Channel:        ev.Channel,
		MediaCount:     ev.MediaCount,
	})
	if err != nil {
		h.logger.Error("text turn failed", "org_id", orgID, "message_sid", ev.ID, "error", err)
		span.RecordError(err)
		h.release(ctx, kindText, ev.ID)
		reply = conversation.Reply{Text: "Sorry, something went wrong on our side. Please try again in a few minutes."}
	}

	if h.sender != nil && reply.Text != "" {
		_, sendErr := h.sender.Send(ctx, messaging.OutboundMessage{
			OrganizationID: orgID,
			To:             ev.From,
			From:           ev.To,
			Body:           reply.Text,
			Channel:        ev.Channel,
		})
		if sendErr == nil {
			writeTwiML(w, messageTwiML(""))
			h.observe(kindText, http.StatusOK, start)
			return
		}
		h.logger.Warn("outbound reply failed; replying inline", "org_id", orgID, "message_sid", ev.ID, "error", sendErr)
	}
	writeTwiML(w, messageTwiML(reply.Text))
	h.observe(kindText, http.StatusOK, start)
}

// VoiceInbound handles POST /webhooks/voice, the first request of a call.
func (h *WebhookHandler) VoiceInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "webhooks.voice.start")
	defer span.End()

	form, ok := h.authenticate(w, r, span, kindVoice)
	if !ok {
		return
	}
	ev, err := messaging.ParseCallEvent(form)
	if err != nil {
		h.reject(w, span, kindVoice, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("call_sid", ev.CallSID))
	if h.duplicate(ctx, kindVoice, ev.CallSID) {
		h.renderVoice(w, kindVoice, start, func() (voice.Result, error) { return h.voice.Replay(ctx, ev.CallSID) })
		return
	}

	orgID, err := h.orgs.ResolveOrgID(ctx, ev.To)
	if err != nil {
		h.logger.Warn("no organization for called number", "to", logging.MaskPhone(ev.To), "call_sid", ev.CallSID)
		span.RecordError(err)
		writeTwiML(w, h.renderer.Error())
		h.observe(kindVoice, http.StatusOK, start)
		return
	}
	span.SetAttributes(attribute.String("org_id", orgID))
	h.renderVoice(w, kindVoice, start, func() (voice.Result, error) {
		return h.voice.StartCall(ctx, voice.CallStart{CallSID: ev.CallSID, OrganizationID: orgID, From: ev.From, To: ev.To})
	})
}

// VoiceGather handles POST /webhooks/voice/gather?turn=N.
func (h *WebhookHandler) VoiceGather(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "webhooks.voice.gather")
	defer span.End()

	form, ok := h.authenticate(w, r, span, kindGather)
	if !ok {
		return
	}
	ev, err := messaging.ParseGatherEvent(form, r.URL.Query())
	if err != nil {
		h.reject(w, span, kindGather, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("call_sid", ev.CallSID), attribute.Int("turn", ev.Turn))
	if h.duplicate(ctx, kindGather, ev.CallSID+"-speech-"+strconv.Itoa(ev.Turn)) {
		h.renderVoice(w, kindGather, start, func() (voice.Result, error) { return h.voice.Replay(ctx, ev.CallSID) })
		return
	}
	h.renderVoice(w, kindGather, start, func() (voice.Result, error) {
		return h.voice.HandleGather(ctx, voice.GatherInput{
			CallSID:    ev.CallSID,
			Digits:     ev.Digits,
			Speech:     ev.SpeechResult,
			Confidence: ev.Confidence,
			Turn:       ev.Turn,
		})
	})
}

// renderVoice runs the engine step and writes its TwiML. Engine failures
// still answer with a spoken apology so the caller is not left in silence.
func (h *WebhookHandler) renderVoice(w http.ResponseWriter, kind string, start time.Time, run func() (voice.Result, error)) {
	res, err := run()
	if err != nil {
		if !errors.Is(err, voice.ErrUnknownCall) {
			h.logger.Error("voice turn failed", "kind", kind, "error", err)
		}
		writeTwiML(w, h.renderer.Error())
		h.observe(kind, http.StatusOK, start)
		return
	}
	body, err := h.renderer.Render(res)
	if err != nil {
		h.logger.Error("voice render failed", "call_sid", res.CallSID, "error", err)
		body = h.renderer.Error()
	}
	writeTwiML(w, body)
	h.observe(kind, http.StatusOK, start)
}

// VoiceStatus handles POST /webhooks/voice/status lifecycle callbacks.
func (h *WebhookHandler) VoiceStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "webhooks.voice.status")
	defer span.End()

	form, ok := h.authenticate(w, r, span, kindStatus)
	if !ok {
		return
	}
	ev, err := messaging.ParseCallEvent(form)
	if err != nil {
		h.reject(w, span, kindStatus, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("call_sid", ev.CallSID), attribute.String("call_status", ev.CallStatus))
	if h.duplicate(ctx, kindStatus, ev.CallSID+"-status-"+ev.CallStatus) {
		w.WriteHeader(http.StatusNoContent)
		h.observe(kindStatus, http.StatusNoContent, start)
		return
	}
	duration, _ := strconv.Atoi(form.Get("CallDuration"))
	err = h.voice.HandleStatus(ctx, voice.StatusUpdate{CallSID: ev.CallSID, Status: ev.CallStatus, DurationSeconds: duration})
	switch {
	case errors.Is(err, voice.ErrUnknownCall):
		h.logger.Info("status for unknown call ignored", "call_sid", ev.CallSID, "status", ev.CallStatus)
	case err != nil:
		h.logger.Error("voice status failed", "call_sid", ev.CallSID, "error", err)
		span.RecordError(err)
		h.release(ctx, kindStatus, ev.CallSID+"-status-"+ev.CallStatus)
		http.Error(w, "status update failed", http.StatusInternalServerError)
		h.observe(kindStatus, http.StatusInternalServerError, start)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.observe(kindStatus, http.StatusNoContent, start)
}

// VoiceRecording handles POST /webhooks/voice/recording and queues the
// post-call pipeline.
func (h *WebhookHandler) VoiceRecording(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := webhookTracer.Start(r.Context(), "webhooks.voice.recording")
	defer span.End()

	form, ok := h.authenticate(w, r, span, kindRecording)
	if !ok {
		return
	}
	ev, err := messaging.ParseRecordingEvent(form)
	if err != nil {
		h.reject(w, span, kindRecording, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("call_sid", ev.CallSID), attribute.String("recording_sid", ev.RecordingSID))
	if h.duplicate(ctx, kindRecording, ev.RecordingSID) {
		w.WriteHeader(http.StatusNoContent)
		h.observe(kindRecording, http.StatusNoContent, start)
		return
	}
	err = h.voice.HandleRecording(ctx, voice.Recording{
		CallSID:         ev.CallSID,
		SID:             ev.RecordingSID,
		URL:             ev.RecordingURL,
		DurationSeconds: ev.DurationSeconds,
	})
	switch {
	case errors.Is(err, voice.ErrUnknownCall):
		h.logger.Info("recording for unknown call ignored", "call_sid", ev.CallSID)
	case err != nil:
		h.logger.Error("post-call enqueue failed", "call_sid", ev.CallSID, "error", err)
		span.RecordError(err)
		h.release(ctx, kindRecording, ev.RecordingSID)
		http.Error(w, "recording not queued", http.StatusInternalServerError)
		h.observe(kindRecording, http.StatusInternalServerError, start)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.observe(kindRecording, http.StatusNoContent, start)
}
