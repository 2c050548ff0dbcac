package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "patientflow"

func registerer(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return prometheus.DefaultRegisterer
	}
	return reg
}

// SchedulingMetrics counts ledger writes by outcome.
type SchedulingMetrics struct {
	bookings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by source channel and outcome",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "transitions_total",
			Help:      "Appointment state transitions by action and outcome",
		}, []string{"action", "outcome"}),
	}
	registerer(reg).MustRegister(m.bookings, m.transitions)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(source, outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(source, outcome).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(action, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, outcome).Inc()
}

// ConversationMetrics counts text-channel turns.
type ConversationMetrics struct {
	turns *prometheus.CounterVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Inbound text turns by channel and classified intent",
		}, []string{"channel", "intent"}),
	}
	registerer(reg).MustRegister(m.turns)
	return m
}

func (m *ConversationMetrics) ObserveTurn(channel, intent string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(channel, intent).Inc()
}

// VoiceMetrics tracks the IVR state machine and its external capabilities.
type VoiceMetrics struct {
	phaseTransitions *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	ttsFallbacks     prometheus.Counter
	transcriptions   *prometheus.CounterVec
}

func NewVoiceMetrics(reg prometheus.Registerer) *VoiceMetrics {
	m := &VoiceMetrics{
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "phase_transitions_total",
			Help:      "IVR phase transitions",
		}, []string{"from", "to"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "calls_ended_total",
			Help:      "Calls reaching a terminal phase",
		}, []string{"phase"}),
		ttsFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "tts_fallback_total",
			Help:      "Turns spoken with text-to-speech markup after synthesis failed",
		}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "voice",
			Name:      "transcriptions_total",
			Help:      "Post-call transcription results",
		}, []string{"outcome"}),
	}
	registerer(reg).MustRegister(m.phaseTransitions, m.callsEnded, m.ttsFallbacks, m.transcriptions)
	return m
}

func (m *VoiceMetrics) ObservePhase(from, to string) {
	if m == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *VoiceMetrics) ObserveCallEnded(phase string) {
	if m == nil {
		return
	}
	m.callsEnded.WithLabelValues(phase).Inc()
}

func (m *VoiceMetrics) ObserveTTSFallback() {
	if m == nil {
		return
	}
	m.ttsFallbacks.Inc()
}

func (m *VoiceMetrics) ObserveTranscription(outcome string) {
	if m == nil {
		return
	}
	m.transcriptions.WithLabelValues(outcome).Inc()
}

// WebhookMetrics exposes counters/histograms for inbound gateway traffic.
type WebhookMetrics struct {
	inboundTotal   *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Inbound transport webhooks by kind and status",
		}, []string{"kind", "status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duplicates_total",
			Help:      "Webhooks acknowledged without processing because the event id was already seen",
		}, []string{"kind"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	registerer(reg).MustRegister(m.inboundTotal, m.duplicates, m.webhookLatency)
	return m
}

func (m *WebhookMetrics) ObserveInbound(kind, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *WebhookMetrics) ObserveDuplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

func (m *WebhookMetrics) ObserveLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(kind).Observe(seconds)
}
