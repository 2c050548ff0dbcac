package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestSchedulingMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)
	m.ObserveBooking("sms", "booked")
	m.ObserveBooking("sms", "booked")
	m.ObserveBooking("api", "conflict")
	m.ObserveTransition("cancel", "ok")

	if v := counterValue(t, reg, "patientflow_scheduling_bookings_total", map[string]string{"source": "sms", "outcome": "booked"}); v != 2 {
		t.Fatalf("expected 2 sms bookings, got %v", v)
	}
	if v := counterValue(t, reg, "patientflow_scheduling_bookings_total", map[string]string{"outcome": "conflict"}); v != 1 {
		t.Fatalf("expected 1 conflict, got %v", v)
	}
}

func TestVoiceMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewVoiceMetrics(reg)
	m.ObservePhase("identify", "hangup")
	m.ObserveCallEnded("hangup")
	m.ObserveTTSFallback()
	m.ObserveTranscription("failed")

	if v := counterValue(t, reg, "patientflow_voice_phase_transitions_total", map[string]string{"from": "identify", "to": "hangup"}); v != 1 {
		t.Fatalf("expected one transition, got %v", v)
	}
	if v := counterValue(t, reg, "patientflow_voice_tts_fallback_total", nil); v != 1 {
		t.Fatalf("expected one fallback, got %v", v)
	}
}

func TestWebhookMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWebhookMetrics(reg)
	m.ObserveInbound("sms", "processed")
	m.ObserveDuplicate("sms")
	m.ObserveLatency("sms", 0.05)
	if v := counterValue(t, reg, "patientflow_webhook_duplicates_total", map[string]string{"kind": "sms"}); v != 1 {
		t.Fatalf("expected one duplicate, got %v", v)
	}
	NewConversationMetrics(reg).ObserveTurn("sms", "book_appointment")
}

func TestMetricsNilSafe(t *testing.T) {
	var s *SchedulingMetrics
	s.ObserveBooking("api", "booked")
	s.ObserveTransition("cancel", "ok")
	var c *ConversationMetrics
	c.ObserveTurn("sms", "unknown")
	var v *VoiceMetrics
	v.ObservePhase("a", "b")
	v.ObserveCallEnded("completed")
	v.ObserveTTSFallback()
	v.ObserveTranscription("ok")
	var w *WebhookMetrics
	w.ObserveInbound("voice", "ok")
	w.ObserveDuplicate("voice")
	w.ObserveLatency("voice", 0.1)
}
