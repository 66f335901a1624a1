package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice agent.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionDuration  prometheus.Histogram
	DroppedUtterance prometheus.Counter
	ProtocolErrors   prometheus.Counter

	// Upstream STT metrics
	STTConnects     *prometheus.CounterVec
	RateLimitDenied *prometheus.CounterVec
	STTEvictions    prometheus.Counter

	// Dialogue metrics
	LLMFirstPhrase prometheus.Histogram
	LLMFailures    prometheus.Counter

	// Synthesis metrics
	TTSDuration prometheus.Histogram
	TTSFailures prometheus.Counter
	PacketsSent prometheus.Counter
}

// NewMetrics creates all metrics on a private registry so that several
// instances can coexist (tests, multiple servers in one process).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Current number of active call sessions",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_started_total",
			Help: "Total number of call sessions started",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Duration of call sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),
		DroppedUtterance: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_dropped_total",
			Help: "Utterances dropped because a turn was already in flight",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_protocol_errors_total",
			Help: "Malformed or unknown inbound media frames",
		}),

		STTConnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stt_connects_total",
			Help: "Upstream STT connection attempts by result",
		}, []string{"result"}),
		RateLimitDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_stt_rate_limited_total",
			Help: "STT connection attempts denied by the governor",
		}, []string{"reason"}),
		STTEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_stt_idle_evictions_total",
			Help: "STT connections force-closed after inactivity",
		}),

		LLMFirstPhrase: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_llm_first_phrase_seconds",
			Help:    "Latency from utterance to the first generated phrase",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		LLMFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_llm_failures_total",
			Help: "Failed or timed-out dialogue generations",
		}),

		TTSDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_tts_synthesis_seconds",
			Help:    "Time spent synthesizing one phrase",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		TTSFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_tts_failures_total",
			Help: "Phrases skipped because synthesis failed",
		}),
		PacketsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_packets_sent_total",
			Help: "Outbound audio packets written to the telephony leg",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStarted increments the session counters
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded decrements active sessions and records duration
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordDroppedUtterance() {
	if m == nil {
		return
	}
	m.DroppedUtterance.Inc()
}

func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordSTTConnect records the outcome of an upstream connection attempt
func (m *Metrics) RecordSTTConnect(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.STTConnects.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRateLimited(reason string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSTTEviction() {
	if m == nil {
		return
	}
	m.STTEvictions.Inc()
}

func (m *Metrics) RecordFirstPhrase(seconds float64) {
	if m == nil {
		return
	}
	m.LLMFirstPhrase.Observe(seconds)
}

func (m *Metrics) RecordLLMFailure() {
	if m == nil {
		return
	}
	m.LLMFailures.Inc()
}

// RecordSynthesis records one synthesis call and whether it failed
func (m *Metrics) RecordSynthesis(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.TTSDuration.Observe(seconds)
	if failed {
		m.TTSFailures.Inc()
	}
}

func (m *Metrics) RecordPacketSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}
