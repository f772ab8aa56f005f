package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "assistant"

// Metrics holds the engine's counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsClosed  prometheus.Counter
	TokensApplied   prometheus.Counter
	StaleDropped    *prometheus.CounterVec
	StreamErrors    prometheus.Counter
	Uploads         *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
	VoiceConnects   *prometheus.CounterVec
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Chat sessions started.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Chat sessions closed on the history service.",
		}),
		TokensApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_tokens_total",
			Help:      "Tokens appended to assistant messages.",
		}),
		StaleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_dropped_total",
			Help:      "Asynchronous results discarded because their session or connection was superseded.",
		}, []string{"source"}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Completion streams that ended with an error.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_uploads_total",
			Help:      "Attachment uploads by result.",
		}, []string{"result"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_tool_calls_total",
			Help:      "Voice tool calls by outcome.",
		}, []string{"outcome"}),
		VoiceConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_connects_total",
			Help:      "Voice connection attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.SessionsClosed,
			m.TokensApplied,
			m.StaleDropped,
			m.StreamErrors,
			m.Uploads,
			m.ToolCalls,
			m.VoiceConnects,
		)
	}
	return m
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsClosed.Inc()
	}
}

func (m *Metrics) TokenApplied() {
	if m != nil {
		m.TokensApplied.Inc()
	}
}

func (m *Metrics) Stale(source string) {
	if m != nil {
		m.StaleDropped.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) StreamFailed() {
	if m != nil {
		m.StreamErrors.Inc()
	}
}

func (m *Metrics) Upload(result string) {
	if m != nil {
		m.Uploads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ToolCall(outcome string) {
	if m != nil {
		m.ToolCalls.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) VoiceConnect(result string) {
	if m != nil {
		m.VoiceConnects.WithLabelValues(result).Inc()
	}
}
