package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	RuntimeState   *prometheus.GaugeVec
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
	BackendLatency prometheus.Histogram
	ChatFrames     *prometheus.CounterVec
	WebhookUpdates *prometheus.CounterVec

	window *latencyWindow
}

// NewMetrics registers the instruments on a fresh registry when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RuntimeState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_state",
			Help:      "1 for the chat runtime's current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of in-memory conversation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Conversation session events by type.",
		}, []string{"event"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Dispatched chat commands by name and outcome.",
		}, []string{"command", "outcome"}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "AI backend failures by backend and kind.",
		}, []string{"backend", "kind"}),
		BackendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_ms",
			Help:      "AI backend call latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		ChatFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_frames_total",
			Help:      "Chat bridge frames by direction and type.",
		}, []string{"direction", "type"}),
		WebhookUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_updates_total",
			Help:      "Webhook updates by content kind and outcome.",
		}, []string{"kind", "outcome"}),
		window: newLatencyWindow(256),
	}
}

// SetRuntimeState flips the state gauge so exactly one state reads 1.
func (m *Metrics) SetRuntimeState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.RuntimeState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveBackendLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.BackendLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageBackendCall, d)
}

func (m *Metrics) ObserveBackendError(backend, kind string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend, kind).Inc()
}

func (m *Metrics) ObserveCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveChatFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.ChatFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) ObserveWebhookUpdate(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookUpdates.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, d)
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.window.ObserveOutcome(outcome)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.window.Snapshot()
}

// MetricsHandler serves the registry the metrics were created on. Passing
// the default gatherer exposes process metrics as well.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
