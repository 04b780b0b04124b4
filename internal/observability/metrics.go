// Package observability holds the Prometheus instruments and the rolling
// stage-latency window served by the perf endpoint.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routing stages tracked in the latency window.
const (
	StageClassify    = "classify"
	StageClarify     = "clarify"
	StageDispatch    = "dispatch"
	StageHandleTotal = "handle_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Requests            *prometheus.CounterVec
	Confidence          prometheus.Histogram
	Clarifications      *prometheus.CounterVec
	InferenceFailures   *prometheus.CounterVec
	PartitionErrors     *prometheus.CounterVec
	ActiveConversations prometheus.Gauge
	ConversationEvents  *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	DispatchLatency     *prometheus.HistogramVec

	stages   *stageWindow
	gatherer prometheus.Gatherer
}

// NewMetrics registers instruments on reg. A nil reg uses the default
// registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Handled coordinator requests by capability and classification path.",
		}, []string{"capability", "path"}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "intent_confidence",
			Help:      "Classification confidence per request.",
			Buckets:   []float64{0, 20, 40, 60, 70, 80, 85, 90, 95, 100},
		}),
		Clarifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clarifications_total",
			Help:      "Clarification outcomes: asked, forced, resolved.",
		}, []string{"outcome"}),
		InferenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_failures_total",
			Help:      "Classifier inference failures by reason.",
		}, []string{"reason"}),
		PartitionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_errors_total",
			Help:      "Skipped partitions by name.",
		}, []string{"partition"}),
		ActiveConversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Conversations held by the state store after the last sweep.",
		}),
		ConversationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_events_total",
			Help:      "Conversation store events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DispatchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Capability execution latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}, []string{"capability"}),
		stages:   newStageWindow(256),
		gatherer: gatherer,
	}
}

// ObserveStage records one stage duration in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// ObserveIndicator counts a named event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveDispatch(capability string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.DispatchLatency.WithLabelValues(capability).Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageDispatch, d)
	m.stages.ObserveDispatch(capability, float64(d.Microseconds())/1000, failed)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	m.stages.Reset()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
