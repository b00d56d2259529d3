// Package metrics provides Prometheus instrumentation for the diagnoser.
//
// Metrics exposed:
//   - turbowatch_predict_seconds: Histogram of scaling plus both decay predictions
//   - turbowatch_evaluate_seconds: Histogram of threshold rule evaluation
//   - turbowatch_diagnose_seconds: Histogram of end-to-end message processing
//   - turbowatch_messages_total: Counter of inbound messages by kind
//   - turbowatch_violations_total: Counter of threshold violations by sensor
//   - turbowatch_errors_total: Counter of errors by component and reason
//   - turbowatch_connected_clients: Gauge of open websocket connections
//   - turbowatch_history_entries: Gauge of entries in the history window
//   - turbowatch_predicted_decay: Gauge of the latest decay estimate by subsystem
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the diagnoser.
type Metrics struct {
	PredictSeconds   prometheus.Histogram
	EvaluateSeconds  prometheus.Histogram
	DiagnoseSeconds  prometheus.Histogram
	MessagesTotal    *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	ConnectedClients prometheus.Gauge
	HistoryEntries   prometheus.Gauge
	PredictedDecay   *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func New(reg prometheus.Registerer, model string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PredictSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "turbowatch_predict_seconds",
			Help:        "Time spent scaling features and predicting decay",
			ConstLabels: prometheus.Labels{"model": model},
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),

		EvaluateSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turbowatch_evaluate_seconds",
			Help:    "Time spent evaluating threshold rules",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),

		DiagnoseSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turbowatch_diagnose_seconds",
			Help:    "End-to-end time to diagnose one telemetry message",
			Buckets: prometheus.DefBuckets,
		}),

		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbowatch_messages_total",
			Help: "Total inbound websocket messages by kind",
		}, []string{"kind"}),

		ViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbowatch_violations_total",
			Help: "Total threshold violations by sensor",
		}, []string{"sensor"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbowatch_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "turbowatch_connected_clients",
			Help: "Number of open websocket connections",
		}),

		HistoryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "turbowatch_history_entries",
			Help: "Number of entries in the rolling history window",
		}),

		PredictedDecay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbowatch_predicted_decay",
			Help: "Latest predicted decay coefficient by subsystem",
		}, []string{"subsystem"}),
	}
}

// RecordPredict records the time spent predicting.
func (m *Metrics) RecordPredict(seconds float64) {
	m.PredictSeconds.Observe(seconds)
}

// RecordEvaluate records the time spent evaluating rules.
func (m *Metrics) RecordEvaluate(seconds float64) {
	m.EvaluateSeconds.Observe(seconds)
}

// RecordDiagnose records the end-to-end processing time.
func (m *Metrics) RecordDiagnose(seconds float64) {
	m.DiagnoseSeconds.Observe(seconds)
}

// RecordViolation increments the violation counter for sensor.
func (m *Metrics) RecordViolation(sensor string) {
	m.ViolationsTotal.WithLabelValues(sensor).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

// SetHistoryEntries sets the history window size.
func (m *Metrics) SetHistoryEntries(n int) {
	m.HistoryEntries.Set(float64(n))
}

// SetPredictedDecay sets the latest decay estimates.
func (m *Metrics) SetPredictedDecay(compressor, turbine float64) {
	m.PredictedDecay.WithLabelValues("compressor").Set(compressor)
	m.PredictedDecay.WithLabelValues("turbine").Set(turbine)
}

// ClientConnected increments the connected clients gauge.
func (m *Metrics) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected decrements the connected clients gauge.
func (m *Metrics) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// Message counts one inbound message of the given kind.
func (m *Metrics) Message(kind string) {
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

// TransportError counts a connection-level failure.
func (m *Metrics) TransportError(reason string) {
	m.RecordError("transport", reason)
}
