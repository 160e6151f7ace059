package ops

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/integrahub/docflow/internal/pipeline"
)

// Metrics owns the Prometheus registry and the pipeline instruments.
type Metrics struct {
	registry *prometheus.Registry

	processed *prometheus.CounterVec
	duration  prometheus.Histogram
	lines     prometheus.Counter
	batchSize prometheus.Gauge
	queueMsgs prometheus.Gauge
	breakers  *prometheus.GaugeVec
	wsClients prometheus.GaugeFunc
}

func NewMetrics(hub *Hub) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow", Name: "documents_processed_total",
			Help: "Documents by terminal status and error kind.",
		}, []string{"status", "kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docflow", Name: "document_duration_seconds",
			Help:    "End-to-end processing time per document.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow", Name: "lines_persisted_total",
			Help: "Line entities written across all documents.",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docflow", Name: "batch_size",
			Help: "Current adaptive line-insert batch size.",
		}),
		queueMsgs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docflow", Name: "queue_depth",
			Help: "Messages waiting across the inbound priority queues.",
		}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docflow", Name: "breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
	}
	if hub != nil {
		m.wsClients = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "docflow", Name: "dashboard_clients",
			Help: "Connected websocket dashboard clients.",
		}, func() float64 { return float64(hub.ClientCount()) })
	}

	m.registry.MustRegister(m.processed, m.duration, m.lines, m.batchSize, m.queueMsgs, m.breakers)
	if m.wsClients != nil {
		m.registry.MustRegister(m.wsClients)
	}
	return m
}

// ObserveOutcome records one pipeline outcome.
func (m *Metrics) ObserveOutcome(o pipeline.Outcome) {
	m.processed.WithLabelValues(o.Status, string(o.Kind)).Inc()
	m.duration.Observe(o.Elapsed.Seconds())
	if o.LineCount > 0 {
		m.lines.Add(float64(o.LineCount))
	}
}

// SetBatchSize mirrors the adaptive batch size.
func (m *Metrics) SetBatchSize(n int) { m.batchSize.Set(float64(n)) }

// SetQueueDepth mirrors the broker backlog.
func (m *Metrics) SetQueueDepth(n int) { m.queueMsgs.Set(float64(n)) }

// SetBreakerState mirrors one breaker's state by name.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakers.WithLabelValues(name).Set(float64(state))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
