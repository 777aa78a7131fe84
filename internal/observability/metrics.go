package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	KnownDevices        prometheus.Gauge
	ActiveTransfers     prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Recordings          *prometheus.CounterVec
	PipelineRuns        *prometheus.CounterVec
	SegmentsProduced    *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	PushTransfers       *prometheus.CounterVec
	Interrupts          prometheus.Counter
	ForwardAttempts     *prometheus.CounterVec
	FirstSegmentLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		KnownDevices: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_devices",
			Help:      "Number of devices tracked by the session registry.",
		}),
		ActiveTransfers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_push_transfers",
			Help:      "Number of push transfers currently writing to devices.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Device session status transitions by target status.",
		}, []string{"status"}),
		Recordings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Ingested recordings by outcome.",
		}, []string{"outcome"}),
		PipelineRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		SegmentsProduced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_produced_total",
			Help:      "Synthesized audio segments by mode.",
		}, []string{"mode"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External service errors by service.",
		}, []string{"service"}),
		PushTransfers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_transfers_total",
			Help:      "Push transfers by outcome.",
		}, []string{"outcome"}),
		Interrupts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Interrupt requests received.",
		}),
		ForwardAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "Recording metadata forwarding attempts by outcome.",
		}, []string{"outcome"}),
		FirstSegmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_segment_latency_ms",
			Help:      "Latency from recording hand-off to the first synthesized segment in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2000, 3000, 5000, 8000},
		}),
	}
}

func (m *Metrics) ObserveFirstSegmentLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstSegmentLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
