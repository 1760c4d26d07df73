package tileset

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks builds. Every build is counted with result="all" when it
// starts and with its outcome when it ends; latency is only observed for
// builds that ran the engine.
type Metrics struct {
	builds  *prometheus.CounterVec
	latency prometheus.Histogram
	pending prometheus.Gauge
	running prometheus.Gauge
}

// NewMetrics registers the build metrics on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		builds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cartotiler_builds_total",
			Help: "Tileset builds by result.",
		}, []string{"result"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cartotiler_build_duration_seconds",
			Help:    "Wall time of tileset builds, engine included.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "cartotiler_builds_pending",
			Help: "Builds accepted and not yet finished.",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "cartotiler_builds_running",
			Help: "Builds currently running the engine.",
		}),
	}
}

type buildOp struct {
	m     *Metrics
	start time.Time
}

func (m *Metrics) start() *buildOp {
	m.builds.WithLabelValues("all").Inc()
	m.running.Inc()
	return &buildOp{m: m, start: time.Now()}
}

func (op *buildOp) end(err error) {
	op.m.running.Dec()
	op.m.builds.WithLabelValues(resultLabel(err)).Inc()
	if _, invalid := err.(*ValidationError); !invalid {
		op.m.latency.Observe(time.Since(op.start).Seconds())
	}
}

func (m *Metrics) rejected(err error) {
	m.builds.WithLabelValues(resultLabel(err)).Inc()
}
