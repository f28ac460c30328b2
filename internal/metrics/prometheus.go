package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives refresh engine measurements.
type Recorder interface {
	RecordOutcome(outcome string)
	RecordPage(items int, duration time.Duration)
	RecordScanFailure()
	RecordSweep(processed, updated, unchanged, skipped, failed int, duration time.Duration)
}

// PrometheusCollector implements Recorder backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	outcomes      *prometheus.CounterVec
	pages         prometheus.Counter
	scanFailures  prometheus.Counter
	pageDuration  prometheus.Histogram
	sweeps        prometheus.Counter
	sweepDuration prometheus.Histogram
	lastSweep     *prometheus.GaugeVec
}

var _ Recorder = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registered lazily on first use. A nil registerer
// means prometheus.DefaultRegisterer; an empty namespace means "ratings".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ratings"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "records_total",
			Help:      "Records processed by outcome (updated,unchanged,skipped,failed).",
		}, []string{"outcome"})

		p.pages = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "pages_total",
			Help:      "Total pages scanned from the record store.",
		})

		p.scanFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "scan_failures_total",
			Help:      "Total failed page scans.",
		})

		p.pageDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "page_duration_seconds",
			Help:      "Time spent processing one page, excluding pacing.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		})

		p.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "sweeps_total",
			Help:      "Total completed sweeps.",
		})

		p.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "sweep_duration_seconds",
			Help:      "Wall-clock duration of completed sweeps, excluding the trailing pace delay.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		})

		p.lastSweep = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "refresh",
			Name:      "last_sweep_records",
			Help:      "Record counts of the most recent completed sweep by outcome.",
		}, []string{"outcome"})

		p.reg.MustRegister(p.outcomes)
		p.reg.MustRegister(p.pages)
		p.reg.MustRegister(p.scanFailures)
		p.reg.MustRegister(p.pageDuration)
		p.reg.MustRegister(p.sweeps)
		p.reg.MustRegister(p.sweepDuration)
		p.reg.MustRegister(p.lastSweep)
	})
}

func (p *PrometheusCollector) RecordOutcome(outcome string) {
	p.ensureRegistered()
	p.outcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordPage(_ int, duration time.Duration) {
	p.ensureRegistered()
	p.pages.Inc()
	p.pageDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordScanFailure() {
	p.ensureRegistered()
	p.scanFailures.Inc()
}

func (p *PrometheusCollector) RecordSweep(processed, updated, unchanged, skipped, failed int, duration time.Duration) {
	p.ensureRegistered()
	p.sweeps.Inc()
	p.sweepDuration.Observe(duration.Seconds())
	p.lastSweep.WithLabelValues("processed").Set(float64(processed))
	p.lastSweep.WithLabelValues("updated").Set(float64(updated))
	p.lastSweep.WithLabelValues("unchanged").Set(float64(unchanged))
	p.lastSweep.WithLabelValues("skipped").Set(float64(skipped))
	p.lastSweep.WithLabelValues("failed").Set(float64(failed))
}
