package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "tilevault"

// Metrics are the prometheus collectors of the engine. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tilesWritten   prometheus.Counter
	tilesMissing   *prometheus.CounterVec
	tileSize       prometheus.Histogram
	activeWorkers  prometheus.Gauge
	jobs           *prometheus.CounterVec
	mapsDiscovered *prometheus.CounterVec
}

func register[K prometheus.Collector](reg prometheus.Registerer, logger *zap.Logger, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Warn("cannot register metric", zap.Error(err))
	}
	return metric
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	kib := 1024.0
	return &Metrics{
		tilesWritten: register(reg, logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_written_total",
			Help:      "Tiles written to disk",
		})),
		tilesMissing: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_missing_total",
			Help:      "Tiles that could not be obtained, by reason",
		}, []string{"reason"})),
		tileSize: register(reg, logger, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_size_bytes",
			Help:      "Size of fetched tile payloads",
			Buckets:   []float64{1 * kib, 5 * kib, 10 * kib, 25 * kib, 50 * kib, 100 * kib, 250 * kib, 500 * kib},
		})),
		activeWorkers: register(reg, logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Download workers currently running",
		})),
		jobs: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Download jobs by result",
		}, []string{"result"})),
		mapsDiscovered: register(reg, logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maps_discovered_total",
			Help:      "Maps found on disk, by discovery path",
		}, []string{"path"})),
	}
}

func (m *Metrics) tileWritten(size int) {
	if m == nil {
		return
	}
	m.tilesWritten.Inc()
	m.tileSize.Observe(float64(size))
}

func (m *Metrics) tileMissing(reason string) {
	if m == nil {
		return
	}
	m.tilesMissing.WithLabelValues(reason).Inc()
}

func (m *Metrics) workerDelta(d float64) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(d)
}

// JobFinished counts a job with result "complete", "partial", "cancelled" or "failed".
func (m *Metrics) JobFinished(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}

// MapsDiscovered counts n maps found by path "descriptor" or "seek".
func (m *Metrics) MapsDiscovered(path string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.mapsDiscovered.WithLabelValues(path).Add(float64(n))
}
