package stats

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoyee/tilevault/internal/util"
)

func TestMonitorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil)
	sm := NewStatsMonitor(4, metrics, nil)

	sm.WorkerStarted()
	sm.TileWritten(1000)
	sm.TileWritten(3000)
	sm.TileMissing(util.ReasonAbsent, nil)
	sm.TileMissing(util.ReasonWrite, errors.New("disk full"))
	sm.WorkerStopped()

	s := sm.GetStats()
	assert.Equal(t, int64(2), s.Written.Load())
	assert.Equal(t, int64(2), s.Missing.Load())
	assert.Equal(t, int64(4000), s.BytesTotal.Load())
	assert.Equal(t, int64(4), s.Processed())
	assert.Equal(t, int32(0), s.ActiveWorkers.Load())
	assert.Equal(t, map[string]int{util.ReasonAbsent: 1, util.ReasonWrite: 1}, sm.Errors().ReasonCounts())

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.tilesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tilesMissing.WithLabelValues(util.ReasonWrite)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.activeWorkers))

	sm.LogFinalStats()
}

func TestNilMetrics(t *testing.T) {
	sm := NewStatsMonitor(1, nil, nil)
	sm.TileWritten(10)
	sm.TileMissing(util.ReasonFetch, nil)

	var m *Metrics
	m.JobFinished("complete")
	m.MapsDiscovered("seek", 1)
}

func TestJobAndDiscoveryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil)

	metrics.JobFinished("partial")
	metrics.MapsDiscovered("descriptor", 3)
	metrics.MapsDiscovered("descriptor", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.jobs.WithLabelValues("partial")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.mapsDiscovered.WithLabelValues("descriptor")))

	// A second registration on the same registry is logged, not fatal.
	require.NotNil(t, NewMetrics(reg, nil))
}

func TestStopMonitoringTwice(t *testing.T) {
	sm := NewStatsMonitor(10, nil, nil)
	sm.StartMonitoring()
	sm.StopMonitoring()
	sm.StopMonitoring()
}
