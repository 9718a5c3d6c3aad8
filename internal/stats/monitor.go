// Package stats tracks the progress of a download job for logs and metrics.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/util"
)

// SpeedRecord is one throughput sample.
type SpeedRecord struct {
	Time  time.Time
	Speed float64
	Count int64
}

// JobStats are the live counters of a job.
type JobStats struct {
	Total         int64
	Written       atomic.Int64
	Missing       atomic.Int64
	BytesTotal    atomic.Int64
	ActiveWorkers atomic.Int32
	StartTime     time.Time
	SpeedHistory  []SpeedRecord
}

// Processed is the number of tiles written or given up on.
func (s *JobStats) Processed() int64 {
	return s.Written.Load() + s.Missing.Load()
}

// StatsMonitor aggregates per-tile events of one job and logs progress periodically.
type StatsMonitor struct {
	stats      *JobStats
	errors     *util.ErrorStats
	metrics    *Metrics
	logger     *zap.Logger
	interval   time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
	speedMutex sync.RWMutex
}

// NewStatsMonitor creates a monitor for a job of total tiles. metrics may be nil.
func NewStatsMonitor(total int64, metrics *Metrics, logger *zap.Logger) *StatsMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsMonitor{
		stats: &JobStats{
			Total:        total,
			StartTime:    time.Now(),
			SpeedHistory: make([]SpeedRecord, 0, 100),
		},
		errors:   util.NewErrorStats(),
		metrics:  metrics,
		logger:   logger.Named("stats"),
		interval: 10 * time.Second,
		stopChan: make(chan struct{}),
	}
}

func (sm *StatsMonitor) GetStats() *JobStats {
	return sm.stats
}

func (sm *StatsMonitor) Errors() *util.ErrorStats {
	return sm.errors
}

// TileWritten records a tile written with a payload of size bytes.
func (sm *StatsMonitor) TileWritten(size int) {
	sm.stats.Written.Add(1)
	sm.stats.BytesTotal.Add(int64(size))
	sm.metrics.tileWritten(size)
}

// TileMissing records a tile given up on for reason. err may be nil.
func (sm *StatsMonitor) TileMissing(reason string, err error) {
	sm.stats.Missing.Add(1)
	sm.errors.RecordFailure(reason, err)
	sm.metrics.tileMissing(reason)
}

func (sm *StatsMonitor) WorkerStarted() {
	sm.stats.ActiveWorkers.Add(1)
	sm.metrics.workerDelta(1)
}

func (sm *StatsMonitor) WorkerStopped() {
	sm.stats.ActiveWorkers.Add(-1)
	sm.metrics.workerDelta(-1)
}

func (sm *StatsMonitor) StartMonitoring() {
	go sm.MonitorStats()
}

// StopMonitoring stops the periodic log. It may be called more than once.
func (sm *StatsMonitor) StopMonitoring() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })
}

func (sm *StatsMonitor) MonitorStats() {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	var lastWritten, lastBytes int64
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			duration := now.Sub(lastTime).Seconds()
			written := sm.stats.Written.Load()
			bytes := sm.stats.BytesTotal.Load()

			var speed, countSpeed float64
			if duration > 0 {
				speed = float64(bytes-lastBytes) / 1024 / duration
				countSpeed = float64(written-lastWritten) / duration
			}

			sm.speedMutex.Lock()
			sm.stats.SpeedHistory = append(sm.stats.SpeedHistory, SpeedRecord{Time: now, Speed: speed, Count: int64(countSpeed)})
			if len(sm.stats.SpeedHistory) > 100 {
				sm.stats.SpeedHistory = sm.stats.SpeedHistory[1:]
			}
			sm.speedMutex.Unlock()

			processed := sm.stats.Processed()
			sm.logger.Info("progress",
				zap.Int64("processed", processed),
				zap.Int64("total", sm.stats.Total),
				zap.Float64("kib_per_sec", speed),
				zap.Float64("tiles_per_sec", countSpeed),
				zap.Int32("active_workers", sm.stats.ActiveWorkers.Load()),
				zap.Int64("written", written),
				zap.Int64("missing", sm.stats.Missing.Load()))

			lastWritten, lastBytes, lastTime = written, bytes, now
			if processed >= sm.stats.Total {
				return
			}
		case <-sm.stopChan:
			return
		}
	}
}

// LogFinalStats logs the job summary, including missing tiles by reason.
func (sm *StatsMonitor) LogFinalStats() {
	duration := time.Since(sm.stats.StartTime)
	fields := []zap.Field{
		zap.Duration("elapsed", duration.Round(time.Millisecond)),
		zap.Int64("total", sm.stats.Total),
		zap.Int64("written", sm.stats.Written.Load()),
		zap.Int64("missing", sm.stats.Missing.Load()),
		zap.Int64("bytes", sm.stats.BytesTotal.Load()),
	}
	if secs := duration.Seconds(); secs > 0 {
		fields = append(fields, zap.Float64("tiles_per_sec", float64(sm.stats.Written.Load())/secs))
	}
	sm.logger.Info("download finished", fields...)

	if sm.errors.HasErrors() {
		sm.logger.Info("missing tiles by reason", zap.Any("reasons", sm.errors.ReasonCounts()))
		for msg, count := range sm.errors.GetErrorStats() {
			sm.logger.Debug("tile error", zap.String("error", msg), zap.Int("count", count))
		}
	}
}
