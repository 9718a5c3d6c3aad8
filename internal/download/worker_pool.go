// Package download 执行下载任务：从序列器取瓦片，从瓦片源获取后交给写入器
package download

import (
	"bytes"
	"context"
	"errors"
	"image"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/source"
	"github.com/geoyee/tilevault/internal/stats"
	"github.com/geoyee/tilevault/internal/util"
)

// DefaultWorkers 未指定时的默认工作协程数
const DefaultWorkers = 8

// TileWriter 保存解码后的瓦片
type TileWriter interface {
	Write(t model.Tile, img image.Image) error
}

// WorkerPool 并发下载一个任务的瓦片
type WorkerPool struct {
	workers      int
	fetchTimeout time.Duration
	monitor      *stats.StatsMonitor
	logger       *zap.Logger
}

// NewWorkerPool 创建工作池，fetchTimeout 为0时单次获取一直阻塞到任务取消
func NewWorkerPool(workers int, fetchTimeout time.Duration, monitor *stats.StatsMonitor, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{workers: workers, fetchTimeout: fetchTimeout, monitor: monitor, logger: logger}
}

// Run 取完 seq 中的瓦片，所有工作协程退出后返回，返回的缺失数即最终结果。
// 取消 ctx 后工作协程在下一次获取或写入前停止，已写入的瓦片保留在磁盘上
func (wp *WorkerPool) Run(ctx context.Context, seq *Sequencer, src source.TileSource, w TileWriter) int64 {
	var g errgroup.Group
	for i := 0; i < wp.workers; i++ {
		g.Go(func() error {
			wp.monitor.WorkerStarted()
			defer wp.monitor.WorkerStopped()
			wp.work(ctx, seq, src, w)
			return nil
		})
	}
	g.Wait()
	return wp.monitor.GetStats().Missing.Load()
}

func (wp *WorkerPool) work(ctx context.Context, seq *Sequencer, src source.TileSource, w TileWriter) {
	for {
		if ctx.Err() != nil {
			return
		}
		tile, ok := seq.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}

		data, err := wp.fetch(ctx, src, tile)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			reason := util.ReasonFetch
			if errors.Is(err, context.DeadlineExceeded) {
				reason = util.ReasonTimeout
			}
			wp.missing(tile, reason, err)
			continue
		}
		if data == nil {
			wp.missing(tile, util.ReasonAbsent, nil)
			continue
		}

		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			wp.missing(tile, util.ReasonDecode, err)
			continue
		}
		if err := w.Write(tile, img); err != nil {
			wp.missing(tile, util.ReasonWrite, err)
			continue
		}
		wp.monitor.TileWritten(len(data))
	}
}

func (wp *WorkerPool) fetch(ctx context.Context, src source.TileSource, t model.Tile) ([]byte, error) {
	if wp.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.fetchTimeout)
		defer cancel()
	}
	return src.Fetch(ctx, t.Row, t.Col, t.Level)
}

func (wp *WorkerPool) missing(t model.Tile, reason string, err error) {
	wp.monitor.TileMissing(reason, err)
	wp.logger.Debug("tile missing",
		zap.String("tile", util.GenerateTileKey(t.Level, t.Col, t.Row)),
		zap.String("reason", reason),
		zap.Error(err))
}
