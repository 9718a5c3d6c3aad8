package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/source"
	"github.com/geoyee/tilevault/internal/stats"
)

// ErrStorage is returned when the destination of a new map cannot be allocated.
var ErrStorage = errors.New("cannot allocate map storage")

// RootResolver allocates the directory of a new map.
type RootResolver interface {
	NewMapFolder() (string, error)
}

// Options of a Downloader.
type Options struct {
	// FetchTimeout bounds each tile fetch; 0 disables it.
	FetchTimeout time.Duration
	Metrics      *stats.Metrics
	Logger       *zap.Logger
}

// Downloader runs download jobs end to end.
type Downloader struct {
	resolver RootResolver
	source   source.TileSource
	builder  *pyramid.Builder
	ledger   *ledger.Ledger
	opts     Options
	logger   *zap.Logger
}

func NewDownloader(resolver RootResolver, src source.TileSource, builder *pyramid.Builder, l *ledger.Ledger, opts Options) *Downloader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		resolver: resolver,
		source:   src,
		builder:  builder,
		ledger:   l,
		opts:     opts,
		logger:   logger.Named("download"),
	}
}

// StartDownload downloads job into a fresh map root. Progress is published to feed,
// which may be nil and is closed once the workers have stopped.
//
// Tile failures never fail the job; they are counted in the outcome. A cancelled
// job still persists its descriptor and returns a partial outcome with Cancelled set.
func (d *Downloader) StartDownload(ctx context.Context, job *model.DownloadJob, feed *ProgressFeed) (*model.DownloadOutcome, error) {
	if feed != nil {
		defer feed.close()
	}

	root, err := d.resolver.NewMapFolder()
	if err != nil {
		d.opts.Metrics.JobFinished("failed")
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := pyramid.MarkPending(root); err != nil {
		d.opts.Metrics.JobFinished("failed")
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	family, err := source.Lookup(job.Source.Family)
	if err != nil {
		family, _ = source.Lookup(source.FamilyGeneric)
	}
	workers := job.WorkerCount
	if workers <= 0 {
		workers = DefaultWorkers
	}
	workers = family.Workers(workers)

	logger := d.logger.With(zap.String("root", root), zap.String("source", job.Source.Family))
	logger.Info("download started",
		zap.Int64("tiles", job.TotalTiles),
		zap.Int("workers", workers),
		zap.Int("min_level", job.MinLevel),
		zap.Int("max_level", job.MaxLevel))

	monitor := stats.NewStatsMonitor(job.TotalTiles, d.opts.Metrics, logger)
	monitor.StartMonitoring()

	seq := NewSequencer(ctx, job.Tiles, job.TotalTiles, feed)
	pool := NewWorkerPool(workers, d.opts.FetchTimeout, monitor, logger)
	missing := pool.Run(ctx, seq, d.source, pyramid.NewTileWriter(root, family.Tag))

	monitor.StopMonitoring()
	monitor.LogFinalStats()
	if feed != nil {
		feed.close()
	}

	cancelled := ctx.Err() != nil
	desc, err := d.builder.Build(job, root, missing)
	if err != nil {
		d.opts.Metrics.JobFinished("failed")
		return nil, fmt.Errorf("build map descriptor: %w", err)
	}

	m := model.NewMap(desc, root)
	outcome := &model.DownloadOutcome{
		DestinationRoot:  root,
		MissingTileCount: missing,
		Cancelled:        cancelled,
		Map:              m,
	}

	if cancelled {
		m.SetDownloadPending(true)
		d.opts.Metrics.JobFinished("cancelled")
		logger.Info("download cancelled", zap.Int64("missing", missing))
		return outcome, nil
	}

	if err := d.ledger.RecordDownload(m, missing); err != nil {
		m.SetDownloadPending(true)
		logger.Warn("cannot record download", zap.Error(err))
	}
	if missing > 0 {
		d.opts.Metrics.JobFinished("partial")
	} else {
		d.opts.Metrics.JobFinished("complete")
	}
	return outcome, nil
}
