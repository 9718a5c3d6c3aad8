// Package engine assembles the download pipeline and the map store from a
// configuration. Both binaries drive the engine through it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/calculator"
	"github.com/geoyee/tilevault/internal/client"
	"github.com/geoyee/tilevault/internal/config"
	"github.com/geoyee/tilevault/internal/descriptor"
	"github.com/geoyee/tilevault/internal/discovery"
	"github.com/geoyee/tilevault/internal/download"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/source"
	"github.com/geoyee/tilevault/internal/stats"
	"github.com/geoyee/tilevault/internal/util"
)

// DefaultTileSize is the pixel size of downloaded tiles.
const DefaultTileSize = 256

// ErrInvalidRequest is returned for download requests missing required fields.
var ErrInvalidRequest = errors.New("invalid download request")

// DownloadRequest describes a download in user terms.
type DownloadRequest struct {
	// Source is an XYZ URL template, or a bucket URL (file://, s3://, gs://, azblob://).
	Source string `json:"source"`
	// KeyTemplate locates tiles inside a bucket source.
	KeyTemplate string `json:"key_template,omitempty"`
	Family      string `json:"family,omitempty"`
	Layer       string `json:"layer,omitempty"`
	Licensed    bool   `json:"licensed,omitempty"`

	Bound    orb.Bound `json:"-"`
	MinZoom  int       `json:"min_zoom"`
	MaxZoom  int       `json:"max_zoom"`
	TileSize int       `json:"tile_size,omitempty"`
	Workers  int       `json:"workers,omitempty"`
}

// Engine holds the long-lived components shared by every operation.
type Engine struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *stats.Metrics
	Registry *registry.Table
	Store    *descriptor.Store
	Ledger   *ledger.Ledger
	Scanner  *discovery.Scanner
	Seeker   *discovery.Seeker

	builder    *pyramid.Builder
	resolver   download.RootResolver
	calculator *calculator.TileCalculator
}

// New builds an engine. Metrics are registered on reg when it is not nil.
func New(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var metrics *stats.Metrics
	if reg != nil {
		metrics = stats.NewMetrics(reg, logger)
	}
	table := registry.New()
	store := descriptor.NewStore(logger)
	l := ledger.New(table, logger)

	return &Engine{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Registry:   table,
		Store:      store,
		Ledger:     l,
		Scanner:    discovery.NewScanner(store, l, table, metrics, logger),
		Seeker:     discovery.NewSeeker(store, l, table, metrics, logger),
		builder:    pyramid.NewBuilder(store, table, logger),
		resolver:   &pyramid.TimestampResolver{AppDir: cfg.AppDir},
		calculator: calculator.NewTileCalculator(),
	}, nil
}

// Plan validates req and returns its download job.
func (e *Engine) Plan(req *DownloadRequest) (*model.DownloadJob, error) {
	if req.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	family := req.Family
	if family == "" {
		family = source.FamilyGeneric
	}
	if _, err := source.Lookup(family); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	tileSize := req.TileSize
	if tileSize == 0 {
		tileSize = DefaultTileSize
	}
	workers := req.Workers
	if workers <= 0 {
		workers = e.Config.Workers
	}

	plan, err := e.calculator.Plan(req.Bound, req.MinZoom, req.MaxZoom, tileSize)
	if err != nil {
		return nil, err
	}
	ref := model.SourceRef{Family: family, Layer: req.Layer, Licensed: req.Licensed}
	return plan.Job(ref, workers), nil
}

// Download plans req and runs it to completion. feed may be nil.
func (e *Engine) Download(ctx context.Context, req *DownloadRequest, feed *download.ProgressFeed) (*model.DownloadOutcome, error) {
	job, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	src, closer, err := e.OpenSource(ctx, req.Source, req.KeyTemplate)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	d := download.NewDownloader(e.resolver, src, e.builder, e.Ledger, download.Options{
		FetchTimeout: e.Config.FetchTimeout,
		Metrics:      e.Metrics,
		Logger:       e.Logger,
	})
	return d.StartDownload(ctx, job, feed)
}

// OpenSource opens location as a tile source. http(s) locations are URL templates;
// other schemes are opened as buckets, keyed by keyTemplate.
func (e *Engine) OpenSource(ctx context.Context, location, keyTemplate string) (source.TileSource, io.Closer, error) {
	if !IsBucketURL(location) {
		c, err := client.NewHTTPClient(e.Config.HTTPClient(), e.Logger)
		if err != nil {
			return nil, nil, err
		}
		if err := c.TestProxyConnection(ctx, util.GetTileURL(location, 0, 0, 0)); err != nil {
			e.Logger.Warn("proxy check failed", zap.String("proxy", e.Config.ProxyURL), zap.Error(err))
		}
		src := source.NewHTTPSource(c, source.HTTPOptions{
			URLTemplate: location,
			RateLimit:   e.Config.RateLimit,
			Retries:     e.Config.Retries,
			MinFileSize: e.Config.MinFileSize,
			MaxFileSize: e.Config.MaxFileSize,
		}, e.Logger)
		return src, nopCloser{}, nil
	}

	if keyTemplate == "" {
		keyTemplate = "{z}/{x}/{y}"
	}
	src, err := source.OpenBucket(ctx, location, "", keyTemplate, e.Logger)
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// IsBucketURL reports whether location names a bucket rather than an HTTP template.
func IsBucketURL(location string) bool {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Scheme != "http" && u.Scheme != "https"
}

// Discover returns the maps carrying a descriptor under roots.
func (e *Engine) Discover(ctx context.Context, roots []string) []*model.Map {
	return e.Scanner.DiscoverMaps(ctx, roots)
}

// Seek finds or infers the map containing folder.
func (e *Engine) Seek(ctx context.Context, folder string) (*model.Map, discovery.Status, error) {
	m, err := e.Seeker.Seek(ctx, folder)
	return m, e.Seeker.Status(), err
}

// OpenMap loads the map at root with its ledger applied.
func (e *Engine) OpenMap(root string) (*model.Map, error) {
	desc, err := e.Store.Load(root)
	if err != nil {
		return nil, err
	}
	m := model.NewMap(desc, root)
	e.Registry.Set(desc.ID, root)
	if _, err := e.Ledger.Load(m); err != nil {
		return nil, err
	}
	m.SetDownloadPending(pyramid.IsPending(root))
	return m, nil
}

// RecordRepair stores the outcome of a repair of the map at root.
func (e *Engine) RecordRepair(root string, missing int64) (*model.Map, error) {
	m, err := e.OpenMap(root)
	if err != nil {
		return nil, err
	}
	return m, e.Ledger.RecordRepair(m, missing, time.Now())
}

// RecordUpdate stores the outcome of an update of the map at root.
func (e *Engine) RecordUpdate(root string, missing int64) (*model.Map, error) {
	m, err := e.OpenMap(root)
	if err != nil {
		return nil, err
	}
	return m, e.Ledger.RecordUpdate(m, missing, time.Now())
}

// DeleteMap removes the map at root from disk and from the ownership table.
func (e *Engine) DeleteMap(root string) error {
	desc, err := e.Store.Load(root)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("delete %s: %w", root, err)
	}
	e.Registry.Remove(desc.ID)
	e.Logger.Info("map deleted", zap.String("root", root), zap.Stringer("id", desc.ID))
	return nil
}

// ParseBBox parses "min_lon,min_lat,max_lon,max_lat".
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want min_lon,min_lat,max_lon,max_lat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
