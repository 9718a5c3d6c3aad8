// Package discovery finds maps on disk: by their descriptor (Scanner) or by
// inferring a pyramid from a bare directory tree (Seeker).
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geoyee/tilevault/internal/descriptor"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/stats"
)

// MaxScanDepth is the number of directory levels, the root included, searched
// for descriptors.
const MaxScanDepth = 3

// Scanner discovers maps that carry a descriptor.
type Scanner struct {
	store    *descriptor.Store
	ledger   *ledger.Ledger
	registry *registry.Table
	metrics  *stats.Metrics
	logger   *zap.Logger
	// Parallelism bounds concurrent descriptor parsing.
	Parallelism int
}

// NewScanner creates a scanner. ledger and metrics may be nil.
func NewScanner(store *descriptor.Store, l *ledger.Ledger, reg *registry.Table, metrics *stats.Metrics, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		store:       store,
		ledger:      l,
		registry:    reg,
		metrics:     metrics,
		logger:      logger.Named("scanner"),
		Parallelism: runtime.GOMAXPROCS(0),
	}
}

// DiscoverMaps returns the maps found under roots, in discovery order. Maps whose
// descriptor cannot be parsed are logged and skipped.
func (s *Scanner) DiscoverMaps(ctx context.Context, roots []string) []*model.Map {
	var mapRoots []string
	seen := make(map[string]bool)
	for _, root := range roots {
		for _, dir := range s.findMapRoots(ctx, root, 0) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				abs = dir
			}
			if !seen[abs] {
				seen[abs] = true
				mapRoots = append(mapRoots, dir)
			}
		}
	}

	found := make([]*model.Map, len(mapRoots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Parallelism))
	for i, dir := range mapRoots {
		i, dir := i, dir
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			found[i] = s.loadMap(dir)
			return nil
		})
	}
	g.Wait()

	maps := make([]*model.Map, 0, len(found))
	for _, m := range found {
		if m != nil {
			maps = append(maps, m)
		}
	}
	s.metrics.MapsDiscovered("descriptor", len(maps))
	s.logger.Info("discovery finished", zap.Int("maps", len(maps)), zap.Int("candidates", len(mapRoots)))
	return maps
}

// findMapRoots walks dir depth first. A directory with a descriptor is a map root
// and is not descended into.
func (s *Scanner) findMapRoots(ctx context.Context, dir string, depth int) []string {
	if ctx.Err() != nil {
		return nil
	}
	if s.store.Exists(dir) {
		return []string{dir}
	}
	if depth+1 >= MaxScanDepth {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	var roots []string
	for _, e := range entries {
		if e.IsDir() {
			roots = append(roots, s.findMapRoots(ctx, filepath.Join(dir, e.Name()), depth+1)...)
		}
	}
	return roots
}

func (s *Scanner) loadMap(root string) *model.Map {
	desc, err := s.store.Load(root)
	if err != nil {
		s.logger.Warn("skipping map", zap.String("root", root), zap.Error(err))
		return nil
	}
	m := model.NewMap(desc, root)
	enrich(m, root, s.ledger, s.logger)
	if s.registry != nil {
		s.registry.Set(desc.ID, root)
	}
	return m
}

// enrich applies the side files of root to m.
func enrich(m *model.Map, root string, l *ledger.Ledger, logger *zap.Logger) {
	props, err := readProperties(root)
	switch {
	case err == nil:
		m.SetSizeInBytes(props.SizeInBytes)
		m.SetElevationFix(props.ElevationFix)
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("cannot read properties", zap.String("root", root), zap.Error(err))
	}

	m.SetDownloadPending(pyramid.IsPending(root))

	if l != nil {
		if _, err := l.Load(m); err != nil {
			logger.Warn("cannot load ledger", zap.String("root", root), zap.Error(err))
		}
	}
}

func readProperties(root string) (*model.Properties, error) {
	data, err := os.ReadFile(filepath.Join(root, pyramid.PropertiesFile))
	if err != nil {
		return nil, err
	}
	var props model.Properties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}
