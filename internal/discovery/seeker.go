package discovery

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/geoyee/tilevault/internal/descriptor"
	"github.com/geoyee/tilevault/internal/ledger"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/pyramid"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/source"
	"github.com/geoyee/tilevault/internal/stats"
)

const (
	// MaxSeekDepth bounds the search for a first tile.
	MaxSeekDepth = 5
	// ThumbnailSize is the width and height of a thumbnail candidate.
	ThumbnailSize = 256
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true, ".gif": true,
}

// Status of the last seek.
type Status int

const (
	NoMap Status = iota
	ExistingMap
	NewMap
)

func (s Status) String() string {
	switch s {
	case ExistingMap:
		return "existing"
	case NewMap:
		return "new"
	default:
		return "none"
	}
}

// Issue is the reason a seek failed.
type Issue int

const (
	NotADirectory Issue = iota
	NoParentFolderFound
	NoLevelFound
	MapSizeIncorrect
	NoImages
)

func (i Issue) String() string {
	switch i {
	case NotADirectory:
		return "not a directory"
	case NoParentFolderFound:
		return "no parent folder found"
	case NoLevelFound:
		return "no level found"
	case MapSizeIncorrect:
		return "map size incorrect"
	case NoImages:
		return "no images"
	}
	return "unknown issue"
}

// SeekError reports why no map could be inferred from a folder.
type SeekError struct {
	Issue Issue
	Path  string
	Err   error
}

func (e *SeekError) Error() string {
	msg := fmt.Sprintf("seek %s: %s", e.Path, e.Issue)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SeekError) Unwrap() error { return e.Err }

// Is matches any *SeekError with the same Issue.
func (e *SeekError) Is(target error) bool {
	t, ok := target.(*SeekError)
	return ok && t.Issue == e.Issue
}

// Seeker infers maps from directory trees without descriptor. A Seeker handles
// one seek at a time.
type Seeker struct {
	mu       sync.Mutex
	status   Status
	store    *descriptor.Store
	ledger   *ledger.Ledger
	registry *registry.Table
	metrics  *stats.Metrics
	logger   *zap.Logger
}

// NewSeeker creates a seeker. ledger and metrics may be nil.
func NewSeeker(store *descriptor.Store, l *ledger.Ledger, reg *registry.Table, metrics *stats.Metrics, logger *zap.Logger) *Seeker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeker{store: store, ledger: l, registry: reg, metrics: metrics, logger: logger.Named("seeker")}
}

// Status returns the outcome of the last seek.
func (s *Seeker) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Seek finds the pyramid under folder. An existing descriptor is reused; otherwise
// one is inferred from the level/row/col layout and saved.
func (s *Seeker) Seek(ctx context.Context, folder string) (*model.Map, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = NoMap

	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return nil, &SeekError{Issue: NotADirectory, Path: folder, Err: err}
	}

	first, err := s.findFirstTile(ctx, folder, 0)
	if err != nil {
		return nil, err
	}
	if first == "" {
		return nil, &SeekError{Issue: NoImages, Path: folder}
	}

	root := first
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(root)
		if parent == root {
			return nil, &SeekError{Issue: NoParentFolderFound, Path: first}
		}
		root = parent
	}

	if s.store.Exists(root) {
		desc, err := s.store.Load(root)
		if err == nil {
			if err := pyramid.WriteNoMedia(root); err != nil {
				s.logger.Warn("cannot write marker", zap.String("root", root), zap.Error(err))
			}
			m := s.register(desc, root)
			s.status = ExistingMap
			return m, nil
		}
		s.logger.Warn("unreadable descriptor, inferring map", zap.String("root", root), zap.Error(err))
	}

	desc, err := s.infer(root, first)
	if err != nil {
		return nil, err
	}
	if err := pyramid.WriteNoMedia(root); err != nil {
		return nil, fmt.Errorf("write %s: %w", pyramid.NoMediaFile, err)
	}
	if err := s.store.Save(root, desc); err != nil {
		return nil, err
	}
	m := s.register(desc, root)
	s.status = NewMap
	s.logger.Info("imported map", zap.String("root", root), zap.Stringer("id", desc.ID),
		zap.Int("levels", len(desc.Levels)), zap.Int("width", desc.Size.Width), zap.Int("height", desc.Size.Height))
	return m, nil
}

func (s *Seeker) register(desc *model.MapDescriptor, root string) *model.Map {
	m := model.NewMap(desc, root)
	enrich(m, root, s.ledger, s.logger)
	if s.registry != nil {
		s.registry.Set(desc.ID, root)
	}
	s.metrics.MapsDiscovered("seek", 1)
	return m
}

// findFirstTile returns the first image, depth first, whose name is an integer.
func (s *Seeker) findFirstTile(ctx context.Context, dir string, depth int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot list directory", zap.String("dir", dir), zap.Error(err))
		return "", nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			if _, ok := tileIndex(e.Name()); ok {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	if depth+1 >= MaxSeekDepth {
		return "", nil
	}
	for _, e := range entries {
		if e.IsDir() {
			found, err := s.findFirstTile(ctx, filepath.Join(dir, e.Name()), depth+1)
			if err != nil || found != "" {
				return found, err
			}
		}
	}
	return "", nil
}

func (s *Seeker) infer(root, first string) (*model.MapDescriptor, error) {
	levelDirs := indexedDirs(root)
	if len(levelDirs) == 0 {
		return nil, &SeekError{Issue: NoLevelFound, Path: root}
	}
	maxLevel := levelDirs[len(levelDirs)-1].index
	if len(levelDirs) != maxLevel+1 {
		return nil, &SeekError{Issue: NoLevelFound, Path: root, Err: fmt.Errorf("levels are not contiguous up to %d", maxLevel)}
	}

	var levels []model.Level
	var rows []indexed
	var firstRowTiles []indexed
	for _, level := range levelDirs {
		rows = indexedDirs(level.path)
		if len(rows) == 0 {
			return nil, &SeekError{Issue: NoImages, Path: level.path}
		}
		firstRowTiles = indexedFiles(rows[0].path)
		if len(firstRowTiles) == 0 {
			return nil, &SeekError{Issue: NoImages, Path: rows[0].path}
		}
		w, h, err := imageSize(firstRowTiles[0].path)
		if err != nil {
			return nil, &SeekError{Issue: MapSizeIncorrect, Path: firstRowTiles[0].path, Err: err}
		}
		levels = append(levels, model.Level{Index: level.index, TileSize: model.Size{Width: w, Height: h}})
	}

	// rows and firstRowTiles now describe the deepest level.
	tileSize := levels[len(levels)-1].TileSize
	size := model.Size{
		Width:  len(firstRowTiles) * tileSize.Width,
		Height: len(rows) * tileSize.Height,
	}
	if size.Width <= 0 || size.Height <= 0 {
		return nil, &SeekError{Issue: MapSizeIncorrect, Path: root}
	}

	var provenance string
	if tag, ok, err := pyramid.ReadTag(first); err == nil && ok {
		provenance = string(tag[:])
		if f, known := source.FamilyByTag(tag); known {
			s.logger.Debug("tiles carry a source tag", zap.String("family", f.Name))
		} else {
			s.logger.Debug("unknown source tag", zap.String("tag", provenance))
		}
	}

	return &model.MapDescriptor{
		ID:             uuid.New(),
		Name:           filepath.Base(root),
		Thumbnail:      findThumbnail(root),
		Levels:         levels,
		Origin:         model.OriginVips,
		Provenance:     provenance,
		Size:           size,
		ImageExtension: strings.ToLower(filepath.Ext(first)),
	}, nil
}

type indexed struct {
	index int
	path  string
}

func parseIndex(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// tileIndex parses "<n>.<image ext>".
func tileIndex(name string) (int, bool) {
	ext := filepath.Ext(name)
	if !imageExtensions[strings.ToLower(ext)] {
		return 0, false
	}
	return parseIndex(strings.TrimSuffix(name, ext))
}

// indexedDirs lists the subdirectories of dir named by a non-negative integer, sorted.
func indexedDirs(dir string) []indexed {
	return listIndexed(dir, true)
}

// indexedFiles lists the tile images of dir, sorted by index.
func indexedFiles(dir string) []indexed {
	return listIndexed(dir, false)
}

func listIndexed(dir string, dirs bool) []indexed {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []indexed
	for _, e := range entries {
		if e.IsDir() != dirs {
			continue
		}
		var n int
		var ok bool
		if dirs {
			n, ok = parseIndex(e.Name())
		} else {
			n, ok = tileIndex(e.Name())
		}
		if ok {
			out = append(out, indexed{index: n, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// findThumbnail returns the name of the first square image of ThumbnailSize at
// root that is not a blank placeholder.
func findThumbnail(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if strings.Contains(strings.ToLower(name), "blank") {
			continue
		}
		w, h, err := imageSize(filepath.Join(root, name))
		if err == nil && w == ThumbnailSize && h == ThumbnailSize {
			return name
		}
	}
	return ""
}
