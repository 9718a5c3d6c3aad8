package pyramid

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/geoyee/tilevault/internal/calibration"
	"github.com/geoyee/tilevault/internal/descriptor"
	"github.com/geoyee/tilevault/internal/model"
	"github.com/geoyee/tilevault/internal/registry"
	"github.com/geoyee/tilevault/internal/source"
)

// Builder assembles and persists the descriptor of a finished download.
type Builder struct {
	store    *descriptor.Store
	registry *registry.Table
	logger   *zap.Logger
	now      func() time.Time
}

func NewBuilder(store *descriptor.Store, reg *registry.Table, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, registry: reg, logger: logger.Named("builder"), now: time.Now}
}

// Build writes the descriptor and the media marker of the map downloaded into root,
// and registers the map.
func (b *Builder) Build(job *model.DownloadJob, root string, missing int64) (*model.MapDescriptor, error) {
	points := []model.CalibrationPoint{job.CalibrationPoints[0], job.CalibrationPoints[1]}
	bounds, err := calibration.Compute(model.CalibrationSimple2Points, points)
	if err != nil {
		return nil, fmt.Errorf("derive boundary: %w", err)
	}

	levels := make([]model.Level, 0, job.MaxLevel-job.MinLevel+1)
	for i := 0; i <= job.MaxLevel-job.MinLevel; i++ {
		levels = append(levels, model.Level{
			Index:    i,
			TileSize: model.Size{Width: job.TileSize, Height: job.TileSize},
		})
	}

	var tag string
	if f, err := source.Lookup(job.Source.Family); err == nil {
		tag = f.TagString()
	}

	d := &model.MapDescriptor{
		ID:             uuid.New(),
		Name:           filepath.Base(root),
		Levels:         levels,
		Origin:         source.Origin(job.Source),
		Provenance:     tag,
		Size:           model.Size{Width: job.WidthPx, Height: job.HeightPx},
		ImageExtension: TileExtension,
		Calibration: &model.Calibration{
			Projection: &model.Projection{Name: model.PseudoMercator.Name, SRID: model.PseudoMercator.SRID},
			Method:     model.CalibrationSimple2Points,
			Points:     points,
		},
		CreationData: &model.CreationData{
			MinLevel:     job.MinLevel,
			MaxLevel:     job.MaxLevel,
			Boundary:     bounds.Boundary(model.PseudoMercator.SRID),
			Source:       job.Source,
			CreationDate: b.now().UnixMilli(),
		},
		MissingTiles: missing,
	}

	if err := WriteNoMedia(root); err != nil {
		return nil, fmt.Errorf("write %s: %w", NoMediaFile, err)
	}
	if err := b.store.Save(root, d); err != nil {
		return nil, err
	}
	if b.registry != nil {
		b.registry.Set(d.ID, root)
	}
	b.logger.Info("map descriptor written",
		zap.String("root", root),
		zap.Stringer("id", d.ID),
		zap.Int("levels", len(levels)),
		zap.Int64("missing", missing))
	return d, nil
}
