package descriptor

import (
	"github.com/google/uuid"

	"github.com/geoyee/tilevault/internal/model"
)

// fileDescriptor is the on-disk shape of map.json.
type fileDescriptor struct {
	UUID         string            `json:"uuid,omitempty"`
	Name         string            `json:"name"`
	Thumbnail    string            `json:"thumbnail,omitempty"`
	Levels       []fileLevel       `json:"levels"`
	Provider     *fileProvider     `json:"provider"`
	TileTag      string            `json:"tile_tag,omitempty"`
	Size         *fileSize         `json:"size"`
	Calibration  *fileCalibration  `json:"calibration,omitempty"`
	CreationData *fileCreationData `json:"creation_data,omitempty"`
	MissingTiles int64             `json:"missing_tiles_count,omitempty"`
}

type fileLevel struct {
	Level    int      `json:"level"`
	TileSize fileSize `json:"tile_size"`
}

type fileSize struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type fileProvider struct {
	GeneratedBy    string `json:"generated_by"`
	ImageExtension string `json:"image_extension"`
}

type fileProjection struct {
	Name string `json:"name"`
	SRID int    `json:"srid"`
}

type filePoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	ProjX float64 `json:"proj_x"`
	ProjY float64 `json:"proj_y"`
}

type fileCalibration struct {
	Projection *fileProjection `json:"projection,omitempty"`
	Method     string          `json:"calibration_method"`
	Points     []filePoint     `json:"calibration_points"`
}

type fileCorner struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type fileBoundary struct {
	SRID    int        `json:"srid"`
	Corner1 fileCorner `json:"corner1"`
	Corner2 fileCorner `json:"corner2"`
}

type fileCreationData struct {
	MinLevel     int             `json:"min_level"`
	MaxLevel     int             `json:"max_level"`
	Boundary     fileBoundary    `json:"boundary"`
	Source       model.SourceRef `json:"source"`
	CreationDate int64           `json:"creation_date,omitempty"`
}

func toFile(d *model.MapDescriptor) *fileDescriptor {
	f := &fileDescriptor{
		Name:      d.Name,
		Thumbnail: d.Thumbnail,
		Provider: &fileProvider{
			GeneratedBy:    string(d.Origin),
			ImageExtension: d.ImageExtension,
		},
		TileTag:      d.Provenance,
		Size:         &fileSize{X: d.Size.Width, Y: d.Size.Height},
		MissingTiles: d.MissingTiles,
	}
	if d.ID != uuid.Nil {
		f.UUID = d.ID.String()
	}
	for _, l := range d.Levels {
		f.Levels = append(f.Levels, fileLevel{
			Level:    l.Index,
			TileSize: fileSize{X: l.TileSize.Width, Y: l.TileSize.Height},
		})
	}
	if c := d.Calibration; c != nil {
		fc := &fileCalibration{Method: string(c.Method)}
		if c.Projection != nil {
			fc.Projection = &fileProjection{Name: c.Projection.Name, SRID: c.Projection.SRID}
		}
		for _, p := range c.Points {
			fc.Points = append(fc.Points, filePoint(p))
		}
		f.Calibration = fc
	}
	if cd := d.CreationData; cd != nil {
		f.CreationData = &fileCreationData{
			MinLevel: cd.MinLevel,
			MaxLevel: cd.MaxLevel,
			Boundary: fileBoundary{
				SRID:    cd.Boundary.SRID,
				Corner1: fileCorner(cd.Boundary.Corner1),
				Corner2: fileCorner(cd.Boundary.Corner2),
			},
			Source:       cd.Source,
			CreationDate: cd.CreationDate,
		}
	}
	return f
}

// fromFile converts a validated file descriptor. The id is left nil when absent.
func fromFile(f *fileDescriptor) (*model.MapDescriptor, error) {
	d := &model.MapDescriptor{
		Name:           f.Name,
		Thumbnail:      f.Thumbnail,
		Origin:         model.MapOrigin(f.Provider.GeneratedBy),
		Provenance:     f.TileTag,
		Size:           model.Size{Width: f.Size.X, Height: f.Size.Y},
		ImageExtension: f.Provider.ImageExtension,
		MissingTiles:   f.MissingTiles,
	}
	if f.UUID != "" {
		id, err := uuid.Parse(f.UUID)
		if err != nil {
			return nil, invalid("uuid: %v", err)
		}
		d.ID = id
	}
	for _, l := range f.Levels {
		d.Levels = append(d.Levels, model.Level{
			Index:    l.Level,
			TileSize: model.Size{Width: l.TileSize.X, Height: l.TileSize.Y},
		})
	}
	if fc := f.Calibration; fc != nil {
		c := &model.Calibration{Method: model.CalibrationMethod(fc.Method)}
		if fc.Projection != nil {
			c.Projection = &model.Projection{Name: fc.Projection.Name, SRID: fc.Projection.SRID}
		}
		for _, p := range fc.Points {
			c.Points = append(c.Points, model.CalibrationPoint(p))
		}
		d.Calibration = c
	}
	if fcd := f.CreationData; fcd != nil {
		d.CreationData = &model.CreationData{
			MinLevel: fcd.MinLevel,
			MaxLevel: fcd.MaxLevel,
			Boundary: model.Boundary{
				SRID:    fcd.Boundary.SRID,
				Corner1: model.ProjectedPoint(fcd.Boundary.Corner1),
				Corner2: model.ProjectedPoint(fcd.Boundary.Corner2),
			},
			Source:       fcd.Source,
			CreationDate: fcd.CreationDate,
		}
	}
	return d, nil
}
