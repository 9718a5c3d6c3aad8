package model

import "github.com/google/uuid"

// MapOrigin is the provenance class of a map. Values are persisted verbatim.
type MapOrigin string

const (
	OriginIgnLicensed  MapOrigin = "IGN_LICENSED"
	OriginIgnFree      MapOrigin = "IGN_FREE"
	OriginWmtsLicensed MapOrigin = "WMTS_LICENSED"
	OriginWmts         MapOrigin = "WMTS"
	OriginVips         MapOrigin = "VIPS"
)

// Valid reports whether o is one of the known origins.
func (o MapOrigin) Valid() bool {
	switch o {
	case OriginIgnLicensed, OriginIgnFree, OriginWmtsLicensed, OriginWmts, OriginVips:
		return true
	}
	return false
}

// CalibrationMethod selects how map bounds are derived from calibration points.
type CalibrationMethod string

const (
	CalibrationSimple2Points CalibrationMethod = "SIMPLE_2_POINTS"
	Calibration3Points       CalibrationMethod = "CALIBRATION_3_POINTS"
	Calibration4Points       CalibrationMethod = "CALIBRATION_4_POINTS"
)

// PointCount is the number of calibration points the method needs.
func (m CalibrationMethod) PointCount() int {
	switch m {
	case Calibration3Points:
		return 3
	case Calibration4Points:
		return 4
	default:
		return 2
	}
}

// Size is a pixel size.
type Size struct {
	Width  int
	Height int
}

// Level is one pyramid level. Index starts at 0 for the coarsest level.
type Level struct {
	Index    int
	TileSize Size
}

// CalibrationPoint ties a normalized map position (0..1) to projected coordinates.
type CalibrationPoint struct {
	X     float64
	Y     float64
	ProjX float64
	ProjY float64
}

// Projection names the projection of calibration coordinates.
type Projection struct {
	Name string
	SRID int
}

// PseudoMercator is the projection used by every tile source this engine downloads from.
var PseudoMercator = Projection{Name: "Pseudo-Mercator", SRID: 3857}

// Calibration of a map.
type Calibration struct {
	Projection *Projection
	Method     CalibrationMethod
	Points     []CalibrationPoint
}

// ProjectedPoint is a point in projected coordinates.
type ProjectedPoint struct {
	X float64
	Y float64
}

// Boundary is the projected extent of a map. Corner1 is the top-left corner.
type Boundary struct {
	SRID    int
	Corner1 ProjectedPoint
	Corner2 ProjectedPoint
}

// CreationData records how a downloaded map was produced.
type CreationData struct {
	MinLevel     int
	MaxLevel     int
	Boundary     Boundary
	Source       SourceRef
	CreationDate int64
}

// MapDescriptor is the durable record of one map.
type MapDescriptor struct {
	ID             uuid.UUID
	Name           string
	Thumbnail      string
	Levels         []Level
	Origin         MapOrigin
	Provenance     string
	Size           Size
	ImageExtension string
	Calibration    *Calibration
	CreationData   *CreationData
	MissingTiles   int64
}

// Clone returns a deep copy of d.
func (d *MapDescriptor) Clone() *MapDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Levels = append([]Level(nil), d.Levels...)
	if d.Calibration != nil {
		cal := *d.Calibration
		cal.Points = append([]CalibrationPoint(nil), d.Calibration.Points...)
		if d.Calibration.Projection != nil {
			p := *d.Calibration.Projection
			cal.Projection = &p
		}
		c.Calibration = &cal
	}
	if d.CreationData != nil {
		cd := *d.CreationData
		c.CreationData = &cd
	}
	return &c
}
