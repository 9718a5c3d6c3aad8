package calculator

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"github.com/geoyee/tilevault/internal/model"
)

// MaxZoom is the deepest zoom level a job may request.
const MaxZoom = 20

const maxMercatorLat = 85.05112878

// TileRange is the inclusive tile range covering an area at one zoom.
type TileRange struct {
	Zoom       int
	MinX, MinY int
	MaxX, MaxY int
}

func (r TileRange) Cols() int { return r.MaxX - r.MinX + 1 }
func (r TileRange) Rows() int { return r.MaxY - r.MinY + 1 }
func (r TileRange) Count() int64 {
	return int64(r.Cols()) * int64(r.Rows())
}

// Plan is the precomputed layout of a download job.
type Plan struct {
	MinZoom           int
	MaxZoom           int
	TileSize          int
	Ranges            []TileRange
	TotalTiles        int64
	WidthPx           int
	HeightPx          int
	CalibrationPoints [2]model.CalibrationPoint
}

type TileCalculator struct{}

func NewTileCalculator() *TileCalculator {
	return &TileCalculator{}
}

// Plan covers bound (lon/lat) at every zoom of [minZoom, maxZoom].
func (tc *TileCalculator) Plan(bound orb.Bound, minZoom, maxZoom, tileSize int) (*Plan, error) {
	if err := tc.ValidateZoomRange(minZoom, maxZoom); err != nil {
		return nil, err
	}
	if err := tc.ValidateLatLonRange(bound.Left(), bound.Bottom(), bound.Right(), bound.Top()); err != nil {
		return nil, err
	}
	if tileSize <= 0 {
		return nil, ErrInvalidTileSize
	}

	p := &Plan{MinZoom: minZoom, MaxZoom: maxZoom, TileSize: tileSize}
	for zoom := minZoom; zoom <= maxZoom; zoom++ {
		r := tc.Range(bound, zoom)
		p.Ranges = append(p.Ranges, r)
		p.TotalTiles += r.Count()
	}
	if p.TotalTiles == 0 {
		return nil, ErrNoTilesFound
	}

	last := p.Ranges[len(p.Ranges)-1]
	p.WidthPx = last.Cols() * tileSize
	p.HeightPx = last.Rows() * tileSize
	p.CalibrationPoints = calibrationPoints(last)
	return p, nil
}

// Range returns the tiles covering bound at zoom.
func (tc *TileCalculator) Range(bound orb.Bound, zoom int) TileRange {
	minX, minY := tc.Deg2Num(bound.Left(), bound.Top(), zoom)
	maxX, maxY := tc.Deg2Num(bound.Right(), bound.Bottom(), zoom)
	minX, minY, maxX, maxY = tc.ClampTileCoords(minX, minY, maxX, maxY, zoom)
	return TileRange{Zoom: zoom, MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

func (tc *TileCalculator) ClampTileCoords(minX, minY, maxX, maxY, zoom int) (int, int, int, int) {
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	maxTile := 1 << zoom
	if maxX >= maxTile {
		maxX = maxTile - 1
	}
	if maxY >= maxTile {
		maxY = maxTile - 1
	}
	return minX, minY, maxX, maxY
}

// Deg2Num returns the tile containing (lon, lat) at zoom.
// Latitudes beyond the Mercator limit are clamped to it.
func (tc *TileCalculator) Deg2Num(lon, lat float64, zoom int) (x, y int) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return int(t.X), int(t.Y)
}

func (tc *TileCalculator) ValidateZoomRange(minZoom, maxZoom int) error {
	if minZoom < 0 || maxZoom > MaxZoom || minZoom > maxZoom {
		return ErrInvalidZoomRange
	}
	return nil
}

func (tc *TileCalculator) ValidateLatLonRange(minLon, minLat, maxLon, maxLat float64) error {
	if minLon < -180 || maxLon > 180 || minLon >= maxLon {
		return ErrInvalidLonRange
	}
	if minLat < -90 || maxLat > 90 || minLat >= maxLat {
		return ErrInvalidLatRange
	}
	return nil
}

// Iterator walks the plan level by level, row by row, column by column.
// It must not be called concurrently.
func (p *Plan) Iterator() func() (model.Tile, bool) {
	ri, x, y := 0, 0, 0
	if len(p.Ranges) > 0 {
		x, y = p.Ranges[0].MinX, p.Ranges[0].MinY
	}
	return func() (model.Tile, bool) {
		if ri >= len(p.Ranges) {
			return model.Tile{}, false
		}
		r := p.Ranges[ri]
		t := model.Tile{
			Level:      r.Zoom,
			Row:        y,
			Col:        x,
			IndexLevel: r.Zoom - p.MinZoom,
			IndexRow:   y - r.MinY,
			IndexCol:   x - r.MinX,
		}
		x++
		if x > r.MaxX {
			x = r.MinX
			y++
			if y > r.MaxY {
				ri++
				if ri < len(p.Ranges) {
					x, y = p.Ranges[ri].MinX, p.Ranges[ri].MinY
				}
			}
		}
		return t, true
	}
}

// Job builds the download job of the plan.
func (p *Plan) Job(src model.SourceRef, workers int) *model.DownloadJob {
	return &model.DownloadJob{
		Source:            src,
		MinLevel:          p.MinZoom,
		MaxLevel:          p.MaxZoom,
		CalibrationPoints: p.CalibrationPoints,
		TileSize:          p.TileSize,
		WidthPx:           p.WidthPx,
		HeightPx:          p.HeightPx,
		TotalTiles:        p.TotalTiles,
		WorkerCount:       workers,
		Tiles:             p.Iterator(),
	}
}

// calibrationPoints ties the top-left and bottom-right corners of the deepest level
// to Pseudo-Mercator coordinates.
func calibrationPoints(r TileRange) [2]model.CalibrationPoint {
	z := maptile.Zoom(r.Zoom)
	topLeft := maptile.New(uint32(r.MinX), uint32(r.MinY), z).Bound()
	bottomRight := maptile.New(uint32(r.MaxX), uint32(r.MaxY), z).Bound()

	tl := project.WGS84.ToMercator(orb.Point{topLeft.Left(), topLeft.Top()})
	br := project.WGS84.ToMercator(orb.Point{bottomRight.Right(), bottomRight.Bottom()})
	return [2]model.CalibrationPoint{
		{X: 0, Y: 0, ProjX: tl.X(), ProjY: tl.Y()},
		{X: 1, Y: 1, ProjX: br.X(), ProjY: br.Y()},
	}
}
