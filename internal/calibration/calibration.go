// Package calibration derives the projected bounds of a map from its calibration points.
package calibration

import (
	"errors"
	"sort"

	"github.com/paulmach/orb"

	"github.com/geoyee/tilevault/internal/model"
)

// ErrNotCalibrated is returned when the points cannot produce bounds.
var ErrNotCalibrated = errors.New("calibration points cannot produce map bounds")

// Bounds are the projected coordinates of the top-left (X0, Y0) and
// bottom-right (X1, Y1) corners of a map.
type Bounds struct {
	X0, Y0 float64
	X1, Y1 float64
}

// Bound returns b as an orb.Bound, which loses the corner orientation.
func (b Bounds) Bound() orb.Bound {
	return orb.MultiPoint{{b.X0, b.Y0}, {b.X1, b.Y1}}.Bound()
}

// Boundary converts b into a descriptor boundary.
func (b Bounds) Boundary(srid int) model.Boundary {
	return model.Boundary{
		SRID:    srid,
		Corner1: model.ProjectedPoint{X: b.X0, Y: b.Y0},
		Corner2: model.ProjectedPoint{X: b.X1, Y: b.Y1},
	}
}

// Compute applies method to points.
func Compute(method model.CalibrationMethod, points []model.CalibrationPoint) (Bounds, error) {
	switch method {
	case model.Calibration3Points:
		if len(points) < 3 {
			return Bounds{}, ErrNotCalibrated
		}
		return ThreePoints(points[0], points[1], points[2])
	case model.Calibration4Points:
		if len(points) != 4 {
			return Bounds{}, ErrNotCalibrated
		}
		return FourPoints(points[0], points[1], points[2], points[3])
	default:
		if len(points) < 2 {
			return Bounds{}, ErrNotCalibrated
		}
		return TwoPoints(points[0], points[1])
	}
}

// TwoPoints extrapolates the two points to the exact map corners.
// a is expected near the top-left corner and b near the bottom-right one.
func TwoPoints(a, b model.CalibrationPoint) (Bounds, error) {
	dx := b.X - a.X
	dy := b.Y - a.Y
	if dx == 0 || dy == 0 {
		return Bounds{}, ErrNotCalibrated
	}
	dpx := b.ProjX - a.ProjX
	dpy := b.ProjY - a.ProjY
	return Bounds{
		X0: a.ProjX - dpx/dx*a.X,
		Y0: a.ProjY - dpy/dy*a.Y,
		X1: b.ProjX + dpx/dx*(1-b.X),
		Y1: b.ProjY + dpy/dy*(1-b.Y),
	}, nil
}

// ThreePoints uses, for each axis, the two points furthest apart on that axis.
func ThreePoints(a, b, c model.CalibrationPoint) (Bounds, error) {
	pts := []model.CalibrationPoint{a, b, c}

	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	dx := pts[2].X - pts[0].X
	if dx == 0 {
		return Bounds{}, ErrNotCalibrated
	}
	dpx := pts[2].ProjX - pts[0].ProjX
	x0 := pts[0].ProjX - dpx/dx*pts[0].X
	x1 := pts[2].ProjX + dpx/dx*(1-pts[2].X)

	sort.Slice(pts, func(i, j int) bool { return pts[i].Y < pts[j].Y })
	dy := pts[2].Y - pts[0].Y
	if dy == 0 {
		return Bounds{}, ErrNotCalibrated
	}
	dpy := pts[2].ProjY - pts[0].ProjY
	y0 := pts[0].ProjY - dpy/dy*pts[0].Y
	y1 := pts[2].ProjY + dpy/dy*(1-pts[2].Y)

	return Bounds{X0: x0, Y0: y0, X1: x1, Y1: y1}, nil
}

// FourPoints weights every point pair against the point closest to the origin on each axis.
func FourPoints(a, b, c, d model.CalibrationPoint) (Bounds, error) {
	pts := []model.CalibrationPoint{a, b, c, d}

	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	var sumDx, sumDpx float64
	for _, p := range pts[1:] {
		sumDx += p.X - pts[0].X
		sumDpx += p.ProjX - pts[0].ProjX
	}
	if sumDx == 0 {
		return Bounds{}, ErrNotCalibrated
	}
	alphaX := sumDpx / sumDx
	x0 := pts[0].ProjX - alphaX*pts[0].X
	x1 := x0 + alphaX

	sort.Slice(pts, func(i, j int) bool { return pts[i].Y < pts[j].Y })
	var sumDy, sumDpy float64
	for _, p := range pts[1:] {
		sumDy += p.Y - pts[0].Y
		sumDpy += p.ProjY - pts[0].ProjY
	}
	if sumDy == 0 {
		return Bounds{}, ErrNotCalibrated
	}
	alphaY := sumDpy / sumDy
	y0 := pts[0].ProjY - alphaY*pts[0].Y
	y1 := y0 + alphaY

	return Bounds{X0: x0, Y0: y0, X1: x1, Y1: y1}, nil
}
