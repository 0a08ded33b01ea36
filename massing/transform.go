package massing

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
)

// GeoTransform maps pixel corner coordinates to longitude/latitude:
//
//	lon = A*col + B*row + C
//	lat = D*col + E*row + F
type GeoTransform struct {
	A, B, C float64
	D, E, F float64
}

// GeoTransformFromBounds returns the north-up transform that stretches a
// width x height raster over the box. Row 0 is the northern edge.
func GeoTransformFromBounds(b Bounds, width, height int) GeoTransform {
	return GeoTransform{
		A: (b.East - b.West) / float64(width),
		C: b.West,
		E: -(b.North - b.South) / float64(height),
		F: b.North,
	}
}

// Apply maps a pixel position to geographic coordinates.
func (t GeoTransform) Apply(col, row float64) (lon, lat float64) {
	return t.A*col + t.B*row + t.C, t.D*col + t.E*row + t.F
}

// ApplyPoint is Apply for orb points.
func (t GeoTransform) ApplyPoint(p orb.Point) orb.Point {
	lon, lat := t.Apply(p[0], p[1])
	return orb.Point{lon, lat}
}

var errSingularTransform = errors.New("singular transform")

// Invert returns the geographic-to-pixel transform.
func (t GeoTransform) Invert() (GeoTransform, error) {
	det := t.A*t.E - t.B*t.D
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return GeoTransform{}, errSingularTransform
	}
	inv := 1.0 / det
	return GeoTransform{
		A: t.E * inv,
		B: -t.B * inv,
		C: (t.B*t.F - t.E*t.C) * inv,
		D: -t.D * inv,
		E: t.A * inv,
		F: (t.D*t.C - t.A*t.F) * inv,
	}, nil
}

// Cell returns the grid cell holding a geographic point. Fractions are
// truncated toward zero, so points just outside the top or left edge map to
// cell 0 while points further out go negative.
func (t GeoTransform) Cell(lon, lat float64) (col, row int, err error) {
	inv, err := t.Invert()
	if err != nil {
		return 0, 0, err
	}
	c, r := inv.Apply(lon, lat)
	return int(c), int(r), nil
}
