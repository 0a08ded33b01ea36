package massing

import (
	"fmt"
	"math"

	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"
)

// UTMZone returns the 6-degree transverse Mercator zone holding lon.
func UTMZone(lon float64) int {
	return int(math.Floor((lon+180)/6)) + 1
}

// UTMProj4 returns the proj4 definition of a WGS84 UTM zone in metres.
func UTMProj4(zone int) string {
	return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", zone)
}

// Projector converts between lon/lat degrees and the UTM zone chosen from a
// bounding box centroid.
type Projector struct {
	Zone    int
	forward proj.Transformer
	inverse proj.Transformer
}

// NewProjector builds the forward and inverse transforms for the zone of the
// box centre.
func NewProjector(b Bounds) (*Projector, error) {
	lon, _ := b.Center()
	zone := UTMZone(lon)

	wgs, err := proj.Parse("+proj=longlat +datum=WGS84 +no_defs")
	if err != nil {
		return nil, fmt.Errorf("parsing geographic projection: %w", err)
	}
	utm, err := proj.Parse(UTMProj4(zone))
	if err != nil {
		return nil, fmt.Errorf("parsing UTM zone %d: %w", zone, err)
	}
	fwd, err := wgs.NewTransform(utm)
	if err != nil {
		return nil, fmt.Errorf("building UTM transform: %w", err)
	}
	inv, err := utm.NewTransform(wgs)
	if err != nil {
		return nil, fmt.Errorf("building geographic transform: %w", err)
	}
	return &Projector{Zone: zone, forward: fwd, inverse: inv}, nil
}

// Forward projects a lon/lat point to UTM metres.
func (p *Projector) Forward(pt orb.Point) (orb.Point, error) {
	x, y, err := p.forward(pt[0], pt[1])
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{x, y}, nil
}

// Inverse projects a UTM point back to lon/lat.
func (p *Projector) Inverse(pt orb.Point) (orb.Point, error) {
	lon, lat, err := p.inverse(pt[0], pt[1])
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{lon, lat}, nil
}

// ProjectPolygon applies fn to every vertex of poly.
func ProjectPolygon(poly orb.Polygon, fn func(orb.Point) (orb.Point, error)) (orb.Polygon, error) {
	out := make(orb.Polygon, len(poly))
	for i, r := range poly {
		ring := make(orb.Ring, len(r))
		for j, pt := range r {
			q, err := fn(pt)
			if err != nil {
				return nil, err
			}
			ring[j] = q
		}
		out[i] = ring
	}
	return out, nil
}

// MetricExtent is a bounding box projected to UTM.
type MetricExtent struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extent projects the south-west and north-east corners of b.
func (p *Projector) Extent(b Bounds) (MetricExtent, error) {
	sw, err := p.Forward(orb.Point{b.West, b.South})
	if err != nil {
		return MetricExtent{}, err
	}
	ne, err := p.Forward(orb.Point{b.East, b.North})
	if err != nil {
		return MetricExtent{}, err
	}
	return MetricExtent{MinX: sw[0], MinY: sw[1], MaxX: ne[0], MaxY: ne[1]}, nil
}

// PixelSize returns the mean metric size of one pixel when e is covered by a
// width x height raster, or 0 if either axis is degenerate.
func (e MetricExtent) PixelSize(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	sx := (e.MaxX - e.MinX) / float64(width)
	sy := (e.MaxY - e.MinY) / float64(height)
	if sx <= 0 || sy <= 0 {
		return 0
	}
	return (sx + sy) / 2
}

// ToPixel maps a metric point to a clipped grid cell, scaling across
// (width-1) x (height-1) with row 0 at the northern edge.
func (e MetricExtent) ToPixel(x, y float64, width, height int) (col, row int) {
	px := (x - e.MinX) / (e.MaxX - e.MinX) * float64(width-1)
	py := (e.MaxY - y) / (e.MaxY - e.MinY) * float64(height-1)
	px = math.Max(0, math.Min(px, float64(width-1)))
	py = math.Max(0, math.Min(py, float64(height-1)))
	return int(px), int(py)
}
