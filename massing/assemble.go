package massing

import (
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Building is one assembled footprint before it is written out as GeoJSON.
type Building struct {
	ID       interface{}
	Geometry orb.Polygon
	Levels   *int // nil when the height could not be sampled
	Use      string
	Area     float64 // square degrees
}

// SetLevels stores n as the storey count.
func (b *Building) SetLevels(n int) {
	b.Levels = &n
}

// Height is Levels in metres, or nil when unavailable.
func (b *Building) Height() *int {
	if b.Levels == nil {
		return nil
	}
	h := *b.Levels * MetersPerStorey
	return &h
}

// GridJoin samples grid at the centroid of every polygon. Ids run from 0 in
// input order.
func GridJoin(polys []orb.Polygon, grid *HeightGrid, gt GeoTransform, oob OutOfBounds, titleCase bool) ([]*Building, error) {
	inv, err := gt.Invert()
	if err != nil {
		return nil, err
	}
	out := make([]*Building, 0, len(polys))
	for i, p := range polys {
		b := &Building{ID: i, Geometry: p, Area: planar.Area(p)}
		c, _ := planar.CentroidArea(p)
		col, row := inv.Apply(c[0], c[1])
		storeys, use, ok := grid.At(int(col), int(row))
		switch {
		case ok:
			b.SetLevels(storeys)
			b.Use = use
			if titleCase {
				b.Use = titleUse(use)
			}
		case oob == OutOfBoundsUnavailable:
			b.Use = UseUnknown
		default:
			b.SetLevels(0)
			b.Use = UseResidential
		}
		out = append(out, b)
	}
	return out, nil
}

func titleUse(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// HeightBands holds the storey count assigned to small, typical and large
// footprints.
type HeightBands struct {
	Low, Mid, High int
}

// Default band heights per zone.
var (
	ResidentialBands = HeightBands{Low: 5, Mid: 17, High: 25}
	CommercialBands  = HeightBands{Low: 1, Mid: 6, High: 10}
)

// ZoneBands returns the default bands for a zone name, case-insensitively.
// Anything other than residential is treated as commercial.
func ZoneBands(zone string) HeightBands {
	if strings.EqualFold(zone, UseResidential) {
		return ResidentialBands
	}
	return CommercialBands
}

// SplitMedian partitions values around their median: below (1-factor)*median
// is low, above (1+factor)*median is high and the rest mid. Empty low or high
// partitions are nil.
func SplitMedian(values []int, factor float64) (low, mid, high []int) {
	if len(values) == 0 {
		return nil, nil, nil
	}
	f := make([]float64, len(values))
	for i, v := range values {
		f[i] = float64(v)
	}
	med := median(f)
	lo, hi := (1-factor)*med, (1+factor)*med
	for _, v := range values {
		switch x := float64(v); {
		case x < lo:
			low = append(low, v)
		case x > hi:
			high = append(high, v)
		default:
			mid = append(mid, v)
		}
	}
	return low, mid, high
}

// ReferenceBands reduces a reference height list to bands, taking the
// truncated median of each partition. Empty partitions fall back to the
// residential defaults.
func ReferenceBands(refs []int) HeightBands {
	low, mid, high := SplitMedian(refs, 0.6)
	return HeightBands{
		Low:  bandHeight(low, ResidentialBands.Low),
		Mid:  bandHeight(mid, ResidentialBands.Mid),
		High: bandHeight(high, ResidentialBands.High),
	}
}

func bandHeight(vals []int, fallback int) int {
	if len(vals) == 0 {
		return fallback
	}
	f := make([]float64, len(vals))
	for i, v := range vals {
		f[i] = float64(v)
	}
	return int(median(f))
}

// Band is the area class of a footprint relative to its batch.
type Band int

const (
	BandLow Band = iota
	BandMid
	BandHigh
)

// ClassifyArea compares area with the batch median.
func ClassifyArea(area, med float64) Band {
	switch {
	case area < 2.0/3.0*med:
		return BandLow
	case area > 1.5*med:
		return BandHigh
	}
	return BandMid
}

// Storeys returns the band's storey count.
func (h HeightBands) Storeys(b Band) int {
	switch b {
	case BandLow:
		return h.Low
	case BandHigh:
		return h.High
	}
	return h.Mid
}

// AreaMedianJoin assigns each polygon a band height by its area against the
// median area of the batch. Reference heights, when given, replace the zone
// defaults. The use type is the lower-cased zone.
func AreaMedianJoin(polys []orb.Polygon, zone string, refs []int) []*Building {
	areas := make([]float64, len(polys))
	for i, p := range polys {
		areas[i] = planar.Area(p)
	}
	bands := ZoneBands(zone)
	if len(refs) > 0 {
		bands = ReferenceBands(refs)
	}
	med := median(areas)
	use := strings.ToLower(zone)

	out := make([]*Building, len(polys))
	for i, p := range polys {
		b := &Building{ID: i, Geometry: p, Use: use, Area: areas[i]}
		b.SetLevels(bands.Storeys(ClassifyArea(areas[i], med)))
		out[i] = b
	}
	return out
}

// median averages the two middle values of an even-length input. Empty input
// gives 0.
func median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
