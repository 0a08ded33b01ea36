package massing

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ValidPolygon reports whether p is a usable simple polygon: closed rings of
// at least four points with non-zero area, no ring crossing or touching
// itself, holes inside the shell and no ring crossing another. Rings may
// touch each other at single points.
func ValidPolygon(p orb.Polygon) bool {
	if len(p) == 0 {
		return false
	}
	for _, r := range p {
		if !validRing(r) {
			return false
		}
	}
	shell := p[0]
	for _, hole := range p[1:] {
		for _, pt := range hole {
			if !planar.RingContains(shell, pt) && !onRing(shell, pt) {
				return false
			}
		}
	}
	for i := 0; i < len(p); i++ {
		for j := i + 1; j < len(p); j++ {
			if ringsCross(p[i], p[j]) {
				return false
			}
		}
	}
	return true
}

func validRing(r orb.Ring) bool {
	if len(r) < 4 || !r.Closed() {
		return false
	}
	for _, pt := range r {
		if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) || math.IsInf(pt[0], 0) || math.IsInf(pt[1], 0) {
			return false
		}
	}
	if planar.Area(r) == 0 {
		return false
	}
	return !selfIntersects(r)
}

type segment struct {
	a, b       orb.Point
	idx        int
	minX, maxX float64
}

func ringSegments(r orb.Ring) []segment {
	segs := make([]segment, 0, len(r)-1)
	for i := 0; i+1 < len(r); i++ {
		a, b := r[i], r[i+1]
		segs = append(segs, segment{a: a, b: b, idx: i, minX: math.Min(a[0], b[0]), maxX: math.Max(a[0], b[0])})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].minX < segs[j].minX })
	return segs
}

// selfIntersects sweeps the ring's segments by x extent. Neighbouring segments
// may only share their common vertex; all other pairs must be disjoint.
func selfIntersects(r orb.Ring) bool {
	n := len(r) - 1
	segs := ringSegments(r)
	for i := range segs {
		for j := i + 1; j < len(segs) && segs[j].minX <= segs[i].maxX; j++ {
			s, t := segs[i], segs[j]
			d := s.idx - t.idx
			if d < 0 {
				d = -d
			}
			adjacent := d == 1 || d == n-1
			if adjacent {
				if n > 2 && collinearOverlap(s, t) {
					return true
				}
				continue
			}
			if segmentsIntersect(s.a, s.b, t.a, t.b) {
				return true
			}
		}
	}
	return false
}

// ringsCross reports a proper crossing or overlap between two rings. Shared
// single points are allowed.
func ringsCross(r1, r2 orb.Ring) bool {
	s1, s2 := ringSegments(r1), ringSegments(r2)
	for _, s := range s1 {
		for _, t := range s2 {
			if t.minX > s.maxX {
				break
			}
			if t.maxX < s.minX {
				continue
			}
			if segmentsCross(s.a, s.b, t.a, t.b) || collinearOverlap(s, t) {
				return true
			}
		}
	}
	return false
}

func orient(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// segmentsIntersect reports any shared point, touching included.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// segmentsCross reports a crossing through both interiors.
func segmentsCross(p1, p2, q1, q2 orb.Point) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))
	return d1*d2 < 0 && d3*d4 < 0
}

// collinearOverlap reports two collinear segments sharing more than a point.
func collinearOverlap(s, t segment) bool {
	if orient(s.a, s.b, t.a) != 0 || orient(s.a, s.b, t.b) != 0 {
		return false
	}
	// project on the dominant axis
	axis := 0
	if math.Abs(s.b[0]-s.a[0]) < math.Abs(s.b[1]-s.a[1]) {
		axis = 1
	}
	lo1, hi1 := math.Min(s.a[axis], s.b[axis]), math.Max(s.a[axis], s.b[axis])
	lo2, hi2 := math.Min(t.a[axis], t.b[axis]), math.Max(t.a[axis], t.b[axis])
	return math.Min(hi1, hi2)-math.Max(lo1, lo2) > 0
}

func onRing(r orb.Ring, p orb.Point) bool {
	for i := 0; i+1 < len(r); i++ {
		if orient(r[i], r[i+1], p) == 0 && onSegment(r[i], r[i+1], p) {
			return true
		}
	}
	return false
}
