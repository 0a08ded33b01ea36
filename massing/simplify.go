package massing

import (
	"context"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/errgroup"
)

// fallbackSteps is how many times an invalid result is retried at half the
// previous tolerance before the unsimplified polygon is kept.
const fallbackSteps = 3

// Simplifier reduces polygons in a local metric projection so the tolerance
// means the same number of metres at every latitude.
type Simplifier struct {
	Projector *Projector
	Tolerance float64 // metres
}

// NewSimplifier chooses the UTM zone of b and returns a simplifier.
func NewSimplifier(b Bounds, tolerance float64) (*Simplifier, error) {
	p, err := NewProjector(b)
	if err != nil {
		return nil, err
	}
	return &Simplifier{Projector: p, Tolerance: tolerance}, nil
}

// Simplify projects poly to metres, simplifies it without introducing
// self-intersections or collapsing rings, and projects it back. ok is false
// when the polygon cannot be kept.
func (s *Simplifier) Simplify(poly orb.Polygon) (orb.Polygon, bool) {
	if !ValidPolygon(poly) {
		return nil, false
	}
	metric, err := ProjectPolygon(poly, s.Projector.Forward)
	if err != nil {
		return nil, false
	}
	simplified := simplifyMetric(metric, s.Tolerance)
	if simplified == nil {
		return nil, false
	}
	back, err := ProjectPolygon(simplified, s.Projector.Inverse)
	if err != nil || !ValidPolygon(back) {
		return nil, false
	}
	return back, true
}

// SimplifyAll simplifies polys concurrently, keeping input order and dropping
// polygons that degenerate.
func (s *Simplifier) SimplifyAll(ctx context.Context, polys []orb.Polygon) ([]orb.Polygon, error) {
	results := make([]orb.Polygon, len(polys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range polys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if out, ok := s.Simplify(p); ok {
				results[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]orb.Polygon, 0, len(results))
	for _, p := range results {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// simplifyMetric runs Douglas-Peucker at the tolerance, falling back to
// smaller tolerances and finally the input when the result is invalid.
func simplifyMetric(p orb.Polygon, tolerance float64) orb.Polygon {
	if tolerance <= 0 {
		if !ValidPolygon(p) {
			return nil
		}
		return p
	}
	t := tolerance
	for range fallbackSteps + 1 {
		if out := douglasPeucker(p, t); out != nil && ValidPolygon(out) {
			return out
		}
		t /= 2
	}
	if ValidPolygon(p) {
		return p
	}
	return nil
}

// douglasPeucker simplifies every ring until a pass removes nothing more. A
// collapsed shell returns nil; collapsed holes are dropped.
func douglasPeucker(p orb.Polygon, tolerance float64) orb.Polygon {
	dp := simplify.DouglasPeucker(tolerance)
	out := make(orb.Polygon, 0, len(p))
	for i, r := range p {
		ring := r.Clone()
		for {
			before := len(ring)
			g := dp.Simplify(ring.Clone())
			next, ok := g.(orb.Ring)
			if !ok {
				next = nil
			}
			if len(next) < 4 {
				ring = nil
				break
			}
			ring = next
			if len(ring) >= before {
				break
			}
		}
		if ring == nil {
			if i == 0 {
				return nil
			}
			continue
		}
		out = append(out, ring)
	}
	return out
}
