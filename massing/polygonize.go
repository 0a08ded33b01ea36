package massing

import (
	"context"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"
)

// Direction of a boundary edge in pixel space (y grows downward).
const (
	dirEast = iota
	dirSouth
	dirWest
	dirNorth
)

// boundaryEdge is one unit pixel side separating a set cell from an unset one.
// Edges run clockwise on screen around set cells, so outer boundaries have a
// positive shoelace area in pixel coordinates and holes a negative one.
type boundaryEdge struct {
	from, to int // vertex indices, y*(w+1)+x
	dir      int
	pixel    int
}

// traceRings follows every pixel-edge boundary of m and returns closed rings
// in pixel corner coordinates with collinear vertices removed.
//
// Where two set cells touch only at a corner the trace switches to the other
// cell, keeping background on both sides separate. For a 4-connected region
// this yields one simple outer ring plus simple holes that may touch the
// outer ring at single vertices.
func traceRings(m *Mask) []orb.Ring {
	w, h := m.Width, m.Height
	vw := w + 1
	var edges []boundaryEdge
	out := make(map[int][]int)

	add := func(x0, y0, x1, y1, dir, pixel int) {
		e := boundaryEdge{from: y0*vw + x0, to: y1*vw + x1, dir: dir, pixel: pixel}
		out[e.from] = append(out[e.from], len(edges))
		edges = append(edges, e)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !m.At(x, y) {
				continue
			}
			p := y*w + x
			if !m.At(x, y-1) {
				add(x, y, x+1, y, dirEast, p)
			}
			if !m.At(x+1, y) {
				add(x+1, y, x+1, y+1, dirSouth, p)
			}
			if !m.At(x, y+1) {
				add(x+1, y+1, x, y+1, dirWest, p)
			}
			if !m.At(x-1, y) {
				add(x, y+1, x, y, dirNorth, p)
			}
		}
	}

	next := func(cur boundaryEdge) int {
		cands := out[cur.to]
		if len(cands) == 1 {
			return cands[0]
		}
		for _, c := range cands {
			if edges[c].pixel != cur.pixel {
				return c
			}
		}
		return cands[0]
	}

	used := make([]bool, len(edges))
	var rings []orb.Ring
	for start := range edges {
		if used[start] {
			continue
		}
		var corners []orb.Point
		cur := start
		for !used[cur] {
			used[cur] = true
			e := edges[cur]
			n := next(e)
			if edges[n].dir != e.dir {
				x, y := e.to%vw, e.to/vw
				corners = append(corners, orb.Point{float64(x), float64(y)})
			}
			cur = n
		}
		if len(corners) < 4 {
			continue
		}
		ring := make(orb.Ring, 0, len(corners)+1)
		ring = append(ring, corners...)
		ring = append(ring, corners[0])
		rings = append(rings, ring)
	}
	return rings
}

// ringSignedArea returns the shoelace area; positive for rings that run
// clockwise on a y-down screen.
func ringSignedArea(r orb.Ring) float64 {
	var sum float64
	for i := 0; i+1 < len(r); i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

// regionPolygon turns one isolated 4-connected region into a polygon in
// pixel space: the positive ring is the shell, negative rings are holes.
func regionPolygon(m *Mask) orb.Polygon {
	var shell orb.Ring
	var shellArea float64
	var holes []orb.Ring
	for _, r := range traceRings(m) {
		a := ringSignedArea(r)
		switch {
		case a > shellArea:
			shell, shellArea = r, a
		case a < 0:
			holes = append(holes, r)
		}
	}
	if shell == nil {
		return nil
	}
	return append(orb.Polygon{shell}, holes...)
}

// largestPiece keeps the biggest 4-connected part of a mask, so a region that
// is only joined through diagonal corners still produces one simple polygon.
func largestPiece(m *Mask) *Mask {
	labels := Label(m, Connectivity4)
	if labels.Count <= 1 {
		return m
	}
	best := 1
	for id := 2; id <= labels.Count; id++ {
		if labels.Sizes[id] > labels.Sizes[best] {
			best = id
		}
	}
	out := NewMask(m.Width, m.Height)
	for i, id := range labels.IDs {
		out.Bits[i] = int(id) == best
	}
	return out
}

// toGeographic maps a pixel-space polygon through gt and orients the rings
// counter-clockwise for the shell and clockwise for holes.
func toGeographic(p orb.Polygon, origin orb.Point, gt GeoTransform) orb.Polygon {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		ring := make(orb.Ring, len(r))
		for j, pt := range r {
			ring[j] = gt.ApplyPoint(orb.Point{pt[0] + origin[0], pt[1] + origin[1]})
		}
		want := orb.CCW
		if i > 0 {
			want = orb.CW
		}
		if ring.Orientation() != want {
			ring.Reverse()
		}
		out[i] = ring
	}
	return out
}

// Polygonize labels m and traces every region into at most one geographic
// polygon. Regions are traced concurrently; the result keeps label order and
// omits regions that produced no valid polygon.
func Polygonize(ctx context.Context, m *Mask, gt GeoTransform, conn Connectivity) ([]orb.Polygon, error) {
	labels := Label(m, conn)
	if labels.Count == 0 {
		return nil, nil
	}

	results := make([]orb.Polygon, labels.Count+1)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for id := 1; id <= labels.Count; id++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			region, origin := labels.Region(id)
			if conn == Connectivity8 {
				region = largestPiece(region)
			}
			px := regionPolygon(region)
			if px == nil {
				return nil
			}
			poly := toGeographic(px, orb.Point{float64(origin.X), float64(origin.Y)}, gt)
			if planar.Area(poly) <= 0 || !ValidPolygon(poly) {
				return nil
			}
			results[id] = poly
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	polys := make([]orb.Polygon, 0, labels.Count)
	for _, p := range results[1:] {
		if p != nil {
			polys = append(polys, p)
		}
	}
	return polys, nil
}
