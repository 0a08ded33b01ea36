package massing

import "image"

// Labels is the result of connected-component labeling. IDs holds 0 for
// background and 1..Count for regions, numbered in row-major order of each
// region's first pixel.
type Labels struct {
	Width  int
	Height int
	IDs    []int32
	Count  int
	Sizes  []int             // pixel count per label, index 0 unused
	Boxes  []image.Rectangle // pixel bounds per label, index 0 unused
}

// Region returns a mask of a single label clipped to its bounding box, plus
// the box origin.
func (l *Labels) Region(id int) (*Mask, image.Point) {
	box := l.Boxes[id]
	m := NewMask(box.Dx(), box.Dy())
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if l.IDs[y*l.Width+x] == int32(id) {
				m.Set(x-box.Min.X, y-box.Min.Y, true)
			}
		}
	}
	return m, box.Min
}

// Label partitions the set cells of m into connected regions using a
// two-pass union-find scan.
func Label(m *Mask, conn Connectivity) *Labels {
	w, h := m.Width, m.Height
	provisional := make([]int32, w*h)
	uf := newUnionFind(1)
	next := int32(1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !m.Bits[i] {
				continue
			}
			var neighbors [4]int32
			n := 0
			if x > 0 && provisional[i-1] != 0 {
				neighbors[n] = provisional[i-1]
				n++
			}
			if y > 0 && provisional[i-w] != 0 {
				neighbors[n] = provisional[i-w]
				n++
			}
			if conn == Connectivity8 && y > 0 {
				if x > 0 && provisional[i-w-1] != 0 {
					neighbors[n] = provisional[i-w-1]
					n++
				}
				if x+1 < w && provisional[i-w+1] != 0 {
					neighbors[n] = provisional[i-w+1]
					n++
				}
			}
			if n == 0 {
				provisional[i] = next
				uf.grow()
				next++
				continue
			}
			provisional[i] = neighbors[0]
			for _, nb := range neighbors[1:n] {
				uf.union(int(neighbors[0]), int(nb))
			}
		}
	}

	// Resolve roots and renumber in scan order.
	final := make(map[int]int32)
	labels := &Labels{
		Width:  w,
		Height: h,
		IDs:    make([]int32, w*h),
		Sizes:  []int{0},
		Boxes:  []image.Rectangle{{}},
	}
	for i, p := range provisional {
		if p == 0 {
			continue
		}
		root := uf.find(int(p))
		id, ok := final[root]
		if !ok {
			labels.Count++
			id = int32(labels.Count)
			final[root] = id
			labels.Sizes = append(labels.Sizes, 0)
			labels.Boxes = append(labels.Boxes, image.Rectangle{})
		}
		labels.IDs[i] = id
		labels.Sizes[id]++
		x, y := i%w, i/w
		px := image.Rect(x, y, x+1, y+1)
		if labels.Sizes[id] == 1 {
			labels.Boxes[id] = px
		} else {
			labels.Boxes[id] = labels.Boxes[id].Union(px)
		}
	}
	return labels
}

// unionFind implements a disjoint-set data structure with path compression.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (uf *unionFind) grow() {
	uf.parent = append(uf.parent, len(uf.parent))
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}
