package massing

import (
	"math/rand"
	"sort"
)

// HeightGrid is a dense storey count and use type per raster cell.
type HeightGrid struct {
	Width   int
	Height  int
	Storeys []int
	Uses    []string
}

// NewHeightGrid allocates an empty grid.
func NewHeightGrid(width, height int) *HeightGrid {
	return &HeightGrid{
		Width:   width,
		Height:  height,
		Storeys: make([]int, width*height),
		Uses:    make([]string, width*height),
	}
}

// At returns the cell at (col, row) and whether it lies inside the grid.
func (g *HeightGrid) At(col, row int) (storeys int, use string, ok bool) {
	if col < 0 || row < 0 || col >= g.Width || row >= g.Height {
		return 0, "", false
	}
	i := row*g.Width + col
	return g.Storeys[i], g.Uses[i], true
}

// UseDistribution converts floor-area ratios into per-cell probabilities:
// each ratio is divided by the category's mean storeys, then the quotients
// are renormalised. Taller categories cover less ground for the same floor
// area. All-zero input gives all-zero output.
func UseDistribution(cats []UseCategory) []float64 {
	q := make([]float64, len(cats))
	var sum float64
	for i, c := range cats {
		mean := c.MeanStoreys()
		if mean <= 0 || c.Ratio <= 0 {
			continue
		}
		q[i] = c.Ratio / mean
		sum += q[i]
	}
	if sum == 0 {
		return q
	}
	for i := range q {
		q[i] /= sum
	}
	return q
}

// UseMixSampler assigns a storey count and use type to every cell of a grid
// from a target use mix.
type UseMixSampler struct {
	cats []UseCategory
	dist []float64
	rng  *rand.Rand
}

// NewUseMixSampler orders categories by ratio, largest first, and keeps rng
// as the only source of randomness.
func NewUseMixSampler(cats []UseCategory, rng *rand.Rand) *UseMixSampler {
	dist := UseDistribution(cats)
	idx := make([]int, len(cats))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return cats[idx[a]].Ratio > cats[idx[b]].Ratio })

	s := &UseMixSampler{rng: rng}
	for _, i := range idx {
		s.cats = append(s.cats, cats[i])
		s.dist = append(s.dist, dist[i])
	}
	return s
}

// Distribution returns the per-cell probabilities in sampling order.
func (s *UseMixSampler) Distribution() []float64 {
	return append([]float64(nil), s.dist...)
}

// Sample fills a width x height grid. Every cell starts in the dominant
// category; each later category then overwrites cells independently with its
// own probability, in order. Later overwrites can land on cells already
// claimed, so the realised mix only approximates the distribution.
func (s *UseMixSampler) Sample(width, height int) *HeightGrid {
	g := NewHeightGrid(width, height)
	if len(s.cats) == 0 {
		return g
	}
	base := s.cats[0]
	for i := range g.Storeys {
		g.Storeys[i] = s.storeys(base)
		g.Uses[i] = base.Name
	}
	for k := 1; k < len(s.cats); k++ {
		p := s.dist[k]
		if p <= 0 {
			continue
		}
		c := s.cats[k]
		for i := range g.Storeys {
			if s.rng.Float64() < p {
				g.Storeys[i] = s.storeys(c)
				g.Uses[i] = c.Name
			}
		}
	}
	return g
}

// storeys draws uniformly from [MinStoreys, MaxStoreys).
func (s *UseMixSampler) storeys(c UseCategory) int {
	if c.MaxStoreys <= c.MinStoreys {
		return c.MinStoreys
	}
	return c.MinStoreys + s.rng.Intn(c.MaxStoreys-c.MinStoreys)
}
