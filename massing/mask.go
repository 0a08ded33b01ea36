package massing

// Mask is a binary grid aligned 1:1 with a Raster.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask allocates an all-zero mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// At reports whether (x, y) is set. Coordinates outside the mask are unset.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set writes (x, y).
func (m *Mask) Set(x, y int, v bool) {
	m.Bits[y*m.Width+x] = v
}

// Count returns the number of set cells.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Any reports whether at least one cell is set.
func (m *Mask) Any() bool {
	for _, b := range m.Bits {
		if b {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	c := NewMask(m.Width, m.Height)
	copy(c.Bits, m.Bits)
	return c
}

// Union returns a new mask set wherever either input is set.
func (m *Mask) Union(o *Mask) *Mask {
	c := m.Clone()
	for i, b := range o.Bits {
		if b {
			c.Bits[i] = true
		}
	}
	return c
}

// pixelPredicate decides class membership from the RGB channels.
type pixelPredicate func(r, g, b int) bool

// classPredicate returns the membership test for a class under t.
func classPredicate(c Class, t Thresholds) pixelPredicate {
	switch c {
	case ClassBuilding:
		bt := t.Building
		return func(r, g, b int) bool { return r > bt && g < bt && b < bt }
	case ClassWater:
		wt := t.Water
		return func(r, g, b int) bool { return b > wt && g < wt && r < wt }
	case ClassGreen:
		gt := t.Green
		return func(r, g, b int) bool { return g > gt && r < gt && b < gt }
	case ClassResidential:
		return func(r, g, b int) bool { return r > 100 && g < 100 && b < 100 }
	case ClassCommercial:
		return func(r, g, b int) bool { return r > 210 && g > 210 && b < 210 }
	case ClassParcelWater:
		return func(r, g, b int) bool { return b > 150 && r < 150 && g < 150 }
	case ClassRoad:
		// grey within 85 of mid-grey on every channel
		return func(r, g, b int) bool {
			return abs(r-160) < 85 && abs(g-160) < 85 && abs(b-160) < 85
		}
	case ClassLightBlue:
		lt := t.LightBlue
		return func(r, g, b int) bool { return r < lt && g < lt && b > lt }
	}
	return func(int, int, int) bool { return false }
}

// ExtractMask builds the binary mask of one class.
func ExtractMask(r *Raster, c Class, t Thresholds) *Mask {
	pred := classPredicate(c, t)
	m := NewMask(r.Width, r.Height)
	for i := range m.Bits {
		p := i * 3
		m.Bits[i] = pred(int(r.Pix[p]), int(r.Pix[p+1]), int(r.Pix[p+2]))
	}
	return m
}

// ExtractMasks builds one mask per requested class. Classes are evaluated
// independently, so a pixel may land in several masks.
func ExtractMasks(r *Raster, t Thresholds, classes ...Class) map[Class]*Mask {
	out := make(map[Class]*Mask, len(classes))
	for _, c := range classes {
		out[c] = ExtractMask(r, c, t)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
