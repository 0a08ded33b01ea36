package massing

import "math"

// MinAreaPixels scales an area ratio to a pixel count for a w x h raster.
func MinAreaPixels(ratio float64, width, height int) int {
	if ratio <= 0 {
		return 0
	}
	return int(math.Round(ratio * float64(width) * float64(height)))
}

// RemoveSmallObjects clears every 4-connected component of m smaller than
// minPixels and returns the cleaned copy. A threshold of zero or less keeps
// everything.
func RemoveSmallObjects(m *Mask, minPixels int) *Mask {
	out := m.Clone()
	if minPixels <= 0 {
		return out
	}
	labels := Label(m, Connectivity4)
	for i, id := range labels.IDs {
		if id != 0 && labels.Sizes[id] < minPixels {
			out.Bits[i] = false
		}
	}
	return out
}

// FillHoles sets every unset cell that is not 4-connected to the mask border
// through other unset cells.
func FillHoles(m *Mask) *Mask {
	out := m.Clone()
	w, h := m.Width, m.Height
	if w == 0 || h == 0 {
		return out
	}
	outside := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))
	push := func(x, y int) {
		i := y*w + x
		if m.Bits[i] || outside[i] {
			return
		}
		outside[i] = true
		queue = append(queue, i)
	}
	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		x, y := i%w, i/w
		if x > 0 {
			push(x-1, y)
		}
		if x+1 < w {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y+1 < h {
			push(x, y+1)
		}
	}
	for i := range out.Bits {
		if !outside[i] {
			out.Bits[i] = true
		}
	}
	return out
}
