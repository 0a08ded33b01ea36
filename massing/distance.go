package massing

import "math"

// DistanceTransform returns, for every cell, the Euclidean distance in pixels
// to the nearest cell whose mask value equals target. Cells are +Inf when no
// such cell exists. It uses the separable lower-envelope algorithm of
// Felzenszwalb and Huttenlocher, exact and linear in the cell count.
func DistanceTransform(m *Mask, target bool) []float64 {
	w, h := m.Width, m.Height
	d := make([]float64, w*h)
	for i, b := range m.Bits {
		if b == target {
			d[i] = 0
		} else {
			d[i] = math.Inf(1)
		}
	}

	n := max(w, h)
	f := make([]float64, n)
	out := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	// columns
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			f[y] = d[y*w+x]
		}
		edt1D(f[:h], out[:h], v, z)
		for y := 0; y < h; y++ {
			d[y*w+x] = out[y]
		}
	}
	// rows
	for y := 0; y < h; y++ {
		copy(f[:w], d[y*w:(y+1)*w])
		edt1D(f[:w], out[:w], v, z)
		copy(d[y*w:(y+1)*w], out[:w])
	}

	for i := range d {
		d[i] = math.Sqrt(d[i])
	}
	return d
}

// edt1D computes the squared distance transform of the sampled function f
// into out. v and z are scratch buffers of at least len(f) and len(f)+1.
func edt1D(f, out []float64, v []int, z []float64) {
	n := len(f)
	if n == 0 {
		return
	}
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		for k >= 0 {
			s := intersect(f, v[k], q)
			if s > z[k] {
				break
			}
			k--
		}
		k++
		v[k] = q
		if k == 0 {
			z[k] = math.Inf(-1)
		} else {
			z[k] = intersect(f, v[k-1], q)
		}
		z[k+1] = math.Inf(1)
	}
	if k < 0 {
		for q := range out {
			out[q] = math.Inf(1)
		}
		return
	}
	j := 0
	for q := 0; q < n; q++ {
		for z[j+1] < float64(q) {
			j++
		}
		dq := float64(q - v[j])
		out[q] = dq*dq + f[v[j]]
	}
}

// intersect is the abscissa where the parabolas rooted at p and q meet.
func intersect(f []float64, p, q int) float64 {
	fp, fq := float64(p), float64(q)
	return ((f[q] + fq*fq) - (f[p] + fp*fp)) / (2*fq - 2*fp)
}
