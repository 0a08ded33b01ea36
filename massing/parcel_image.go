package massing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
)

const (
	// EarthRadiusMeters is the mean radius used for geodesic lengths.
	EarthRadiusMeters = 6371008.8

	// metersPerDegree is the length of one degree of latitude.
	metersPerDegree = 111320.0
)

var (
	parcelRed   = color.RGBA{R: 255, A: 255}
	parcelBlack = color.RGBA{A: 255}
)

// GeodesicDistance is the great-circle distance between two lon/lat points
// in metres.
func GeodesicDistance(a, b orb.Point) float64 {
	p1 := s2.LatLngFromDegrees(a[1], a[0])
	p2 := s2.LatLngFromDegrees(b[1], b[0])
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// ParcelImage is a parcel drawn red on a black square.
type ParcelImage struct {
	PNG    []byte
	Bounds Bounds  // square bounds in degrees
	Size   int     // pixels per side
	SideM  float64 // metres per side
}

// RasterizeParcel draws poly centred on a square whose side is the larger of
// the parcel's geodesic width and height, at resolutionM metres per pixel.
// The PNG carries dimensions_m and coordinates text chunks.
func RasterizeParcel(poly orb.Polygon, resolutionM float64) (*ParcelImage, error) {
	if len(poly) == 0 || len(poly[0]) < 4 {
		return nil, inputErr("parcel", fmt.Errorf("parcel polygon is empty"))
	}
	if resolutionM <= 0 {
		resolutionM = 1
	}
	bound := poly.Bound()
	width := GeodesicDistance(bound.Min, orb.Point{bound.Max[0], bound.Min[1]})
	height := GeodesicDistance(bound.Min, orb.Point{bound.Min[0], bound.Max[1]})
	side := math.Max(width, height)
	if side <= 0 {
		return nil, inputErr("parcel", fmt.Errorf("parcel has no extent"))
	}

	c := bound.Center()
	latSpan := side / metersPerDegree
	lonSpan := side / (metersPerDegree * math.Cos(c[1]*math.Pi/180))
	sq := Bounds{
		West:  c[0] - lonSpan/2,
		South: c[1] - latSpan/2,
		East:  c[0] + lonSpan/2,
		North: c[1] + latSpan/2,
	}
	size := int(math.Ceil(side / resolutionM))

	// one canvas unit per pixel, y up
	rast := rasterizer.New(float64(size), float64(size), canvas.DPMM(1), canvas.DefaultColorSpace)
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: parcelBlack}
	bg.Stroke = canvas.Paint{Color: canvas.Transparent}
	rast.RenderPath(canvas.Rectangle(float64(size), float64(size)), bg, canvas.Identity)

	fill := canvas.DefaultStyle
	fill.Fill = canvas.Paint{Color: parcelRed}
	fill.Stroke = canvas.Paint{Color: canvas.Transparent}
	sx := float64(size) / (sq.East - sq.West)
	sy := float64(size) / (sq.North - sq.South)
	path := &canvas.Path{}
	for _, ring := range poly {
		for i, pt := range ring {
			x, y := (pt[0]-sq.West)*sx, (pt[1]-sq.South)*sy
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		path.Close()
	}
	rast.RenderPath(path, fill, canvas.Identity)

	var buf bytes.Buffer
	if err := png.Encode(&buf, rast); err != nil {
		return nil, fmt.Errorf("encoding parcel: %w", err)
	}
	tagged, err := WithPNGText(buf.Bytes(), map[string]string{
		"dimensions_m": fmt.Sprintf("%.2f", side),
		"coordinates":  fmt.Sprintf("%v", sq.Array()),
	})
	if err != nil {
		return nil, err
	}
	return &ParcelImage{PNG: tagged, Bounds: sq, Size: size, SideM: side}, nil
}

// ParcelShape extracts the red parcel from img with holes filled and gaps
// closed by a 3x3 dilation followed by a 3x3 erosion.
func ParcelShape(img image.Image) *Mask {
	r := RasterFromImage(img)
	m := NewMask(r.Width, r.Height)
	for i := range m.Bits {
		cr, cg, cb := r.Pix[3*i], r.Pix[3*i+1], r.Pix[3*i+2]
		m.Bits[i] = cr >= 150 && cg <= 100 && cb <= 100
	}
	return closeMask(FillHoles(m))
}

// closeMask applies a morphological closing. The mask is padded first so
// shapes touching the border are not eroded against the edge.
func closeMask(m *Mask) *Mask {
	const pad = 2
	w, h := m.Width+2*pad, m.Height+2*pad
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y) {
				gray.SetGray(x+pad, y+pad, color.Gray{Y: 255})
			}
		}
	}
	closed := effect.Erode(effect.Dilate(gray, 1), 1)

	out := NewMask(m.Width, m.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			out.Set(x, y, closed.RGBAAt(x+pad, y+pad).R > 127)
		}
	}
	return out
}

// maskBounds is the smallest rectangle holding every set cell.
func maskBounds(m *Mask) image.Rectangle {
	r := image.Rectangle{}
	first := true
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if !m.At(x, y) {
				continue
			}
			cell := image.Rect(x, y, x+1, y+1)
			if first {
				r, first = cell, false
			} else {
				r = r.Union(cell)
			}
		}
	}
	return r
}

// normalizeShape crops m to its set cells and scales the result onto a
// width x height grid with nearest-neighbour sampling.
func normalizeShape(m *Mask, width, height int) *Mask {
	out := NewMask(width, height)
	rect := maskBounds(m)
	if rect.Empty() {
		return out
	}
	gray := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, b := range m.Bits {
		if b {
			gray.Pix[i] = 255
		}
	}
	scaled := imaging.Resize(imaging.Crop(gray, rect), width, height, imaging.NearestNeighbor)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Set(x, y, scaled.NRGBAAt(x, y).R > 127)
		}
	}
	return out
}

// ShapeIoU compares two shapes independent of position and scale: each is
// cropped to its extent and stretched to width x height before taking
// intersection over union. Two empty shapes score 0.
func ShapeIoU(a, b *Mask, width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 0
	}
	na, nb := normalizeShape(a, width, height), normalizeShape(b, width, height)
	var inter, union int
	for i := range na.Bits {
		x, y := na.Bits[i], nb.Bits[i]
		if x && y {
			inter++
		}
		if x || y {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
