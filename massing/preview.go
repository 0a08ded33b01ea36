package massing

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// DefaultPalette maps use types to fill colours.
func DefaultPalette() map[string]string {
	return map[string]string{
		UseResidential: "#E4572E",
		UseCommercial:  "#F3C623",
		UseOffice:      "#4F6D7A",
		"water":        "#3A86FF",
		"green":        "#4CAF50",
		"road":         "#A0A0A0",
		UseUnknown:     "#9E9E9E",
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// PreviewRenderer draws a feature collection in plan view. Polygons are
// filled by use type and lightened the lower they are.
type PreviewRenderer struct {
	Width      float64 // canvas units (mm) of the longer side
	Padding    float64
	Resolution canvas.Resolution
	palette    map[string]colorful.Color
	fallback   colorful.Color
}

// NewPreviewRenderer parses palette on top of DefaultPalette. Keys are
// matched case-insensitively.
func NewPreviewRenderer(palette map[string]string) (*PreviewRenderer, error) {
	r := &PreviewRenderer{
		Width:      200,
		Padding:    5,
		Resolution: canvas.DPMM(4),
		palette:    make(map[string]colorful.Color),
	}
	merged := DefaultPalette()
	for k, v := range palette {
		merged[k] = v
	}
	for k, v := range merged {
		c, err := colorful.Hex(v)
		if err != nil {
			return nil, fmt.Errorf("palette %q: %w", k, err)
		}
		r.palette[strings.ToLower(k)] = c
	}
	r.fallback = r.palette[strings.ToLower(UseUnknown)]
	return r, nil
}

// Fill returns the colour of a feature with the given use and storeys, where
// maxLevels is the tallest feature drawn.
func (r *PreviewRenderer) Fill(use string, levels, maxLevels int) color.RGBA {
	c, ok := r.palette[strings.ToLower(use)]
	if !ok {
		c = r.fallback
	}
	if maxLevels > 0 {
		t := 1 - math.Min(1, float64(levels)/float64(maxLevels))
		c = c.BlendLab(colorful.Color{R: 1, G: 1, B: 1}, 0.6*t).Clamped()
	}
	rr, gg, bb := c.RGB255()
	return color.RGBA{R: rr, G: gg, B: bb, A: 255}
}

// RenderSVG writes fc as an SVG.
func (r *PreviewRenderer) RenderSVG(w io.Writer, fc *geojson.FeatureCollection) error {
	width, height, project := r.layout(fc)
	s := svg.New(w, width, height, nil)
	r.render(s, fc, width, height, project)
	return s.Close()
}

// RenderPNG writes fc as a PNG.
func (r *PreviewRenderer) RenderPNG(w io.Writer, fc *geojson.FeatureCollection) error {
	width, height, project := r.layout(fc)
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.render(rast, fc, width, height, project)
	return png.Encode(w, rast)
}

// layout fits the collection's bounds into the canvas, keeping the aspect
// ratio with longitude scaled by the cosine of the mean latitude.
func (r *PreviewRenderer) layout(fc *geojson.FeatureCollection) (float64, float64, func(orb.Point) (float64, float64)) {
	var bound orb.Bound
	found := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			bound, found = f.Geometry.Bound(), true
		} else {
			bound = bound.Union(f.Geometry.Bound())
		}
	}
	if !found || bound.Max[0] <= bound.Min[0] || bound.Max[1] <= bound.Min[1] {
		size := r.Width + 2*r.Padding
		return size, size, func(orb.Point) (float64, float64) { return 0, 0 }
	}

	kx := math.Cos(bound.Center()[1] * math.Pi / 180)
	dx := (bound.Max[0] - bound.Min[0]) * kx
	dy := bound.Max[1] - bound.Min[1]
	scale := r.Width / math.Max(dx, dy)
	width := dx*scale + 2*r.Padding
	height := dy*scale + 2*r.Padding
	return width, height, func(p orb.Point) (float64, float64) {
		return r.Padding + (p[0]-bound.Min[0])*kx*scale, r.Padding + (p[1]-bound.Min[1])*scale
	}
}

func (r *PreviewRenderer) render(renderer canvasRenderer, fc *geojson.FeatureCollection, width, height float64, project func(orb.Point) (float64, float64)) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	maxLevels := 0
	for _, f := range fc.Features {
		if n, ok := FeatureLevels(f); ok && n > maxLevels {
			maxLevels = n
		}
	}

	for _, f := range fc.Features {
		var polys []orb.Polygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			polys = []orb.Polygon{g}
		case orb.MultiPolygon:
			polys = g
		default:
			continue
		}
		levels, _ := FeatureLevels(f)
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: r.Fill(FeatureUse(f), levels, maxLevels)}
		style.Stroke = canvas.Paint{Color: canvas.Black}
		style.StrokeWidth = 0.1

		for _, poly := range polys {
			cp := &canvas.Path{}
			for _, ring := range poly {
				for i, pt := range ring {
					x, y := project(pt)
					if i == 0 {
						cp.MoveTo(x, y)
					} else {
						cp.LineTo(x, y)
					}
				}
				cp.Close()
			}
			renderer.RenderPath(cp, style, canvas.Identity)
		}
	}
}
