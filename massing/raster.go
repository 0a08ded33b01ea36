package massing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Raster is an immutable RGB image, row-major with the origin at the top left.
type Raster struct {
	Width  int
	Height int
	Pix    []uint8 // 3 bytes per pixel
}

// NewRaster allocates a black raster.
func NewRaster(width, height int) *Raster {
	return &Raster{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// RGB returns the channels of the pixel at (x, y).
func (r *Raster) RGB(x, y int) (uint8, uint8, uint8) {
	i := (y*r.Width + x) * 3
	return r.Pix[i], r.Pix[i+1], r.Pix[i+2]
}

// Set writes the pixel at (x, y).
func (r *Raster) Set(x, y int, c color.RGBA) {
	i := (y*r.Width + x) * 3
	r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c.R, c.G, c.B
}

// Fill paints the whole raster with one colour.
func (r *Raster) Fill(c color.RGBA) {
	for i := 0; i < len(r.Pix); i += 3 {
		r.Pix[i], r.Pix[i+1], r.Pix[i+2] = c.R, c.G, c.B
	}
}

// FillRect paints the half-open pixel rectangle [x0,x1) x [y0,y1).
func (r *Raster) FillRect(x0, y0, x1, y1 int, c color.RGBA) {
	for y := max(y0, 0); y < min(y1, r.Height); y++ {
		for x := max(x0, 0); x < min(x1, r.Width); x++ {
			r.Set(x, y, c)
		}
	}
}

// RasterFromImage copies img into a Raster. Alpha is dropped without
// compositing; threshold logic never looks at it.
func RasterFromImage(img image.Image) *Raster {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	r := NewRaster(b.Dx(), b.Dy())
	for y := 0; y < r.Height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+r.Width*4]
		for x := 0; x < r.Width; x++ {
			i := (y*r.Width + x) * 3
			r.Pix[i] = row[x*4]
			r.Pix[i+1] = row[x*4+1]
			r.Pix[i+2] = row[x*4+2]
		}
	}
	return r
}

// Image returns the raster as an opaque NRGBA image.
func (r *Raster) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i, j := 0, 0; i < len(r.Pix); i, j = i+3, j+4 {
		img.Pix[j] = r.Pix[i]
		img.Pix[j+1] = r.Pix[i+1]
		img.Pix[j+2] = r.Pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}

// DecodeRaster decodes encoded image bytes (PNG, JPEG, GIF, BMP, TIFF, WebP).
func DecodeRaster(data []byte) (*Raster, error) {
	if len(data) == 0 {
		return nil, inputErr("image", ErrEmptyImage)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, inputErr("image", fmt.Errorf("decoding image: %w", err))
	}
	if img.Bounds().Empty() {
		return nil, inputErr("image", ErrEmptyImage)
	}
	return RasterFromImage(img), nil
}

// DecodeBase64Raster decodes a base64 payload, with or without a data URL
// prefix.
func DecodeBase64Raster(s string) (*Raster, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, inputErr("image", ErrEmptyImage)
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// some clients strip padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, inputErr("image", fmt.Errorf("decoding base64: %w", err))
		}
	}
	return DecodeRaster(data)
}
