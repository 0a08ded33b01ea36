package massing

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator paints light-blue footprints on top of the parcel image it
// receives, keeping the red parcel intact.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	requests []GenerateRequest
	blank    bool  // return an all-black image
	err      error // fail every call
}

// footprints are fractions of the image side: three typical, one large and
// one small.
var footprints = [][4]float64{
	{0.10, 0.10, 0.20, 0.20},
	{0.30, 0.10, 0.40, 0.20},
	{0.50, 0.10, 0.60, 0.20},
	{0.20, 0.40, 0.45, 0.65},
	{0.80, 0.80, 0.84, 0.84},
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	r, err := DecodeRaster(req.Image)
	if err != nil {
		return nil, err
	}
	if f.blank {
		r.Fill(color.RGBA{A: 255})
	} else {
		w := float64(r.Width)
		for _, fp := range footprints {
			r.FillRect(int(fp[0]*w), int(fp[1]*w), int(fp[2]*w), int(fp[3]*w), lightBlue)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, r.Image()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parcelSquare is a square parcel of side degrees at the equator.
func parcelSquare(side float64) orb.Polygon {
	return square(0.01, 0.01, side)
}

func levelCounts(buildings []*Building) map[int]int {
	out := map[int]int{}
	for _, b := range buildings {
		out[*b.Levels]++
	}
	return out
}

// ---------------------------------------------------------------------------
// Parcel rasterization
// ---------------------------------------------------------------------------

func TestGeodesicDistance(t *testing.T) {
	d := GeodesicDistance(orb.Point{0, 0}, orb.Point{0, 1})
	assert.InDelta(t, 111195, d, 1)
	assert.Equal(t, 0.0, GeodesicDistance(orb.Point{5, 5}, orb.Point{5, 5}))
}

func TestRasterizeParcel(t *testing.T) {
	img, err := RasterizeParcel(parcelSquare(0.0015), 1.0)
	require.NoError(t, err)

	assert.InDelta(t, 166.8, img.SideM, 0.5)
	assert.Equal(t, 167, img.Size)

	text, err := PNGText(img.PNG)
	require.NoError(t, err)
	assert.Equal(t, "166.79", text["dimensions_m"])
	assert.Contains(t, text, "coordinates")

	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	require.NoError(t, err)
	assert.Equal(t, img.Size, decoded.Bounds().Dx())

	lon, lat := img.Bounds.Center()
	assert.InDelta(t, 0.01075, lon, 1e-9)
	assert.InDelta(t, 0.01075, lat, 1e-9)

	shape := ParcelShape(decoded)
	assert.Greater(t, float64(shape.Count()), 0.95*float64(img.Size*img.Size), "a square parcel fills its image")
}

func TestRasterizeParcel_Rectangle(t *testing.T) {
	rect := orb.Polygon{{{0, 0}, {0.002, 0}, {0.002, 0.001}, {0, 0.001}, {0, 0}}}
	img, err := RasterizeParcel(rect, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 222.4, img.SideM, 0.5, "the wider side sets the square")
	assert.Equal(t, 112, img.Size)

	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	require.NoError(t, err)
	shape := ParcelShape(decoded)
	frac := float64(shape.Count()) / float64(img.Size*img.Size)
	assert.InDelta(t, 0.5, frac, 0.05)
}

func TestRasterizeParcel_Errors(t *testing.T) {
	_, err := RasterizeParcel(orb.Polygon{}, 1)
	field, ok := IsInputError(err)
	assert.True(t, ok)
	assert.Equal(t, "parcel", field)

	point := orb.Polygon{{{1, 1}, {1, 1}, {1, 1}, {1, 1}}}
	_, err = RasterizeParcel(point, 1)
	assert.Error(t, err)
}

func TestShapeIoU(t *testing.T) {
	small := maskFromRows(
		"......",
		".##...",
		".##...",
		"......",
	)
	big := NewMask(20, 20)
	for y := 5; y < 15; y++ {
		for x := 2; x < 12; x++ {
			big.Set(x, y, true)
		}
	}
	assert.Equal(t, 1.0, ShapeIoU(small, big, 50, 50), "position and scale do not matter")
	assert.Equal(t, 1.0, ShapeIoU(big, big, 50, 50))

	half := NewMask(20, 20)
	for y := 5; y < 15; y++ {
		for x := 2; x < 7; x++ {
			half.Set(x, y, true)
		}
	}
	half.Set(11, 5, true) // same extent as big, half the fill
	iou := ShapeIoU(half, big, 20, 20)
	assert.Greater(t, iou, 0.4)
	assert.Less(t, iou, 0.7)

	assert.Equal(t, 0.0, ShapeIoU(NewMask(5, 5), NewMask(5, 5), 10, 10))
	assert.Equal(t, 0.0, ShapeIoU(big, big, 0, 10))
}

func TestParcelShape_FillsHolesAndGaps(t *testing.T) {
	r := NewRaster(30, 30)
	r.FillRect(5, 5, 25, 25, red)
	r.FillRect(10, 10, 15, 15, lightBlue) // footprint inside the parcel
	r.FillRect(5, 20, 25, 21, black)      // one pixel seam

	m := ParcelShape(r.Image())
	assert.True(t, m.At(12, 12), "footprints are holes and get filled")
	assert.True(t, m.At(15, 20), "seams are closed")
	assert.False(t, m.At(2, 2))
}

// ---------------------------------------------------------------------------
// ParcelGenerator
// ---------------------------------------------------------------------------

func TestParcelGenerator_Generate(t *testing.T) {
	gen := &fakeGenerator{}
	pg := NewParcelGenerator(gen)

	res, err := pg.Generate(context.Background(), parcelSquare(0.0015), UseResidential, DefaultParams(VariantParcel))
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.QCPassed)
	assert.Greater(t, res.IoU, 0.95)
	assert.True(t, IsPNG(res.Generated))

	require.Len(t, res.Buildings, 5)
	assert.Equal(t, map[int]int{5: 1, 17: 3, 25: 1}, levelCounts(res.Buildings))
	for _, b := range res.Buildings {
		assert.Equal(t, UseResidential, b.Use)
		assert.True(t, res.Parcel.Bounds.West < b.Geometry.Bound().Min[0])
	}

	req := gen.requests[0]
	assert.Contains(t, req.Prompt, "166.79 metres")
	assert.Contains(t, req.Prompt, "residential blocks")
	assert.Empty(t, req.References)
}

func TestParcelGenerator_CommercialPrompt(t *testing.T) {
	assert.Contains(t, ParcelPrompt(120, "Commercial"), "commercial buildings")
	assert.Contains(t, ParcelPrompt(120, UseResidential), "120.00 metres")
}

func TestParcelGenerator_TooSmall(t *testing.T) {
	gen := &fakeGenerator{}
	pg := NewParcelGenerator(gen)
	_, err := pg.Generate(context.Background(), parcelSquare(0.0005), UseResidential, DefaultParams(VariantParcel))
	assert.ErrorIs(t, err, ErrParcelTooSmall)
	assert.Equal(t, 0, gen.calls)
}

func TestParcelGenerator_LenientQC(t *testing.T) {
	gen := &fakeGenerator{blank: true}
	pg := NewParcelGenerator(gen, WithQC(3, 0.9))

	res, err := pg.Generate(context.Background(), parcelSquare(0.0015), UseResidential, DefaultParams(VariantParcel))
	require.NoError(t, err)
	assert.Equal(t, 3, gen.calls)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.QCPassed)
	assert.Equal(t, 0.0, res.IoU)
	assert.Empty(t, res.Buildings, "a blank generation has no footprints")
}

func TestParcelGenerator_StrictQC(t *testing.T) {
	gen := &fakeGenerator{blank: true}
	pg := NewParcelGenerator(gen, WithQC(2, 0.9), WithStrictQC())

	_, err := pg.Generate(context.Background(), parcelSquare(0.0015), UseResidential, DefaultParams(VariantParcel))
	assert.ErrorIs(t, err, ErrQualityCheck)
	assert.Equal(t, 2, gen.calls)
}

func TestParcelGenerator_GeneratorError(t *testing.T) {
	genErr := &GenerationError{Category: CategoryRateLimit, Attempts: 3, Err: errors.New("429")}
	pg := NewParcelGenerator(&fakeGenerator{err: genErr})

	_, err := pg.Generate(context.Background(), parcelSquare(0.0015), UseCommercial, DefaultParams(VariantParcel))
	cat, ok := GenerationCategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, CategoryRateLimit, cat)
}

func TestParcelGenerator_UsesReferences(t *testing.T) {
	dir := t.TempDir()
	for name, tags := range map[string]map[string]string{
		"a_combined.png": {"dimensions_m": "80", "levels": "[3, 8]"},
		"b_combined.png": {"dimensions_m": "160", "levels": "[2, 10, 12]"},
		"c_combined.png": {"dimensions_m": "400", "levels": "[40]"},
		"d_combined.png": {"dimensions_m": "900", "levels": "[60]"},
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), taggedPNG(t, tags), 0644))
	}
	ix, err := LoadReferenceIndex(dir, UseResidential)
	require.NoError(t, err)

	gen := &fakeGenerator{}
	pg := NewParcelGenerator(gen, WithReferences(ix), WithReferenceWindow(1))

	res, err := pg.Generate(context.Background(), parcelSquare(0.0015), "Residential", DefaultParams(VariantParcel))
	require.NoError(t, err)

	req := gen.requests[0]
	require.Len(t, req.References, 2)
	assert.Equal(t, "160.00 metres", req.References[0].Caption)
	assert.Equal(t, "400.00 metres", req.References[1].Caption)

	// references [2, 10, 12, 40] split around 11: low 2, mid 11, high 40
	assert.Equal(t, map[int]int{2: 1, 11: 3, 40: 1}, levelCounts(res.Buildings))
	assert.Equal(t, UseResidential, res.Buildings[0].Use)
}

func TestParcelGenerator_GeneratePlan(t *testing.T) {
	plan := NewRaster(100, 100)
	plan.FillRect(10, 10, 30, 30, color.RGBA{R: 200, G: 40, B: 40, A: 255}) // residential, ~220 m
	plan.FillRect(60, 10, 64, 14, yellow)                                  // commercial, too small
	plan.FillRect(0, 60, 100, 100, blue)                                   // water

	b := Bounds{West: 0, South: 0, East: 0.01, North: 0.01}
	gen := &fakeGenerator{}
	pg := NewParcelGenerator(gen)

	fc, stats, err := pg.GeneratePlan(context.Background(), plan, b, DefaultParams(VariantParse))
	require.NoError(t, err)

	assert.Equal(t, PlanStats{Parcels: 2, Generated: 1, Skipped: 1, Buildings: 5}, stats)
	require.Len(t, fc.Features, 5)
	for i, f := range fc.Features {
		assert.Equal(t, i, f.Properties["id"])
		assert.Equal(t, UseResidential, f.Properties["type"])
	}
	assert.Equal(t, 1, gen.calls)
}

func TestParcelGenerator_GeneratePlanRejectsBadInput(t *testing.T) {
	pg := NewParcelGenerator(&fakeGenerator{})
	_, _, err := pg.GeneratePlan(context.Background(), nil, testBounds, DefaultParams(VariantParse))
	field, _ := IsInputError(err)
	assert.Equal(t, "image", field)

	_, _, err = pg.GeneratePlan(context.Background(), NewRaster(2, 2), Bounds{}, DefaultParams(VariantParse))
	field, _ = IsInputError(err)
	assert.Equal(t, "bbox", field)
}
