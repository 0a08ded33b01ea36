package massing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	// DefaultQCAttempts is how many generations are tried per parcel.
	DefaultQCAttempts = 5

	// DefaultQCThreshold is the shape IoU a generation must exceed.
	DefaultQCThreshold = 0.95

	// MinParcelPixels is the smallest parcel side worth generating.
	MinParcelPixels = 100
)

// ParcelPrompt is the instruction sent with a parcel image.
func ParcelPrompt(sideM float64, zone string) string {
	typology := "residential blocks"
	if strings.EqualFold(zone, UseCommercial) {
		typology = "commercial buildings"
	}
	return fmt.Sprintf("The first attached image is an urban development parcel with image square bounds of %.2f metres. "+
		"Populate the red parcel with 2D building footprints representing %s. "+
		"Render an image of the same size with a black background, with building footprints coloured in light-blue (#83C7EC). "+
		"Only populate the inner red region with building footprints. "+
		"Keep the scale provided, and give every footprint a realistic size. "+
		"The following images are populated parcels of the same kind, each captioned with its square bounds in metres; "+
		"use only one or two of their typologies. "+
		"The image must only contain red and light-blue (#83C7EC) shapes. "+
		"Do not change the size or shape of the parcel. "+
		"Avoid black outlines, 3D, shadows, isometric views and buildings outside the red parcel.",
		sideM, typology)
}

// ParcelOption configures a ParcelGenerator.
type ParcelOption func(*ParcelGenerator)

// WithQC sets the attempt budget and IoU threshold of the shape check.
func WithQC(attempts int, threshold float64) ParcelOption {
	return func(pg *ParcelGenerator) {
		if attempts > 0 {
			pg.attempts = attempts
		}
		if threshold > 0 {
			pg.threshold = threshold
		}
	}
}

// WithStrictQC fails a parcel whose last generation still fails the shape
// check instead of vectorising it anyway.
func WithStrictQC() ParcelOption {
	return func(pg *ParcelGenerator) {
		pg.strict = true
	}
}

// WithReferences registers the reference index of a zone.
func WithReferences(ix *ReferenceIndex) ParcelOption {
	return func(pg *ParcelGenerator) {
		pg.refs[strings.ToLower(ix.Zone)] = ix
	}
}

// WithReferenceWindow sets how many neighbouring references accompany the
// closest one.
func WithReferenceWindow(n int) ParcelOption {
	return func(pg *ParcelGenerator) {
		pg.window = n
	}
}

// ParcelGenerator fills parcels with generated building footprints: it draws
// the parcel, asks the generator for a layout, checks that the parcel shape
// survived, and vectorises the footprints.
type ParcelGenerator struct {
	gen       Generator
	refs      map[string]*ReferenceIndex
	window    int
	attempts  int
	threshold float64
	strict    bool
}

// NewParcelGenerator wraps gen.
func NewParcelGenerator(gen Generator, opts ...ParcelOption) *ParcelGenerator {
	pg := &ParcelGenerator{
		gen:       gen,
		refs:      make(map[string]*ReferenceIndex),
		window:    DefaultReferenceWindow,
		attempts:  DefaultQCAttempts,
		threshold: DefaultQCThreshold,
	}
	for _, opt := range opts {
		opt(pg)
	}
	return pg
}

// ParcelResult is a generated and vectorised parcel.
type ParcelResult struct {
	*Result
	Parcel    *ParcelImage
	Generated []byte
	Attempts  int
	IoU       float64
	QCPassed  bool
}

// Generate fills one parcel. Parcels under MinParcelPixels per side return
// ErrParcelTooSmall. params supplies the vectorisation settings; its zone and
// reference heights are replaced by zone and the matching references.
func (pg *ParcelGenerator) Generate(ctx context.Context, parcel orb.Polygon, zone string, params Params) (*ParcelResult, error) {
	img, err := RasterizeParcel(parcel, 1.0)
	if err != nil {
		return nil, err
	}
	if img.Size < MinParcelPixels {
		return nil, fmt.Errorf("%w: %d px", ErrParcelTooSmall, img.Size)
	}

	req := GenerateRequest{Prompt: ParcelPrompt(img.SideM, zone), Image: img.PNG}
	var levels []int
	if ix := pg.refs[strings.ToLower(zone)]; ix.Len() > 0 {
		similar := ix.Similar(img.SideM, pg.window)
		levels = ReferenceLevels(similar)
		for _, ref := range similar {
			data, err := ref.Image()
			if err != nil {
				return nil, fmt.Errorf("reading reference: %w", err)
			}
			req.References = append(req.References, ReferenceImage{
				Data:    data,
				Caption: fmt.Sprintf("%.2f metres", ref.DimensionsM),
			})
		}
	}

	src, _, err := image.Decode(bytes.NewReader(img.PNG))
	if err != nil {
		return nil, fmt.Errorf("decoding parcel: %w", err)
	}
	want := ParcelShape(src)

	res := &ParcelResult{Parcel: img}
	for res.Attempts < pg.attempts {
		res.Attempts++
		out, err := pg.gen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		raster, err := DecodeRaster(out)
		if err != nil {
			return nil, &GenerationError{Category: CategoryUnexpected, Attempts: res.Attempts, Err: err}
		}
		res.Generated = out
		res.IoU = ShapeIoU(want, ParcelShape(raster.Image()), img.Size, img.Size)
		if res.IoU > pg.threshold {
			res.QCPassed = true
			break
		}
		log.Printf("[PARCEL] attempt %d/%d failed shape check (IoU %.3f)", res.Attempts, pg.attempts, res.IoU)
	}
	if !res.QCPassed {
		if pg.strict {
			return nil, fmt.Errorf("%w: IoU %.3f after %d attempts", ErrQualityCheck, res.IoU, res.Attempts)
		}
		log.Printf("[PARCEL] keeping last generation after %d attempts", res.Attempts)
	}

	raster, err := DecodeRaster(res.Generated)
	if err != nil {
		return nil, err
	}
	params.Zone = zone
	params.ReferenceHeights = levels
	p, _ := NewPipeline(VariantParcel)
	res.Result, err = p.Run(ctx, raster, img.Bounds, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PlanStats counts what happened to the parcels of a plan.
type PlanStats struct {
	Parcels   int `json:"parcels"`
	Generated int `json:"generated"`
	Skipped   int `json:"skipped"`
	Buildings int `json:"buildings"`
}

// GeneratePlan fills every commercial and residential parcel of a parcel
// plan, then caps heights near the plan's water and green space. Parcels too
// small to generate are skipped; a generation failure aborts the plan.
func (pg *ParcelGenerator) GeneratePlan(ctx context.Context, plan *Raster, b Bounds, params Params) (*geojson.FeatureCollection, PlanStats, error) {
	var stats PlanStats
	if plan == nil || plan.Width == 0 || plan.Height == 0 {
		return nil, stats, inputErr("image", ErrEmptyImage)
	}
	if !b.valid() {
		return nil, stats, inputErr("bbox", ErrInvalidBBox)
	}

	var buildings []*Building
	for _, zc := range []struct {
		class Class
		zone  string
	}{
		{ClassCommercial, UseCommercial},
		{ClassResidential, UseResidential},
	} {
		parcels, err := ClassPolygons(ctx, plan, b, zc.class, params)
		if err != nil {
			return nil, stats, err
		}
		for _, parcel := range parcels {
			stats.Parcels++
			res, err := pg.Generate(ctx, parcel, zc.zone, params)
			if errors.Is(err, ErrParcelTooSmall) {
				stats.Skipped++
				continue
			}
			if err != nil {
				return nil, stats, fmt.Errorf("%s parcel %d: %w", zc.zone, stats.Parcels-1, err)
			}
			stats.Generated++
			buildings = append(buildings, res.Buildings...)
		}
	}
	for i, bl := range buildings {
		bl.ID = i
	}
	stats.Buildings = len(buildings)

	near := ExtractMask(plan, ClassParcelWater, params.Thresholds).Union(ExtractMask(plan, ClassGreen, params.Thresholds))
	proj, err := NewProjector(b)
	if err != nil {
		return nil, stats, err
	}
	err = FeatureClamp(buildings, near, proj, b, ClampOptions{
		ThresholdM:     params.WaterThresholdM,
		LevelsPerMeter: params.LevelsPerMeter,
	})
	if err != nil {
		return nil, stats, fmt.Errorf("clamping heights: %w", err)
	}
	return BuildingCollection(buildings, "type"), stats, nil
}
