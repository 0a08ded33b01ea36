package massing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Pipeline is one configuration of the raster-to-footprint pipeline. The
// variants differ only in the switches below.
type Pipeline struct {
	Variant     Variant
	Mask        Class
	AreaMedian  bool        // area-median join instead of the grid join
	Stepdown    bool        // Gaussian stepdown of the grid near water
	Clamp       bool        // per-feature cap near water or green space
	OutOfBounds OutOfBounds // grid join only
	TitleCase   bool        // "Residential" instead of "residential"
	UseKey      string      // property holding the use type
}

// NewPipeline returns the configuration of a named variant.
//
// The two grid variants disagree on out-of-grid features: vectorise reports
// levels 0 and "residential", geojsonify reports no height and "Unknown".
// Both behaviours are kept.
func NewPipeline(v Variant) (*Pipeline, error) {
	switch v {
	case VariantVectorise:
		return &Pipeline{Variant: v, Mask: ClassBuilding, Stepdown: true, Clamp: true,
			OutOfBounds: OutOfBoundsDefault, UseKey: "type"}, nil
	case VariantGeojsonify:
		return &Pipeline{Variant: v, Mask: ClassBuilding, Stepdown: true,
			OutOfBounds: OutOfBoundsUnavailable, TitleCase: true, UseKey: "usetype"}, nil
	case VariantParcel:
		return &Pipeline{Variant: v, Mask: ClassLightBlue, AreaMedian: true, UseKey: "type"}, nil
	case VariantParse:
		return &Pipeline{Variant: v, UseKey: "type"}, nil
	}
	return nil, fmt.Errorf("unknown variant %q", v)
}

// Result is the output of one run.
type Result struct {
	Variant    Variant
	Buildings  []*Building // empty for the parse variant
	Collection *geojson.FeatureCollection
}

// Run vectorises r over the box b. It fails only on malformed input or
// cancellation; degenerate polygons are dropped silently.
func (p *Pipeline) Run(ctx context.Context, r *Raster, b Bounds, params Params) (*Result, error) {
	if r == nil || r.Width == 0 || r.Height == 0 {
		return nil, inputErr("image", ErrEmptyImage)
	}
	if !b.valid() {
		return nil, inputErr("bbox", ErrInvalidBBox)
	}
	if p.Variant == VariantParse {
		return p.parse(ctx, r, b, params)
	}

	gt := GeoTransformFromBounds(b, r.Width, r.Height)
	polys, err := ClassPolygons(ctx, r, b, p.Mask, params)
	if err != nil {
		return nil, err
	}

	var buildings []*Building
	if p.AreaMedian {
		buildings = AreaMedianJoin(polys, params.Zone, params.ReferenceHeights)
	} else {
		buildings, err = p.gridJoin(r, polys, gt, b, params)
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Variant:    p.Variant,
		Buildings:  buildings,
		Collection: BuildingCollection(buildings, p.UseKey),
	}, nil
}

// ClassPolygons extracts one class of r, drops components below the minimum
// area, traces the rest and simplifies them in metres.
func ClassPolygons(ctx context.Context, r *Raster, b Bounds, c Class, params Params) ([]orb.Polygon, error) {
	mask := ExtractMask(r, c, params.Thresholds)
	mask = RemoveSmallObjects(mask, MinAreaPixels(params.MinAreaRatio, r.Width, r.Height))
	gt := GeoTransformFromBounds(b, r.Width, r.Height)

	polys, err := Polygonize(ctx, mask, gt, params.Connectivity)
	if err != nil {
		return nil, fmt.Errorf("polygonizing: %w", err)
	}
	if len(polys) == 0 {
		return nil, nil
	}
	s, err := NewSimplifier(b, params.SimplifyTolerance)
	if err != nil {
		return nil, err
	}
	polys, err = s.SimplifyAll(ctx, polys)
	if err != nil {
		return nil, fmt.Errorf("simplifying: %w", err)
	}
	return polys, nil
}

func (p *Pipeline) gridJoin(r *Raster, polys []orb.Polygon, gt GeoTransform, b Bounds, params Params) ([]*Building, error) {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sampler := NewUseMixSampler(params.UseMix, rand.New(rand.NewSource(seed)))
	grid := sampler.Sample(r.Width, r.Height)

	water := ExtractMask(r, ClassWater, params.Thresholds)
	if p.Stepdown {
		GaussianStepdown(grid, water, params.Sigma, params.FalloffK)
	}

	buildings, err := GridJoin(polys, grid, gt, p.OutOfBounds, p.TitleCase)
	if err != nil {
		return nil, err
	}

	if p.Clamp && len(buildings) > 0 {
		near := water.Union(ExtractMask(r, ClassGreen, params.Thresholds))
		proj, err := NewProjector(b)
		if err != nil {
			return nil, err
		}
		err = FeatureClamp(buildings, near, proj, b, ClampOptions{
			ThresholdM:     params.WaterThresholdM,
			LevelsPerMeter: params.LevelsPerMeter,
		})
		if err != nil {
			return nil, fmt.Errorf("clamping heights: %w", err)
		}
	}
	return buildings, nil
}

// parseClasses are the parcel plan layers in output order, with the label
// used for ids and the type property.
var parseClasses = []struct {
	class Class
	label string
	count string
}{
	{ClassResidential, "residential", "residential_count"},
	{ClassCommercial, "commercial", "commercial_count"},
	{ClassParcelWater, "water", "water_count"},
	{ClassGreen, "green", "green_count"},
	{ClassRoad, "road", "roads_count"},
}

func (p *Pipeline) parse(ctx context.Context, r *Raster, b Bounds, params Params) (*Result, error) {
	fc := NewFeatureCollection()
	metadata := map[string]interface{}{"bounds": b.Array()}
	for _, pc := range parseClasses {
		polys, err := ClassPolygons(ctx, r, b, pc.class, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pc.label, err)
		}
		for i, poly := range polys {
			id := fmt.Sprintf("%s_%d", pc.label, i)
			fc.Append(ClassFeature(id, pc.label, poly, planar.Area(poly)))
		}
		metadata[pc.count] = len(polys)
	}
	fc.ExtraMembers["metadata"] = metadata
	return &Result{Variant: p.Variant, Collection: fc}, nil
}
