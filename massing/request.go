package massing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Request is the JSON body shared by the HTTP and MQTT surfaces. Optional
// fields override the variant defaults when present.
type Request struct {
	ID      string `json:"id,omitempty"`
	Variant string `json:"variant,omitempty"`

	Image  string          `json:"image"`
	BBox   json.RawMessage `json:"bbox"`
	Parcel json.RawMessage `json:"parcel,omitempty"` // parcel/generate only

	UseMix            []float64 `json:"use_mix,omitempty"`
	Density           [][2]int  `json:"density,omitempty"`
	Sigma             *float64  `json:"sigma,omitempty"`
	FalloffK          *float64  `json:"falloff_k,omitempty"`
	WThreshold        *int      `json:"w_threshold,omitempty"`
	BThreshold        *int      `json:"b_threshold,omitempty"`
	GreenThreshold    *int      `json:"green_threshold,omitempty"`
	BuildingThreshold *int      `json:"building_threshold,omitempty"`
	SimplifyTolerance *float64  `json:"simplify_tolerance,omitempty"`
	// SimplifyToleranceM is the parcel endpoint's name for SimplifyTolerance.
	SimplifyToleranceM *float64 `json:"simplify_tolerance_m,omitempty"`
	MinAreaRatio       *float64 `json:"min_area_ratio,omitempty"`
	WaterThresholdM    *float64 `json:"water_threshold_m,omitempty"`
	LevelsPerMeter     *float64 `json:"lpm,omitempty"`
	Connectivity       *int     `json:"connectivity,omitempty"`
	Zone               string   `json:"zone,omitempty"`
	ReferenceHeights   []int    `json:"reference_heights,omitempty"`
	Seed               *int64   `json:"seed,omitempty"`
}

var errMixLength = errors.New("use_mix and density must have the same length")

// Params layers the request's overrides onto base.
func (r *Request) Params(base Params) (Params, error) {
	p := base
	if r.BThreshold != nil {
		p.Thresholds.Building = *r.BThreshold
	}
	if r.WThreshold != nil {
		p.Thresholds.Water = *r.WThreshold
	}
	if r.GreenThreshold != nil {
		p.Thresholds.Green = *r.GreenThreshold
	}
	if r.BuildingThreshold != nil {
		p.Thresholds.LightBlue = *r.BuildingThreshold
	}
	if r.MinAreaRatio != nil {
		if *r.MinAreaRatio < 0 {
			return p, inputErr("min_area_ratio", fmt.Errorf("must not be negative, got %v", *r.MinAreaRatio))
		}
		p.MinAreaRatio = *r.MinAreaRatio
	}
	switch {
	case r.SimplifyTolerance != nil:
		p.SimplifyTolerance = *r.SimplifyTolerance
	case r.SimplifyToleranceM != nil:
		p.SimplifyTolerance = *r.SimplifyToleranceM
	}
	if r.Sigma != nil {
		p.Sigma = *r.Sigma
	}
	if r.FalloffK != nil {
		p.FalloffK = *r.FalloffK
	}
	if r.WaterThresholdM != nil {
		p.WaterThresholdM = *r.WaterThresholdM
	}
	if r.LevelsPerMeter != nil {
		if *r.LevelsPerMeter <= 0 {
			return p, inputErr("lpm", fmt.Errorf("must be positive, got %v", *r.LevelsPerMeter))
		}
		p.LevelsPerMeter = *r.LevelsPerMeter
	}
	if r.Connectivity != nil {
		c := Connectivity(*r.Connectivity)
		if c != Connectivity4 && c != Connectivity8 {
			return p, inputErr("connectivity", fmt.Errorf("must be 4 or 8, got %d", *r.Connectivity))
		}
		p.Connectivity = c
	}
	if r.Zone != "" {
		p.Zone = r.Zone
	}
	if len(r.ReferenceHeights) > 0 {
		p.ReferenceHeights = append([]int(nil), r.ReferenceHeights...)
	}
	if r.Seed != nil {
		p.Seed = *r.Seed
	}

	mix, err := r.useMix(p.UseMix)
	if err != nil {
		return p, err
	}
	p.UseMix = mix
	return p, nil
}

// useMix replaces the ratios and storey ranges of base with the request's
// use_mix and density, keeping the category names.
func (r *Request) useMix(base []UseCategory) ([]UseCategory, error) {
	if len(r.UseMix) == 0 && len(r.Density) == 0 {
		return base, nil
	}
	n := len(base)
	if len(r.UseMix) > 0 {
		n = len(r.UseMix)
	}
	if len(r.Density) > 0 && len(r.Density) != n {
		return nil, inputErr("density", errMixLength)
	}
	if len(r.Density) == 0 && n != len(base) {
		return nil, inputErr("use_mix", errMixLength)
	}

	out := make([]UseCategory, n)
	for i := range out {
		if i < len(base) {
			out[i] = base[i]
		} else {
			out[i].Name = fmt.Sprintf("use_%d", i)
		}
		if len(r.UseMix) > 0 {
			if r.UseMix[i] < 0 {
				return nil, inputErr("use_mix", fmt.Errorf("ratio %d is negative", i))
			}
			out[i].Ratio = r.UseMix[i]
		}
		if len(r.Density) > 0 {
			lo, hi := r.Density[i][0], r.Density[i][1]
			if lo < 0 || hi < lo {
				return nil, inputErr("density", fmt.Errorf("invalid storey range [%d, %d]", lo, hi))
			}
			out[i].MinStoreys, out[i].MaxStoreys = lo, hi
		}
	}
	return out, nil
}

// Decode returns the raster and bounding box of the request.
func (r *Request) Decode() (*Raster, Bounds, error) {
	b, err := ParseBBox(r.BBox)
	if err != nil {
		return nil, Bounds{}, err
	}
	img, err := DecodeBase64Raster(r.Image)
	if err != nil {
		return nil, Bounds{}, err
	}
	return img, b, nil
}

// ParcelPolygon reads the parcel geometry of a generate request: a GeoJSON
// Polygon or MultiPolygon, bare or inside a Feature. A MultiPolygon yields
// its largest part.
func (r *Request) ParcelPolygon() (orb.Polygon, error) {
	raw := bytes.TrimSpace(r.Parcel)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, inputErr("parcel", errors.New("parcel geometry is required"))
	}

	var g orb.Geometry
	if f, err := geojson.UnmarshalFeature(raw); err == nil && f.Geometry != nil {
		g = f.Geometry
	} else if gg, err := geojson.UnmarshalGeometry(raw); err == nil {
		g = gg.Geometry()
	} else {
		return nil, inputErr("parcel", err)
	}

	switch t := g.(type) {
	case orb.Polygon:
		if len(t) == 0 {
			return nil, inputErr("parcel", errors.New("polygon is empty"))
		}
		return t, nil
	case orb.MultiPolygon:
		var best orb.Polygon
		bestArea := -1.0
		for _, p := range t {
			if a := planar.Area(p); a > bestArea {
				best, bestArea = p, a
			}
		}
		if best == nil {
			return nil, inputErr("parcel", errors.New("multipolygon is empty"))
		}
		return best, nil
	}
	return nil, inputErr("parcel", fmt.Errorf("unsupported geometry %T", g))
}
