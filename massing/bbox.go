package massing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ParseBBox reads a bounding box given either as a four-number
// [west, south, east, north] array or as a GeoJSON geometry, feature or
// collection whose bounds are taken.
func ParseBBox(raw json.RawMessage) (Bounds, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Bounds{}, inputErr("bbox", ErrMissingBBox)
	}

	var b Bounds
	switch raw[0] {
	case '[':
		var arr []float64
		if err := json.Unmarshal(raw, &arr); err != nil {
			return Bounds{}, inputErr("bbox", fmt.Errorf("%w: %v", ErrInvalidBBox, err))
		}
		if len(arr) != 4 {
			return Bounds{}, inputErr("bbox", fmt.Errorf("%w: want 4 numbers, got %d", ErrInvalidBBox, len(arr)))
		}
		b = Bounds{West: arr[0], South: arr[1], East: arr[2], North: arr[3]}
	case '{':
		var err error
		if b, err = geometryBounds(raw); err != nil {
			return Bounds{}, inputErr("bbox", fmt.Errorf("%w: %v", ErrInvalidBBox, err))
		}
	default:
		return Bounds{}, inputErr("bbox", ErrInvalidBBox)
	}

	if !b.valid() {
		return Bounds{}, inputErr("bbox", fmt.Errorf("%w: %v", ErrInvalidBBox, b.Array()))
	}
	return b, nil
}

func geometryBounds(raw json.RawMessage) (Bounds, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Bounds{}, err
	}

	switch head.Type {
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return Bounds{}, err
		}
		if f.Geometry == nil {
			return Bounds{}, errors.New("feature has no geometry")
		}
		return boundsOf(f.Geometry.Bound()), nil
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return Bounds{}, err
		}
		if len(fc.Features) == 0 {
			return Bounds{}, errors.New("empty feature collection")
		}
		var bound orb.Bound
		found := false
		for _, f := range fc.Features {
			if f.Geometry == nil {
				continue
			}
			if !found {
				bound, found = f.Geometry.Bound(), true
				continue
			}
			bound = bound.Union(f.Geometry.Bound())
		}
		if !found {
			return Bounds{}, errors.New("feature collection has no geometry")
		}
		return boundsOf(bound), nil
	case "":
		return Bounds{}, errors.New("missing geometry type")
	}

	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return Bounds{}, err
	}
	if g.Geometry() == nil {
		return Bounds{}, errors.New("empty geometry")
	}
	return boundsOf(g.Geometry().Bound()), nil
}

func boundsOf(b orb.Bound) Bounds {
	return Bounds{West: b.Min[0], South: b.Min[1], East: b.Max[0], North: b.Max[1]}
}
