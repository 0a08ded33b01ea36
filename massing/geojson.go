package massing

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// crsWGS84 is the named CRS member written on every collection.
var crsWGS84 = map[string]interface{}{
	"type":       "name",
	"properties": map[string]interface{}{"name": "EPSG:4326"},
}

// NewFeatureCollection creates an empty collection tagged EPSG:4326.
func NewFeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{"crs": crsWGS84}
	return fc
}

// Feature converts b to GeoJSON. useKey names the use-type property, "type"
// or "usetype". Unavailable heights are written as null.
func (b *Building) Feature(useKey string) *geojson.Feature {
	f := geojson.NewFeature(b.Geometry)
	f.ID = b.ID
	f.Properties["id"] = b.ID
	if b.Levels != nil {
		f.Properties["levels"] = *b.Levels
		f.Properties["height"] = *b.Height()
	} else {
		f.Properties["levels"] = nil
		f.Properties["height"] = nil
	}
	if b.Use != "" {
		f.Properties[useKey] = b.Use
	} else {
		f.Properties[useKey] = nil
	}
	f.Properties["area"] = b.Area
	return f
}

// BuildingCollection writes buildings in order.
func BuildingCollection(buildings []*Building, useKey string) *geojson.FeatureCollection {
	fc := NewFeatureCollection()
	for _, b := range buildings {
		fc.Append(b.Feature(useKey))
	}
	return fc
}

// ClassFeature is a typed polygon with no height, as emitted when parsing a
// parcel plan.
func ClassFeature(id string, class string, poly orb.Polygon, area float64) *geojson.Feature {
	f := geojson.NewFeature(poly)
	f.ID = id
	f.Properties["id"] = id
	f.Properties["type"] = class
	f.Properties["area"] = area
	return f
}

// FeatureLevels reads the storey count of a feature written by this package,
// falling back to height/3. ok is false when neither is present.
func FeatureLevels(f *geojson.Feature) (int, bool) {
	if v, ok := number(f.Properties["levels"]); ok {
		return int(v), true
	}
	if v, ok := number(f.Properties["height"]); ok {
		return int(v / MetersPerStorey), true
	}
	return 0, false
}

// FeatureUse returns the "type" or "usetype" property.
func FeatureUse(f *geojson.Feature) string {
	for _, k := range []string{"type", "usetype"} {
		if s, ok := f.Properties[k].(string); ok {
			return s
		}
	}
	return ""
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
