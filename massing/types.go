package massing

import "math"

// Class identifies a semantic mask extracted from a plan raster.
type Class string

const (
	ClassBuilding    Class = "building"    // red footprints on a massing plan
	ClassWater       Class = "water"       // blue-dominant terrain
	ClassGreen       Class = "green"       // green space
	ClassResidential Class = "residential" // residential parcels on a parcel plan
	ClassCommercial  Class = "commercial"  // commercial parcels on a parcel plan
	ClassParcelWater Class = "parcel_water"
	ClassRoad        Class = "road"
	ClassLightBlue   Class = "light_blue" // generated footprints (#83C7EC on black)
)

// Variant selects one configuration of the vectorisation pipeline.
type Variant string

const (
	// VariantVectorise samples a use mix, steps heights down near water and
	// clamps finished features near water or green space.
	VariantVectorise Variant = "vectorise"
	// VariantGeojsonify samples a use mix with the Gaussian stepdown only and
	// reports out-of-grid features as unavailable.
	VariantGeojsonify Variant = "geojsonify"
	// VariantParcel vectorises generated light-blue footprints and assigns
	// heights by area relative to the batch median.
	VariantParcel Variant = "parcel"
	// VariantParse extracts every parcel class as plain typed polygons.
	VariantParse Variant = "parse"
)

// ParseVariant converts a user supplied name to a Variant.
func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case VariantVectorise, VariantGeojsonify, VariantParcel, VariantParse:
		return Variant(s), true
	case "parcel/vectorise", "parcel_vectorise":
		return VariantParcel, true
	case "parcel/parse", "parcel_parse":
		return VariantParse, true
	}
	return "", false
}

// Connectivity is the pixel neighbourhood used when labeling regions.
type Connectivity int

const (
	Connectivity4 Connectivity = 4
	Connectivity8 Connectivity = 8
)

// OutOfBounds decides what a grid join reports for a feature whose centroid
// falls outside the height grid.
type OutOfBounds int

const (
	// OutOfBoundsDefault emits levels 0 with the "residential" use type.
	OutOfBoundsDefault OutOfBounds = iota
	// OutOfBoundsUnavailable emits no height and the "Unknown" use type.
	OutOfBoundsUnavailable
)

// Use type labels. The geojsonify variant reports the title-case names.
const (
	UseResidential = "residential"
	UseCommercial  = "commercial"
	UseOffice      = "office"
	UseUnknown     = "Unknown"
)

// MetersPerStorey converts storeys to a height in metres.
const MetersPerStorey = 3

// UseCategory is one land-use class of a use mix.
type UseCategory struct {
	Name       string  `json:"name" yaml:"name"`
	MinStoreys int     `json:"minStoreys" yaml:"minStoreys"`
	MaxStoreys int     `json:"maxStoreys" yaml:"maxStoreys"` // exclusive
	Ratio      float64 `json:"ratio" yaml:"ratio"`
}

// MeanStoreys is the midpoint of the category's storey range.
func (c UseCategory) MeanStoreys() float64 {
	return float64(c.MinStoreys+c.MaxStoreys) / 2
}

// DefaultUseMix returns the residential/commercial/office mix used when a
// request does not provide one.
func DefaultUseMix() []UseCategory {
	return []UseCategory{
		{Name: UseResidential, MinStoreys: 25, MaxStoreys: 35, Ratio: 0.7},
		{Name: UseCommercial, MinStoreys: 4, MaxStoreys: 9, Ratio: 0.2},
		{Name: UseOffice, MinStoreys: 10, MaxStoreys: 20, Ratio: 0.1},
	}
}

// Thresholds holds the per-channel cutoffs used by the mask extractor.
type Thresholds struct {
	Building  int `json:"b_threshold" yaml:"building"`
	Water     int `json:"w_threshold" yaml:"water"`
	Green     int `json:"green_threshold" yaml:"green"`
	LightBlue int `json:"building_threshold" yaml:"lightBlue"`
}

// DefaultThresholds returns the cutoffs tuned for the plan palette.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Building:  170,
		Water:     200,
		Green:     110,
		LightBlue: 210,
	}
}

// Params is the full set of knobs for one pipeline run.
type Params struct {
	Thresholds        Thresholds
	MinAreaRatio      float64
	SimplifyTolerance float64 // metres
	Connectivity      Connectivity
	UseMix            []UseCategory
	Sigma             float64
	FalloffK          float64
	WaterThresholdM   float64
	LevelsPerMeter    float64
	Zone              string
	ReferenceHeights  []int
	Seed              int64
}

// DefaultParams returns the defaults for the given variant.
func DefaultParams(v Variant) Params {
	p := Params{
		Thresholds:        DefaultThresholds(),
		MinAreaRatio:      0.0001,
		SimplifyTolerance: 5.0,
		Connectivity:      Connectivity8,
		UseMix:            DefaultUseMix(),
		Sigma:             30,
		FalloffK:          1,
		WaterThresholdM:   100.0,
		LevelsPerMeter:    4.0,
		Zone:              UseResidential,
	}
	if v == VariantParcel {
		p.SimplifyTolerance = 2.0
	}
	return p
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Center returns the midpoint of the box.
func (b Bounds) Center() (lon, lat float64) {
	return (b.West + b.East) / 2, (b.South + b.North) / 2
}

// Array returns the box as [west, south, east, north].
func (b Bounds) Array() [4]float64 {
	return [4]float64{b.West, b.South, b.East, b.North}
}

func (b Bounds) valid() bool {
	for _, v := range b.Array() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.West < b.East && b.South < b.North
}

// Config is the service configuration loaded from YAML.
type Config struct {
	HTTP       HTTPConfig        `yaml:"http" json:"http"`
	MQTT       MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Generator  GeneratorConfig   `yaml:"generator" json:"generator"`
	Pipeline   PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	References ReferenceConfig   `yaml:"references" json:"references"`
	Palette    map[string]string `yaml:"palette,omitempty" json:"palette,omitempty"` // use type -> hex colour
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port         int   `yaml:"port" json:"port"`
	MaxBodyBytes int64 `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	RequestTopic  string `yaml:"requestTopic" json:"requestTopic"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GeneratorConfig points at the image-generation service.
type GeneratorConfig struct {
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	APIKey         string  `yaml:"apiKey,omitempty" json:"-"`
	TimeoutSeconds int     `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	MaxRetries     int     `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Backoff        float64 `yaml:"backoff,omitempty" json:"backoff,omitempty"` // seconds, raised to the attempt number
	QCAttempts     int     `yaml:"qcAttempts,omitempty" json:"qcAttempts,omitempty"`
	QCThreshold    float64 `yaml:"qcThreshold,omitempty" json:"qcThreshold,omitempty"`
}

// PipelineConfig overrides request defaults service-wide.
type PipelineConfig struct {
	Thresholds        *Thresholds   `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	MinAreaRatio      *float64      `yaml:"minAreaRatio,omitempty" json:"minAreaRatio,omitempty"`
	SimplifyTolerance *float64      `yaml:"simplifyTolerance,omitempty" json:"simplifyTolerance,omitempty"`
	UseMix            []UseCategory `yaml:"useMix,omitempty" json:"useMix,omitempty"`
	Sigma             *float64      `yaml:"sigma,omitempty" json:"sigma,omitempty"`
	FalloffK          *float64      `yaml:"falloffK,omitempty" json:"falloffK,omitempty"`
	WaterThresholdM   *float64      `yaml:"waterThresholdM,omitempty" json:"waterThresholdM,omitempty"`
	LevelsPerMeter    *float64      `yaml:"levelsPerMeter,omitempty" json:"levelsPerMeter,omitempty"`
	Connectivity      int           `yaml:"connectivity,omitempty" json:"connectivity,omitempty"`
}

// ReferenceConfig lists directories of annotated reference parcels.
type ReferenceConfig struct {
	ResidentialDir string `yaml:"residentialDir,omitempty" json:"residentialDir,omitempty"`
	CommercialDir  string `yaml:"commercialDir,omitempty" json:"commercialDir,omitempty"`
	Window         int    `yaml:"window,omitempty" json:"window,omitempty"`
}

// Apply layers the configured overrides onto p.
func (pc PipelineConfig) Apply(p Params) Params {
	if pc.Thresholds != nil {
		p.Thresholds = *pc.Thresholds
	}
	if pc.MinAreaRatio != nil {
		p.MinAreaRatio = *pc.MinAreaRatio
	}
	if pc.SimplifyTolerance != nil {
		p.SimplifyTolerance = *pc.SimplifyTolerance
	}
	if len(pc.UseMix) > 0 {
		p.UseMix = append([]UseCategory(nil), pc.UseMix...)
	}
	if pc.Sigma != nil {
		p.Sigma = *pc.Sigma
	}
	if pc.FalloffK != nil {
		p.FalloffK = *pc.FalloffK
	}
	if pc.WaterThresholdM != nil {
		p.WaterThresholdM = *pc.WaterThresholdM
	}
	if pc.LevelsPerMeter != nil {
		p.LevelsPerMeter = *pc.LevelsPerMeter
	}
	if pc.Connectivity == 4 || pc.Connectivity == 8 {
		p.Connectivity = Connectivity(pc.Connectivity)
	}
	return p
}
