package massing

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// GaussianWeight is the falloff exp(-(k*d)^2 / (2*sigma^2)): 1 on water and
// approaching 0 far from it.
func GaussianWeight(d, sigma, k float64) float64 {
	if math.IsInf(d, 1) || sigma == 0 {
		return 0
	}
	kd := k * d
	return math.Exp(-(kd * kd) / (2 * sigma * sigma))
}

// GaussianStepdown lowers every cell of g by its Gaussian weight towards the
// nearest water cell: storeys = floor(storeys * (1 - w)). A mask with no
// water leaves g untouched.
func GaussianStepdown(g *HeightGrid, water *Mask, sigma, k float64) {
	if !water.Any() {
		return
	}
	dist := DistanceTransform(water, true)
	for i, d := range dist {
		w := GaussianWeight(d, sigma, k)
		g.Storeys[i] = int(math.Floor(float64(g.Storeys[i]) * (1 - w)))
	}
}

// StoreyCap is the tallest building allowed dist metres from water or
// green space: int(dist/lpm) + 1.
func StoreyCap(dist, lpm float64) int {
	return int(dist/lpm) + 1
}

// ClampOptions configures the feature-level proximity clamp.
type ClampOptions struct {
	ThresholdM     float64
	LevelsPerMeter float64
}

// FeatureClamp caps the storeys of every feature whose centroid lies within
// ThresholdM metres of a set cell of near. Heights only ever go down.
// Features with unavailable heights are skipped.
func FeatureClamp(features []*Building, near *Mask, proj *Projector, b Bounds, opt ClampOptions) error {
	if !near.Any() || len(features) == 0 {
		return nil
	}
	extent, err := proj.Extent(b)
	if err != nil {
		return err
	}
	pixel := extent.PixelSize(near.Width, near.Height)
	if pixel <= 0 || opt.LevelsPerMeter <= 0 {
		return nil
	}
	dist := DistanceTransform(near, true)

	for _, f := range features {
		if f.Levels == nil {
			continue
		}
		c, _ := planar.CentroidArea(f.Geometry)
		m, err := proj.Forward(orb.Point{c[0], c[1]})
		if err != nil {
			return err
		}
		col, row := extent.ToPixel(m[0], m[1], near.Width, near.Height)
		distM := dist[row*near.Width+col] * pixel
		if distM > opt.ThresholdM {
			continue
		}
		capped := min(*f.Levels, StoreyCap(distM, opt.LevelsPerMeter))
		f.SetLevels(capped)
	}
	return nil
}
