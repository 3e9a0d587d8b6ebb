// Package detect screens raw detector boxes before they reach the tracker.
package detect

import (
	"image"

	"trunov/birdcount/tracker"
)

// FilterConfig bounds what a plausible bird box looks like.
type FilterConfig struct {
	MinArea        float64
	MaxArea        float64
	MinAspect      float64 // width / height
	MaxAspect      float64
	WeakConfidence float64 // below this a box must show motion to be kept
	MotionRatio    float64
}

func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinArea:        150,
		MaxArea:        40000,
		MinAspect:      0.4,
		MaxAspect:      2.5,
		WeakConfidence: 0.20,
		MotionRatio:    DefaultMotionRatio,
	}
}

// FilterStats counts the boxes rejected by each rule.
type FilterStats struct {
	Size   int
	Aspect int
	Static int
}

func (s FilterStats) Total() int {
	return s.Size + s.Aspect + s.Static
}

// Filter keeps the detections with bird-like size and shape. Weak detections
// are also dropped when the motion mask shows nothing inside them; a nil
// mask counts as motion everywhere.
func Filter(cfg FilterConfig, dets []tracker.Detection, mask *image.Gray) ([]tracker.Detection, FilterStats) {
	out := make([]tracker.Detection, 0, len(dets))
	stats := FilterStats{}
	for _, d := range dets {
		area := d.Area()
		if area < cfg.MinArea || area > cfg.MaxArea {
			stats.Size++
			continue
		}
		aspect := d.Width() / (d.Height() + tracker.Epsilon)
		if aspect < cfg.MinAspect || aspect > cfg.MaxAspect {
			stats.Aspect++
			continue
		}
		if d.Confidence < cfg.WeakConfidence && !BoxHasMotion(mask, d.BBox, cfg.MotionRatio) {
			stats.Static++
			continue
		}
		out = append(out, d)
	}
	return out, stats
}
