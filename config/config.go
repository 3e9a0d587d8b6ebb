// Package config gathers the tuning of one analysis: tracker lifecycle,
// population estimator, detection filter and sampling.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"trunov/birdcount/detect"
	"trunov/birdcount/population"
	"trunov/birdcount/tracker"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

const maxFileSize = 1 << 20

type Config struct {
	Tracker    tracker.Config
	Population population.Config
	Filter     detect.FilterConfig

	MotionThreshold  int
	SamplesPerSecond int     // sampled frames per second of video
	GramsPerPixel    float64 // weight calibration for the default weight function
}

func Default() Config {
	return Config{
		Tracker:          tracker.DefaultConfig(),
		Population:       population.DefaultConfig(),
		Filter:           detect.DefaultFilterConfig(),
		MotionThreshold:  detect.DefaultMotionThreshold,
		SamplesPerSecond: 3,
		GramsPerPixel:    0.12,
	}
}

// Load reads a JSON tuning file on top of the defaults. Keys absent from the
// file keep their default values, so partial files are fine.
func Load(path string) (Config, error) {
	cfg := Default()

	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return cfg, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(clean)
	if err != nil {
		return cfg, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return cfg, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.Apply(data); err != nil {
		return cfg, fmt.Errorf("%s: %w", clean, err)
	}
	return cfg, cfg.Validate()
}

// Apply overrides fields from a JSON document.
func (c *Config) Apply(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	doc := gjson.ParseBytes(data)

	setInt := func(key string, dst *int) {
		if v := doc.Get(key); v.Exists() {
			*dst = int(v.Int())
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := doc.Get(key); v.Exists() {
			*dst = v.Float()
		}
	}

	setInt("tracker.max_age", &c.Tracker.MaxAge)
	setInt("tracker.min_hits", &c.Tracker.MinHits)
	setFloat("tracker.iou_threshold", &c.Tracker.IOUThreshold)

	setInt("population.min_birds", &c.Population.MinBirds)
	setInt("population.max_birds", &c.Population.MaxBirds)
	setFloat("population.min_bird_area", &c.Population.MinBirdArea)
	setFloat("population.alpha", &c.Population.Alpha)
	setFloat("population.saturation_slope", &c.Population.SaturationSlope)
	setFloat("population.smoothed_weight", &c.Population.SmoothedWeight)
	setFloat("population.anchor_weight", &c.Population.AnchorWeight)
	setFloat("population.anchor_per_track", &c.Population.AnchorPerTrack)

	setFloat("filter.min_area", &c.Filter.MinArea)
	setFloat("filter.max_area", &c.Filter.MaxArea)
	setFloat("filter.min_aspect", &c.Filter.MinAspect)
	setFloat("filter.max_aspect", &c.Filter.MaxAspect)
	setFloat("filter.weak_confidence", &c.Filter.WeakConfidence)
	setFloat("filter.motion_ratio", &c.Filter.MotionRatio)

	setInt("motion_threshold", &c.MotionThreshold)
	setInt("samples_per_second", &c.SamplesPerSecond)
	setFloat("grams_per_pixel", &c.GramsPerPixel)
	return nil
}

func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Tracker.MaxAge >= 0, "tracker.max_age must be >= 0, got %d", c.Tracker.MaxAge)
	check(c.Tracker.MinHits >= 1, "tracker.min_hits must be >= 1, got %d", c.Tracker.MinHits)
	check(c.Tracker.IOUThreshold >= 0 && c.Tracker.IOUThreshold <= 1, "tracker.iou_threshold must be in [0,1], got %v", c.Tracker.IOUThreshold)

	p := c.Population
	check(p.MinBirds >= 0, "population.min_birds must be >= 0, got %d", p.MinBirds)
	check(p.MaxBirds >= p.MinBirds, "population.max_birds (%d) must be >= min_birds (%d)", p.MaxBirds, p.MinBirds)
	check(p.MinBirdArea > 0, "population.min_bird_area must be > 0, got %v", p.MinBirdArea)
	check(p.Alpha > 0 && p.Alpha < 1, "population.alpha must be in (0,1), got %v", p.Alpha)
	check(p.SaturationSlope >= 0, "population.saturation_slope must be >= 0, got %v", p.SaturationSlope)
	check(p.SmoothedWeight >= 0 && p.AnchorWeight >= 0, "population blend weights must be >= 0")
	check(p.AnchorPerTrack >= 0, "population.anchor_per_track must be >= 0, got %v", p.AnchorPerTrack)

	f := c.Filter
	check(f.MinArea <= f.MaxArea, "filter.min_area (%v) must be <= max_area (%v)", f.MinArea, f.MaxArea)
	check(f.MinAspect <= f.MaxAspect, "filter.min_aspect (%v) must be <= max_aspect (%v)", f.MinAspect, f.MaxAspect)

	check(c.MotionThreshold >= 0 && c.MotionThreshold <= 255, "motion_threshold must be in [0,255], got %d", c.MotionThreshold)
	check(c.SamplesPerSecond >= 1, "samples_per_second must be >= 1, got %d", c.SamplesPerSecond)
	check(c.GramsPerPixel >= 0, "grams_per_pixel must be >= 0, got %v", c.GramsPerPixel)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, problems)
	}
	return nil
}
