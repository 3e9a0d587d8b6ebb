// Package population turns confirmed tracks and a foreground-area signal into
// a smoothed, bounded population count per sampled frame.
package population

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"trunov/birdcount/tracker"
)

// Config holds the estimator bounds and calibration constants. The
// saturation, blend and anchor constants are empirical.
type Config struct {
	MinBirds        int
	MaxBirds        int
	MinBirdArea     float64 // floor for the mean track area, in pixels
	Alpha           float64 // weight of the history in exponential smoothing, in (0,1)
	SaturationSlope float64 // how much of the excess above MaxBirds is folded back
	SmoothedWeight  float64 // share of the smoothed count in the blend
	AnchorWeight    float64 // share of the track anchor in the blend
	AnchorPerTrack  float64 // birds assumed per confirmed track
}

func DefaultConfig() Config {
	return Config{
		MinBirds:        50,
		MaxBirds:        150,
		MinBirdArea:     1500,
		Alpha:           0.7,
		SaturationSlope: 0.2,
		SmoothedWeight:  0.7,
		AnchorWeight:    0.3,
		AnchorPerTrack:  20,
	}
}

// Estimator carries the smoothed count of one session. A zero history means
// the next sample seeds the smoothing.
type Estimator struct {
	Config Config

	smoothed    float64
	hasSmoothed bool
	log         logrus.FieldLogger
}

func NewEstimator(config Config, log logrus.FieldLogger) *Estimator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Estimator{Config: config, log: log}
}

// Smoothed returns the current smoothed count and whether one exists yet.
func (e *Estimator) Smoothed() (float64, bool) {
	return e.smoothed, e.hasSmoothed
}

// Reset forgets the smoothing history.
func (e *Estimator) Reset() {
	e.smoothed = 0
	e.hasSmoothed = false
}

// AverageTrackArea is the mean box area of the tracks, floored at MinBirdArea.
func (e *Estimator) AverageTrackArea(tracks []tracker.TrackedBox) float64 {
	if len(tracks) == 0 {
		return e.Config.MinBirdArea
	}
	areas := make([]float64, len(tracks))
	for i, t := range tracks {
		areas[i] = t.Area()
	}
	return math.Max(stat.Mean(areas, nil), e.Config.MinBirdArea)
}

// RawEstimate divides the foreground area by the average bird area, floors it
// at MinBirds and folds values above MaxBirds back below the ceiling.
func (e *Estimator) RawEstimate(tracks []tracker.TrackedBox, foregroundArea float64) float64 {
	if math.IsNaN(foregroundArea) || math.IsInf(foregroundArea, 0) || foregroundArea < 0 {
		e.log.Debugf("Ignoring foreground area %v", foregroundArea)
		foregroundArea = 0
	}
	avg := e.AverageTrackArea(tracks)
	if avg <= 0 {
		avg = tracker.Epsilon
	}

	minBirds := float64(e.Config.MinBirds)
	maxBirds := float64(e.Config.MaxBirds)
	raw := math.Max(foregroundArea/avg, minBirds)
	if raw > maxBirds {
		raw = maxBirds - (raw-maxBirds)*e.Config.SaturationSlope
	}
	return raw
}

// Estimate updates the smoothing state and returns the population for this
// sampled frame. The result is never below the number of tracks or MinBirds.
func (e *Estimator) Estimate(tracks []tracker.TrackedBox, foregroundArea float64) int {
	raw := e.RawEstimate(tracks, foregroundArea)

	if !e.hasSmoothed {
		e.smoothed = raw
		e.hasSmoothed = true
	} else {
		e.smoothed = e.Config.Alpha*e.smoothed + (1-e.Config.Alpha)*raw
	}

	anchor := float64(e.Config.MinBirds)
	if len(tracks) > 0 {
		anchor = float64(len(tracks)) * e.Config.AnchorPerTrack
	}

	blended := int(e.Config.SmoothedWeight*e.smoothed + e.Config.AnchorWeight*anchor)

	total := max(blended, len(tracks), e.Config.MinBirds)
	e.log.Debugf("Population raw=%.2f smoothed=%.2f anchor=%.0f blended=%d total=%d", raw, e.smoothed, anchor, blended, total)
	return total
}
