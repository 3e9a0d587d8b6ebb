// Package session runs one video analysis: it owns the tracker, the
// population estimator and the motion buffer for that video and nothing else.
package session

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trunov/birdcount/config"
	"trunov/birdcount/detect"
	"trunov/birdcount/population"
	"trunov/birdcount/tracker"
)

// ErrClosed is returned when a frame is fed to a finished session.
var ErrClosed = errors.New("session closed")

// WeightFunc estimates the mass in grams of the bird inside a box. It must
// depend on the box geometry only.
type WeightFunc func(b tracker.BBox) float64

// AreaWeight converts box area to grams with a fixed calibration.
func AreaWeight(gramsPerPixel float64) WeightFunc {
	return func(b tracker.BBox) float64 {
		return b.Area() * gramsPerPixel
	}
}

// Frame is the input for one video frame.
type Frame struct {
	Index          int
	Detections     []tracker.Detection
	ForegroundArea float64
	Gray           *image.Gray // optional, enables the motion check for weak detections
}

// PopulationSample is the count emitted for one sampled frame.
type PopulationSample struct {
	TimeSec      int `json:"time_sec"`
	VisibleCount int `json:"visible_count"`
}

// WeighedTrack is a confirmed track with its weight estimate.
type WeighedTrack struct {
	tracker.TrackedBox
	WeightGrams float64
}

// Record is everything a sampled frame produces.
type Record struct {
	PopulationSample
	Tracks []WeighedTrack
}

// Summary describes a finished session.
type Summary struct {
	SessionID           string
	ProcessedSeconds    int
	AverageVisibleBirds float64
	AverageWeightGrams  float64
	Counts              []PopulationSample
	DroppedDetections   int // malformed, discarded by the tracker
	FilteredDetections  int // rejected by the detection filter
}

type Option func(*Session)

// WithWeight replaces the area-based weight function.
func WithWeight(fn WeightFunc) Option {
	return func(s *Session) { s.weight = fn }
}

// WithID fixes the session id instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.ID = id }
}

// Session is not safe for concurrent use. Frames must be fed in order.
type Session struct {
	ID string

	cfg       config.Config
	tracker   *tracker.Tracker
	estimator *population.Estimator
	motion    *detect.MotionState
	weight    WeightFunc
	log       *logrus.Entry

	interval  int
	samples   []PopulationSample
	weightSum float64
	weightN   int
	dropped   int
	filtered  int
	closed    bool
}

// New starts a session for a video at the given frame rate. All tracking
// and smoothing state is created here and never shared. An invalid cfg is
// rejected with config.ErrInvalid.
func New(cfg config.Config, fps float64, log logrus.FieldLogger, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Session{
		ID:       uuid.New().String(),
		cfg:      cfg,
		motion:   detect.NewMotionState(uint8(cfg.MotionThreshold)),
		weight:   AreaWeight(cfg.GramsPerPixel),
		interval: SampleInterval(fps, cfg.SamplesPerSecond),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.WithField("session", s.ID)
	s.tracker = tracker.NewTracker(cfg.Tracker, s.log)
	s.estimator = population.NewEstimator(cfg.Population, s.log)
	s.log.Debugf("Session started fps=%v interval=%d", fps, s.interval)
	return s, nil
}

// SampleInterval is the number of video frames between two sampled frames.
func SampleInterval(fps float64, samplesPerSecond int) int {
	if samplesPerSecond < 1 || math.IsNaN(fps) || fps < 1 {
		return 1
	}
	return max(1, int(fps)/samplesPerSecond)
}

// Sampled reports whether the frame with this index is analysed.
func (s *Session) Sampled(index int) bool {
	return index%s.interval == 0
}

// Process analyses one frame. Frames that are not sampled return ok=false
// and leave the session untouched. Cancellation is checked before any state
// changes, so a cancelled call never leaves a half-updated frame behind.
func (s *Session) Process(ctx context.Context, f Frame) (rec Record, ok bool, err error) {
	if s.closed {
		return Record{}, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if !s.Sampled(f.Index) {
		return Record{}, false, nil
	}

	var mask *image.Gray
	if f.Gray != nil {
		mask = s.motion.Mask(f.Gray)
	}
	dets, fstats := detect.Filter(s.cfg.Filter, f.Detections, mask)
	s.filtered += fstats.Total()

	confirmed := s.tracker.Update(dets)
	s.dropped += s.tracker.Stats.Dropped

	tracks := make([]WeighedTrack, len(confirmed))
	for i, trk := range confirmed {
		w := math.Max(0, s.weight(trk.BBox))
		tracks[i] = WeighedTrack{TrackedBox: trk, WeightGrams: w}
		s.weightSum += w
		s.weightN++
	}

	sample := PopulationSample{
		TimeSec:      len(s.samples),
		VisibleCount: s.estimator.Estimate(confirmed, f.ForegroundArea),
	}
	s.samples = append(s.samples, sample)

	s.log.WithField("frame", f.Index).Debugf("t=%ds | dets=%d | filtered=%d | tracks=%d | est=%d",
		sample.TimeSec, len(f.Detections), fstats.Total(), len(confirmed), sample.VisibleCount)

	return Record{PopulationSample: sample, Tracks: tracks}, true, nil
}

// Samples returns a copy of the counts emitted so far.
func (s *Session) Samples() []PopulationSample {
	return append([]PopulationSample(nil), s.samples...)
}

// Summary reports the session so far.
func (s *Session) Summary() Summary {
	sum := Summary{
		SessionID:          s.ID,
		ProcessedSeconds:   len(s.samples),
		Counts:             s.Samples(),
		DroppedDetections:  s.dropped,
		FilteredDetections: s.filtered,
	}
	if len(s.samples) > 0 {
		total := 0
		for _, c := range s.samples {
			total += c.VisibleCount
		}
		sum.AverageVisibleBirds = round2(float64(total) / float64(len(s.samples)))
	}
	if s.weightN > 0 {
		sum.AverageWeightGrams = round2(s.weightSum / float64(s.weightN))
	}
	return sum
}

// Close finishes the session and returns its summary. Further frames are
// rejected with ErrClosed.
func (s *Session) Close() Summary {
	sum := s.Summary()
	if !s.closed {
		s.closed = true
		s.log.WithFields(logrus.Fields{
			"seconds":  sum.ProcessedSeconds,
			"visible":  sum.AverageVisibleBirds,
			"weight":   sum.AverageWeightGrams,
			"dropped":  sum.DroppedDetections,
			"filtered": sum.FilteredDetections,
		}).Info("Session finished")
	}
	return sum
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
