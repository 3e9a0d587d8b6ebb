package tracker

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Config holds the lifecycle parameters of a Tracker.
type Config struct {
	MaxAge       int     // unmatched frames tolerated before deletion
	MinHits      int     // associations needed for confirmation
	IOUThreshold float64 // association gate
}

// DefaultConfig returns the settings tuned for small fast birds: short gaps
// are bridged, a single association confirms and the gate is loose because
// flapping changes box shape quickly.
func DefaultConfig() Config {
	return Config{
		MaxAge:       10,
		MinHits:      1,
		IOUThreshold: DefaultIOUThreshold,
	}
}

// FrameStats summarizes what the last Update did.
type FrameStats struct {
	Dropped int // malformed detections discarded before association
	Matched int
	Created int
	Deleted int
}

// Tracker owns all tracks of one session and is the only code that mutates
// them. It is not safe for concurrent use; each session owns its own.
type Tracker struct {
	Config     Config
	FrameCount int
	Tracks     []*Track // live tracks in creation order
	Stats      FrameStats

	nextId int
	log    logrus.FieldLogger
}

func NewTracker(config Config, log logrus.FieldLogger) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracker{
		Config: config,
		nextId: 1,
		log:    log,
	}
}

// AddTrack starts a new tentative track from a detection.
func (s *Tracker) AddTrack(det Detection) *Track {
	trk := newTrack(s.nextId, det)
	s.nextId++
	s.Tracks = append(s.Tracks, trk)
	s.log.WithField("track", trk.ID).Debugf("New track bbox=%v", det.BBox)
	return trk
}

// removeTracks drops the tracks at the given indices, keeping order.
func (s *Tracker) removeTracks(indxs []int) {
	for _, indx := range indxs {
		s.Tracks[indx] = nil
	}
	live := s.Tracks[:0]
	for _, trk := range s.Tracks {
		if trk != nil {
			live = append(live, trk)
		}
	}
	for i := len(live); i < len(s.Tracks); i++ {
		s.Tracks[i] = nil
	}
	s.Tracks = live
}

// Update runs one frame: predict every live track, associate, correct the
// matched tracks, age the unmatched ones and start tracks for new detections.
// It returns the confirmed tracks after the frame.
func (s *Tracker) Update(dets []Detection) []TrackedBox {
	s.FrameCount++
	s.Stats = FrameStats{}

	valid := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if !d.Valid() || isNonFinite(d.Confidence) {
			s.Stats.Dropped++
			continue
		}
		valid = append(valid, d)
	}
	if s.Stats.Dropped > 0 {
		s.log.Debugf("Dropped %d malformed detections frame=%d", s.Stats.Dropped, s.FrameCount)
	}

	predicted := make([]BBox, len(s.Tracks))
	for i, trk := range s.Tracks {
		predicted[i] = trk.predict()
	}

	assignment, err := Associate(predicted, valid, s.Config.IOUThreshold)
	if err != nil {
		s.log.WithError(err).Warnf("Association failed frame=%d, treating all tracks as unmatched", s.FrameCount)
	}

	for _, m := range assignment.Matches {
		trk := s.Tracks[m.Track]
		trk.update(valid[m.Detection])
		s.Stats.Matched++
		if trk.State == Tentative && trk.Hits >= s.Config.MinHits {
			trk.State = Confirmed
			s.log.WithField("track", trk.ID).Debugf("Track confirmed hits=%d", trk.Hits)
		}
	}

	deleted := []int{}
	for _, i := range assignment.UnmatchedTracks {
		trk := s.Tracks[i]
		trk.miss()
		if trk.TimeSinceUpdate > s.Config.MaxAge {
			trk.State = Deleted
			deleted = append(deleted, i)
			s.log.WithField("track", trk.ID).Debugf("Track removed age=%d hits=%d", trk.Age, trk.Hits)
		}
	}
	if len(deleted) > 0 {
		s.removeTracks(deleted)
		s.Stats.Deleted = len(deleted)
	}

	for _, d := range assignment.UnmatchedDetections {
		s.AddTrack(valid[d])
		s.Stats.Created++
	}

	return s.Confirmed()
}

// Confirmed returns the confirmed live tracks in creation order.
func (s *Tracker) Confirmed() []TrackedBox {
	out := []TrackedBox{}
	for _, trk := range s.Tracks {
		if trk.State == Confirmed {
			out = append(out, TrackedBox{BBox: trk.BBox(), ID: trk.ID})
		}
	}
	return out
}

func isNonFinite(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
