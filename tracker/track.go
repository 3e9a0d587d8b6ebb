package tracker

// TrackState is the lifecycle state of a track.
type TrackState int

const (
	Tentative TrackState = iota
	Confirmed
	Deleted
)

func (s TrackState) String() string {
	switch s {
	case Tentative:
		return "tentative"
	case Confirmed:
		return "confirmed"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Track is one hypothesized individual.
type Track struct {
	ID              int
	State           TrackState
	Hits            int // successful associations since creation
	Age             int // frames since creation
	TimeSinceUpdate int // frames since the last successful association
	Confidence      float64

	kf *KalmanBoxFilter
}

func newTrack(id int, det Detection) *Track {
	return &Track{
		ID:         id,
		State:      Tentative,
		Hits:       1,
		Confidence: det.Confidence,
		kf:         NewKalmanBoxFilter(det.BBox),
	}
}

// BBox is the track's current box estimate.
func (t *Track) BBox() BBox {
	return t.kf.BBox()
}

func (t *Track) predict() BBox {
	t.Age++
	return t.kf.Predict()
}

func (t *Track) update(det Detection) {
	t.kf.Update(det.BBox)
	t.Confidence = det.Confidence
	t.TimeSinceUpdate = 0
	t.Hits++
}

func (t *Track) miss() {
	t.TimeSinceUpdate++
}

// TrackedBox is an emitted confirmed track.
type TrackedBox struct {
	BBox
	ID int
}
