package session

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trunov/birdcount/config"
	"trunov/birdcount/tracker"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func bird(x, y float64) tracker.Detection {
	return tracker.Detection{BBox: tracker.BBox{X1: x, Y1: y, X2: x + 50, Y2: y + 30}, Confidence: 0.8}
}

// flock returns a stream of frames with three birds drifting right and a
// fourth one that shows up for a while.
func flock(n int) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		dx := float64(i * 3)
		dets := []tracker.Detection{bird(10+dx, 10), bird(200+dx, 40), bird(400+dx, 300)}
		if i >= 5 && i < 12 {
			dets = append(dets, bird(600, 100+float64(i)))
		}
		frames[i] = Frame{Index: i, Detections: dets, ForegroundArea: float64(40000 + 5000*(i%7))}
	}
	return frames
}

func newSession(t *testing.T, cfg config.Config, fps float64, opts ...Option) *Session {
	t.Helper()
	s, err := New(cfg, fps, quietLogger(), opts...)
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *Session, frames []Frame) []Record {
	t.Helper()
	var out []Record
	for _, f := range frames {
		rec, ok, err := s.Process(context.Background(), f)
		require.NoError(t, err)
		if ok {
			out = append(out, rec)
		}
	}
	return out
}

func TestSessionWorkedExample(t *testing.T) {
	s := newSession(t, config.Default(), 0)
	frames := []Frame{
		{Index: 0, Detections: []tracker.Detection{bird(0, 0)}, ForegroundArea: 6000},
		{Index: 1, Detections: []tracker.Detection{bird(0, 0)}, ForegroundArea: 6000},
	}
	recs := run(t, s, frames)
	require.Len(t, recs, 2)

	assert.Equal(t, PopulationSample{TimeSec: 0, VisibleCount: 50}, recs[0].PopulationSample)
	assert.Empty(t, recs[0].Tracks)

	assert.Equal(t, PopulationSample{TimeSec: 1, VisibleCount: 50}, recs[1].PopulationSample)
	require.Len(t, recs[1].Tracks, 1)
	assert.Equal(t, 1, recs[1].Tracks[0].ID)
	assert.InDelta(t, 1500*0.12, recs[1].Tracks[0].WeightGrams, 0.01)
}

func TestSampleInterval(t *testing.T) {
	assert.Equal(t, 10, SampleInterval(30, 3))
	assert.Equal(t, 8, SampleInterval(25, 3))
	assert.Equal(t, 1, SampleInterval(2, 3))
	assert.Equal(t, 1, SampleInterval(0, 3))
	assert.Equal(t, 1, SampleInterval(30, 0))
}

func TestSessionSampling(t *testing.T) {
	s := newSession(t, config.Default(), 30)
	recs := run(t, s, flock(30))
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i, r.TimeSec)
	}
	assert.Len(t, s.Samples(), 3)
}

func TestSessionRepeatable(t *testing.T) {
	frames := flock(40)
	first := run(t, newSession(t, config.Default(), 0), frames)
	second := run(t, newSession(t, config.Default(), 0), frames)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("same stream gave different records (-first +second):\n%s", diff)
	}

	last := first[len(first)-1]
	ids := []int{}
	for _, trk := range last.Tracks {
		ids = append(ids, trk.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestSessionsAreIsolated(t *testing.T) {
	frames := flock(40)
	want := run(t, newSession(t, config.Default(), 0), frames)

	const n = 8
	results := make([][]Record, n)
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newSession(t, config.Default(), 0)
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sessions[i]
			for _, f := range frames {
				rec, ok, err := s.Process(context.Background(), f)
				if err != nil {
					return
				}
				if ok {
					results[i] = append(results[i], rec)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := range results {
		assert.Empty(t, cmp.Diff(want, results[i]), "session %d", i)
	}
}

func TestSessionTrackLoss(t *testing.T) {
	s := newSession(t, config.Default(), 0)
	frames := []Frame{
		{Index: 0, Detections: []tracker.Detection{bird(100, 100)}},
		{Index: 1, Detections: []tracker.Detection{bird(100, 100)}},
	}
	for i := 2; i < 17; i++ {
		frames = append(frames, Frame{Index: i})
	}

	recs := run(t, s, frames)
	require.Len(t, recs, 17)
	for k := 1; k <= 15; k++ {
		rec := recs[k+1]
		if k <= 10 {
			assert.Len(t, rec.Tracks, 1, "empty frame %d", k)
		} else {
			assert.Empty(t, rec.Tracks, "empty frame %d", k)
		}
		assert.Equal(t, 50, rec.VisibleCount)
	}
}

func TestSessionCancelled(t *testing.T) {
	s := newSession(t, config.Default(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := s.Process(ctx, Frame{Index: 0, Detections: []tracker.Detection{bird(0, 0)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Empty(t, s.Samples())
	assert.Empty(t, s.tracker.Tracks)
}

func TestSessionClose(t *testing.T) {
	s := newSession(t, config.Default(), 0, WithID("video-1"), WithWeight(func(b tracker.BBox) float64 { return 10 }))
	frames := flock(6)
	frames[2].Detections = append(frames[2].Detections, tracker.Detection{BBox: tracker.BBox{X1: 5, Y1: 5, X2: 1, Y2: 9}, Confidence: 0.5})
	recs := run(t, s, frames)

	sum := s.Close()
	assert.Equal(t, "video-1", sum.SessionID)
	assert.Equal(t, 6, sum.ProcessedSeconds)
	assert.Len(t, sum.Counts, 6)
	assert.Equal(t, 10.0, sum.AverageWeightGrams)
	total := 0
	for _, r := range recs {
		total += r.VisibleCount
	}
	assert.InDelta(t, float64(total)/6, sum.AverageVisibleBirds, 0.005)
	// the inverted box has zero area and never reaches the tracker
	assert.Equal(t, 1, sum.FilteredDetections)

	_, _, err := s.Process(context.Background(), Frame{Index: 6})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MotionThreshold = 256
	s, err := New(cfg, 0, quietLogger())
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Nil(t, s)

	cfg = config.Default()
	cfg.MotionThreshold = 255
	s = newSession(t, cfg, 0)
	assert.Equal(t, uint8(255), s.motion.Threshold)
}

func TestSampleJSON(t *testing.T) {
	b, err := json.Marshal(PopulationSample{TimeSec: 3, VisibleCount: 57})
	require.NoError(t, err)
	assert.JSONEq(t, `{"time_sec":3,"visible_count":57}`, string(b))
}

func TestSessionEmptySummary(t *testing.T) {
	sum := newSession(t, config.Default(), 25).Close()
	assert.Zero(t, sum.ProcessedSeconds)
	assert.Zero(t, sum.AverageVisibleBirds)
	assert.Zero(t, sum.AverageWeightGrams)
}

func TestSessionMotionFilter(t *testing.T) {
	cfg := config.Default()
	s := newSession(t, cfg, 0)
	still := image.NewGray(image.Rect(0, 0, 320, 240))

	weak := tracker.Detection{BBox: tracker.BBox{X1: 100, Y1: 100, X2: 140, Y2: 130}, Confidence: 0.1}
	for i := 0; i < 3; i++ {
		_, ok, err := s.Process(context.Background(), Frame{Index: i, Detections: []tracker.Detection{weak}, Gray: still})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Empty(t, s.tracker.Tracks, "weak detections in a still scene are ignored")
	assert.Equal(t, 3, s.Summary().FilteredDetections)
}
