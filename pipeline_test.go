package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"trunov/birdcount/config"
	"trunov/birdcount/store"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func feed(t *testing.T, p *pipeline, lines ...string) {
	t.Helper()
	for _, l := range lines {
		require.NoError(t, p.handle(context.Background(), []byte(l)))
	}
}

func outputLines(buf *bytes.Buffer) []gjson.Result {
	var out []gjson.Result
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		out = append(out, gjson.Parse(l))
	}
	return out
}

const birdFrame = `{"video":{"id":"yard","fps":0},"foreground_area":6000,"items":[{"bbox":[100,100,150,130],"prob":0.9}]}`

func TestPipelineAnnotatesFrames(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeline(config.Default(), nil, &buf, quietLogger())

	feed(t, p, birdFrame, birdFrame, `{"video":{"id":"yard"},"eos":true}`)

	lines := outputLines(&buf)
	require.Len(t, lines, 3)

	assert.Equal(t, int64(0), lines[0].Get("time_sec").Int())
	assert.Equal(t, int64(50), lines[0].Get("visible_count").Int())
	assert.Empty(t, lines[0].Get("tracks").Array())
	assert.Equal(t, "yard", lines[0].Get("video.id").String())

	assert.Equal(t, int64(1), lines[1].Get("time_sec").Int())
	tracks := lines[1].Get("tracks").Array()
	require.Len(t, tracks, 1)
	assert.Equal(t, int64(1), tracks[0].Get("id").Int())
	assert.Len(t, tracks[0].Get("bbox").Array(), 4)
	assert.InDelta(t, 180.0, tracks[0].Get("weight_grams").Float(), 0.1)

	sum := lines[2]
	assert.Equal(t, "yard", sum.Get("video.id").String())
	assert.Equal(t, int64(2), sum.Get("processed_seconds").Int())
	assert.Equal(t, 50.0, sum.Get("average_visible_birds").Float())
	counts := sum.Get("bird_counts_over_time").Array()
	require.Len(t, counts, 2)
	assert.Equal(t, int64(1), counts[1].Get("time_sec").Int())
	assert.Equal(t, int64(50), counts[1].Get("visible_count").Int())

	assert.Empty(t, p.sessionCash)
}

func TestPipelineSkipsUnsampledFrames(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeline(config.Default(), nil, &buf, quietLogger())

	frame := `{"video":{"id":"v","fps":30},"items":[]}`
	for i := 0; i < 11; i++ {
		feed(t, p, frame)
	}
	lines := outputLines(&buf)
	require.Len(t, lines, 11)
	assert.True(t, lines[0].Get("visible_count").Exists())
	for i := 1; i < 10; i++ {
		assert.Equal(t, frame, lines[i].Raw, "frame %d is echoed", i)
	}
	assert.Equal(t, int64(1), lines[10].Get("time_sec").Int())
}

func TestPipelineSessionsPerVideo(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeline(config.Default(), nil, &buf, quietLogger())

	other := strings.Replace(birdFrame, `"yard"`, `"roof"`, 1)
	feed(t, p, birdFrame, other, birdFrame, `{"video":{"id":"yard"},"eos":true}`, other)

	lines := outputLines(&buf)
	require.Len(t, lines, 5)
	// each video has its own clock and its own track ids
	assert.Equal(t, int64(0), lines[1].Get("time_sec").Int())
	assert.Equal(t, int64(1), lines[2].Get("time_sec").Int())
	assert.Equal(t, int64(1), lines[4].Get("time_sec").Int())
	assert.Equal(t, int64(1), lines[4].Get("tracks.0.id").Int())

	// a new stream for a finished video starts from scratch
	feed(t, p, birdFrame)
	lines = outputLines(&buf)
	assert.Equal(t, int64(0), lines[5].Get("time_sec").Int())
}

func TestPipelineBadInput(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeline(config.Default(), nil, &buf, quietLogger())

	feed(t, p,
		`not json`,
		`{"video":{"id":"x"},"eos":true}`,
		`{"video":{"id":"x"},"items":[{"bbox":[1,2,3],"prob":0.9},{"bbox":[10,10,60,40],"prob":0.9}]}`,
		`{"video":{"id":"x"},"eos":true}`,
	)
	lines := outputLines(&buf)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), lines[1].Get("dropped_detections").Int())
}

func TestPipelineStoresSummaries(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "birds.db"))
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	p := newPipeline(config.Default(), db, &buf, quietLogger())
	feed(t, p, birdFrame, birdFrame)
	p.closeAll(context.Background())

	ids, err := db.Sessions(context.Background(), "yard")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	sum, err := db.Summary(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ProcessedSeconds)
	assert.Len(t, sum.Counts, 2)
}

func TestPipelineInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MotionThreshold = 300
	var buf bytes.Buffer
	p := newPipeline(cfg, nil, &buf, quietLogger())

	assert.ErrorIs(t, p.handle(context.Background(), []byte(birdFrame)), config.ErrInvalid)
	assert.Empty(t, p.sessionCash)
	assert.Zero(t, buf.Len())
}

func TestPipelineCancelled(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeline(config.Default(), nil, &buf, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.handle(ctx, []byte(birdFrame)), context.Canceled)
	assert.Zero(t, buf.Len())
}
