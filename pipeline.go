package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"trunov/birdcount/config"
	"trunov/birdcount/session"
	"trunov/birdcount/store"
	"trunov/birdcount/tracker"
)

// pipeline routes JSON lines to one session per video id. A video's session
// lives until its "eos" line; the next line for that id starts a new one.
type pipeline struct {
	cfg config.Config
	db  *store.DB
	out io.Writer
	log logrus.FieldLogger

	sessionCash map[string]*session.Session
	frames      map[string]int
}

func newPipeline(cfg config.Config, db *store.DB, out io.Writer, log logrus.FieldLogger) *pipeline {
	return &pipeline{
		cfg:         cfg,
		db:          db,
		out:         out,
		log:         log,
		sessionCash: map[string]*session.Session{},
		frames:      map[string]int{},
	}
}

// handle processes one input line. Only cancellation, an invalid
// configuration and write failures are returned; bad lines are logged and
// skipped.
func (p *pipeline) handle(ctx context.Context, reqdata []byte) error {
	if !gjson.ValidBytes(reqdata) {
		p.log.Warnf("Skipping malformed line (%d bytes)", len(reqdata))
		return nil
	}
	doc := gjson.ParseBytes(reqdata)
	video := doc.Get("video.id").String()

	if doc.Get("eos").Bool() {
		return p.finish(ctx, video)
	}

	s, ok := p.sessionCash[video]
	if !ok {
		var err error
		s, err = session.New(p.cfg, doc.Get("video.fps").Float(), p.log)
		if err != nil {
			return fmt.Errorf("failed to start session for %s: %w", video, err)
		}
		p.sessionCash[video] = s
		p.frames[video] = 0
		p.log.WithField("video", video).Infof("New session %s", s.ID)
	}

	index := p.frames[video]
	if v := doc.Get("frame"); v.Exists() {
		index = int(v.Int())
	}
	p.frames[video] = index + 1

	frame := session.Frame{
		Index:          index,
		Detections:     parseItems(doc.Get("items")),
		ForegroundArea: doc.Get("foreground_area").Float(),
	}
	rec, sampled, err := s.Process(ctx, frame)
	if err != nil {
		return err
	}
	if !sampled {
		return p.writeLine(reqdata)
	}

	out, err := annotate(reqdata, rec)
	if err != nil {
		p.log.WithError(err).Warn("Failed to annotate record")
		return p.writeLine(reqdata)
	}
	return p.writeLine(out)
}

// parseItems reads detector boxes as [x1, y1, x2, y2]. Items with the wrong
// number of coordinates become non-finite boxes so the tracker counts them.
func parseItems(items gjson.Result) []tracker.Detection {
	dets := []tracker.Detection{}
	items.ForEach(func(_, item gjson.Result) bool {
		bbox := []float64{}
		item.Get("bbox").ForEach(func(_, value gjson.Result) bool {
			bbox = append(bbox, value.Float())
			return true
		})
		det := tracker.Detection{Confidence: item.Get("prob").Float()}
		if len(bbox) == 4 {
			det.BBox = tracker.BBox{X1: bbox[0], Y1: bbox[1], X2: bbox[2], Y2: bbox[3]}
		} else {
			nan := math.NaN()
			det.BBox = tracker.BBox{X1: nan, Y1: nan, X2: nan, Y2: nan}
		}
		dets = append(dets, det)
		return true
	})
	return dets
}

// annotate sets time_sec, visible_count and the confirmed tracks on the
// request object.
func annotate(reqdata []byte, rec session.Record) ([]byte, error) {
	out, err := sjson.SetBytes(reqdata, "time_sec", rec.TimeSec)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "visible_count", rec.VisibleCount)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetRawBytes(out, "tracks", []byte("[]"))
	if err != nil {
		return nil, err
	}
	for _, trk := range rec.Tracks {
		item := ""
		item, _ = sjson.Set(item, "id", trk.ID)
		item, _ = sjson.Set(item, "bbox", []int{int(trk.X1), int(trk.Y1), int(trk.X2), int(trk.Y2)})
		item, _ = sjson.Set(item, "weight_grams", math.Round(trk.WeightGrams*100)/100)
		out, err = sjson.SetRawBytes(out, "tracks.-1", []byte(item))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *pipeline) finish(ctx context.Context, video string) error {
	s, ok := p.sessionCash[video]
	if !ok {
		p.log.WithField("video", video).Warn("End of stream for unknown video")
		return nil
	}
	delete(p.sessionCash, video)
	delete(p.frames, video)

	sum := s.Close()
	if p.db != nil {
		if err := p.db.SaveSummary(ctx, video, sum, time.Now()); err != nil {
			p.log.WithError(err).Errorf("Failed to store session %s", sum.SessionID)
		}
	}

	out, err := summaryJSON(video, sum)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return p.writeLine(out)
}

func summaryJSON(video string, sum session.Summary) ([]byte, error) {
	counts := sum.Counts
	if counts == nil {
		counts = []session.PopulationSample{}
	}
	out := []byte("{}")
	var err error
	for _, kv := range []struct {
		path  string
		value interface{}
	}{
		{"video.id", video},
		{"session_id", sum.SessionID},
		{"processed_seconds", sum.ProcessedSeconds},
		{"average_visible_birds", sum.AverageVisibleBirds},
		{"average_weight_grams", sum.AverageWeightGrams},
		{"dropped_detections", sum.DroppedDetections},
		{"filtered_detections", sum.FilteredDetections},
		{"bird_counts_over_time", counts},
	} {
		out, err = sjson.SetBytes(out, kv.path, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// closeAll finishes every open session, in video order.
func (p *pipeline) closeAll(ctx context.Context) {
	videos := make([]string, 0, len(p.sessionCash))
	for v := range p.sessionCash {
		videos = append(videos, v)
	}
	sort.Strings(videos)
	for _, v := range videos {
		if err := p.finish(ctx, v); err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Errorf("Failed to close session for %s", v)
		}
	}
}

func (p *pipeline) writeLine(b []byte) error {
	if _, err := p.out.Write(b); err != nil {
		return err
	}
	_, err := p.out.Write([]byte("\n"))
	return err
}
