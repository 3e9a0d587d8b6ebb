package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"trunov/birdcount/config"
	"trunov/birdcount/store"
)

var configPath = flag.String("config", "", "JSON tuning file")
var maxage = flag.Int("maxage", 10, "Max frames a track survives without a detection")
var minhits = flag.Int("minhits", 1, "Associations needed to confirm a track")
var ioutr = flag.Float64("ioutr", 0.15, "IOU threshold")
var alpha = flag.Float64("alpha", 0.7, "Population smoothing factor")
var minbirds = flag.Int("minbirds", 50, "Population floor")
var maxbirds = flag.Int("maxbirds", 150, "Population soft ceiling")
var dbPath = flag.String("db", "", "sqlite file for session summaries")
var debug = flag.Bool("debug", false, "Debug logging")

func loadConfig() config.Config {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.Fatalf("Failed to load config: %v", err)
		}
	}
	// explicit flags win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "maxage":
			cfg.Tracker.MaxAge = *maxage
		case "minhits":
			cfg.Tracker.MinHits = *minhits
		case "ioutr":
			cfg.Tracker.IOUThreshold = *ioutr
		case "alpha":
			cfg.Population.Alpha = *alpha
		case "minbirds":
			cfg.Population.MinBirds = *minbirds
		case "maxbirds":
			cfg.Population.MaxBirds = *maxbirds
		}
	})
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Bad configuration: %v", err)
	}
	return cfg
}

func main() {
	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	// stdout carries the records
	logrus.SetOutput(os.Stderr)

	cfg := loadConfig()

	var db *store.DB
	if *dbPath != "" {
		var err error
		db, err = store.Open(*dbPath)
		if err != nil {
			logrus.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w := bufio.NewWriter(os.Stdout)
	p := newPipeline(cfg, db, w, logrus.StandardLogger())

	s := bufio.NewScanner(os.Stdin)
	bufsize := 10 << 20
	buf := make([]byte, bufsize)
	s.Buffer(buf, bufsize)
	for s.Scan() {
		if err := p.handle(ctx, s.Bytes()); err != nil {
			logrus.WithError(err).Error("Stopping")
			break
		}
		w.Flush()
	}
	if err := s.Err(); err != nil {
		logrus.WithError(err).Error("Failed to read input")
	}

	p.closeAll(context.Background())
	w.Flush()
}
