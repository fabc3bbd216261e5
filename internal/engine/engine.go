// Package engine runs the per-video counting pipeline: detection adapter,
// association, crossing detection, speed estimation and aggregation.
//
// An Engine owns all of its state and is not safe for concurrent use.
// Independent videos run on independent engines, see RunAll.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/crossing"
	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/report"
	"github.com/banshee-data/traffic.report/internal/speed"
	"github.com/banshee-data/traffic.report/internal/timeutil"
	"github.com/banshee-data/traffic.report/internal/tracks"
	"github.com/banshee-data/traffic.report/internal/units"
)

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to measure processing time.
func WithClock(c timeutil.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithSource labels the run with its input, usually a file name.
func WithSource(source string) Option {
	return func(e *Engine) { e.source = source }
}

// FrameResult is what one call to ProcessFrame produced.
type FrameResult struct {
	Frame    int
	Events   []crossing.Event
	Snapshot report.FrameSnapshot
	Removed  []int64 // tracks retired this frame
}

// Engine processes the frames of one video in order.
type Engine struct {
	cfg    *config.Config
	runID  string
	source string
	clock  timeutil.Clock
	log    *logrus.Entry

	adapter  *detection.Adapter
	tracker  *tracks.Tracker
	detector *crossing.Detector
	speeds   *speed.Estimator
	agg      *report.Aggregator

	frame       int
	startedAt   time.Time
	lastFrameAt time.Time
}

// New validates cfg and builds an engine. A nil cfg uses the defaults,
// which only succeed when frame dimensions are known; see
// config.BuildGeometries.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	geometries, err := cfg.BuildGeometries()
	if err != nil {
		return nil, err
	}
	classes, err := cfg.GetVehicleClasses()
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	e.log = monitoring.WithFields(monitoring.Fields{"run_id": e.runID, "source": e.source})

	e.adapter = detection.NewAdapter(cfg.GetConfidenceThreshold(), classes, cfg.GetFrameWidth(), cfg.GetFrameHeight())
	e.tracker = tracks.NewTracker(tracks.Config{
		IoUThreshold:   cfg.GetIoUMatchThreshold(),
		MaxDisappeared: cfg.GetMaxDisappeared(),
		HistoryLength:  cfg.GetHistoryLength(),
	})
	e.detector = crossing.NewDetector(geometries, crossing.Config{
		TrajectoryWindow:   cfg.GetTrajectoryWindow(),
		RecountAfterFrames: cfg.GetRecountAfterFrames(),
		FPS:                cfg.GetFPS(),
		ClassName:          e.adapter.ClassName,
	})
	e.speeds, err = speed.NewEstimator(speed.Config{
		FPS:            cfg.GetFPS(),
		MetresPerPixel: cfg.GetMetresPerPixel(),
		Window:         cfg.GetSpeedWindow(),
		Units:          units.KPH,
	})
	if err != nil {
		return nil, err
	}
	e.agg = report.NewAggregator(report.Config{
		FPS:                cfg.GetFPS(),
		CongestionMetric:   cfg.GetCongestionMetric(),
		CongestionMedium:   cfg.GetCongestionMedium(),
		CongestionHigh:     cfg.GetCongestionHigh(),
		TrendIncreaseRatio: cfg.GetTrendIncreaseRatio(),
		TrendDecreaseRatio: cfg.GetTrendDecreaseRatio(),
		MinTrendFrames:     cfg.GetMinTrendFrames(),
		IntervalSeconds:    cfg.GetIntervalSeconds(),
		SnapshotHistory:    cfg.GetSnapshotHistory(),
		SeriesBuckets:      report.DefaultSeriesBuckets,
		Classes:            e.adapter.ClassNames(),
	})

	e.log.Debugf("engine ready: %d geometries, %d classes, speeds in %s",
		len(geometries), len(classes), units.Label(e.speeds.Units()))
	return e, nil
}

// RunID returns the identifier stamped on the report.
func (e *Engine) RunID() string { return e.runID }

// Frames returns the number of frames processed so far.
func (e *Engine) Frames() int { return e.frame }

// Tracks returns the live tracks, ordered by id.
func (e *Engine) Tracks() []*tracks.Track { return e.tracker.Store().Live() }

// ProcessFrame runs one frame through the pipeline. A malformed frame is
// processed as an empty frame and recorded as skipped, so existing tracks
// still age. The only error is a solver failure.
func (e *Engine) ProcessFrame(raw detection.RawFrame) (*FrameResult, error) {
	if e.frame == 0 {
		e.startedAt = e.clock.Now()
	}
	frame := e.frame

	obs, err := e.adapter.Normalize(raw)
	skipped := false
	if err != nil {
		if !errors.Is(err, detection.ErrMalformedFrame) {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		skipped = true
		obs = nil
		e.log.WithFields(monitoring.Fields{"frame": frame}).WithError(err).Warn("skipping malformed frame")
	}

	upd, err := e.tracker.Update(frame, obs)
	if err != nil {
		return nil, fmt.Errorf("track association: %w", err)
	}
	updated := upd.Updated()

	estimates := make(map[int64]speed.Estimate, len(updated))
	for _, t := range updated {
		estimates[t.ID] = e.speeds.Estimate(t)
	}

	events := e.detector.Evaluate(frame, updated)
	for i := range events {
		if est := estimates[events[i].TrackID]; est.OK {
			kph := est.Average
			events[i].SpeedKPH = &kph
		}
	}

	snap := e.snapshot(frame, updated, estimates)
	snap.Skipped = skipped

	e.agg.AddEvents(events)
	e.agg.AddSnapshot(snap)

	if len(events) > 0 {
		e.log.WithFields(monitoring.Fields{"frame": frame, "events": len(events)}).Debug("crossings counted")
	}

	e.frame++
	e.lastFrameAt = e.clock.Now()
	return &FrameResult{Frame: frame, Events: events, Snapshot: snap, Removed: upd.Removed}, nil
}

// snapshot records the tracks observed this frame. Occupancy counts the
// tracks inside any zone, or every observed track when no zone is
// configured.
func (e *Engine) snapshot(frame int, updated []*tracks.Track, estimates map[int64]speed.Estimate) report.FrameSnapshot {
	snap := report.FrameSnapshot{
		Frame:     frame,
		Occupancy: make(map[string]int),
	}
	if fps := e.cfg.GetFPS(); fps > 0 {
		snap.Timestamp = float64(frame) / fps
	}
	zoned := len(e.detector.Zones()) > 0

	for _, t := range updated {
		cls := t.Class()
		d := report.ActiveDetection{
			TrackID:    t.ID,
			Class:      cls,
			ClassName:  e.adapter.ClassName(cls),
			Box:        t.Box,
			Confidence: t.Confidence,
			Centroid:   t.Centroid(),
			InZone:     e.detector.ZoneMembership(t.Box),
		}
		if est := estimates[t.ID]; est.OK {
			kph := est.Average
			d.SpeedKPH = &kph
		}
		snap.Detections = append(snap.Detections, d)

		if zoned && !anyTrue(d.InZone) {
			continue
		}
		snap.Occupancy[d.ClassName]++
		snap.Total++
	}
	return snap
}

func anyTrue(m map[string]bool) bool {
	for _, v := range m {
		if v {
			return true
		}
	}
	return false
}

// Run processes src until it is exhausted. The context is checked once per
// frame; on cancellation the partial output is returned with ctx.Err().
func (e *Engine) Run(ctx context.Context, src detection.Source) (report.Output, error) {
	for {
		if err := ctx.Err(); err != nil {
			e.log.WithError(err).Warnf("run stopped after %d frames", e.frame)
			return e.Output(), err
		}
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				e.log.WithError(ctxErr).Warnf("run stopped after %d frames", e.frame)
				return e.Output(), ctxErr
			}
			return e.Output(), fmt.Errorf("read frame %d: %w", e.frame, err)
		}
		if _, err := e.ProcessFrame(raw); err != nil {
			return e.Output(), err
		}
	}

	out := e.Output()
	e.log.WithFields(monitoring.Fields{
		"frames":   out.Report.Metadata.FramesProcessed,
		"skipped":  out.Report.Metadata.SkippedFrames,
		"vehicles": out.Report.Summary.TotalVehicles,
	}).Info("run complete")
	return out, nil
}

// Report derives the report from the frames processed so far.
func (e *Engine) Report() report.Report {
	return e.agg.Report(e.runInfo())
}

// Output returns the report together with the events and any retained
// snapshots.
func (e *Engine) Output() report.Output {
	return e.agg.Output(e.runInfo())
}

func (e *Engine) runInfo() report.RunInfo {
	info := report.RunInfo{
		RunID:               e.runID,
		Source:              e.source,
		ConfidenceThreshold: e.cfg.GetConfidenceThreshold(),
		IoUThreshold:        e.cfg.GetIoUMatchThreshold(),
		MaxDisappeared:      e.cfg.GetMaxDisappeared(),
		TracksCreated:       e.tracker.Store().Created(),
		ActiveTracks:        e.tracker.Store().Len(),
		Geometries:          e.detector.Geometries(),
	}
	if e.frame > 0 {
		info.ProcessingTimeSeconds = e.lastFrameAt.Sub(e.startedAt).Seconds()
	}
	return info
}
