package report

import (
	"math"
	"sort"

	"github.com/bmharper/ringbuffer"

	"github.com/banshee-data/traffic.report/internal/crossing"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// Config tunes report derivation.
type Config struct {
	FPS float64

	CongestionMetric string  // MetricAverageOccupancy or MetricVehiclesPerMinute
	CongestionMedium float64 // strictly above → medium
	CongestionHigh   float64 // strictly above → high

	TrendIncreaseRatio float64
	TrendDecreaseRatio float64
	MinTrendFrames     int

	IntervalSeconds float64
	SnapshotHistory int // snapshots retained for Output; 0 keeps none
	SeriesBuckets   int

	// Classes seeds the per-class counts so every configured class appears
	// in the report, even with zero crossings.
	Classes []string
}

// DefaultConfig returns the stock report parameters.
func DefaultConfig() Config {
	return Config{
		CongestionMetric:   MetricAverageOccupancy,
		CongestionMedium:   4,
		CongestionHigh:     8,
		TrendIncreaseRatio: 1.2,
		TrendDecreaseRatio: 0.8,
		MinTrendFrames:     10,
		IntervalSeconds:    60,
		SeriesBuckets:      DefaultSeriesBuckets,
	}
}

// RunInfo carries the run facts the aggregator does not observe itself.
type RunInfo struct {
	RunID                 string
	Source                string
	ProcessingTimeSeconds float64
	ConfidenceThreshold   float64
	IoUThreshold          float64
	MaxDisappeared        int
	TracksCreated         int64
	ActiveTracks          int
	Geometries            []geom.Geometry
}

type geometryAcc struct {
	kind        geom.Kind
	total       int
	byClass     map[string]int
	byDirection map[string]int
}

type speedAcc struct {
	sum float64
	n   int
}

// Aggregator accumulates events and frame snapshots for one video. It is not
// safe for concurrent use.
type Aggregator struct {
	cfg Config

	events      []crossing.Event
	byClass     map[string]int
	byGeometry  map[string]*geometryAcc
	tracks      map[int64]struct{}
	speeds      map[string]*speedAcc
	intervals   map[int]map[string]int
	lastEventTS float64
	gapSum      float64
	gapCount    int

	frames        int
	skipped       int
	peak          int
	peakFrame     int
	occupancySum  float64
	occupancy     *series
	confidenceSum float64
	detections    int

	// snapshots is sized to a power of two; only the newest
	// SnapshotHistory entries are reported.
	snapshots *ringbuffer.Ring[FrameSnapshot]
}

// NewAggregator returns an empty aggregator.
func NewAggregator(cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:        cfg,
		byClass:    make(map[string]int),
		byGeometry: make(map[string]*geometryAcc),
		tracks:     make(map[int64]struct{}),
		speeds:     make(map[string]*speedAcc),
		intervals:  make(map[int]map[string]int),
		occupancy:  newSeries(cfg.SeriesBuckets),
	}
	if cfg.SnapshotHistory > 0 {
		size := 1
		for size < cfg.SnapshotHistory {
			size <<= 1
		}
		a.snapshots = ringbuffer.NewRingP[FrameSnapshot](size)
	}
	return a
}

// AddEvents folds crossing events into the counts. Each event is counted
// exactly once.
func (a *Aggregator) AddEvents(events []crossing.Event) {
	for _, ev := range events {
		if len(a.events) > 0 {
			a.gapSum += ev.Timestamp - a.lastEventTS
			a.gapCount++
		}
		a.lastEventTS = ev.Timestamp
		a.events = append(a.events, ev)

		a.byClass[ev.ClassName]++
		a.tracks[ev.TrackID] = struct{}{}

		g, ok := a.byGeometry[ev.GeometryID]
		if !ok {
			g = &geometryAcc{kind: ev.Kind, byClass: make(map[string]int), byDirection: make(map[string]int)}
			a.byGeometry[ev.GeometryID] = g
		}
		g.total++
		g.byClass[ev.ClassName]++
		if ev.Direction != "" {
			g.byDirection[string(ev.Direction)]++
		}

		if ev.SpeedKPH != nil {
			s, ok := a.speeds[ev.ClassName]
			if !ok {
				s = &speedAcc{}
				a.speeds[ev.ClassName] = s
			}
			s.sum += *ev.SpeedKPH
			s.n++
		}

		if a.cfg.IntervalSeconds > 0 {
			idx := int(math.Floor(ev.Timestamp / a.cfg.IntervalSeconds))
			if a.intervals[idx] == nil {
				a.intervals[idx] = make(map[string]int)
			}
			a.intervals[idx][ev.ClassName]++
		}
	}
}

// AddSnapshot folds one frame's occupancy into the running statistics.
func (a *Aggregator) AddSnapshot(s FrameSnapshot) {
	a.frames++
	if s.Skipped {
		a.skipped++
	}
	if s.Total > a.peak {
		a.peak = s.Total
		a.peakFrame = s.Frame
	}
	a.occupancySum += float64(s.Total)
	a.occupancy.add(float64(s.Total))
	for _, d := range s.Detections {
		a.confidenceSum += d.Confidence
		a.detections++
	}
	if a.snapshots != nil {
		a.snapshots.Add(s)
	}
}

// Frames returns the number of snapshots folded so far.
func (a *Aggregator) Frames() int { return a.frames }

// Events returns a copy of every event folded so far.
func (a *Aggregator) Events() []crossing.Event {
	out := make([]crossing.Event, len(a.events))
	copy(out, a.events)
	return out
}

// Snapshots returns the retained snapshots, oldest first.
func (a *Aggregator) Snapshots() []FrameSnapshot {
	if a.snapshots == nil {
		return nil
	}
	n := a.snapshots.Len()
	k := min(n, a.cfg.SnapshotHistory)
	out := make([]FrameSnapshot, k)
	for i := range out {
		out[i] = a.snapshots.Peek(n - k + i)
	}
	return out
}

// Output returns the report with the events and retained snapshots.
func (a *Aggregator) Output(info RunInfo) Output {
	return Output{
		Report:    a.Report(info),
		Events:    a.Events(),
		Snapshots: a.Snapshots(),
	}
}

// Report derives the report from the current state. It does not modify the
// aggregator, so repeated calls with the same info return equal reports.
func (a *Aggregator) Report(info RunInfo) Report {
	var r Report

	duration := 0.0
	if a.cfg.FPS > 0 {
		duration = float64(a.frames) / a.cfg.FPS
	}

	r.Metadata = Metadata{
		RunID:                 info.RunID,
		Source:                info.Source,
		FramesProcessed:       a.frames,
		SkippedFrames:         a.skipped,
		FPS:                   a.cfg.FPS,
		DurationSeconds:       duration,
		ProcessingTimeSeconds: info.ProcessingTimeSeconds,
		ConfidenceThreshold:   info.ConfidenceThreshold,
		IoUThreshold:          info.IoUThreshold,
		MaxDisappeared:        info.MaxDisappeared,
		TracksCreated:         info.TracksCreated,
		ActiveTracks:          info.ActiveTracks,
		Geometries:            make([]string, 0, len(info.Geometries)),
	}
	if a.detections > 0 {
		r.Metadata.AverageConfidence = a.confidenceSum / float64(a.detections)
	}

	r.Summary = Summary{
		TotalVehicles: len(a.events),
		UniqueTracks:  len(a.tracks),
		ByClass:       make(map[string]int, len(a.cfg.Classes)),
		ByGeometry:    make(map[string]GeometryCount, len(info.Geometries)),
		PeakOccupancy: a.peak,
		PeakFrame:     a.peakFrame,
	}
	for _, name := range a.cfg.Classes {
		r.Summary.ByClass[name] = 0
	}
	for name, n := range a.byClass {
		r.Summary.ByClass[name] = n
	}
	for _, g := range info.Geometries {
		r.Metadata.Geometries = append(r.Metadata.Geometries, g.GeometryID())
		r.Summary.ByGeometry[g.GeometryID()] = GeometryCount{Kind: g.Kind(), ByClass: map[string]int{}}
	}
	for id, g := range a.byGeometry {
		gc := GeometryCount{Kind: g.kind, Total: g.total, ByClass: copyCounts(g.byClass)}
		if len(g.byDirection) > 0 {
			gc.ByDirection = copyCounts(g.byDirection)
		}
		r.Summary.ByGeometry[id] = gc
	}
	if a.frames > 0 {
		r.Summary.AverageOccupancy = a.occupancySum / float64(a.frames)
	}

	r.Metrics = a.metrics(r.Summary, duration, info.ProcessingTimeSeconds)
	r.Intervals = a.intervalBreakdown(duration)
	r.Occupancy = OccupancySeries{BucketFrames: a.occupancy.width, Means: a.occupancy.values()}
	return r
}

func (a *Aggregator) metrics(s Summary, duration, processing float64) Metrics {
	m := Metrics{CongestionMetric: a.cfg.CongestionMetric}
	if m.CongestionMetric == "" {
		m.CongestionMetric = MetricAverageOccupancy
	}
	if duration > 0 {
		m.VehiclesPerMinute = float64(s.TotalVehicles) / duration * 60
		m.FlowPerHour = m.VehiclesPerMinute * 60
		m.RealTimeFactor = processing / duration
	}
	if processing > 0 {
		m.ProcessingEfficiency = float64(a.frames) / processing
	}

	value := s.AverageOccupancy
	if m.CongestionMetric == MetricVehiclesPerMinute {
		value = m.VehiclesPerMinute
	}
	m.Congestion = Congestion(value, a.cfg.CongestionMedium, a.cfg.CongestionHigh)
	m.Trend = a.trend()

	if len(a.speeds) > 0 {
		m.AverageSpeedKPH = make(map[string]float64, len(a.speeds))
		for name, sp := range a.speeds {
			m.AverageSpeedKPH[name] = sp.sum / float64(sp.n)
		}
	}
	if a.gapCount > 0 {
		gap := a.gapSum / float64(a.gapCount)
		m.AverageGapSeconds = &gap
	}
	return m
}

// Congestion grades value against the medium and high thresholds.
func Congestion(value, medium, high float64) CongestionLevel {
	switch {
	case value > high:
		return CongestionHigh
	case value > medium:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

func (a *Aggregator) trend() Trend {
	if a.frames < a.cfg.MinTrendFrames || a.frames < 2 {
		return TrendInsufficientData
	}
	first, second := a.occupancy.halves()
	switch {
	case second > first*a.cfg.TrendIncreaseRatio:
		return TrendIncreasing
	case second < first*a.cfg.TrendDecreaseRatio:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (a *Aggregator) intervalBreakdown(duration float64) []Interval {
	if a.cfg.IntervalSeconds <= 0 || (a.frames == 0 && len(a.intervals) == 0) {
		return nil
	}
	last := 0
	if duration > 0 {
		last = int(math.Ceil(duration/a.cfg.IntervalSeconds)) - 1
	}
	for idx := range a.intervals {
		if idx > last {
			last = idx
		}
	}
	out := make([]Interval, 0, last+1)
	for idx := 0; idx <= last; idx++ {
		iv := Interval{
			Index:        idx,
			StartSeconds: float64(idx) * a.cfg.IntervalSeconds,
			EndSeconds:   float64(idx+1) * a.cfg.IntervalSeconds,
			ByClass:      copyCounts(a.intervals[idx]),
		}
		for _, n := range iv.ByClass {
			iv.Total += n
		}
		out = append(out, iv)
	}
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedClasses returns the class names of counts in a stable order, by
// descending count then name.
func SortedClasses(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
