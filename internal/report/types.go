// Package report folds per-frame tracking results into a traffic report.
//
// The Aggregator keeps running counters only: occupancy is summarised into
// a bounded series, and per-frame snapshots are retained only when a
// snapshot history is configured, so memory does not grow with video length.
package report

import (
	"github.com/banshee-data/traffic.report/internal/crossing"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// CongestionLevel grades traffic density.
type CongestionLevel string

const (
	CongestionLow    CongestionLevel = "low"
	CongestionMedium CongestionLevel = "medium"
	CongestionHigh   CongestionLevel = "high"
)

// Congestion metrics.
const (
	MetricAverageOccupancy  = "average_occupancy"
	MetricVehiclesPerMinute = "vehicles_per_minute"
)

// Trend compares occupancy in the first and second half of a video.
type Trend string

const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// ActiveDetection is one track observed in a frame.
type ActiveDetection struct {
	TrackID    int64           `json:"track_id"`
	Class      int             `json:"class_id"`
	ClassName  string          `json:"class"`
	Box        geom.Box        `json:"box"`
	Confidence float64         `json:"confidence"`
	Centroid   geom.Point      `json:"centroid"`
	SpeedKPH   *float64        `json:"speed_kph,omitempty"`
	InZone     map[string]bool `json:"in_zone,omitempty"`
}

// FrameSnapshot is the state of one processed frame.
type FrameSnapshot struct {
	Frame      int               `json:"frame"`
	Timestamp  float64           `json:"timestamp"`
	Occupancy  map[string]int    `json:"occupancy"`
	Total      int               `json:"total"`
	Detections []ActiveDetection `json:"detections,omitempty"`
	Skipped    bool              `json:"skipped,omitempty"` // malformed input, processed as empty
}

// GeometryCount totals the events of one counting geometry.
type GeometryCount struct {
	Kind        geom.Kind      `json:"kind"`
	Total       int            `json:"total"`
	ByClass     map[string]int `json:"by_class"`
	ByDirection map[string]int `json:"by_direction,omitempty"`
}

// Interval is the crossing count for one fixed-length time bucket.
type Interval struct {
	Index        int            `json:"index"`
	StartSeconds float64        `json:"start_seconds"`
	EndSeconds   float64        `json:"end_seconds"`
	Total        int            `json:"total"`
	ByClass      map[string]int `json:"by_class"`
}

// Metadata describes the run that produced a report.
type Metadata struct {
	RunID                 string   `json:"run_id"`
	Source                string   `json:"source,omitempty"`
	FramesProcessed       int      `json:"frames_processed"`
	SkippedFrames         int      `json:"skipped_frames"`
	FPS                   float64  `json:"fps"`
	DurationSeconds       float64  `json:"duration_seconds"`
	ProcessingTimeSeconds float64  `json:"processing_time_seconds"`
	ConfidenceThreshold   float64  `json:"confidence_threshold"`
	IoUThreshold          float64  `json:"iou_match_threshold"`
	MaxDisappeared        int      `json:"max_disappeared"`
	AverageConfidence     float64  `json:"average_detection_confidence"`
	TracksCreated         int64    `json:"tracks_created"`
	ActiveTracks          int      `json:"active_tracks"`
	Geometries            []string `json:"geometries"`
}

// Summary holds the headline counts.
type Summary struct {
	TotalVehicles    int                      `json:"total_vehicles"`
	UniqueTracks     int                      `json:"unique_tracks"`
	ByClass          map[string]int           `json:"by_class"`
	ByGeometry       map[string]GeometryCount `json:"by_geometry"`
	PeakOccupancy    int                      `json:"peak_occupancy"`
	PeakFrame        int                      `json:"peak_frame"`
	AverageOccupancy float64                  `json:"average_occupancy"`
}

// Metrics holds derived rates and classifications.
type Metrics struct {
	VehiclesPerMinute    float64            `json:"vehicles_per_minute"`
	FlowPerHour          float64            `json:"flow_per_hour"`
	CongestionMetric     string             `json:"congestion_metric"`
	Congestion           CongestionLevel    `json:"congestion_level"`
	Trend                Trend              `json:"trend"`
	AverageSpeedKPH      map[string]float64 `json:"average_speed_kph,omitempty"`
	AverageGapSeconds    *float64           `json:"average_gap_seconds,omitempty"`
	ProcessingEfficiency float64            `json:"processing_efficiency"` // frames per processing second
	RealTimeFactor       float64            `json:"real_time_factor"`      // processing time / video duration
}

// OccupancySeries is the downsampled per-frame occupancy. Each value is the
// mean over BucketFrames consecutive frames (the last bucket may be short).
type OccupancySeries struct {
	BucketFrames int       `json:"bucket_frames"`
	Means        []float64 `json:"means"`
}

// Report is the passive, serialisable result of a run.
type Report struct {
	Metadata  Metadata        `json:"metadata"`
	Summary   Summary         `json:"summary"`
	Metrics   Metrics         `json:"metrics"`
	Intervals []Interval      `json:"intervals,omitempty"`
	Occupancy OccupancySeries `json:"occupancy_series"`
}

// Output is everything a run hands to persistence.
type Output struct {
	Report    Report           `json:"report"`
	Events    []crossing.Event `json:"events"`
	Snapshots []FrameSnapshot  `json:"snapshots,omitempty"`
}
