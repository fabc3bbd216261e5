package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/crossing"
	"github.com/banshee-data/traffic.report/internal/geom"
	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/report"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func fixtureOutput(runID string) report.Output {
	speed := 42.5
	gap := 3.25
	return report.Output{
		Report: report.Report{
			Metadata: report.Metadata{
				RunID:               runID,
				Source:              "cam1.jsonl",
				FramesProcessed:     300,
				SkippedFrames:       2,
				FPS:                 30,
				DurationSeconds:     10,
				ConfidenceThreshold: 0.5,
				IoUThreshold:        0.3,
				MaxDisappeared:      30,
				TracksCreated:       4,
				Geometries:          []string{"north"},
			},
			Summary: report.Summary{
				TotalVehicles: 2,
				UniqueTracks:  2,
				ByClass:       map[string]int{"car": 1, "truck": 1},
				ByGeometry: map[string]report.GeometryCount{
					"north": {Kind: geom.KindLine, Total: 2, ByClass: map[string]int{"car": 1, "truck": 1}, ByDirection: map[string]int{"down": 2}},
				},
				PeakOccupancy:    3,
				PeakFrame:        120,
				AverageOccupancy: 1.5,
			},
			Metrics: report.Metrics{
				VehiclesPerMinute: 12,
				FlowPerHour:       720,
				CongestionMetric:  report.MetricAverageOccupancy,
				Congestion:        report.CongestionLow,
				Trend:             report.TrendStable,
				AverageSpeedKPH:   map[string]float64{"car": speed},
				AverageGapSeconds: &gap,
			},
			Occupancy: report.OccupancySeries{BucketFrames: 1, Means: []float64{1, 2}},
		},
		Events: []crossing.Event{
			{TrackID: 1, Class: 2, ClassName: "car", GeometryID: "north", Kind: geom.KindLine, Direction: geom.DirDown,
				Frame: 40, Timestamp: 40.0 / 30, Point: geom.Point{X: 320, Y: 200}, Confidence: 0.81, SpeedKPH: &speed},
			{TrackID: 3, Class: 7, ClassName: "truck", GeometryID: "north", Kind: geom.KindLine, Direction: geom.DirDown,
				Frame: 137, Timestamp: 137.0 / 30, Point: geom.Point{X: 300, Y: 200}, Confidence: 0.66},
		},
		Snapshots: []report.FrameSnapshot{
			{Frame: 298, Timestamp: 298.0 / 30, Occupancy: map[string]int{"car": 1}, Total: 1,
				Detections: []report.ActiveDetection{{TrackID: 4, Class: 2, ClassName: "car", Confidence: 0.7}}},
			{Frame: 299, Timestamp: 299.0 / 30, Occupancy: map[string]int{}, Skipped: true},
		},
	}
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s, path := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Reopening an up-to-date database is a no-op.
	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	version, _, err = again.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestSaveRun_RoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	out := fixtureOutput("run-1")

	require.NoError(t, s.SaveRun(ctx, out))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "cam1.jsonl", run.Source)
	assert.Equal(t, 300, run.FramesProcessed)
	assert.Equal(t, 2, run.SkippedFrames)
	assert.Equal(t, 2, run.TotalVehicles)
	assert.Equal(t, report.CongestionLow, run.Congestion)
	assert.Equal(t, report.TrendStable, run.Trend)
	assert.NotZero(t, run.CreatedAt)
	if diff := cmp.Diff(out.Report, run.Report, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	events, err := s.EventsForRun(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(out.Events, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, events[1].SpeedKPH)

	snaps, err := s.SnapshotsForRun(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(out.Snapshots, snaps, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRun_Rejects(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.SaveRun(ctx, report.Output{}), "run without id")

	require.NoError(t, s.SaveRun(ctx, fixtureOutput("dup")))
	assert.Error(t, s.SaveRun(ctx, fixtureOutput("dup")), "duplicate run id")

	events, err := s.EventsForRun(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, events, 2, "failed save leaves the first run intact")
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRuns(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, s.SaveRun(ctx, fixtureOutput(id)))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].RunID, "newest first")
	assert.Equal(t, "run-a", runs[2].RunID)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteRun_Cascades(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, fixtureOutput("gone")))

	require.NoError(t, s.DeleteRun(ctx, "gone"))

	events, err := s.EventsForRun(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, events)
	snaps, err := s.SnapshotsForRun(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	assert.ErrorIs(t, s.DeleteRun(ctx, "gone"), ErrNotFound)
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		testErr := errors.New("some other error")
		err := retryOnBusy(func() error {
			calls++
			return testErr
		})
		assert.Equal(t, testErr, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		assert.Error(t, err)
		assert.Equal(t, maxBusyRetries, calls)
	})
}

func TestMigrateLoggerUsesMonitoring(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	var got []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})

	var l migrateLogger
	l.Printf("Finished %d/u %s\n", 1, "create_runs")
	if len(got) != 1 || got[0] != "[migrate] Finished 1/u create_runs" {
		t.Errorf("unexpected log lines: %q", got)
	}
	if l.Verbose() {
		t.Error("migrate logger should not be verbose")
	}
}
