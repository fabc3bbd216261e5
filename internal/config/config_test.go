package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/geom"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	assert.Equal(t, 0.5, cfg.GetConfidenceThreshold())
	assert.Equal(t, 0.3, cfg.GetIoUMatchThreshold())
	assert.Equal(t, 30, cfg.GetMaxDisappeared())
	assert.Equal(t, 30, cfg.GetHistoryLength())
	assert.Equal(t, 5, cfg.GetTrajectoryWindow())
	assert.Equal(t, 0, cfg.GetRecountAfterFrames())
	assert.Equal(t, 30.0, cfg.GetFPS())
	assert.Equal(t, 5, cfg.GetSpeedWindow())
	assert.Equal(t, "average_occupancy", cfg.GetCongestionMetric())
	assert.Equal(t, 4.0, cfg.GetCongestionMedium())
	assert.Equal(t, 8.0, cfg.GetCongestionHigh())
	assert.Equal(t, 1.2, cfg.GetTrendIncreaseRatio())
	assert.Equal(t, 0.8, cfg.GetTrendDecreaseRatio())
	assert.Equal(t, 10, cfg.GetMinTrendFrames())
	assert.Equal(t, 60.0, cfg.GetIntervalSeconds())
	assert.Equal(t, 0, cfg.GetSnapshotHistory())
	assert.Equal(t, "columns", cfg.GetInputFormat())

	classes, err := cfg.GetVehicleClasses()
	require.NoError(t, err)
	assert.Equal(t, "car", classes[2])
	assert.Len(t, classes, 5)
}

func TestCongestionDefaultsFollowMetric(t *testing.T) {
	cfg := &Config{CongestionMetric: ptrString("vehicles_per_minute")}
	assert.Equal(t, 50.0, cfg.GetCongestionMedium())
	assert.Equal(t, 100.0, cfg.GetCongestionHigh())
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	require.NotNil(t, cfg.ConfidenceThreshold)
	assert.Equal(t, 0.5, *cfg.ConfidenceThreshold)
	require.NotNil(t, cfg.IoUMatchThreshold)
	assert.Equal(t, 0.3, *cfg.IoUMatchThreshold)
	classes, err := cfg.GetVehicleClasses()
	require.NoError(t, err)
	assert.Equal(t, "truck", classes[7])
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, "engine.json", `{
  "confidence_threshold": 0.4,
  "max_disappeared": 3,
  "frame_width": 640,
  "frame_height": 480,
  "vehicle_classes": {"2": "car", "7": "truck"},
  "geometries": [
    {"id": "north", "type": "line", "start": [0, 200], "end": [640, 200], "direction": "down"},
    {"id": "stop", "type": "zone", "bounds": {"left": 0, "top": 180, "right": 640, "bottom": 220}, "membership": "overlap"}
  ]
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.4, cfg.GetConfidenceThreshold())
	assert.Equal(t, 3, cfg.GetMaxDisappeared())
	assert.Equal(t, 0.3, cfg.GetIoUMatchThreshold(), "unset fields keep defaults")

	classes, err := cfg.GetVehicleClasses()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{2: "car", 7: "truck"}, classes)

	geoms, err := cfg.BuildGeometries()
	require.NoError(t, err)
	require.Len(t, geoms, 2)
	line, ok := geoms[0].(*geom.Line)
	require.True(t, ok)
	assert.Equal(t, geom.DirDown, line.Direction)
	zone, ok := geoms[1].(*geom.Zone)
	require.True(t, ok)
	assert.Equal(t, geom.MemberOverlap, zone.Membership)
}

func TestLoadConfig_FileChecks(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "engine.yaml", "{}"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	big := `{"confidence_threshold": 0.5, "pad": "` + strings.Repeat("x", 1<<20) + `"}`
	_, err = LoadConfig(writeConfig(t, "big.json", big))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	_, err = LoadConfig(writeConfig(t, "bad.json", "{not json"))
	assert.Error(t, err)
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"confidence above one", `{"confidence_threshold": 1.5}`, "confidence_threshold"},
		{"zero iou", `{"iou_match_threshold": 0}`, "iou_match_threshold"},
		{"negative tolerance", `{"max_disappeared": -1}`, "max_disappeared"},
		{"short history", `{"history_length": 1}`, "history_length"},
		{"unknown metric", `{"congestion_metric": "queue_length"}`, "congestion_metric"},
		{"unknown format", `{"input_format": "xml"}`, "input_format"},
		{"inverted congestion", `{"congestion_medium": 9, "congestion_high": 3}`, "congestion_high"},
		{"inverted trend", `{"trend_increase_ratio": 1.0, "trend_decrease_ratio": 1.0}`, ""},
		{"bad class id", `{"vehicle_classes": {"car": "car"}}`, "vehicle_classes"},
		{"unknown geometry type", `{"geometries": [{"id": "a", "type": "circle"}]}`, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.body))
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_GeometryDegeneracy(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero length line", `{"geometries": [{"id": "l", "type": "line", "start": [10, 10], "end": [10, 10]}]}`},
		{"zero area zone", `{"geometries": [{"id": "z", "type": "zone", "bounds": {"left": 0, "top": 5, "right": 100, "bottom": 5}}]}`},
		{"direction against orientation", `{"geometries": [{"id": "l", "type": "line", "start": [0, 0], "end": [0, 100], "direction": "down"}]}`},
		{"duplicate ids", `{"geometries": [
			{"id": "g", "type": "line", "start": [0, 10], "end": [100, 10]},
			{"id": "g", "type": "line", "start": [0, 20], "end": [100, 20]}]}`},
		{"line without endpoints", `{"geometries": [{"id": "l", "type": "line"}]}`},
		{"relative without frame size", `{"geometries": [{"id": "z", "type": "zone", "relative": true, "bounds": {"left": 0.1, "top": 0.1, "right": 0.9, "bottom": 0.9}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidGeometry), "got %v", err)
		})
	}
}

func TestBuildGeometries_DefaultZone(t *testing.T) {
	cfg := &Config{FrameWidth: ptrFloat64(1000), FrameHeight: ptrFloat64(500)}
	geoms, err := cfg.BuildGeometries()
	require.NoError(t, err)
	require.Len(t, geoms, 1)
	zone, ok := geoms[0].(*geom.Zone)
	require.True(t, ok)
	assert.Equal(t, DefaultZoneID, zone.ID)
	assert.InDelta(t, 200.0, zone.Left, 1e-9)
	assert.InDelta(t, 150.0, zone.Top, 1e-9)
	assert.InDelta(t, 800.0, zone.Right, 1e-9)
	assert.InDelta(t, 350.0, zone.Bottom, 1e-9)

	_, err = EmptyConfig().BuildGeometries()
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestBuildGeometries_Relative(t *testing.T) {
	cfg := &Config{
		FrameWidth:  ptrFloat64(640),
		FrameHeight: ptrFloat64(480),
		Geometries: []GeometryConfig{{
			ID: "mid", Type: "line", Relative: true,
			Start: &[2]float64{0, 0.5}, End: &[2]float64{1, 0.5},
		}},
	}
	require.NoError(t, cfg.Validate())
	geoms, err := cfg.BuildGeometries()
	require.NoError(t, err)
	line := geoms[0].(*geom.Line)
	assert.Equal(t, geom.Point{X: 640, Y: 240}, line.B)
}

func TestOverrides(t *testing.T) {
	base := &Config{MaxDisappeared: ptrInt(4)}
	withFPS := base.WithFPS(12.5).WithInputFormat("items")
	assert.Equal(t, 12.5, withFPS.GetFPS())
	assert.Equal(t, "items", withFPS.GetInputFormat())
	assert.Equal(t, 4, withFPS.GetMaxDisappeared())
	assert.Nil(t, base.FPS, "original is not modified")
}
