package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/engine.defaults.json"

// ErrInvalidGeometry is returned for unusable counting geometry
// configuration. It is the same sentinel as geom.ErrInvalidGeometry.
var ErrInvalidGeometry = geom.ErrInvalidGeometry

// Config is the engine configuration for one video. Every field is
// optional; the Get* accessors supply defaults for fields left unset, so
// partial configs are safe.
type Config struct {
	// Detection
	ConfidenceThreshold *float64          `json:"confidence_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	VehicleClasses      map[string]string `json:"vehicle_classes,omitempty"` // class id → name
	InputFormat         *string           `json:"input_format,omitempty" validate:"omitempty,oneof=columns items"`
	FrameWidth          *float64          `json:"frame_width,omitempty" validate:"omitempty,gte=0"`
	FrameHeight         *float64          `json:"frame_height,omitempty" validate:"omitempty,gte=0"`

	// Association
	IoUMatchThreshold *float64 `json:"iou_match_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxDisappeared    *int     `json:"max_disappeared,omitempty" validate:"omitempty,gte=0"`
	HistoryLength     *int     `json:"history_length,omitempty" validate:"omitempty,gte=2,lte=10000"`

	// Counting
	Geometries         []GeometryConfig `json:"geometries,omitempty" validate:"omitempty,dive"`
	TrajectoryWindow   *int             `json:"trajectory_window,omitempty" validate:"omitempty,gte=2"`
	RecountAfterFrames *int             `json:"recount_after_frames,omitempty" validate:"omitempty,gte=0"`

	// Speed
	FPS            *float64 `json:"fps,omitempty" validate:"omitempty,gt=0"`
	MetresPerPixel *float64 `json:"metres_per_pixel,omitempty" validate:"omitempty,gt=0"`
	SpeedWindow    *int     `json:"speed_window,omitempty" validate:"omitempty,gte=2"`

	// Reporting
	CongestionMetric   *string  `json:"congestion_metric,omitempty" validate:"omitempty,oneof=average_occupancy vehicles_per_minute"`
	CongestionMedium   *float64 `json:"congestion_medium,omitempty" validate:"omitempty,gte=0"`
	CongestionHigh     *float64 `json:"congestion_high,omitempty" validate:"omitempty,gte=0"`
	TrendIncreaseRatio *float64 `json:"trend_increase_ratio,omitempty" validate:"omitempty,gte=1"`
	TrendDecreaseRatio *float64 `json:"trend_decrease_ratio,omitempty" validate:"omitempty,gt=0,lte=1"`
	MinTrendFrames     *int     `json:"min_trend_frames,omitempty" validate:"omitempty,gte=2"`
	IntervalSeconds    *float64 `json:"interval_seconds,omitempty" validate:"omitempty,gt=0"`
	SnapshotHistory    *int     `json:"snapshot_history,omitempty" validate:"omitempty,gte=0"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON keys rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a JSON configuration document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,       // from cmd/
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Geometries are
// built and checked when they are configured, or when frame dimensions are
// known and the default zone would be derived.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	if _, err := c.GetVehicleClasses(); err != nil {
		return err
	}
	if c.GetCongestionHigh() < c.GetCongestionMedium() {
		return fmt.Errorf("congestion_high (%g) must not be below congestion_medium (%g)",
			c.GetCongestionHigh(), c.GetCongestionMedium())
	}
	if c.GetTrendDecreaseRatio() > c.GetTrendIncreaseRatio() {
		return fmt.Errorf("trend_decrease_ratio (%g) must not exceed trend_increase_ratio (%g)",
			c.GetTrendDecreaseRatio(), c.GetTrendIncreaseRatio())
	}
	if len(c.Geometries) > 0 || (c.GetFrameWidth() > 0 && c.GetFrameHeight() > 0) {
		if _, err := c.BuildGeometries(); err != nil {
			return err
		}
	}
	return nil
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (c *Config) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.5 // default
	}
	return *c.ConfidenceThreshold
}

// GetVehicleClasses returns the allow-listed classes keyed by numeric id.
// An unset map selects the COCO vehicle classes.
func (c *Config) GetVehicleClasses() (map[int]string, error) {
	if len(c.VehicleClasses) == 0 {
		out := make(map[int]string, len(detection.DefaultClasses))
		for k, v := range detection.DefaultClasses {
			out[k] = v
		}
		return out, nil
	}
	out := make(map[int]string, len(c.VehicleClasses))
	keys := make([]string, 0, len(c.VehicleClasses))
	for k := range c.VehicleClasses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("vehicle_classes key %q is not a class id", k)
		}
		name := strings.TrimSpace(c.VehicleClasses[k])
		if name == "" {
			return nil, fmt.Errorf("vehicle_classes[%s] has an empty name", k)
		}
		out[id] = name
	}
	return out, nil
}

// GetInputFormat returns the input_format value or the default.
func (c *Config) GetInputFormat() string {
	if c.InputFormat == nil || *c.InputFormat == "" {
		return "columns" // default
	}
	return *c.InputFormat
}

// GetFrameWidth returns the frame_width value, 0 when unknown.
func (c *Config) GetFrameWidth() float64 {
	if c.FrameWidth == nil {
		return 0
	}
	return *c.FrameWidth
}

// GetFrameHeight returns the frame_height value, 0 when unknown.
func (c *Config) GetFrameHeight() float64 {
	if c.FrameHeight == nil {
		return 0
	}
	return *c.FrameHeight
}

// GetIoUMatchThreshold returns the iou_match_threshold value or the default.
func (c *Config) GetIoUMatchThreshold() float64 {
	if c.IoUMatchThreshold == nil {
		return 0.3 // default
	}
	return *c.IoUMatchThreshold
}

// GetMaxDisappeared returns the max_disappeared value or the default.
func (c *Config) GetMaxDisappeared() int {
	if c.MaxDisappeared == nil {
		return 30 // default
	}
	return *c.MaxDisappeared
}

// GetHistoryLength returns the history_length value or the default.
func (c *Config) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 30 // default
	}
	return *c.HistoryLength
}

// GetTrajectoryWindow returns the trajectory_window value or the default.
func (c *Config) GetTrajectoryWindow() int {
	if c.TrajectoryWindow == nil {
		return 5 // default
	}
	return *c.TrajectoryWindow
}

// GetRecountAfterFrames returns the recount_after_frames value or the
// default (0, disabled).
func (c *Config) GetRecountAfterFrames() int {
	if c.RecountAfterFrames == nil {
		return 0
	}
	return *c.RecountAfterFrames
}

// GetFPS returns the fps value or the default.
func (c *Config) GetFPS() float64 {
	if c.FPS == nil {
		return 30 // default
	}
	return *c.FPS
}

// GetMetresPerPixel returns the metres_per_pixel value or the default.
func (c *Config) GetMetresPerPixel() float64 {
	if c.MetresPerPixel == nil {
		return 0.05 // default
	}
	return *c.MetresPerPixel
}

// GetSpeedWindow returns the speed_window value or the default.
func (c *Config) GetSpeedWindow() int {
	if c.SpeedWindow == nil {
		return 5 // default
	}
	return *c.SpeedWindow
}

// GetCongestionMetric returns the congestion_metric value or the default.
func (c *Config) GetCongestionMetric() string {
	if c.CongestionMetric == nil || *c.CongestionMetric == "" {
		return "average_occupancy" // default
	}
	return *c.CongestionMetric
}

// GetCongestionMedium returns the medium threshold, defaulting per metric.
func (c *Config) GetCongestionMedium() float64 {
	if c.CongestionMedium != nil {
		return *c.CongestionMedium
	}
	if c.GetCongestionMetric() == "vehicles_per_minute" {
		return 50
	}
	return 4
}

// GetCongestionHigh returns the high threshold, defaulting per metric.
func (c *Config) GetCongestionHigh() float64 {
	if c.CongestionHigh != nil {
		return *c.CongestionHigh
	}
	if c.GetCongestionMetric() == "vehicles_per_minute" {
		return 100
	}
	return 8
}

// GetTrendIncreaseRatio returns the trend_increase_ratio value or the default.
func (c *Config) GetTrendIncreaseRatio() float64 {
	if c.TrendIncreaseRatio == nil {
		return 1.2 // default
	}
	return *c.TrendIncreaseRatio
}

// GetTrendDecreaseRatio returns the trend_decrease_ratio value or the default.
func (c *Config) GetTrendDecreaseRatio() float64 {
	if c.TrendDecreaseRatio == nil {
		return 0.8 // default
	}
	return *c.TrendDecreaseRatio
}

// GetMinTrendFrames returns the min_trend_frames value or the default.
func (c *Config) GetMinTrendFrames() int {
	if c.MinTrendFrames == nil {
		return 10 // default
	}
	return *c.MinTrendFrames
}

// GetIntervalSeconds returns the interval_seconds value or the default.
func (c *Config) GetIntervalSeconds() float64 {
	if c.IntervalSeconds == nil {
		return 60 // default
	}
	return *c.IntervalSeconds
}

// GetSnapshotHistory returns the snapshot_history value or the default
// (0, no snapshots retained).
func (c *Config) GetSnapshotHistory() int {
	if c.SnapshotHistory == nil {
		return 0
	}
	return *c.SnapshotHistory
}

// WithFPS returns a copy of c with fps overridden.
func (c *Config) WithFPS(fps float64) *Config {
	cp := *c
	cp.FPS = ptrFloat64(fps)
	return &cp
}

// WithInputFormat returns a copy of c with input_format overridden.
func (c *Config) WithInputFormat(format string) *Config {
	cp := *c
	cp.InputFormat = ptrString(format)
	return &cp
}
