// Package speed estimates vehicle speed from track centroid displacement
// under a fixed pixel-to-metre calibration.
package speed

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/traffic.report/internal/tracks"
	"github.com/banshee-data/traffic.report/internal/units"
)

// DefaultWindow is the number of history samples averaged by Estimate.
const DefaultWindow = 5

// Between returns the speed in m/s implied by moving from a to b. ok is
// false when b is not strictly later than a or fps is not positive.
func Between(a, b tracks.Position, fps, metresPerPixel float64) (mps float64, ok bool) {
	gap := b.Frame - a.Frame
	if gap <= 0 || fps <= 0 {
		return 0, false
	}
	px := math.Hypot(b.X-a.X, b.Y-a.Y)
	return units.PixelSpeed(px, metresPerPixel, float64(gap)/fps), true
}

// Config holds the calibration for one video.
type Config struct {
	FPS            float64
	MetresPerPixel float64
	Window         int    // samples averaged, at least 2
	Units          string // output units, see package units
}

// Estimate is a speed reading for one track.
type Estimate struct {
	Instant float64 // from the last two samples
	Average float64 // mean of step speeds over the window
	Samples int     // history samples used for Average
	OK      bool    // false when the track has fewer than two samples
}

// Estimator derives speeds from track history.
type Estimator struct {
	cfg Config
}

// NewEstimator returns an Estimator. Zero Window and Units fall back to
// DefaultWindow and km/h.
func NewEstimator(cfg Config) (*Estimator, error) {
	if cfg.Window < 2 {
		cfg.Window = DefaultWindow
	}
	if cfg.Units == "" {
		cfg.Units = units.KPH
	}
	if !units.IsValid(cfg.Units) {
		return nil, fmt.Errorf("invalid speed units %q, want one of %s", cfg.Units, strings.Join(units.ValidUnits, ", "))
	}
	return &Estimator{cfg: cfg}, nil
}

// Units returns the unit of every Estimate.
func (e *Estimator) Units() string { return e.cfg.Units }

// Estimate computes the track's current speed. A track with fewer than two
// positions has no speed; OK is false and the zero values must not be
// reported as a measurement.
func (e *Estimator) Estimate(t *tracks.Track) Estimate {
	pos := t.Recent(e.cfg.Window)
	if len(pos) < 2 {
		return Estimate{}
	}

	steps := make([]float64, 0, len(pos)-1)
	for i := 1; i < len(pos); i++ {
		if mps, ok := Between(pos[i-1], pos[i], e.cfg.FPS, e.cfg.MetresPerPixel); ok {
			steps = append(steps, units.ConvertSpeed(mps, e.cfg.Units))
		}
	}
	if len(steps) == 0 {
		return Estimate{}
	}
	return Estimate{
		Instant: steps[len(steps)-1],
		Average: stat.Mean(steps, nil),
		Samples: len(pos),
		OK:      true,
	}
}
