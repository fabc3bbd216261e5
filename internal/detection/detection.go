// Package detection normalises raw per-frame detector output into
// observations the tracker can consume.
package detection

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/traffic.report/internal/geom"
)

// ErrMalformedFrame is returned when a raw frame cannot be trusted: its
// columns disagree in length, or a box is non-finite, empty, or outside the
// frame.
var ErrMalformedFrame = errors.New("malformed detection frame")

// NoHint marks an observation without an upstream tracker id.
const NoHint = -1

// DefaultClasses are the COCO class ids counted as vehicles.
var DefaultClasses = map[int]string{
	1: "bicycle",
	2: "car",
	3: "motorcycle",
	5: "bus",
	7: "truck",
}

// Observation is one detection in one frame. It carries no identity; the
// tracker decides which track it belongs to.
type Observation struct {
	Class      int
	Confidence float64
	Box        geom.Box
	TrackHint  int
	HasHint    bool
}

// RawFrame is the columnar output of a detector for a single frame. Boxes
// are (x, y, w, h) in pixels. TrackHints is optional; when present it has
// one entry per box and NoHint marks a missing hint.
type RawFrame struct {
	Boxes       [][4]float64
	Classes     []int
	Confidences []float64
	TrackHints  []int

	// Malformed is set by a Source when the frame could not be decoded.
	Malformed bool
}

// Len returns the number of boxes in the frame.
func (f RawFrame) Len() int { return len(f.Boxes) }

// Adapter filters and validates raw detector output.
type Adapter struct {
	Threshold float64
	Classes   map[int]string

	// FrameWidth and FrameHeight, when positive, bound valid box coordinates.
	FrameWidth  float64
	FrameHeight float64
}

// NewAdapter returns an Adapter. A nil class map selects DefaultClasses.
func NewAdapter(threshold float64, classes map[int]string, width, height float64) *Adapter {
	if classes == nil {
		classes = DefaultClasses
	}
	return &Adapter{Threshold: threshold, Classes: classes, FrameWidth: width, FrameHeight: height}
}

// Normalize validates raw and returns the observations whose confidence is
// at least the threshold and whose class is in the allow-list. A frame that
// fails validation yields ErrMalformedFrame and no observations.
func (a *Adapter) Normalize(raw RawFrame) ([]Observation, error) {
	if raw.Malformed {
		return nil, fmt.Errorf("%w: undecodable input", ErrMalformedFrame)
	}
	if err := a.validate(raw); err != nil {
		return nil, err
	}

	var out []Observation
	for i, b := range raw.Boxes {
		conf := raw.Confidences[i]
		if conf < a.Threshold {
			continue
		}
		cls := raw.Classes[i]
		if _, ok := a.Classes[cls]; !ok {
			continue
		}
		o := Observation{
			Class:      cls,
			Confidence: conf,
			Box:        geom.Box{X: b[0], Y: b[1], W: b[2], H: b[3]},
			TrackHint:  NoHint,
		}
		if len(raw.TrackHints) > 0 && raw.TrackHints[i] >= 0 {
			o.TrackHint = raw.TrackHints[i]
			o.HasHint = true
		}
		out = append(out, o)
	}
	return out, nil
}

func (a *Adapter) validate(raw RawFrame) error {
	n := len(raw.Boxes)
	if len(raw.Classes) != n || len(raw.Confidences) != n {
		return fmt.Errorf("%w: %d boxes, %d classes, %d confidences",
			ErrMalformedFrame, n, len(raw.Classes), len(raw.Confidences))
	}
	if len(raw.TrackHints) != 0 && len(raw.TrackHints) != n {
		return fmt.Errorf("%w: %d boxes, %d track hints", ErrMalformedFrame, n, len(raw.TrackHints))
	}
	for i, b := range raw.Boxes {
		box := geom.Box{X: b[0], Y: b[1], W: b[2], H: b[3]}
		if !box.Finite() {
			return fmt.Errorf("%w: box %d is not finite", ErrMalformedFrame, i)
		}
		if box.W <= 0 || box.H <= 0 {
			return fmt.Errorf("%w: box %d has non-positive size %gx%g", ErrMalformedFrame, i, box.W, box.H)
		}
		if c := raw.Confidences[i]; math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: confidence %d is not finite", ErrMalformedFrame, i)
		}
		if a.FrameWidth > 0 && (box.Right() <= 0 || box.X >= a.FrameWidth) {
			return fmt.Errorf("%w: box %d lies outside frame width %g", ErrMalformedFrame, i, a.FrameWidth)
		}
		if a.FrameHeight > 0 && (box.Bottom() <= 0 || box.Y >= a.FrameHeight) {
			return fmt.Errorf("%w: box %d lies outside frame height %g", ErrMalformedFrame, i, a.FrameHeight)
		}
	}
	return nil
}

// ClassName returns the configured name for a class id.
func (a *Adapter) ClassName(id int) string {
	if name, ok := a.Classes[id]; ok {
		return name
	}
	return fmt.Sprintf("class_%d", id)
}

// ClassNames returns the configured class names in ascending id order.
func (a *Adapter) ClassNames() []string {
	ids := make([]int, 0, len(a.Classes))
	for id := range a.Classes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = a.Classes[id]
	}
	return names
}
