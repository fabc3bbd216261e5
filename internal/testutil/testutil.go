// Package testutil provides shared test utilities and fixtures.
//
// The fixtures describe synthetic objects moving in straight lines so tests
// can build detector output frame by frame without hand-writing boxes.
package testutil

import (
	"testing"

	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// MovingBox is an object moving at constant pixel velocity. It is visible
// on frames From through To inclusive; To of zero means forever.
type MovingBox struct {
	Class      int
	Confidence float64
	Start      geom.Box // box at frame From
	DX, DY     float64  // pixels per frame
	From, To   int
	Hint       int // upstream tracker id; 0 means none
}

// At returns the box on frame, and whether the object is visible.
func (m MovingBox) At(frame int) (geom.Box, bool) {
	if frame < m.From || (m.To > 0 && frame > m.To) {
		return geom.Box{}, false
	}
	n := float64(frame - m.From)
	b := m.Start
	b.X += m.DX * n
	b.Y += m.DY * n
	return b, true
}

func (m MovingBox) confidence() float64 {
	if m.Confidence == 0 {
		return 0.9
	}
	return m.Confidence
}

// CentredBox returns a w×h box centred on (cx, cy).
func CentredBox(cx, cy, w, h float64) geom.Box {
	return geom.Box{X: cx - w/2, Y: cy - h/2, W: w, H: h}
}

// Frame builds the raw detector output for one frame.
func Frame(frame int, objs ...MovingBox) detection.RawFrame {
	var raw detection.RawFrame
	hinted := false
	for _, o := range objs {
		b, ok := o.At(frame)
		if !ok {
			continue
		}
		raw.Boxes = append(raw.Boxes, [4]float64{b.X, b.Y, b.W, b.H})
		raw.Classes = append(raw.Classes, o.Class)
		raw.Confidences = append(raw.Confidences, o.confidence())
		hint := detection.NoHint
		if o.Hint > 0 {
			hint = o.Hint
			hinted = true
		}
		raw.TrackHints = append(raw.TrackHints, hint)
	}
	if !hinted {
		raw.TrackHints = nil
	}
	return raw
}

// Frames builds n consecutive frames starting at frame 0.
func Frames(n int, objs ...MovingBox) []detection.RawFrame {
	out := make([]detection.RawFrame, n)
	for i := range out {
		out[i] = Frame(i, objs...)
	}
	return out
}

// Observations builds the normalised observations for one frame without
// going through an Adapter.
func Observations(frame int, objs ...MovingBox) []detection.Observation {
	var out []detection.Observation
	for _, o := range objs {
		b, ok := o.At(frame)
		if !ok {
			continue
		}
		obs := detection.Observation{
			Class:      o.Class,
			Confidence: o.confidence(),
			Box:        b,
			TrackHint:  detection.NoHint,
		}
		if o.Hint > 0 {
			obs.TrackHint, obs.HasHint = o.Hint, true
		}
		out = append(out, obs)
	}
	return out
}
