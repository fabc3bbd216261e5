package testutil

import (
	"errors"
	"reflect"
	"testing"

	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/geom"
)

func TestAssertNoError(t *testing.T) {
	t.Parallel()
	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()
	AssertError(t, errors.New("boom"))
}

func TestMovingBox(t *testing.T) {
	t.Parallel()
	m := MovingBox{Class: 2, Start: CentredBox(100, 100, 40, 20), DY: 10, From: 2, To: 4}

	if _, ok := m.At(1); ok {
		t.Error("box should not exist before From")
	}
	b, ok := m.At(4)
	if !ok {
		t.Fatal("box should exist at To")
	}
	if got, want := b.Centroid(), (geom.Point{X: 100, Y: 120}); got != want {
		t.Errorf("centroid = %v, want %v", got, want)
	}
	if _, ok := m.At(5); ok {
		t.Error("box should not exist after To")
	}
}

func TestFrames(t *testing.T) {
	t.Parallel()
	car := MovingBox{Class: 2, Start: geom.Box{X: 0, Y: 0, W: 10, H: 10}, DX: 5}
	bus := MovingBox{Class: 5, Confidence: 0.6, Start: geom.Box{X: 50, Y: 0, W: 10, H: 10}, From: 1, Hint: 3}

	frames := Frames(2, car, bus)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Len() != 1 {
		t.Errorf("frame 0 has %d boxes, want 1", frames[0].Len())
	}
	if frames[0].TrackHints != nil {
		t.Errorf("frame 0 hints = %v, want nil", frames[0].TrackHints)
	}

	f := frames[1]
	if want := [][4]float64{{5, 0, 10, 10}, {50, 0, 10, 10}}; !reflect.DeepEqual(f.Boxes, want) {
		t.Errorf("boxes = %v, want %v", f.Boxes, want)
	}
	if want := []int{2, 5}; !reflect.DeepEqual(f.Classes, want) {
		t.Errorf("classes = %v, want %v", f.Classes, want)
	}
	if want := []float64{0.9, 0.6}; !reflect.DeepEqual(f.Confidences, want) {
		t.Errorf("confidences = %v, want %v", f.Confidences, want)
	}
	if want := []int{detection.NoHint, 3}; !reflect.DeepEqual(f.TrackHints, want) {
		t.Errorf("hints = %v, want %v", f.TrackHints, want)
	}

	obs := Observations(1, car, bus)
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2", len(obs))
	}
	if obs[0].HasHint {
		t.Error("car should have no hint")
	}
	if !obs[1].HasHint || obs[1].TrackHint != 3 {
		t.Errorf("bus hint = (%d, %v), want (3, true)", obs[1].TrackHint, obs[1].HasHint)
	}
}
