// Package geom holds the pixel-space primitives shared by the tracker and the
// crossing detector: axis-aligned boxes, points, and counting geometries.
//
// Image coordinates are used throughout: x grows to the right and y grows
// downwards, so "down" in a direction means increasing y.
package geom

import "math"

// Point is a position in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned bounding box given by its top-left corner and size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// BoxFromCorners builds a Box from (x1, y1, x2, y2) corner coordinates.
func BoxFromCorners(x1, y1, x2, y2 float64) Box {
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Right returns the x coordinate of the right edge.
func (b Box) Right() float64 { return b.X + b.W }

// Bottom returns the y coordinate of the bottom edge.
func (b Box) Bottom() float64 { return b.Y + b.H }

// Area returns the box area, or 0 for boxes with a non-positive side.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Centroid returns the centre of the box.
func (b Box) Centroid() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Corners returns the four corners clockwise from top-left.
func (b Box) Corners() [4]Point {
	return [4]Point{
		{X: b.X, Y: b.Y},
		{X: b.Right(), Y: b.Y},
		{X: b.Right(), Y: b.Bottom()},
		{X: b.X, Y: b.Bottom()},
	}
}

// Finite reports whether every component is a finite number.
func (b Box) Finite() bool {
	for _, v := range [4]float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Valid reports whether the box is finite with strictly positive size.
func (b Box) Valid() bool {
	return b.Finite() && b.W > 0 && b.H > 0
}

// Intersection returns the area shared by b and o (0 when disjoint).
func (b Box) Intersection(o Box) float64 {
	w := math.Min(b.Right(), o.Right()) - math.Max(b.X, o.X)
	h := math.Min(b.Bottom(), o.Bottom()) - math.Max(b.Y, o.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Overlaps reports whether b and o share a region of positive area.
func (b Box) Overlaps(o Box) bool {
	return b.Intersection(o) > 0
}

// IoU returns the intersection-over-union of a and b:
//
//	area(a∩b) / (area(a) + area(b) - area(a∩b))
//
// It is 0 when the boxes do not overlap or when both are degenerate.
func IoU(a, b Box) float64 {
	inter := a.Intersection(b)
	if inter <= 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
