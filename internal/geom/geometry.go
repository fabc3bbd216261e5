package geom

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGeometry is returned for counting geometries that cannot be
// evaluated (zero-length lines, zero-area zones, unknown modes).
var ErrInvalidGeometry = errors.New("invalid counting geometry")

// Kind identifies the type of a counting geometry.
type Kind string

const (
	KindLine Kind = "line"
	KindZone Kind = "zone"
)

// Direction is the travel direction a line counts.
type Direction string

const (
	DirDown  Direction = "down"  // increasing y (top to bottom)
	DirUp    Direction = "up"    // decreasing y
	DirRight Direction = "right" // increasing x
	DirLeft  Direction = "left"  // decreasing x
	DirAny   Direction = "any"
)

// Membership selects how a box is tested against a zone.
type Membership string

const (
	MemberCentroid Membership = "centroid" // box centre inside the zone
	MemberCorner   Membership = "corner"   // any box corner inside the zone
	MemberOverlap  Membership = "overlap"  // box intersects the zone
)

// Geometry is a configured counting geometry. Implementations are immutable
// once constructed.
type Geometry interface {
	GeometryID() string
	Kind() Kind
}

const minLineLength = 1e-6

// Line is a directed counting line between two endpoints.
//
// Lines whose horizontal extent is at least their vertical extent are
// evaluated on the y axis (the line's y is interpolated at the centroid's x)
// and count "down", "up" or "any". Steeper lines are evaluated on the x axis
// and count "right", "left" or "any".
type Line struct {
	ID        string
	A, B      Point
	Direction Direction
	// Buffer, when positive, limits counting to centroids within Buffer
	// pixels of the line on the evaluation axis.
	Buffer float64
}

// NewLine validates and returns a counting line.
func NewLine(id string, a, b Point, dir Direction, buffer float64) (*Line, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: line has no id", ErrInvalidGeometry)
	}
	for _, v := range [4]float64{a.X, a.Y, b.X, b.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: line %q has a non-finite endpoint", ErrInvalidGeometry, id)
		}
	}
	if math.Hypot(b.X-a.X, b.Y-a.Y) < minLineLength {
		return nil, fmt.Errorf("%w: line %q is degenerate (zero length)", ErrInvalidGeometry, id)
	}
	if buffer < 0 || math.IsNaN(buffer) {
		return nil, fmt.Errorf("%w: line %q has negative buffer %v", ErrInvalidGeometry, id, buffer)
	}
	if dir == "" {
		dir = DirAny
	}
	l := &Line{ID: id, A: a, B: b, Direction: dir, Buffer: buffer}
	switch dir {
	case DirAny:
	case DirDown, DirUp:
		if !l.Horizontal() {
			return nil, fmt.Errorf("%w: line %q is steep, direction %q needs a horizontal line", ErrInvalidGeometry, id, dir)
		}
	case DirRight, DirLeft:
		if l.Horizontal() {
			return nil, fmt.Errorf("%w: line %q is shallow, direction %q needs a vertical line", ErrInvalidGeometry, id, dir)
		}
	default:
		return nil, fmt.Errorf("%w: line %q has unknown direction %q", ErrInvalidGeometry, id, dir)
	}
	return l, nil
}

// GeometryID implements Geometry.
func (l *Line) GeometryID() string { return l.ID }

// Kind implements Geometry.
func (l *Line) Kind() Kind { return KindLine }

// Horizontal reports whether the line is evaluated on the y axis.
func (l *Line) Horizontal() bool {
	return math.Abs(l.B.X-l.A.X) >= math.Abs(l.B.Y-l.A.Y)
}

// YAt returns the line's y coordinate at x by linear interpolation.
func (l *Line) YAt(x float64) float64 {
	if l.B.X == l.A.X {
		return l.A.Y
	}
	slope := (l.B.Y - l.A.Y) / (l.B.X - l.A.X)
	return l.A.Y + slope*(x-l.A.X)
}

// XAt returns the line's x coordinate at y by linear interpolation.
func (l *Line) XAt(y float64) float64 {
	if l.B.Y == l.A.Y {
		return l.A.X
	}
	slope := (l.B.X - l.A.X) / (l.B.Y - l.A.Y)
	return l.A.X + slope*(y-l.A.Y)
}

// Positive returns the direction of increasing coordinate on the evaluation
// axis: DirDown for horizontal lines, DirRight for steep ones.
func (l *Line) Positive() Direction {
	if l.Horizontal() {
		return DirDown
	}
	return DirRight
}

// Negative is the opposite of Positive.
func (l *Line) Negative() Direction {
	if l.Horizontal() {
		return DirUp
	}
	return DirLeft
}

// Axis returns the coordinate of p on the line's evaluation axis.
func (l *Line) Axis(p Point) float64 {
	if l.Horizontal() {
		return p.Y
	}
	return p.X
}

// Crossing tests the move from prev to cur against the line. The reference
// is the line's position at the current centroid: prev must be strictly on
// one side and cur on the line or beyond it. The returned direction is the
// actual direction of travel; ok is false when the move does not cross, the
// current centroid lies outside the segment's extent, the buffer band is
// violated, or the direction does not match the configured one. at is the
// point on the line where the crossing was registered.
func (l *Line) Crossing(prev, cur Point) (dir Direction, at Point, ok bool) {
	var ref, p, c float64
	if l.Horizontal() {
		if cur.X < math.Min(l.A.X, l.B.X) || cur.X > math.Max(l.A.X, l.B.X) {
			return "", Point{}, false
		}
		ref = l.YAt(cur.X)
		p, c = prev.Y, cur.Y
		at = Point{X: cur.X, Y: ref}
	} else {
		if cur.Y < math.Min(l.A.Y, l.B.Y) || cur.Y > math.Max(l.A.Y, l.B.Y) {
			return "", Point{}, false
		}
		ref = l.XAt(cur.Y)
		p, c = prev.X, cur.X
		at = Point{X: ref, Y: cur.Y}
	}

	switch {
	case p < ref && c >= ref:
		dir = l.Positive()
	case p > ref && c <= ref:
		dir = l.Negative()
	default:
		return "", Point{}, false
	}
	if l.Buffer > 0 && math.Abs(c-ref) > l.Buffer {
		return "", Point{}, false
	}
	if l.Direction != DirAny && l.Direction != dir {
		return "", Point{}, false
	}
	return dir, at, true
}

// Zone is a rectangular counting zone. Bounds are inclusive.
type Zone struct {
	ID                       string
	Left, Top, Right, Bottom float64
	Membership               Membership
}

// NewZone validates and returns a counting zone.
func NewZone(id string, left, top, right, bottom float64, membership Membership) (*Zone, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: zone has no id", ErrInvalidGeometry)
	}
	b := Box{X: left, Y: top, W: right - left, H: bottom - top}
	if !b.Finite() {
		return nil, fmt.Errorf("%w: zone %q has non-finite bounds", ErrInvalidGeometry, id)
	}
	if b.Area() <= 0 {
		return nil, fmt.Errorf("%w: zone %q has zero area", ErrInvalidGeometry, id)
	}
	if membership == "" {
		membership = MemberCentroid
	}
	switch membership {
	case MemberCentroid, MemberCorner, MemberOverlap:
	default:
		return nil, fmt.Errorf("%w: zone %q has unknown membership %q", ErrInvalidGeometry, id, membership)
	}
	return &Zone{ID: id, Left: left, Top: top, Right: right, Bottom: bottom, Membership: membership}, nil
}

// GeometryID implements Geometry.
func (z *Zone) GeometryID() string { return z.ID }

// Kind implements Geometry.
func (z *Zone) Kind() Kind { return KindZone }

// Box returns the zone as a Box.
func (z *Zone) Box() Box {
	return Box{X: z.Left, Y: z.Top, W: z.Right - z.Left, H: z.Bottom - z.Top}
}

// Contains reports whether p lies inside the zone (edges included).
func (z *Zone) Contains(p Point) bool {
	return p.X >= z.Left && p.X <= z.Right && p.Y >= z.Top && p.Y <= z.Bottom
}

// Holds applies the zone's membership mode to b.
func (z *Zone) Holds(b Box) bool {
	switch z.Membership {
	case MemberCorner:
		for _, c := range b.Corners() {
			if z.Contains(c) {
				return true
			}
		}
		return false
	case MemberOverlap:
		return b.Overlaps(z.Box())
	default:
		return z.Contains(b.Centroid())
	}
}
