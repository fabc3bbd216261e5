package config

import (
	"fmt"

	"github.com/banshee-data/traffic.report/internal/geom"
)

// DefaultZoneID names the zone derived when no geometry is configured.
const DefaultZoneID = "counting_zone"

// Default zone bounds as fractions of the frame.
const (
	defaultZoneLeft   = 0.2
	defaultZoneTop    = 0.3
	defaultZoneRight  = 0.8
	defaultZoneBottom = 0.7
)

// GeometryConfig describes one counting line or zone.
//
// Lines use Start and End; zones use Bounds. When Relative is set, every
// coordinate is a fraction of the frame size and frame_width/frame_height
// must be configured.
type GeometryConfig struct {
	ID         string      `json:"id" validate:"required"`
	Type       string      `json:"type" validate:"required,oneof=line zone"`
	Start      *[2]float64 `json:"start,omitempty"`
	End        *[2]float64 `json:"end,omitempty"`
	Direction  string      `json:"direction,omitempty" validate:"omitempty,oneof=down up right left any"`
	Buffer     float64     `json:"buffer,omitempty" validate:"gte=0"`
	Bounds     *ZoneBounds `json:"bounds,omitempty"`
	Membership string      `json:"membership,omitempty" validate:"omitempty,oneof=centroid corner overlap"`
	Relative   bool        `json:"relative,omitempty"`
}

// ZoneBounds are the edges of a rectangular zone.
type ZoneBounds struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// BuildGeometries constructs the counting geometries in configuration
// order. With none configured, a central zone is derived from the frame
// size; if the frame size is unknown too, the configuration is rejected.
func (c *Config) BuildGeometries() ([]geom.Geometry, error) {
	w, h := c.GetFrameWidth(), c.GetFrameHeight()
	if len(c.Geometries) == 0 {
		if w <= 0 || h <= 0 {
			return nil, fmt.Errorf("%w: no geometries configured and frame size unknown", ErrInvalidGeometry)
		}
		z, err := geom.NewZone(DefaultZoneID,
			w*defaultZoneLeft, h*defaultZoneTop, w*defaultZoneRight, h*defaultZoneBottom,
			geom.MemberCentroid)
		if err != nil {
			return nil, err
		}
		return []geom.Geometry{z}, nil
	}

	seen := make(map[string]bool, len(c.Geometries))
	out := make([]geom.Geometry, 0, len(c.Geometries))
	for i, gc := range c.Geometries {
		if seen[gc.ID] {
			return nil, fmt.Errorf("%w: duplicate geometry id %q", ErrInvalidGeometry, gc.ID)
		}
		seen[gc.ID] = true

		sx, sy := 1.0, 1.0
		if gc.Relative {
			if w <= 0 || h <= 0 {
				return nil, fmt.Errorf("%w: geometry %q is relative but frame size is unknown", ErrInvalidGeometry, gc.ID)
			}
			sx, sy = w, h
		}

		g, err := gc.build(sx, sy)
		if err != nil {
			return nil, fmt.Errorf("geometries[%d]: %w", i, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (gc GeometryConfig) build(sx, sy float64) (geom.Geometry, error) {
	switch gc.Type {
	case string(geom.KindLine):
		if gc.Start == nil || gc.End == nil {
			return nil, fmt.Errorf("%w: line %q needs start and end", ErrInvalidGeometry, gc.ID)
		}
		a := geom.Point{X: gc.Start[0] * sx, Y: gc.Start[1] * sy}
		b := geom.Point{X: gc.End[0] * sx, Y: gc.End[1] * sy}
		return geom.NewLine(gc.ID, a, b, geom.Direction(gc.Direction), gc.Buffer)
	case string(geom.KindZone):
		if gc.Bounds == nil {
			return nil, fmt.Errorf("%w: zone %q needs bounds", ErrInvalidGeometry, gc.ID)
		}
		bd := gc.Bounds
		return geom.NewZone(gc.ID, bd.Left*sx, bd.Top*sy, bd.Right*sx, bd.Bottom*sy, geom.Membership(gc.Membership))
	default:
		return nil, fmt.Errorf("%w: geometry %q has unknown type %q", ErrInvalidGeometry, gc.ID, gc.Type)
	}
}
