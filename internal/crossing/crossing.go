// Package crossing decides when a track has crossed a counting line or
// entered a counting zone. Each (track, geometry) pair produces at most one
// event unless re-arming is enabled.
package crossing

import (
	"fmt"

	"github.com/banshee-data/traffic.report/internal/geom"
	"github.com/banshee-data/traffic.report/internal/tracks"
)

// DefaultTrajectoryWindow is the number of recent centroids that must move
// monotonically for a line crossing to count.
const DefaultTrajectoryWindow = 5

// Event is one counted crossing. Events are immutable once emitted.
type Event struct {
	TrackID    int64          `json:"track_id"`
	Class      int            `json:"class_id"`
	ClassName  string         `json:"class"`
	GeometryID string         `json:"geometry_id"`
	Kind       geom.Kind      `json:"kind"`
	Direction  geom.Direction `json:"direction,omitempty"`
	Frame      int            `json:"frame"`
	Timestamp  float64        `json:"timestamp"` // seconds from the first frame
	Point      geom.Point     `json:"point"`
	Confidence float64        `json:"confidence"` // track mean at crossing time
	SpeedKPH   *float64       `json:"speed_kph,omitempty"`
}

// Config tunes the detector.
type Config struct {
	TrajectoryWindow int
	// RecountAfterFrames, when positive, re-arms a counted (track, geometry)
	// pair once that many frames have passed since it was counted.
	RecountAfterFrames int
	FPS                float64
	// ClassName maps class ids to names; nil formats the id.
	ClassName func(int) string
}

// Detector evaluates tracks against a fixed set of geometries.
type Detector struct {
	cfg        Config
	geometries []geom.Geometry
	zones      []*geom.Zone
}

// NewDetector returns a detector for geometries, evaluated in the given
// order.
func NewDetector(geometries []geom.Geometry, cfg Config) *Detector {
	if cfg.TrajectoryWindow <= 0 {
		cfg.TrajectoryWindow = DefaultTrajectoryWindow
	}
	if cfg.ClassName == nil {
		cfg.ClassName = func(id int) string { return fmt.Sprintf("class_%d", id) }
	}
	d := &Detector{cfg: cfg, geometries: geometries}
	for _, g := range geometries {
		if z, ok := g.(*geom.Zone); ok {
			d.zones = append(d.zones, z)
		}
	}
	return d
}

// Geometries returns the configured geometries.
func (d *Detector) Geometries() []geom.Geometry { return d.geometries }

// Zones returns the configured zones.
func (d *Detector) Zones() []*geom.Zone { return d.zones }

// ZoneMembership reports, per zone id, whether b is inside the zone.
func (d *Detector) ZoneMembership(b geom.Box) map[string]bool {
	if len(d.zones) == 0 {
		return nil
	}
	out := make(map[string]bool, len(d.zones))
	for _, z := range d.zones {
		out[z.ID] = z.Holds(b)
	}
	return out
}

// InAnyZone reports whether b is inside at least one zone.
func (d *Detector) InAnyZone(b geom.Box) bool {
	for _, z := range d.zones {
		if z.Holds(b) {
			return true
		}
	}
	return false
}

// Evaluate checks every track observed in this frame against every
// geometry and returns the new events, ordered by track id then geometry
// order. Tracks with fewer than two positions are skipped.
func (d *Detector) Evaluate(frame int, updated []*tracks.Track) []Event {
	var events []Event
	for _, t := range updated {
		if t.HistoryLen() < 2 {
			continue
		}
		for _, g := range d.geometries {
			st := t.Crossing(g.GeometryID())
			d.rearm(frame, g, st)

			var (
				ev Event
				ok bool
			)
			switch g := g.(type) {
			case *geom.Line:
				ev, ok = d.evaluateLine(g, t, st)
			case *geom.Zone:
				ev, ok = d.evaluateZone(g, t, st)
			}
			if !ok {
				continue
			}
			st.Counted = true
			st.CountedAt = frame

			ev.TrackID = t.ID
			ev.Class = t.Class()
			ev.ClassName = d.cfg.ClassName(ev.Class)
			ev.GeometryID = g.GeometryID()
			ev.Kind = g.Kind()
			ev.Frame = frame
			ev.Confidence = t.MeanConfidence()
			if d.cfg.FPS > 0 {
				ev.Timestamp = float64(frame) / d.cfg.FPS
			}
			events = append(events, ev)
		}
	}
	return events
}

func (d *Detector) rearm(frame int, g geom.Geometry, st *tracks.CrossingState) {
	if d.cfg.RecountAfterFrames <= 0 || !st.Counted {
		return
	}
	if frame-st.CountedAt >= d.cfg.RecountAfterFrames {
		st.Counted = false
		if g.Kind() == geom.KindZone {
			st.InZone = false
		}
	}
}

func (d *Detector) evaluateLine(l *geom.Line, t *tracks.Track, st *tracks.CrossingState) (Event, bool) {
	if st.Counted {
		return Event{}, false
	}
	last := t.Recent(2)
	prev, cur := last[0], last[1]
	dir, at, ok := l.Crossing(prev.Point(), cur.Point())
	if !ok {
		return Event{}, false
	}
	if !d.monotonic(l, dir, t) {
		return Event{}, false
	}
	return Event{Direction: dir, Point: at}, true
}

// monotonic reports whether the last TrajectoryWindow centroids never move
// against dir on the line's evaluation axis.
func (d *Detector) monotonic(l *geom.Line, dir geom.Direction, t *tracks.Track) bool {
	pos := t.Recent(d.cfg.TrajectoryWindow)
	increasing := dir == l.Positive()
	for i := 1; i < len(pos); i++ {
		delta := l.Axis(pos[i].Point()) - l.Axis(pos[i-1].Point())
		if increasing && delta < 0 || !increasing && delta > 0 {
			return false
		}
	}
	return true
}

func (d *Detector) evaluateZone(z *geom.Zone, t *tracks.Track, st *tracks.CrossingState) (Event, bool) {
	in := z.Holds(t.Box)
	entered := in && !st.InZone
	st.InZone = in
	if !entered || st.Counted {
		return Event{}, false
	}
	return Event{Point: t.Centroid()}, true
}
