// Package tracks links per-frame observations into persistent tracks.
//
// A Track is created for every observation that cannot be matched to an
// existing track, updated each frame it is matched, and removed once it has
// gone unmatched for more than the configured number of frames. Track ids are
// allocated from 1 upwards and never reused within a Store.
package tracks

import (
	"github.com/bmharper/ringbuffer"

	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// Position is one centroid sample in a track's history.
type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Frame int     `json:"frame"`
}

// Point returns the position as a geom.Point.
func (p Position) Point() geom.Point { return geom.Point{X: p.X, Y: p.Y} }

// CrossingState is a track's relationship with one counting geometry.
type CrossingState struct {
	Counted   bool
	CountedAt int  // frame of the last counted event
	InZone    bool // zones only: membership at the previous evaluation
}

// Track is a single tracked object.
type Track struct {
	ID  int64
	Box geom.Box

	FirstFrame int
	LastFrame  int
	Misses     int // consecutive frames without a match

	Observations  int
	Confidence    float64 // latest match
	ConfidenceSum float64

	// Crossings is keyed by geometry id.
	Crossings map[string]*CrossingState

	votes     map[int]int
	voteOrder []int // classes in first-seen order

	// history holds centroids oldest first. Its capacity is historyLen
	// rounded up to a power of two; reads only see the newest historyLen.
	history    *ringbuffer.Ring[Position]
	historyLen int
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func newTrack(id int64, frame, historyLen int, o detection.Observation) *Track {
	t := &Track{
		ID:         id,
		FirstFrame: frame,
		history:    ringbuffer.NewRingP[Position](nextPowerOf2(historyLen)),
		historyLen: historyLen,
		Crossings:  make(map[string]*CrossingState),
		votes:      make(map[int]int),
	}
	t.observe(frame, o)
	return t
}

// observe folds a matched observation into the track.
func (t *Track) observe(frame int, o detection.Observation) {
	t.Box = o.Box
	c := o.Box.Centroid()
	t.history.Add(Position{X: c.X, Y: c.Y, Frame: frame})
	if _, seen := t.votes[o.Class]; !seen {
		t.voteOrder = append(t.voteOrder, o.Class)
	}
	t.votes[o.Class]++
	t.Observations++
	t.Confidence = o.Confidence
	t.ConfidenceSum += o.Confidence
	t.LastFrame = frame
	t.Misses = 0
}

// Class returns the majority class over every observation. Ties go to the
// class that was seen first.
func (t *Track) Class() int {
	best, bestVotes := -1, 0
	for _, cls := range t.voteOrder {
		if n := t.votes[cls]; n > bestVotes {
			best, bestVotes = cls, n
		}
	}
	return best
}

// Votes returns a copy of the per-class observation counts.
func (t *Track) Votes() map[int]int {
	out := make(map[int]int, len(t.votes))
	for k, v := range t.votes {
		out[k] = v
	}
	return out
}

// Centroid returns the centre of the latest box.
func (t *Track) Centroid() geom.Point { return t.Box.Centroid() }

// HistoryLen returns the number of retained centroids.
func (t *Track) HistoryLen() int { return min(t.history.Len(), t.historyLen) }

// HistoryCap returns the number of centroids a track retains.
func (t *Track) HistoryCap() int { return t.historyLen }

// Recent returns a copy of the newest k centroids, oldest first. k is
// clamped to the retained history.
func (t *Track) Recent(k int) []Position {
	n := t.history.Len()
	k = min(k, t.historyLen, n)
	if k <= 0 {
		return nil
	}
	out := make([]Position, k)
	for i := range out {
		out[i] = t.history.Peek(n - k + i)
	}
	return out
}

// Positions returns the retained centroid history, oldest first.
func (t *Track) Positions() []Position { return t.Recent(t.historyLen) }

// MeanConfidence returns the mean detection confidence over all matches.
func (t *Track) MeanConfidence() float64 {
	if t.Observations == 0 {
		return 0
	}
	return t.ConfidenceSum / float64(t.Observations)
}

// Crossing returns the state for a geometry, creating it on first use.
func (t *Track) Crossing(geometryID string) *CrossingState {
	st, ok := t.Crossings[geometryID]
	if !ok {
		st = &CrossingState{}
		t.Crossings[geometryID] = st
	}
	return st
}
