package tracks

import (
	"fmt"
	"sort"

	"github.com/bmharper/flatbush-go"

	"github.com/banshee-data/traffic.report/internal/assign"
	"github.com/banshee-data/traffic.report/internal/detection"
	"github.com/banshee-data/traffic.report/internal/geom"
)

// Config holds the association parameters.
type Config struct {
	IoUThreshold   float64 // Minimum IoU for a track/observation pair to match (> 0)
	MaxDisappeared int     // Unmatched frames tolerated before a track is removed
	HistoryLength  int     // Centroids retained per track
}

// DefaultConfig returns the stock association parameters.
func DefaultConfig() Config {
	return Config{
		IoUThreshold:   0.3,
		MaxDisappeared: 30,
		HistoryLength:  DefaultHistoryLength,
	}
}

// Update describes what one call to Tracker.Update changed.
type Update struct {
	Frame   int
	Matched []*Track // live tracks matched this frame, by id
	Created []*Track // tracks started this frame, by id
	Removed []int64  // ids removed this frame
}

// Updated returns every track observed this frame (matched or created),
// ordered by id.
func (u Update) Updated() []*Track {
	out := make([]*Track, 0, len(u.Matched)+len(u.Created))
	out = append(out, u.Matched...)
	out = append(out, u.Created...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tracker associates observations with tracks frame by frame. It is not
// safe for concurrent use; each video owns its own Tracker.
type Tracker struct {
	Config Config

	store     *Store
	searchBuf []int
}

// NewTracker creates a tracker with an empty store.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		Config: cfg,
		store:  NewStore(cfg.HistoryLength),
	}
}

// Store returns the tracker's track store.
func (t *Tracker) Store() *Store { return t.store }

// Update runs one association step:
//
//  1. IoU between every live track's last box and every observation, with
//     candidates pruned by a spatial index over the observations.
//  2. Optimal assignment on cost = 1 - IoU, maximising total IoU.
//  3. Assigned pairs below the IoU threshold are then rejected.
//  4. Matched tracks take the observation.
//  5. Unmatched tracks accumulate misses and are removed past the tolerance.
//  6. Unmatched observations start new tracks, hinted ones first in
//     ascending hint order, then the rest in input order.
//
// An error is returned only when the assignment solver rejects the cost
// matrix, which indicates a defect rather than bad input.
func (t *Tracker) Update(frame int, obs []detection.Observation) (Update, error) {
	up := Update{Frame: frame}
	live := t.store.Live()

	assignment, err := t.associate(obs, live)
	if err != nil {
		return up, fmt.Errorf("frame %d: %w", frame, err)
	}

	matchedTracks := make(map[int64]bool, len(live))
	var unmatched []int
	for oi, ti := range assignment {
		if ti < 0 {
			unmatched = append(unmatched, oi)
			continue
		}
		track := live[ti]
		track.observe(frame, obs[oi])
		matchedTracks[track.ID] = true
		up.Matched = append(up.Matched, track)
	}
	sort.Slice(up.Matched, func(i, j int) bool { return up.Matched[i].ID < up.Matched[j].ID })

	for _, track := range live {
		if matchedTracks[track.ID] {
			continue
		}
		track.Misses++
		if track.Misses > t.Config.MaxDisappeared {
			t.store.Remove(track.ID)
			up.Removed = append(up.Removed, track.ID)
		}
	}

	sort.SliceStable(unmatched, func(i, j int) bool {
		a, b := obs[unmatched[i]], obs[unmatched[j]]
		if a.HasHint != b.HasHint {
			return a.HasHint
		}
		return a.HasHint && a.TrackHint < b.TrackHint
	})
	for _, oi := range unmatched {
		up.Created = append(up.Created, t.store.Create(frame, obs[oi]))
	}

	return up, nil
}

// associate returns, per observation, the index into live of its matched
// track or -1.
func (t *Tracker) associate(obs []detection.Observation, live []*Track) ([]int, error) {
	result := make([]int, len(obs))
	for i := range result {
		result[i] = -1
	}
	if len(obs) == 0 || len(live) == 0 {
		return result, nil
	}

	// Build cost matrix [nObs × nTracks] on 1 - IoU. Pairs the index does
	// not return do not overlap and keep cost 1.
	cost := make([][]float64, len(obs))
	iou := make([][]float64, len(obs))
	for oi := range obs {
		cost[oi] = make([]float64, len(live))
		iou[oi] = make([]float64, len(live))
		for ti := range live {
			cost[oi][ti] = 1
		}
	}

	fb := flatbush.NewFlatbush[float64]()
	fb.Reserve(len(obs))
	for _, o := range obs {
		fb.Add(o.Box.X, o.Box.Y, o.Box.Right(), o.Box.Bottom())
	}
	fb.Finish()

	for ti, track := range live {
		b := track.Box
		t.searchBuf = fb.SearchFast(b.X, b.Y, b.Right(), b.Bottom(), t.searchBuf[:0])
		for _, oi := range t.searchBuf {
			v := geom.IoU(b, obs[oi].Box)
			iou[oi][ti] = v
			cost[oi][ti] = 1 - v
		}
	}

	assignment, err := assign.Hungarian(cost)
	if err != nil {
		return nil, err
	}
	// Gate after solving: a weak pair in the optimum is dropped, never
	// traded for a different pairing.
	for oi, ti := range assignment {
		if ti < 0 || ti >= len(live) {
			continue
		}
		if v := iou[oi][ti]; v > 0 && v >= t.Config.IoUThreshold {
			result[oi] = ti
		}
	}
	return result, nil
}
