package tracks

import (
	"sort"

	"github.com/banshee-data/traffic.report/internal/detection"
)

// DefaultHistoryLength is the number of centroids retained per track.
const DefaultHistoryLength = 30

// Store owns the live tracks of a single video.
type Store struct {
	tracks     map[int64]*Track
	nextID     int64
	historyLen int
}

// NewStore returns an empty store whose tracks keep historyLen centroids.
func NewStore(historyLen int) *Store {
	if historyLen < 1 {
		historyLen = DefaultHistoryLength
	}
	return &Store{
		tracks:     make(map[int64]*Track),
		nextID:     1,
		historyLen: historyLen,
	}
}

// Create allocates a fresh id and starts a track from o.
func (s *Store) Create(frame int, o detection.Observation) *Track {
	t := newTrack(s.nextID, frame, s.historyLen, o)
	s.tracks[t.ID] = t
	s.nextID++
	return t
}

// Remove drops a track together with its crossing state.
func (s *Store) Remove(id int64) {
	delete(s.tracks, id)
}

// Get returns the live track with the given id.
func (s *Store) Get(id int64) (*Track, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// Live returns all live tracks ordered by id.
func (s *Store) Live() []*Track {
	out := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live tracks.
func (s *Store) Len() int { return len(s.tracks) }

// Created returns how many ids have been allocated.
func (s *Store) Created() int64 { return s.nextID - 1 }
