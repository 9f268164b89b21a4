// Package mocap keeps the latest motion-capture fix of every tracked marker
// and feeds it from a UDP stream or a recorded capture.
package mocap

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// mmPerMetre converts tracker units to metres.
const mmPerMetre = 1000.0

type fix struct {
	pos      r3.Vec
	occluded bool
	at       time.Time
}

// Store is a concurrent-safe table of the latest fix per marker. It
// implements flight.PositionSource.
type Store struct {
	mu         sync.RWMutex
	fixes      map[string]fix
	clock      timeutil.Clock
	staleAfter time.Duration
	frames     uint64
}

// NewStore returns an empty store. A fix older than staleAfter is reported as
// unavailable; zero keeps fixes forever.
func NewStore(clock timeutil.Clock, staleAfter time.Duration) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{
		fixes:      make(map[string]fix),
		clock:      clock,
		staleAfter: staleAfter,
	}
}

// Update records a fix in metres.
func (s *Store) Update(marker string, pos r3.Vec, occluded bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes[marker] = fix{pos: pos, occluded: occluded, at: now}
}

// Apply records every marker of a frame, converting millimetres to metres.
func (s *Store) Apply(frame []MarkerFix) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range frame {
		s.fixes[m.Marker] = fix{
			pos:      toMetres(m.PositionMM),
			occluded: m.Occluded,
			at:       now,
		}
	}
	s.frames++
}

func toMetres(mm r3.Vec) r3.Vec {
	return r3.Vec{X: mm.X / mmPerMetre, Y: mm.Y / mmPerMetre, Z: mm.Z / mmPerMetre}
}

// Position returns the marker's fix in metres. ok is false for an unknown,
// occluded or stale marker.
func (s *Store) Position(marker string) (r3.Vec, bool, error) {
	s.mu.RLock()
	f, known := s.fixes[marker]
	s.mu.RUnlock()

	if !known || f.occluded {
		return r3.Vec{}, false, nil
	}
	if s.staleAfter > 0 && s.clock.Since(f.at) > s.staleAfter {
		return r3.Vec{}, false, nil
	}
	return f.pos, true, nil
}

// Markers lists every marker seen so far, sorted.
func (s *Store) Markers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.fixes))
	for m := range s.fixes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Frames returns how many frames have been applied.
func (s *Store) Frames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}
