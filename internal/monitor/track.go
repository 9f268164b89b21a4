// Package monitor keeps an in-memory copy of each unit's flight so it can be
// plotted after landing or inspected live from the debug server.
package monitor

import (
	"sort"
	"sync"

	"github.com/banshee-data/swarmflight/internal/flight"
)

// DefaultMaxSamples bounds the ticks kept per unit. At 100 Hz this is a
// little over three minutes of flight.
const DefaultMaxSamples = 20000

// TrackPlotter implements flight.Recorder. One plotter is shared by the whole
// fleet, so every method is safe for concurrent use.
type TrackPlotter struct {
	mu         sync.Mutex
	maxSamples int
	stride     int
	units      map[string]*unitTrack
}

type unitTrack struct {
	seen        int
	ticks       []flight.TickSample
	transitions []flight.Transition
}

// NewTrackPlotter keeps every stride-th tick per unit, up to maxSamples. A
// non-positive maxSamples uses DefaultMaxSamples and a stride below 1 keeps
// every tick.
func NewTrackPlotter(maxSamples, stride int) *TrackPlotter {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	if stride < 1 {
		stride = 1
	}
	return &TrackPlotter{
		maxSamples: maxSamples,
		stride:     stride,
		units:      make(map[string]*unitTrack),
	}
}

func (tp *TrackPlotter) unit(name string) *unitTrack {
	u, ok := tp.units[name]
	if !ok {
		u = &unitTrack{}
		tp.units[name] = u
	}
	return u
}

// RecordTick implements flight.Recorder.
func (tp *TrackPlotter) RecordTick(s flight.TickSample) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	u := tp.unit(s.Unit)
	u.seen++
	if (u.seen-1)%tp.stride != 0 || len(u.ticks) >= tp.maxSamples {
		return
	}
	u.ticks = append(u.ticks, s)
}

// RecordTransition implements flight.Recorder. Transitions are never
// subsampled.
func (tp *TrackPlotter) RecordTransition(t flight.Transition) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	u := tp.unit(t.Unit)
	u.transitions = append(u.transitions, t)
}

// Units returns the recorded unit names in sorted order.
func (tp *TrackPlotter) Units() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	names := make([]string, 0, len(tp.units))
	for name := range tp.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Track returns a copy of the ticks kept for unit.
func (tp *TrackPlotter) Track(unit string) []flight.TickSample {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	u, ok := tp.units[unit]
	if !ok {
		return nil
	}
	return append([]flight.TickSample(nil), u.ticks...)
}

// Transitions returns a copy of the phase changes recorded for unit.
func (tp *TrackPlotter) Transitions(unit string) []flight.Transition {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	u, ok := tp.units[unit]
	if !ok {
		return nil
	}
	return append([]flight.Transition(nil), u.transitions...)
}

// Seen reports how many ticks were offered for unit, including the ones
// dropped by the stride or the cap.
func (tp *TrackPlotter) Seen(unit string) int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if u, ok := tp.units[unit]; ok {
		return u.seen
	}
	return 0
}
