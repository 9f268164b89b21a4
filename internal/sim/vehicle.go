// Package sim provides a simulated vehicle and motion-capture world so that
// flights can be run without hardware, both in tests and in dev mode.
package sim

import (
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// ErrLinkDown is returned by a vehicle whose link has been failed with FailLink.
var ErrLinkDown = errors.New("sim: link down")

// Vehicle is a point mass that follows velocity setpoints exactly. Position
// is integrated lazily against the clock whenever the vehicle is observed or
// commanded, and altitude never goes below the floor.
type Vehicle struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	marker string

	pos  r3.Vec
	vel  r3.Vec
	last time.Time

	velocityCmds int
	stops        int
	linkDown     bool
}

// NewVehicle places a vehicle for marker at start.
func NewVehicle(marker string, start r3.Vec, clock timeutil.Clock) *Vehicle {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Vehicle{
		clock:  clock,
		marker: marker,
		pos:    start,
		last:   clock.Now(),
	}
}

// Marker returns the motion-capture marker carried by the vehicle.
func (v *Vehicle) Marker() string { return v.marker }

// SendVelocity implements flight.CommandSink.
func (v *Vehicle) SendVelocity(vx, vy, vz, yawRate float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.linkDown {
		return ErrLinkDown
	}
	v.advance()
	v.vel = r3.Vec{X: vx, Y: vy, Z: vz}
	v.velocityCmds++
	return nil
}

// SendStop implements flight.CommandSink.
func (v *Vehicle) SendStop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
	if v.linkDown {
		return ErrLinkDown
	}
	v.advance()
	v.vel = r3.Vec{}
	return nil
}

// LatestAltitude implements flight.AltitudeSampleSource with a perfect range
// sensor.
func (v *Vehicle) LatestAltitude() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return v.pos.Z
}

// Position returns the true position of the vehicle.
func (v *Vehicle) Position() r3.Vec {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return v.pos
}

// Velocity returns the last commanded velocity.
func (v *Vehicle) Velocity() r3.Vec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vel
}

// Commands returns the number of velocity setpoints received.
func (v *Vehicle) Commands() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.velocityCmds
}

// Stops returns the number of stop commands received, including failed ones.
func (v *Vehicle) Stops() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

// FailLink makes every later command return ErrLinkDown.
func (v *Vehicle) FailLink() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.linkDown = true
}

func (v *Vehicle) advance() {
	now := v.clock.Now()
	dt := now.Sub(v.last).Seconds()
	v.last = now
	if dt <= 0 {
		return
	}
	v.pos = r3.Add(v.pos, r3.Scale(dt, v.vel))
	if v.pos.Z < 0 {
		v.pos.Z = 0
	}
}

// World is a motion-capture oracle over simulated vehicles and static
// markers. It is safe for concurrent use.
type World struct {
	mu       sync.RWMutex
	vehicles map[string]*Vehicle
	static   map[string]r3.Vec
	occluded map[string]bool
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{
		vehicles: make(map[string]*Vehicle),
		static:   make(map[string]r3.Vec),
		occluded: make(map[string]bool),
	}
}

// AddVehicle makes v visible under its marker.
func (w *World) AddVehicle(v *Vehicle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.vehicles[v.marker] = v
}

// SetStatic places a fixed marker, such as an obstacle.
func (w *World) SetStatic(marker string, pos r3.Vec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.static[marker] = pos
}

// Occlude hides or reveals a marker.
func (w *World) Occlude(marker string, occluded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.occluded[marker] = occluded
}

// Position implements flight.PositionSource.
func (w *World) Position(marker string) (r3.Vec, bool, error) {
	w.mu.RLock()
	occluded := w.occluded[marker]
	v, isVehicle := w.vehicles[marker]
	pos, isStatic := w.static[marker]
	w.mu.RUnlock()

	switch {
	case occluded:
		return r3.Vec{}, false, nil
	case isVehicle:
		return v.Position(), true, nil
	case isStatic:
		return pos, true, nil
	default:
		return r3.Vec{}, false, nil
	}
}
