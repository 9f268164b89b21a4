package flight

import "gonum.org/v1/gonum/spatial/r3"

// PositionSource resolves a motion-capture marker to its latest fix in metres.
// ok is false when the marker is occluded or unknown. Implementations must be
// safe for concurrent use by every unit in the fleet. A returned error is a
// collaborator failure unless it wraps ErrSensorUnavailable.
type PositionSource interface {
	Position(marker string) (pos r3.Vec, ok bool, err error)
}

// AltitudeSampleSource exposes the most recent raw range sample in metres. The
// sample is refreshed asynchronously from the control loop.
type AltitudeSampleSource interface {
	LatestAltitude() float64
}

// CommandSink delivers setpoints to the vehicle. Both calls are fire and
// forget; an error means the link itself failed.
type CommandSink interface {
	SendVelocity(vx, vy, vz, yawRate float64) error
	SendStop() error
}

// Recorder observes a flight as it happens. Calls are made from the unit's
// control goroutine and must not block for long.
type Recorder interface {
	RecordTick(TickSample)
	RecordTransition(Transition)
}

// Recorders fans every observation out to each non-nil recorder in order.
type Recorders []Recorder

func (rs Recorders) RecordTick(s TickSample) {
	for _, r := range rs {
		if r != nil {
			r.RecordTick(s)
		}
	}
}

func (rs Recorders) RecordTransition(t Transition) {
	for _, r := range rs {
		if r != nil {
			r.RecordTransition(t)
		}
	}
}
