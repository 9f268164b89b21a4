package flight

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// Phase is one stage of the scripted flight envelope. Phases only move
// forward: Idle, Takeoff, then Choreography or Hover, Land and Done.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTakeoff
	PhaseChoreography
	PhaseHover
	PhaseLand
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseTakeoff:
		return "TAKEOFF"
	case PhaseChoreography:
		return "CHOREOGRAPHY"
	case PhaseHover:
		return "HOVER"
	case PhaseLand:
		return "LAND"
	case PhaseDone:
		return "DONE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Setpoint is a world-frame velocity command in m/s plus a yaw rate in deg/s.
type Setpoint struct {
	VX      float64
	VY      float64
	VZ      float64
	YawRate float64
}

// Transition records a phase change.
type Transition struct {
	Unit     string
	From     Phase
	To       Phase
	At       time.Time
	Altitude float64
}

// TickSample captures one dispatched control tick.
type TickSample struct {
	Unit        string
	At          time.Time
	Phase       Phase
	Position    r3.Vec
	RawAltitude float64
	Altitude    float64
	Desired     r3.Vec
	Setpoint    Setpoint
}
