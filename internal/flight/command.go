package flight

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// CommandLaw is a per-axis proportional law with a deadband and a symmetric
// velocity limit. X and Y share gain, deadband and limit.
type CommandLaw struct {
	GainXY     float64
	GainZ      float64
	DeadbandXY float64
	DeadbandZ  float64
	MaxVelXY   float64
	MaxVelZ    float64
}

// Compute returns the velocity setpoint driving actual towards desired. The
// vertical error uses the filtered altitude instead of the fix's Z.
func (l CommandLaw) Compute(desired, actual r3.Vec, filteredAlt float64) Setpoint {
	return Setpoint{
		VX: shapeAxis(desired.X-actual.X, l.DeadbandXY, l.GainXY, l.MaxVelXY),
		VY: shapeAxis(desired.Y-actual.Y, l.DeadbandXY, l.GainXY, l.MaxVelXY),
		VZ: shapeAxis(desired.Z-filteredAlt, l.DeadbandZ, l.GainZ, l.MaxVelZ),
	}
}

func shapeAxis(e, deadband, gain, limit float64) float64 {
	if math.Abs(e) < deadband {
		return 0
	}
	return clamp(gain*e, -limit, limit)
}

// clamp keeps value inside [lo, hi].
func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
