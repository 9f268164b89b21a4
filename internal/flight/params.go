package flight

import (
	"fmt"
	"math"
	"time"
)

// Formation describes where a unit sits relative to the leader.
type Formation struct {
	LeaderMarker string
	Index        int
	Count        int
	// Radius is used by the surround formation.
	Radius float64
	// Separation is used by the V formation.
	Separation float64
}

// Params is the frozen configuration of one unit. Build it once, call
// Validate, and never mutate it after the flight starts; NewMachine keeps its
// own copy.
type Params struct {
	Unit   string
	Marker string

	ControlRate   float64 // Hz
	TakeoffHeight float64 // m
	LandThreshold float64 // m

	ChoreographyDuration time.Duration
	HoverDuration        time.Duration

	Law CommandLaw

	ProcessVariance     float64
	MeasurementVariance float64

	Obstacles         []string
	ObstacleThreshold float64
	WarpDistance      float64

	Pattern      PatternKind
	Formation    Formation
	CircleRadius float64
	CirclePeriod time.Duration

	// NoFixTimeout bounds how long a unit waits in Idle for its first fix.
	NoFixTimeout time.Duration
	// FixLossTimeout bounds a run of unavailable fixes once airborne. Zero
	// disables the check.
	FixLossTimeout time.Duration
	// AvoidOnLand applies obstacle avoidance while landing. The default
	// descends in place.
	AvoidOnLand bool
}

// Period returns the control period, 1/ControlRate.
func (p Params) Period() time.Duration {
	return time.Duration(float64(time.Second) / p.ControlRate)
}

// Validate reports the first missing or out of range field as a *ConfigError.
func (p Params) Validate() error {
	if p.Marker == "" {
		return &ConfigError{Field: "marker", Reason: "required"}
	}
	positive := []struct {
		field string
		value float64
	}{
		{"control_rate", p.ControlRate},
		{"takeoff_height", p.TakeoffHeight},
		{"land_thresh", p.LandThreshold},
		{"kp_xy", p.Law.GainXY},
		{"kp_z", p.Law.GainZ},
		{"max_vel_xy", p.Law.MaxVelXY},
		{"max_vel_z", p.Law.MaxVelZ},
		{"process_variance", p.ProcessVariance},
		{"measurement_variance", p.MeasurementVariance},
	}
	for _, f := range positive {
		if !positiveFinite(f.value) {
			return &ConfigError{Field: f.field, Reason: fmt.Sprintf("must be a positive finite number, got %v", f.value)}
		}
	}
	nonNegative := []struct {
		field string
		value float64
	}{
		{"deadband_xy", p.Law.DeadbandXY},
		{"deadband_z", p.Law.DeadbandZ},
		{"obstacle_threshold", p.ObstacleThreshold},
	}
	for _, f := range nonNegative {
		if !(f.value >= 0) || math.IsInf(f.value, 0) {
			return &ConfigError{Field: f.field, Reason: fmt.Sprintf("must be a non-negative finite number, got %v", f.value)}
		}
	}
	if p.Period() <= 0 {
		return &ConfigError{Field: "control_rate", Reason: fmt.Sprintf("%v Hz is too fast", p.ControlRate)}
	}
	if p.ChoreographyDuration < 0 {
		return &ConfigError{Field: "demo_duration", Reason: "must not be negative"}
	}
	if p.HoverDuration < 0 {
		return &ConfigError{Field: "hover_duration", Reason: "must not be negative"}
	}
	if p.NoFixTimeout <= 0 {
		return &ConfigError{Field: "no_fix_timeout", Reason: "must be positive"}
	}
	if p.FixLossTimeout < 0 {
		return &ConfigError{Field: "fix_loss_timeout", Reason: "must not be negative"}
	}
	for i, o := range p.Obstacles {
		if o == "" {
			return &ConfigError{Field: fmt.Sprintf("obstacle_markers[%d]", i), Reason: "empty marker"}
		}
	}
	if len(p.Obstacles) > 0 && !positiveFinite(p.WarpDistance) {
		return &ConfigError{Field: "warp_distance", Reason: "must be a positive finite number when obstacles are configured"}
	}
	return p.validatePattern()
}

func (p Params) validatePattern() error {
	switch p.Pattern {
	case PatternNone, PatternHover:
		return nil
	case PatternCircle:
		if !positiveFinite(p.CircleRadius) {
			return &ConfigError{Field: "circle_radius", Reason: "must be a positive finite number"}
		}
		if p.CirclePeriod <= 0 {
			return &ConfigError{Field: "circle_period", Reason: "must be positive"}
		}
		return nil
	case PatternSurround, PatternV:
		f := p.Formation
		if f.LeaderMarker == "" {
			return &ConfigError{Field: "leader_marker", Reason: "required for formation patterns"}
		}
		if f.Count < 1 {
			return &ConfigError{Field: "num_drones", Reason: fmt.Sprintf("must be at least 1, got %d", f.Count)}
		}
		if f.Index < 0 || f.Index >= f.Count {
			return &ConfigError{Field: "drone_index", Reason: fmt.Sprintf("%d out of range [0, %d)", f.Index, f.Count)}
		}
		if p.Pattern == PatternSurround && !positiveFinite(f.Radius) {
			return &ConfigError{Field: "formation_radius", Reason: "must be a positive finite number"}
		}
		if p.Pattern == PatternV && !positiveFinite(f.Separation) {
			return &ConfigError{Field: "v_separation", Reason: "must be a positive finite number"}
		}
		return nil
	default:
		return &ConfigError{Field: "pattern", Reason: fmt.Sprintf("unknown kind %v", p.Pattern)}
	}
}

func positiveFinite(x float64) bool {
	return x > 0 && !math.IsInf(x, 1)
}
