package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/swarmflight/internal/flight"
)

//go:embed flight.defaults.json
var defaultsJSON []byte

// FlightConfig holds the tunable flight parameters. Every field is a pointer
// so that a section can leave it out and inherit from the layer below.
type FlightConfig struct {
	Marker       *string `json:"marker,omitempty"`
	LeaderMarker *string `json:"leader_marker,omitempty"`

	ControlRate   *float64 `json:"control_rate,omitempty"`
	TakeoffHeight *float64 `json:"takeoff_height,omitempty"`
	LandThreshold *float64 `json:"land_thresh,omitempty"`

	DemoMode      *string   `json:"demo_mode,omitempty"`
	DemoDuration  *Duration `json:"demo_duration,omitempty"`
	HoverDuration *Duration `json:"hover_duration,omitempty"`

	KpXY       *float64 `json:"kp_xy,omitempty"`
	KpZ        *float64 `json:"kp_z,omitempty"`
	DeadbandXY *float64 `json:"deadband_xy,omitempty"`
	DeadbandZ  *float64 `json:"deadband_z,omitempty"`
	MaxVelXY   *float64 `json:"max_vel_xy,omitempty"`
	MaxVelZ    *float64 `json:"max_vel_z,omitempty"`

	ProcessVariance     *float64 `json:"process_variance,omitempty"`
	MeasurementVariance *float64 `json:"measurement_variance,omitempty"`

	ObstacleMarkers   *[]string `json:"obstacle_markers,omitempty"`
	ObstacleThreshold *float64  `json:"obstacle_threshold,omitempty"`
	WarpDistance      *float64  `json:"warp_distance,omitempty"`

	CircleRadius    *float64  `json:"circle_radius,omitempty"`
	CirclePeriod    *Duration `json:"circle_period,omitempty"`
	FormationRadius *float64  `json:"formation_radius,omitempty"`
	VSeparation     *float64  `json:"v_separation,omitempty"`

	NoFixTimeout   *Duration `json:"no_fix_timeout,omitempty"`
	FixLossTimeout *Duration `json:"fix_loss_timeout,omitempty"`
	AvoidOnLand    *bool     `json:"avoid_on_land,omitempty"`
}

// DefaultFlightConfig returns the built-in defaults. Every field is set.
func DefaultFlightConfig() *FlightConfig {
	cfg := &FlightConfig{}
	if err := json.Unmarshal(defaultsJSON, cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// DefaultsJSON returns the embedded defaults file, for -print-defaults style
// tooling and documentation.
func DefaultsJSON() []byte {
	return append([]byte(nil), defaultsJSON...)
}

// Merge returns a copy of c with every field set in over replacing c's.
func (c *FlightConfig) Merge(over *FlightConfig) *FlightConfig {
	out := *c
	if over == nil {
		return &out
	}
	mergePtr(&out.Marker, over.Marker)
	mergePtr(&out.LeaderMarker, over.LeaderMarker)
	mergePtr(&out.ControlRate, over.ControlRate)
	mergePtr(&out.TakeoffHeight, over.TakeoffHeight)
	mergePtr(&out.LandThreshold, over.LandThreshold)
	mergePtr(&out.DemoMode, over.DemoMode)
	mergePtr(&out.DemoDuration, over.DemoDuration)
	mergePtr(&out.HoverDuration, over.HoverDuration)
	mergePtr(&out.KpXY, over.KpXY)
	mergePtr(&out.KpZ, over.KpZ)
	mergePtr(&out.DeadbandXY, over.DeadbandXY)
	mergePtr(&out.DeadbandZ, over.DeadbandZ)
	mergePtr(&out.MaxVelXY, over.MaxVelXY)
	mergePtr(&out.MaxVelZ, over.MaxVelZ)
	mergePtr(&out.ProcessVariance, over.ProcessVariance)
	mergePtr(&out.MeasurementVariance, over.MeasurementVariance)
	mergePtr(&out.ObstacleMarkers, over.ObstacleMarkers)
	mergePtr(&out.ObstacleThreshold, over.ObstacleThreshold)
	mergePtr(&out.WarpDistance, over.WarpDistance)
	mergePtr(&out.CircleRadius, over.CircleRadius)
	mergePtr(&out.CirclePeriod, over.CirclePeriod)
	mergePtr(&out.FormationRadius, over.FormationRadius)
	mergePtr(&out.VSeparation, over.VSeparation)
	mergePtr(&out.NoFixTimeout, over.NoFixTimeout)
	mergePtr(&out.FixLossTimeout, over.FixLossTimeout)
	mergePtr(&out.AvoidOnLand, over.AvoidOnLand)
	return &out
}

func mergePtr[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

// Validate checks the fields that are set. It catches mistakes that the
// flight parameters cannot express, such as a NaN or an unknown demo mode;
// range checks happen when the unit is resolved.
func (c *FlightConfig) Validate() error {
	floats := map[string]*float64{
		"control_rate":         c.ControlRate,
		"takeoff_height":       c.TakeoffHeight,
		"land_thresh":          c.LandThreshold,
		"kp_xy":                c.KpXY,
		"kp_z":                 c.KpZ,
		"deadband_xy":          c.DeadbandXY,
		"deadband_z":           c.DeadbandZ,
		"max_vel_xy":           c.MaxVelXY,
		"max_vel_z":            c.MaxVelZ,
		"process_variance":     c.ProcessVariance,
		"measurement_variance": c.MeasurementVariance,
		"obstacle_threshold":   c.ObstacleThreshold,
		"warp_distance":        c.WarpDistance,
		"circle_radius":        c.CircleRadius,
		"formation_radius":     c.FormationRadius,
		"v_separation":         c.VSeparation,
	}
	for field, v := range floats {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return &flight.ConfigError{Field: field, Reason: fmt.Sprintf("must be finite, got %v", *v)}
		}
	}
	if c.DemoMode != nil {
		if _, err := flight.ParsePatternKind(*c.DemoMode); err != nil {
			return &flight.ConfigError{Field: "demo_mode", Reason: err.Error()}
		}
	}
	if c.Marker != nil && *c.Marker == "" {
		return &flight.ConfigError{Field: "marker", Reason: "must not be empty"}
	}
	return nil
}

// Params resolves a fully merged config into frozen flight parameters for the
// unit at index of count. Missing fields and out of range values are reported
// as *flight.ConfigError.
func (c *FlightConfig) Params(unit string, index, count int) (flight.Params, error) {
	if err := c.Validate(); err != nil {
		return flight.Params{}, err
	}
	r := resolver{}
	pattern, err := flight.ParsePatternKind(r.str("demo_mode", c.DemoMode))
	if err != nil {
		return flight.Params{}, &flight.ConfigError{Field: "demo_mode", Reason: err.Error()}
	}
	p := flight.Params{
		Unit:                 unit,
		Marker:               r.str("marker", c.Marker),
		ControlRate:          r.float("control_rate", c.ControlRate),
		TakeoffHeight:        r.float("takeoff_height", c.TakeoffHeight),
		LandThreshold:        r.float("land_thresh", c.LandThreshold),
		ChoreographyDuration: r.duration("demo_duration", c.DemoDuration),
		HoverDuration:        r.duration("hover_duration", c.HoverDuration),
		Law: flight.CommandLaw{
			GainXY:     r.float("kp_xy", c.KpXY),
			GainZ:      r.float("kp_z", c.KpZ),
			DeadbandXY: r.float("deadband_xy", c.DeadbandXY),
			DeadbandZ:  r.float("deadband_z", c.DeadbandZ),
			MaxVelXY:   r.float("max_vel_xy", c.MaxVelXY),
			MaxVelZ:    r.float("max_vel_z", c.MaxVelZ),
		},
		ProcessVariance:     r.float("process_variance", c.ProcessVariance),
		MeasurementVariance: r.float("measurement_variance", c.MeasurementVariance),
		ObstacleThreshold:   r.float("obstacle_threshold", c.ObstacleThreshold),
		WarpDistance:        r.float("warp_distance", c.WarpDistance),
		Pattern:             pattern,
		Formation: flight.Formation{
			LeaderMarker: r.str("leader_marker", c.LeaderMarker),
			Index:        index,
			Count:        count,
			Radius:       r.float("formation_radius", c.FormationRadius),
			Separation:   r.float("v_separation", c.VSeparation),
		},
		CircleRadius:   r.float("circle_radius", c.CircleRadius),
		CirclePeriod:   r.duration("circle_period", c.CirclePeriod),
		NoFixTimeout:   r.duration("no_fix_timeout", c.NoFixTimeout),
		FixLossTimeout: r.duration("fix_loss_timeout", c.FixLossTimeout),
	}
	if c.ObstacleMarkers != nil {
		p.Obstacles = append([]string(nil), (*c.ObstacleMarkers)...)
	}
	if c.AvoidOnLand != nil {
		p.AvoidOnLand = *c.AvoidOnLand
	}
	if r.missing != "" {
		return flight.Params{}, &flight.ConfigError{Field: r.missing, Reason: "not set and no default"}
	}
	if err := p.Validate(); err != nil {
		return flight.Params{}, err
	}
	return p, nil
}

// resolver dereferences config fields and remembers the first one missing.
type resolver struct {
	missing string
}

func (r *resolver) note(field string) {
	if r.missing == "" {
		r.missing = field
	}
}

func (r *resolver) float(field string, v *float64) float64 {
	if v == nil {
		r.note(field)
		return 0
	}
	return *v
}

func (r *resolver) str(field string, v *string) string {
	if v == nil {
		r.note(field)
		return ""
	}
	return *v
}

func (r *resolver) duration(field string, v *Duration) time.Duration {
	if v == nil {
		r.note(field)
		return 0
	}
	return v.Duration
}
