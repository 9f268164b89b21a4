package flight

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// PatternKind selects the waypoint generator used during choreography.
type PatternKind int

const (
	// PatternNone skips choreography; the unit hovers instead.
	PatternNone PatternKind = iota
	PatternHover
	PatternCircle
	PatternSurround
	PatternV
)

func (k PatternKind) String() string {
	switch k {
	case PatternNone:
		return "default"
	case PatternHover:
		return "hover"
	case PatternCircle:
		return "circle"
	case PatternSurround:
		return "surround"
	case PatternV:
		return "v"
	default:
		return fmt.Sprintf("PatternKind(%d)", int(k))
	}
}

// ParsePatternKind converts a demo mode name into a PatternKind. The empty
// string, "default" and "none" all select PatternNone.
func ParsePatternKind(value string) (PatternKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "default", "none":
		return PatternNone, nil
	case "hover":
		return PatternHover, nil
	case "circle":
		return PatternCircle, nil
	case "surround":
		return PatternSurround, nil
	case "v", "v_formation":
		return PatternV, nil
	default:
		return PatternNone, fmt.Errorf("unknown pattern %q", value)
	}
}

// PatternContext is what a pattern sees on each choreography tick.
type PatternContext struct {
	// Previous is the desired waypoint from the last tick.
	Previous r3.Vec
	// Fix is the unit's own position this tick.
	Fix r3.Vec
	// Altitude is the filtered altitude estimate.
	Altitude float64
	Now      time.Time
	// Elapsed is the time since choreography began.
	Elapsed time.Duration
}

// Pattern produces the desired waypoint during choreography. A Pattern value
// belongs to exactly one flight.
type Pattern interface {
	Kind() PatternKind
	// Enter is called once when choreography begins with the desired
	// waypoint at that moment. Later calls are ignored.
	Enter(start r3.Vec, now time.Time)
	Next(PatternContext) (r3.Vec, error)
}

// NewPattern builds the pattern selected by p. It returns nil for PatternNone.
// Leader-relative formations resolve the leader through positions.
func NewPattern(p Params, positions PositionSource) (Pattern, error) {
	switch p.Pattern {
	case PatternNone:
		return nil, nil
	case PatternHover:
		return hoverPattern{}, nil
	case PatternCircle:
		return &circlePattern{radius: p.CircleRadius, period: p.CirclePeriod}, nil
	case PatternSurround:
		return &surroundPattern{formation: p.Formation, positions: positions}, nil
	case PatternV:
		return &vPattern{formation: p.Formation, positions: positions}, nil
	default:
		return nil, &ConfigError{Field: "pattern", Reason: fmt.Sprintf("unsupported kind %v", p.Pattern)}
	}
}

type hoverPattern struct{}

func (hoverPattern) Kind() PatternKind         { return PatternHover }
func (hoverPattern) Enter(r3.Vec, time.Time)   {}
func (hoverPattern) Next(c PatternContext) (r3.Vec, error) {
	return c.Previous, nil
}

type circleLatch struct {
	center r3.Vec
	start  time.Time
}

// circlePattern flies a horizontal circle around the waypoint held when
// choreography began, one revolution per period.
type circlePattern struct {
	radius float64
	period time.Duration
	latch  *circleLatch
}

func (c *circlePattern) Kind() PatternKind { return PatternCircle }

func (c *circlePattern) Enter(start r3.Vec, now time.Time) {
	if c.latch != nil {
		return
	}
	c.latch = &circleLatch{center: start, start: now}
}

func (c *circlePattern) Next(ctx PatternContext) (r3.Vec, error) {
	if c.latch == nil {
		return ctx.Previous, fmt.Errorf("circle pattern used before Enter")
	}
	elapsed := ctx.Now.Sub(c.latch.start).Seconds()
	angle := elapsed / c.period.Seconds() * 2 * math.Pi
	return r3.Vec{
		X: c.latch.center.X + c.radius*math.Cos(angle),
		Y: c.latch.center.Y + c.radius*math.Sin(angle),
		Z: c.latch.center.Z,
	}, nil
}

// surroundPattern spaces Count units evenly on a circle around the leader.
type surroundPattern struct {
	formation Formation
	positions PositionSource
}

func (s *surroundPattern) Kind() PatternKind       { return PatternSurround }
func (s *surroundPattern) Enter(r3.Vec, time.Time) {}

func (s *surroundPattern) Next(ctx PatternContext) (r3.Vec, error) {
	leader, ok, err := lookupLeader(s.positions, s.formation.LeaderMarker)
	if err != nil || !ok {
		return ctx.Previous, err
	}
	theta := 2 * math.Pi * float64(s.formation.Index) / float64(s.formation.Count)
	return r3.Vec{
		X: leader.X + s.formation.Radius*math.Cos(theta),
		Y: leader.Y + s.formation.Radius*math.Sin(theta),
		Z: ctx.Previous.Z,
	}, nil
}

// vPattern places units in pairs on alternating wings behind the leader.
type vPattern struct {
	formation Formation
	positions PositionSource
}

func (v *vPattern) Kind() PatternKind       { return PatternV }
func (v *vPattern) Enter(r3.Vec, time.Time) {}

func (v *vPattern) Next(ctx PatternContext) (r3.Vec, error) {
	leader, ok, err := lookupLeader(v.positions, v.formation.LeaderMarker)
	if err != nil || !ok {
		return ctx.Previous, err
	}
	wing := 1.0
	if v.formation.Index%2 == 0 {
		wing = -1
	}
	pair := float64(v.formation.Index/2 + 1)
	sep := v.formation.Separation
	return r3.Vec{
		X: leader.X + wing*pair*sep,
		Y: leader.Y + pair*sep,
		Z: ctx.Previous.Z,
	}, nil
}

// lookupLeader treats ErrSensorUnavailable from the source, and a leader fix
// that is not finite, as an occlusion.
func lookupLeader(positions PositionSource, marker string) (r3.Vec, bool, error) {
	pos, ok, err := positions.Position(marker)
	if err != nil {
		if isUnavailable(err) {
			return r3.Vec{}, false, nil
		}
		return r3.Vec{}, false, &CollaboratorError{Op: "leader position " + marker, Err: err}
	}
	return pos, ok && finite(pos), nil
}
