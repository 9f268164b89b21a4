package flight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/monitoring"
	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// occlusionLogEvery throttles the occlusion log to one line per this many
// consecutive skipped ticks.
const occlusionLogEvery = 100

// Deps are the collaborators a Machine talks to.
type Deps struct {
	Positions PositionSource
	Altitude  AltitudeSampleSource
	Sink      CommandSink

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Recorder is optional.
	Recorder Recorder
	// Logf defaults to a monitoring.UnitLogger for the unit.
	Logf func(format string, v ...interface{})
}

// Machine is the flight state machine for one unit. It is not safe for
// concurrent use; run it on its own goroutine.
type Machine struct {
	params    Params
	positions PositionSource
	altitude  AltitudeSampleSource
	sink      CommandSink
	clock     timeutil.Clock
	recorder  Recorder
	logf      func(format string, v ...interface{})

	filter  *AltitudeFilter
	pattern Pattern

	phase      Phase
	desired    r3.Vec
	phaseStart time.Time
	startedAt  time.Time
	lastFix    time.Time
	occluded   int
	stopSent   bool

	transitions []Transition
}

// NewMachine validates p and wires a machine in PhaseIdle.
func NewMachine(p Params, d Deps) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch {
	case d.Positions == nil:
		return nil, &ConfigError{Field: "positions", Reason: "position source is required"}
	case d.Altitude == nil:
		return nil, &ConfigError{Field: "altitude", Reason: "altitude sample source is required"}
	case d.Sink == nil:
		return nil, &ConfigError{Field: "sink", Reason: "command sink is required"}
	}

	p.Obstacles = append([]string(nil), p.Obstacles...)
	pattern, err := NewPattern(p, d.Positions)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		params:    p,
		positions: d.Positions,
		altitude:  d.Altitude,
		sink:      d.Sink,
		clock:     d.Clock,
		recorder:  d.Recorder,
		logf:      d.Logf,
		filter:    NewAltitudeFilter(p.ProcessVariance, p.MeasurementVariance, 0),
		pattern:   pattern,
		phase:     PhaseIdle,
	}
	if m.clock == nil {
		m.clock = timeutil.RealClock{}
	}
	if m.logf == nil {
		name := p.Unit
		if name == "" {
			name = p.Marker
		}
		m.logf = monitoring.UnitLogger(name)
	}
	return m, nil
}

// Params returns the unit's configuration.
func (m *Machine) Params() Params { return m.params }

// Phase returns the active phase.
func (m *Machine) Phase() Phase { return m.phase }

// Desired returns the current desired waypoint.
func (m *Machine) Desired() r3.Vec { return m.desired }

// Altitude returns the filtered altitude estimate.
func (m *Machine) Altitude() float64 { return m.filter.Estimate() }

// Transitions returns the phase changes so far, oldest first.
func (m *Machine) Transitions() []Transition {
	return append([]Transition(nil), m.transitions...)
}

// Run flies the whole envelope, one Step per control period, until the unit
// lands, ctx is cancelled or a fault occurs. A stop command is sent on every
// exit path, including panics, and exactly once on a normal landing. A panic
// is re-raised as a *PanicError carrying the original stack.
func (m *Machine) Run(ctx context.Context) (err error) {
	defer func() {
		r := recover()
		var pe *PanicError
		if r != nil {
			var ok bool
			if pe, ok = r.(*PanicError); !ok {
				pe = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}
		if !m.stopSent {
			if stopErr := m.stop(); stopErr != nil {
				m.logf("best-effort stop failed: %v", stopErr)
			}
		}
		if pe != nil {
			panic(pe)
		}
	}()

	period := m.params.Period()
	m.startedAt = m.clock.Now()
	m.logf("starting flight: marker=%s pattern=%v rate=%.0fHz", m.params.Marker, m.params.Pattern, m.params.ControlRate)

	for m.phase != PhaseDone {
		if err := ctx.Err(); err != nil {
			m.logf("flight interrupted in %v: %v", m.phase, err)
			return err
		}
		tickStart := m.clock.Now()
		if _, err := m.Step(tickStart); err != nil {
			m.logf("flight aborted in %v: %v", m.phase, err)
			return err
		}
		if m.phase == PhaseDone {
			break
		}
		if err := timeutil.SleepContext(ctx, m.clock, period-m.clock.Since(tickStart)); err != nil {
			m.logf("flight interrupted in %v: %v", m.phase, err)
			return err
		}
	}
	m.logf("flight complete")
	return nil
}

// Step runs a single control tick at now. It reports whether a velocity
// command was dispatched; a skipped tick (no valid fix) returns false and a
// nil error unless a liveness timeout has expired.
func (m *Machine) Step(now time.Time) (bool, error) {
	if m.phase == PhaseDone {
		return false, nil
	}
	if m.startedAt.IsZero() {
		m.startedAt = now
	}

	m.expirePhase(now)

	pos, ok, err := m.positions.Position(m.params.Marker)
	if err != nil && !isUnavailable(err) {
		return false, &CollaboratorError{Op: "position " + m.params.Marker, Err: err}
	}
	if err != nil || !ok || !finite(pos) {
		return false, m.skip(now)
	}
	if m.occluded > 0 {
		m.logf("fix reacquired after %d skipped ticks", m.occluded)
		m.occluded = 0
	}
	m.lastFix = now

	raw := m.altitude.LatestAltitude()
	alt := m.filter.Update(raw)

	switch m.phase {
	case PhaseIdle:
		m.desired = r3.Vec{X: pos.X, Y: pos.Y, Z: m.params.TakeoffHeight}
		m.enter(PhaseTakeoff, now)
	case PhaseTakeoff:
		if math.Abs(m.desired.Z-alt) <= m.params.LandThreshold {
			if m.pattern != nil {
				m.enter(PhaseChoreography, now)
				m.pattern.Enter(m.desired, now)
			} else {
				m.enter(PhaseHover, now)
			}
		}
	case PhaseChoreography:
		next, err := m.pattern.Next(PatternContext{
			Previous: m.desired,
			Fix:      pos,
			Altitude: alt,
			Now:      now,
			Elapsed:  now.Sub(m.phaseStart),
		})
		if err != nil {
			return false, m.collaborator("pattern "+m.pattern.Kind().String(), err)
		}
		m.desired = next
	}

	if m.phase != PhaseLand || m.params.AvoidOnLand {
		if err := m.avoid(); err != nil {
			return false, err
		}
	}

	sp := m.params.Law.Compute(m.desired, pos, alt)
	if err := m.sink.SendVelocity(sp.VX, sp.VY, sp.VZ, sp.YawRate); err != nil {
		return false, &CollaboratorError{Op: "send velocity", Err: err}
	}
	if m.recorder != nil {
		m.recorder.RecordTick(TickSample{
			Unit:        m.params.Unit,
			At:          now,
			Phase:       m.phase,
			Position:    pos,
			RawAltitude: raw,
			Altitude:    alt,
			Desired:     m.desired,
			Setpoint:    sp,
		})
	}

	if m.phase == PhaseLand && math.Abs(alt) <= m.params.LandThreshold {
		err := m.stop()
		m.enter(PhaseDone, now)
		if err != nil {
			return true, err
		}
	}
	return true, nil
}

// expirePhase ends timed phases. It runs before the fix is read so that an
// occluded marker cannot hold a unit in the air past its schedule.
func (m *Machine) expirePhase(now time.Time) {
	var limit time.Duration
	switch m.phase {
	case PhaseChoreography:
		limit = m.params.ChoreographyDuration
	case PhaseHover:
		limit = m.params.HoverDuration
	default:
		return
	}
	if now.Sub(m.phaseStart) >= limit {
		m.desired.Z = 0
		m.enter(PhaseLand, now)
	}
}

func (m *Machine) skip(now time.Time) error {
	m.occluded++
	if m.occluded == 1 || m.occluded%occlusionLogEvery == 0 {
		m.logf("%v: marker %s, skipped %d ticks in %v", ErrSensorUnavailable, m.params.Marker, m.occluded, m.phase)
	}
	if m.phase == PhaseIdle {
		if waited := now.Sub(m.startedAt); waited >= m.params.NoFixTimeout {
			return fmt.Errorf("%w: marker %s after %v", ErrNoFixAcquired, m.params.Marker, waited)
		}
		return nil
	}
	if m.params.FixLossTimeout > 0 {
		if lost := now.Sub(m.lastFix); lost >= m.params.FixLossTimeout {
			return fmt.Errorf("%w: marker %s unavailable for %v in %v", ErrFixLost, m.params.Marker, lost, m.phase)
		}
	}
	return nil
}

func (m *Machine) avoid() error {
	if len(m.params.Obstacles) == 0 {
		return nil
	}
	fixes := make([]ObstacleFix, 0, len(m.params.Obstacles))
	for _, marker := range m.params.Obstacles {
		pos, ok, err := m.positions.Position(marker)
		if err != nil && !isUnavailable(err) {
			return &CollaboratorError{Op: "obstacle position " + marker, Err: err}
		}
		fixes = append(fixes, ObstacleFix{Marker: marker, Position: pos, Available: ok && err == nil && finite(pos)})
	}
	before := m.desired
	m.desired = AvoidObstacles(m.desired, fixes, m.params.ObstacleThreshold, m.params.WarpDistance)
	if m.desired != before {
		m.logf("waypoint warped from %.3f,%.3f,%.3f to %.3f,%.3f,%.3f",
			before.X, before.Y, before.Z, m.desired.X, m.desired.Y, m.desired.Z)
	}
	return nil
}

func (m *Machine) enter(next Phase, now time.Time) {
	if next <= m.phase {
		panic(fmt.Sprintf("flight: phase regression %v -> %v", m.phase, next))
	}
	t := Transition{
		Unit:     m.params.Unit,
		From:     m.phase,
		To:       next,
		At:       now,
		Altitude: m.filter.Estimate(),
	}
	m.transitions = append(m.transitions, t)
	m.logf("phase %v -> %v at altitude %.3f", m.phase, next, t.Altitude)
	m.phase = next
	m.phaseStart = now
	if m.recorder != nil {
		m.recorder.RecordTransition(t)
	}
}

// stop sends the stop command at most once.
func (m *Machine) stop() error {
	m.stopSent = true
	m.logf("sending stop")
	if err := m.sink.SendStop(); err != nil {
		return &CollaboratorError{Op: "send stop", Err: err}
	}
	return nil
}

func (m *Machine) collaborator(op string, err error) error {
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollaboratorError{Op: op, Err: err}
}
