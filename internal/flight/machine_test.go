package flight

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/sim"
	"github.com/banshee-data/swarmflight/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quiet(string, ...interface{}) {}

// spySink wraps a CommandSink and runs onStop before forwarding the stop.
type spySink struct {
	CommandSink
	onStop func()
}

func (s *spySink) SendStop() error {
	if s.onStop != nil {
		s.onStop()
	}
	return s.CommandSink.SendStop()
}

// recordingSink captures every command.
type recordingSink struct {
	setpoints []Setpoint
	stops     int
	err       error
}

func (s *recordingSink) SendVelocity(vx, vy, vz, yaw float64) error {
	if s.err != nil {
		return s.err
	}
	s.setpoints = append(s.setpoints, Setpoint{VX: vx, VY: vy, VZ: vz, YawRate: yaw})
	return nil
}

func (s *recordingSink) SendStop() error {
	s.stops++
	return s.err
}

type constAltitude float64

func (a constAltitude) LatestAltitude() float64 { return float64(a) }

type memRecorder struct {
	ticks       []TickSample
	transitions []Transition
}

func (r *memRecorder) RecordTick(s TickSample)       { r.ticks = append(r.ticks, s) }
func (r *memRecorder) RecordTransition(t Transition) { r.transitions = append(r.transitions, t) }

type simRig struct {
	clock   *timeutil.SimClock
	world   *sim.World
	vehicle *sim.Vehicle
	rec     *memRecorder
	machine *Machine
}

func newSimRig(t *testing.T, p Params) *simRig {
	t.Helper()
	clock := timeutil.NewSimClock(epoch)
	world := sim.NewWorld()
	vehicle := sim.NewVehicle(p.Marker, r3.Vec{X: 0.2, Y: -0.3}, clock)
	world.AddVehicle(vehicle)
	rec := &memRecorder{}
	m, err := NewMachine(p, Deps{
		Positions: world,
		Altitude:  vehicle,
		Sink:      vehicle,
		Clock:     clock,
		Recorder:  rec,
		Logf:      quiet,
	})
	require.NoError(t, err)
	return &simRig{clock: clock, world: world, vehicle: vehicle, rec: rec, machine: m}
}

func phasePath(ts []Transition) []Phase {
	out := make([]Phase, 0, len(ts)+1)
	if len(ts) > 0 {
		out = append(out, ts[0].From)
	}
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestMachine_HoverFlightLandsAndStopsOnce(t *testing.T) {
	p := testParams()
	clock := timeutil.NewSimClock(epoch)
	world := sim.NewWorld()
	vehicle := sim.NewVehicle(p.Marker, r3.Vec{}, clock)
	world.AddVehicle(vehicle)

	sink := &spySink{CommandSink: vehicle}
	m, err := NewMachine(p, Deps{Positions: world, Altitude: vehicle, Sink: sink, Clock: clock, Logf: quiet})
	require.NoError(t, err)

	var altAtStop []float64
	sink.onStop = func() { altAtStop = append(altAtStop, m.Altitude()) }

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, PhaseDone, m.Phase())
	assert.Equal(t, 1, vehicle.Stops())
	require.Len(t, altAtStop, 1)
	assert.LessOrEqual(t, altAtStop[0], p.LandThreshold)

	want := []Phase{PhaseIdle, PhaseTakeoff, PhaseHover, PhaseLand, PhaseDone}
	transitions := m.Transitions()
	if diff := cmp.Diff(want, phasePath(transitions)); diff != "" {
		t.Fatalf("phase path mismatch (-want +got):\n%s", diff)
	}
	hoverEntered, landEntered := transitions[1].At, transitions[2].At
	assert.GreaterOrEqual(t, landEntered.Sub(hoverEntered), p.HoverDuration)
	assert.GreaterOrEqual(t, transitions[1].Altitude, p.TakeoffHeight-p.LandThreshold)
	assert.Greater(t, vehicle.Commands(), 0)
}

func TestMachine_PhasesNeverRegress(t *testing.T) {
	rig := newSimRig(t, testParams())
	require.NoError(t, rig.machine.Run(context.Background()))

	last := PhaseIdle
	for _, s := range rig.rec.ticks {
		if s.Phase < last {
			t.Fatalf("tick at %v in %v after %v", s.At, s.Phase, last)
		}
		last = s.Phase
	}
	for _, tr := range rig.rec.transitions {
		assert.Less(t, tr.From, tr.To)
	}
	assert.Equal(t, rig.machine.Transitions(), rig.rec.transitions)
}

func TestMachine_CircleChoreography(t *testing.T) {
	p := testParams()
	p.Pattern = PatternCircle
	p.ChoreographyDuration = 2 * time.Second
	rig := newSimRig(t, p)

	require.NoError(t, rig.machine.Run(context.Background()))

	want := []Phase{PhaseIdle, PhaseTakeoff, PhaseChoreography, PhaseLand, PhaseDone}
	if diff := cmp.Diff(want, phasePath(rig.machine.Transitions())); diff != "" {
		t.Fatalf("phase path mismatch (-want +got):\n%s", diff)
	}
	latch := rig.machine.pattern.(*circlePattern).latch
	require.NotNil(t, latch)
	centre := latch.center
	assert.InDelta(t, 0.2, centre.X, 1e-9)
	assert.InDelta(t, -0.3, centre.Y, 1e-9)
	assert.Equal(t, p.TakeoffHeight, centre.Z)

	// The entry tick still flies to the centre; the pattern takes over after.
	entered := rig.machine.Transitions()[1].At
	for _, s := range rig.rec.ticks {
		if s.Phase != PhaseChoreography || s.At.Equal(entered) {
			continue
		}
		assert.InDelta(t, p.CircleRadius, r3.Norm(r3.Sub(s.Desired, centre)), 1e-9)
	}
	assert.Equal(t, 1, rig.vehicle.Stops())
}

func TestMachine_NoFixAcquired(t *testing.T) {
	p := testParams()
	p.NoFixTimeout = 500 * time.Millisecond
	rig := newSimRig(t, p)
	rig.world.Occlude(p.Marker, true)

	err := rig.machine.Run(context.Background())

	assert.ErrorIs(t, err, ErrNoFixAcquired)
	assert.Equal(t, PhaseIdle, rig.machine.Phase())
	assert.Equal(t, 0, rig.vehicle.Commands())
	assert.Equal(t, 1, rig.vehicle.Stops())
	assert.GreaterOrEqual(t, rig.clock.Since(epoch), p.NoFixTimeout)
}

func TestMachine_SinkFailureAbortsWithStop(t *testing.T) {
	rig := newSimRig(t, testParams())
	rig.vehicle.FailLink()

	err := rig.machine.Run(context.Background())

	assert.ErrorIs(t, err, ErrCollaborator)
	assert.ErrorIs(t, err, sim.ErrLinkDown)
	assert.Equal(t, 1, rig.vehicle.Stops(), "best-effort stop must still be attempted")
}

func TestMachine_CancelledContextStops(t *testing.T) {
	rig := newSimRig(t, testParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.machine.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rig.vehicle.Commands())
	assert.Equal(t, 1, rig.vehicle.Stops())
}

func TestMachine_PanicStillStops(t *testing.T) {
	sink := &recordingSink{}
	positions := &panickingPositions{}
	m, err := NewMachine(testParams(), Deps{Positions: positions, Altitude: constAltitude(0), Sink: sink, Clock: timeutil.NewSimClock(epoch), Logf: quiet})
	require.NoError(t, err)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_ = m.Run(context.Background())
	}()
	assert.Equal(t, 1, sink.stops)

	pe, ok := recovered.(*PanicError)
	require.True(t, ok, "recovered %T", recovered)
	assert.Equal(t, "tracker exploded", pe.Value)
	assert.Contains(t, string(pe.Stack), "panickingPositions", "stack must show where the panic started")
}

type panickingPositions struct{}

func (panickingPositions) Position(string) (r3.Vec, bool, error) { panic("tracker exploded") }

func TestMachine_PositionSourceFailure(t *testing.T) {
	positions := newFakePositions()
	positions.errs["cf1"] = errors.New("socket closed")
	sink := &recordingSink{}
	m, err := NewMachine(testParams(), Deps{Positions: positions, Altitude: constAltitude(0), Sink: sink, Logf: quiet})
	require.NoError(t, err)

	sent, err := m.Step(epoch)

	assert.False(t, sent)
	assert.ErrorIs(t, err, ErrCollaborator)
	assert.Empty(t, sink.setpoints)
}

func TestMachine_OccludedTickSkipped(t *testing.T) {
	positions := newFakePositions()
	positions.errs["cf1"] = ErrSensorUnavailable
	sink := &recordingSink{}
	m, err := NewMachine(testParams(), Deps{Positions: positions, Altitude: constAltitude(0.7), Sink: sink, Logf: quiet})
	require.NoError(t, err)

	sent, err := m.Step(epoch)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, sink.setpoints)
	assert.Equal(t, 0.0, m.Altitude(), "filter must not update on a skipped tick")
	assert.Equal(t, PhaseIdle, m.Phase())

	delete(positions.errs, "cf1")
	positions.fixes["cf1"] = r3.Vec{X: 1, Y: 2, Z: 0}
	sent, err = m.Step(epoch.Add(10 * time.Millisecond))
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, PhaseTakeoff, m.Phase())
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 1}, m.Desired())
}

// stepUntil steps m on a fixed period until cond holds or limit ticks pass.
func stepUntil(t *testing.T, m *Machine, clock *timeutil.SimClock, limit int, cond func() bool) error {
	t.Helper()
	for i := 0; i < limit; i++ {
		if cond() {
			return nil
		}
		if _, err := m.Step(clock.Now()); err != nil {
			return err
		}
		clock.Advance(m.Params().Period())
	}
	if !cond() {
		t.Fatalf("condition not reached after %d ticks, phase %v", limit, m.Phase())
	}
	return nil
}

func TestMachine_FixLossTimeout(t *testing.T) {
	p := testParams()
	p.HoverDuration = time.Minute
	p.FixLossTimeout = 500 * time.Millisecond
	rig := newSimRig(t, p)
	m := rig.machine

	require.NoError(t, stepUntil(t, m, rig.clock, 1000, func() bool { return m.Phase() == PhaseHover }))
	rig.world.Occlude(p.Marker, true)
	lostAt := rig.clock.Now()

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = m.Step(rig.clock.Now())
		rig.clock.Advance(p.Period())
	}

	assert.ErrorIs(t, err, ErrFixLost)
	assert.GreaterOrEqual(t, rig.clock.Since(lostAt), p.FixLossTimeout)
	assert.Equal(t, PhaseHover, m.Phase())
}

func TestMachine_OcclusionDoesNotExtendHover(t *testing.T) {
	p := testParams()
	rig := newSimRig(t, p)
	m := rig.machine

	require.NoError(t, stepUntil(t, m, rig.clock, 1000, func() bool { return m.Phase() == PhaseHover }))
	rig.world.Occlude(p.Marker, true)
	rig.clock.Advance(p.HoverDuration)

	sent, err := m.Step(rig.clock.Now())
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, PhaseLand, m.Phase())
	assert.Equal(t, 0.0, m.Desired().Z)
}

func TestMachine_ObstacleWarpsTakeoffWaypoint(t *testing.T) {
	p := testParams()
	p.Obstacles = []string{"E2"}
	positions := newFakePositions()
	positions.fixes["cf1"] = r3.Vec{X: 0, Y: 0, Z: 0}
	positions.fixes["E2"] = r3.Vec{X: 0, Y: 0.1, Z: 1}
	sink := &recordingSink{}
	m, err := NewMachine(p, Deps{Positions: positions, Altitude: constAltitude(0), Sink: sink, Logf: quiet})
	require.NoError(t, err)

	_, err = m.Step(epoch)
	require.NoError(t, err)

	assertVecNear(t, r3.Vec{X: 0, Y: -0.2, Z: 1}, m.Desired())
	assert.InDelta(t, p.WarpDistance, r3.Norm(r3.Sub(m.Desired(), positions.fixes["E2"])), 1e-9)
}

func TestMachine_LandingAvoidancePolicy(t *testing.T) {
	for _, avoidOnLand := range []bool{false, true} {
		t.Run(map[bool]string{false: "descend in place", true: "avoid on land"}[avoidOnLand], func(t *testing.T) {
			p := testParams()
			p.HoverDuration = 0
			p.Obstacles = []string{"E2"}
			p.AvoidOnLand = avoidOnLand
			positions := newFakePositions()
			positions.fixes["cf1"] = r3.Vec{X: 0, Y: 0, Z: 1}
			sink := &recordingSink{}
			m, err := NewMachine(p, Deps{Positions: positions, Altitude: constAltitude(1), Sink: sink, Logf: quiet})
			require.NoError(t, err)

			now := epoch
			for m.Phase() != PhaseHover {
				_, err := m.Step(now)
				require.NoError(t, err)
				now = now.Add(p.Period())
			}
			// The obstacle appears under the unit once it is hovering.
			positions.fixes["E2"] = r3.Vec{X: 0, Y: 0, Z: 0.1}
			_, err = m.Step(now)
			require.NoError(t, err)
			require.Equal(t, PhaseLand, m.Phase())

			if avoidOnLand {
				assert.NotEqual(t, 0.0, m.Desired().Z)
			} else {
				assert.Equal(t, r3.Vec{X: 0, Y: 0, Z: 0}, m.Desired())
			}
		})
	}
}

func TestMachine_StepAfterDoneIsNoop(t *testing.T) {
	rig := newSimRig(t, testParams())
	require.NoError(t, rig.machine.Run(context.Background()))
	commands := rig.vehicle.Commands()

	sent, err := rig.machine.Step(rig.clock.Now())

	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, commands, rig.vehicle.Commands())
	assert.Equal(t, 1, rig.vehicle.Stops())
}

func TestNewMachine_Rejects(t *testing.T) {
	world := sim.NewWorld()
	vehicle := sim.NewVehicle("cf1", r3.Vec{}, nil)

	_, err := NewMachine(Params{}, Deps{Positions: world, Altitude: vehicle, Sink: vehicle})
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = NewMachine(testParams(), Deps{Altitude: vehicle, Sink: vehicle})
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = NewMachine(testParams(), Deps{Positions: world, Sink: vehicle})
	assert.ErrorIs(t, err, ErrConfigInvalid)

	_, err = NewMachine(testParams(), Deps{Positions: world, Altitude: vehicle})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestMachine_ParamsCopied(t *testing.T) {
	p := testParams()
	p.Obstacles = []string{"E2"}
	m, err := NewMachine(p, Deps{Positions: newFakePositions(), Altitude: constAltitude(0), Sink: &recordingSink{}, Logf: quiet})
	require.NoError(t, err)

	p.Obstacles[0] = "E9"
	assert.Equal(t, []string{"E2"}, m.Params().Obstacles)
}

func TestRecorders_SkipsNil(t *testing.T) {
	a, b := &memRecorder{}, &memRecorder{}
	rs := Recorders{a, nil, b}

	rs.RecordTick(TickSample{Unit: "u"})
	rs.RecordTransition(Transition{Unit: "u", From: PhaseIdle, To: PhaseTakeoff})

	assert.Len(t, a.ticks, 1)
	assert.Len(t, b.transitions, 1)
}

func TestMachine_NonFiniteFixSkipsTick(t *testing.T) {
	for _, fix := range []r3.Vec{
		{X: math.NaN(), Y: 0, Z: 0},
		{X: 0, Y: math.Inf(1), Z: 0},
		{X: 0, Y: 0, Z: math.Inf(-1)},
	} {
		positions := newFakePositions()
		positions.fixes["cf1"] = fix
		sink := &recordingSink{}
		m, err := NewMachine(testParams(), Deps{Positions: positions, Altitude: constAltitude(0.2), Sink: sink, Logf: quiet})
		require.NoError(t, err)

		sent, err := m.Step(epoch)
		require.NoError(t, err)
		assert.False(t, sent, "fix %v", fix)
		assert.Empty(t, sink.setpoints)
		assert.Equal(t, PhaseIdle, m.Phase())
		assert.Equal(t, 0.0, m.Altitude(), "filter must not update on a skipped tick")
	}
}

func TestMachine_NonFiniteObstacleKeepsWaypointFinite(t *testing.T) {
	p := testParams()
	p.Obstacles = []string{"E2"}
	positions := newFakePositions()
	positions.fixes["cf1"] = r3.Vec{X: 0, Y: 0, Z: 0}
	positions.fixes["E2"] = r3.Vec{X: math.Inf(1), Y: 0, Z: 1}
	sink := &recordingSink{}
	m, err := NewMachine(p, Deps{Positions: positions, Altitude: constAltitude(0), Sink: sink, Logf: quiet})
	require.NoError(t, err)

	sent, err := m.Step(epoch)
	require.NoError(t, err)
	require.True(t, sent)

	assert.Equal(t, r3.Vec{X: 0, Y: 0, Z: 1}, m.Desired())
	require.Len(t, sink.setpoints, 1)
	sp := sink.setpoints[0]
	for _, v := range []float64{sp.VX, sp.VY, sp.VZ, sp.YawRate} {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "setpoint %+v", sp)
	}
}
