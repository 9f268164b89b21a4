package flight

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

// fakePositions is a map-backed PositionSource.
type fakePositions struct {
	fixes map[string]r3.Vec
	errs  map[string]error
	calls int
}

func newFakePositions() *fakePositions {
	return &fakePositions{fixes: make(map[string]r3.Vec), errs: make(map[string]error)}
}

func (f *fakePositions) Position(marker string) (r3.Vec, bool, error) {
	f.calls++
	if err, ok := f.errs[marker]; ok {
		return r3.Vec{}, false, err
	}
	pos, ok := f.fixes[marker]
	return pos, ok, nil
}

func TestParsePatternKind(t *testing.T) {
	tests := []struct {
		in      string
		want    PatternKind
		wantErr bool
	}{
		{"", PatternNone, false},
		{"default", PatternNone, false},
		{"none", PatternNone, false},
		{"hover", PatternHover, false},
		{"Circle", PatternCircle, false},
		{" surround ", PatternSurround, false},
		{"v", PatternV, false},
		{"v_formation", PatternV, false},
		{"spiral", PatternNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePatternKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHoverPattern_HoldsPrevious(t *testing.T) {
	p, err := NewPattern(Params{Pattern: PatternHover}, newFakePositions())
	require.NoError(t, err)

	prev := r3.Vec{X: 0.3, Y: -0.1, Z: 1}
	got, err := p.Next(PatternContext{Previous: prev, Fix: r3.Vec{X: 9}})
	require.NoError(t, err)
	assert.Equal(t, prev, got)
}

func TestNewPattern_NoneIsNil(t *testing.T) {
	p, err := NewPattern(Params{Pattern: PatternNone}, newFakePositions())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCirclePattern_CentreLatchedOnce(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, err := NewPattern(Params{Pattern: PatternCircle, CircleRadius: 0.5, CirclePeriod: 4 * time.Second}, newFakePositions())
	require.NoError(t, err)
	circle := p.(*circlePattern)

	centre := r3.Vec{X: 1, Y: 2, Z: 1}
	p.Enter(centre, t0)

	got, err := p.Next(PatternContext{Previous: centre, Now: t0})
	require.NoError(t, err)
	assertVecNear(t, r3.Vec{X: 1.5, Y: 2, Z: 1}, got)

	// Re-entering and drifting waypoints must not move the centre.
	p.Enter(r3.Vec{X: 5, Y: 5, Z: 3}, t0.Add(time.Second))
	got, err = p.Next(PatternContext{Previous: got, Fix: r3.Vec{X: 7}, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assertVecNear(t, r3.Vec{X: 1, Y: 2.5, Z: 1}, got)

	require.NotNil(t, circle.latch)
	assert.Equal(t, centre, circle.latch.center)
	assert.Equal(t, t0, circle.latch.start)

	// Every generated waypoint stays on the circle.
	for i := 0; i < 40; i++ {
		now := t0.Add(time.Duration(i) * 137 * time.Millisecond)
		wp, err := p.Next(PatternContext{Previous: r3.Add(got, r3.Vec{X: 0.01}), Now: now})
		require.NoError(t, err)
		assert.InDelta(t, 0.5, math.Hypot(wp.X-centre.X, wp.Y-centre.Y), 1e-9)
		assert.Equal(t, centre.Z, wp.Z)
	}
}

func TestCirclePattern_NextBeforeEnter(t *testing.T) {
	p, err := NewPattern(Params{Pattern: PatternCircle, CircleRadius: 1, CirclePeriod: time.Second}, newFakePositions())
	require.NoError(t, err)

	prev := r3.Vec{Z: 1}
	got, err := p.Next(PatternContext{Previous: prev})
	assert.Error(t, err)
	assert.Equal(t, prev, got)
}

func TestSurroundPattern(t *testing.T) {
	positions := newFakePositions()
	positions.fixes["E1"] = r3.Vec{X: 0, Y: 0, Z: 2}
	p, err := NewPattern(Params{
		Pattern:   PatternSurround,
		Formation: Formation{LeaderMarker: "E1", Index: 2, Count: 4, Radius: 0.5},
	}, positions)
	require.NoError(t, err)

	got, err := p.Next(PatternContext{Previous: r3.Vec{X: 3, Y: 3, Z: 1}})
	require.NoError(t, err)

	assertVecNear(t, r3.Vec{X: -0.5, Y: 0, Z: 1}, got)
}

func TestVPattern(t *testing.T) {
	leader := r3.Vec{X: 1, Y: 1, Z: 1.5}
	tests := []struct {
		index int
		want  r3.Vec
	}{
		{0, r3.Vec{X: 0.5, Y: 1.5, Z: 1}},
		{1, r3.Vec{X: 1.5, Y: 1.5, Z: 1}},
		{2, r3.Vec{X: 0, Y: 2, Z: 1}},
		{3, r3.Vec{X: 2, Y: 2, Z: 1}},
	}
	for _, tt := range tests {
		positions := newFakePositions()
		positions.fixes["E1"] = leader
		p, err := NewPattern(Params{
			Pattern:   PatternV,
			Formation: Formation{LeaderMarker: "E1", Index: tt.index, Count: 4, Separation: 0.5},
		}, positions)
		require.NoError(t, err)

		got, err := p.Next(PatternContext{Previous: r3.Vec{Z: 1}})
		require.NoError(t, err)
		assertVecNear(t, tt.want, got)
	}
}

func TestFormationPatterns_LeaderUnavailable(t *testing.T) {
	for _, kind := range []PatternKind{PatternSurround, PatternV} {
		t.Run(kind.String(), func(t *testing.T) {
			positions := newFakePositions()
			p, err := NewPattern(Params{
				Pattern:   kind,
				Formation: Formation{LeaderMarker: "E1", Index: 1, Count: 3, Radius: 0.5, Separation: 0.5},
			}, positions)
			require.NoError(t, err)
			prev := r3.Vec{X: 0.2, Y: 0.2, Z: 1}

			got, err := p.Next(PatternContext{Previous: prev})
			require.NoError(t, err)
			assert.Equal(t, prev, got)

			positions.errs["E1"] = ErrSensorUnavailable
			got, err = p.Next(PatternContext{Previous: prev})
			require.NoError(t, err)
			assert.Equal(t, prev, got)
		})
	}
}

func TestFormationPatterns_LeaderSourceFailure(t *testing.T) {
	positions := newFakePositions()
	positions.errs["E1"] = errors.New("mocap socket closed")
	p, err := NewPattern(Params{
		Pattern:   PatternSurround,
		Formation: Formation{LeaderMarker: "E1", Index: 0, Count: 2, Radius: 0.5},
	}, positions)
	require.NoError(t, err)

	_, err = p.Next(PatternContext{Previous: r3.Vec{Z: 1}})
	assert.ErrorIs(t, err, ErrCollaborator)
}

func TestFormationPatterns_NonFiniteLeaderHoldsWaypoint(t *testing.T) {
	for _, kind := range []PatternKind{PatternSurround, PatternV} {
		t.Run(kind.String(), func(t *testing.T) {
			positions := newFakePositions()
			positions.fixes["E1"] = r3.Vec{X: math.NaN(), Y: 0, Z: 1}
			p, err := NewPattern(Params{
				Pattern:   kind,
				Formation: Formation{LeaderMarker: "E1", Index: 1, Count: 4, Radius: 0.5, Separation: 0.5},
			}, positions)
			require.NoError(t, err)

			prev := r3.Vec{X: 1, Y: 2, Z: 1}
			got, err := p.Next(PatternContext{Previous: prev})
			require.NoError(t, err)
			assert.Equal(t, prev, got)
		})
	}
}
