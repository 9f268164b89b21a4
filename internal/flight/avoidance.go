package flight

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// defaultRepulsion is used when the waypoint sits exactly on an obstacle and
// the push direction is undefined.
var defaultRepulsion = r3.Vec{X: 1}

// ObstacleFix is an obstacle marker resolved for the current tick.
type ObstacleFix struct {
	Marker    string
	Position  r3.Vec
	Available bool
}

// finite reports whether every component of v is a real number.
func finite(v r3.Vec) bool {
	for _, c := range [...]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// AvoidObstacles pushes wp out of the neighbourhood of each available
// obstacle closer than threshold, placing it warp metres from that obstacle
// along the obstacle-to-waypoint direction. Obstacles are applied in order and
// each one sees the waypoint as moved by the previous ones. Obstacles without
// a finite position are skipped like unavailable ones.
func AvoidObstacles(wp r3.Vec, obstacles []ObstacleFix, threshold, warp float64) r3.Vec {
	for _, o := range obstacles {
		if !o.Available || !finite(o.Position) {
			continue
		}
		dir := r3.Sub(wp, o.Position)
		n := r3.Norm(dir)
		if n >= threshold {
			continue
		}
		if n == 0 {
			dir = defaultRepulsion
		} else {
			dir = r3.Scale(1/n, dir)
		}
		wp = r3.Add(o.Position, r3.Scale(warp, dir))
	}
	return wp
}
