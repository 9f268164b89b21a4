// Package fleet flies several units at once. Each unit runs its own flight
// machine on its own goroutine and a fault in one unit never stops another.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/monitoring"
	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// ErrUnitPanicked wraps a panic recovered from a unit's goroutine.
var ErrUnitPanicked = errors.New("fleet: unit panicked")

// Unit is one vehicle ready to fly.
type Unit struct {
	Name   string
	Params flight.Params
	Deps   flight.Deps

	// Setup runs before the machine is built, for example to check that
	// the vehicle reports its flow deck. A Setup error ends the unit
	// without sending any command.
	Setup func(ctx context.Context) error
}

// Result is the outcome of one unit's flight.
type Result struct {
	Unit        string
	Err         error
	Phase       flight.Phase
	Transitions []flight.Transition
	Started     time.Time
	Finished    time.Time
}

// Landed reports whether the unit finished its envelope.
func (r Result) Landed() bool { return r.Err == nil && r.Phase == flight.PhaseDone }

// Options tunes Run. The zero value is usable.
type Options struct {
	// Clock stamps results. Defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// Limit bounds how many units fly at once. Zero means no limit.
	Limit int
	// OnStart and OnFinish are called from the unit's goroutine.
	OnStart  func(Unit)
	OnFinish func(Result)
}

// Run flies every unit to completion and returns one Result per unit in
// input order. Cancelling ctx interrupts all units, each of which still sends
// its stop. Run itself never fails; per-unit errors are in the results.
func Run(ctx context.Context, units []Unit, opts Options) []Result {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	results := make([]Result, len(units))
	var g errgroup.Group
	if opts.Limit > 0 {
		g.SetLimit(opts.Limit)
	}
	for i, u := range units {
		g.Go(func() error {
			results[i] = runUnit(ctx, u, clock, opts)
			return nil
		})
	}
	_ = g.Wait()

	logSummary(results)
	return results
}

func runUnit(ctx context.Context, u Unit, clock timeutil.Clock, opts Options) (res Result) {
	logf := u.Deps.Logf
	if logf == nil {
		logf = monitoring.UnitLogger(u.Name)
		u.Deps.Logf = logf
	}
	if u.Deps.Clock == nil {
		u.Deps.Clock = clock
	}

	res = Result{Unit: u.Name, Started: clock.Now()}
	defer func() {
		if r := recover(); r != nil {
			value, stack := r, []byte(nil)
			if pe, ok := r.(*flight.PanicError); ok {
				value, stack = pe.Value, pe.Stack
			} else {
				stack = debug.Stack()
			}
			logf("unit panicked: %v\n%s", value, stack)
			res.Err = fmt.Errorf("%w: %s: %v", ErrUnitPanicked, u.Name, value)
		}
		res.Finished = clock.Now()
		if opts.OnFinish != nil {
			opts.OnFinish(res)
		}
	}()

	if opts.OnStart != nil {
		opts.OnStart(u)
	}

	if u.Setup != nil {
		if err := u.Setup(ctx); err != nil {
			logf("setup failed: %v", err)
			res.Err = fmt.Errorf("setup %s: %w", u.Name, err)
			return res
		}
	}

	m, err := flight.NewMachine(u.Params, u.Deps)
	if err != nil {
		logf("invalid unit: %v", err)
		res.Err = err
		return res
	}
	// The machine's own deferred stop runs before the panic reaches the
	// recover above.
	defer func() {
		res.Phase = m.Phase()
		res.Transitions = m.Transitions()
	}()

	res.Err = m.Run(ctx)
	return res
}

func logSummary(results []Result) {
	landed := 0
	for _, r := range results {
		if r.Landed() {
			landed++
			continue
		}
		monitoring.Logf("fleet: %s ended in %v: %v", r.Unit, r.Phase, r.Err)
	}
	if landed == len(results) {
		monitoring.Logf("fleet: all %d units completed", len(results))
		return
	}
	monitoring.Logf("fleet: %d of %d units landed", landed, len(results))
}

// Failed returns the results that did not land.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Landed() {
			out = append(out, r)
		}
	}
	return out
}
