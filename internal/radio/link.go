// Package radio speaks the line protocol of a vehicle's radio link. A Link
// turns flight setpoints into command lines and keeps the latest range sample
// reported by the flow deck.
package radio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/swarmflight/internal/monitoring"
	"github.com/banshee-data/swarmflight/internal/serialmux"
)

// DefaultRangePeriod is how often the vehicle is asked to report range.
const DefaultRangePeriod = 10 * time.Millisecond

// ErrNoFlowDeck is returned by Initialize when the vehicle does not report an
// attached flow deck in time.
var ErrNoFlowDeck = errors.New("flow deck not detected")

// Link is one vehicle's radio link. It implements flight.CommandSink and
// flight.AltitudeSampleSource.
type Link struct {
	name string
	mux  serialmux.SerialMuxInterface
	logf func(format string, v ...interface{})

	altitudeBits atomic.Uint64
	samples      atomic.Int64
	malformed    atomic.Int64
}

// NewLink wraps mux for the named unit.
func NewLink(name string, mux serialmux.SerialMuxInterface) *Link {
	return &Link{
		name: name,
		mux:  mux,
		logf: monitoring.UnitLogger(name),
	}
}

// Name returns the unit name the link was created for.
func (l *Link) Name() string { return l.name }

// Mux returns the underlying multiplexer.
func (l *Link) Mux() serialmux.SerialMuxInterface { return l.mux }

func (l *Link) SendVelocity(vx, vy, vz, yawRate float64) error {
	return l.mux.SendCommand(FormatVelocity(vx, vy, vz, yawRate))
}

func (l *Link) SendStop() error {
	return l.mux.SendCommand(FormatStop())
}

// LatestAltitude returns the last range sample in metres, or 0 before the
// first sample arrives.
func (l *Link) LatestAltitude() float64 {
	return math.Float64frombits(l.altitudeBits.Load())
}

// Samples returns how many range samples have been received.
func (l *Link) Samples() int64 { return l.samples.Load() }

// Initialize checks that the vehicle reports a flow deck within timeout and
// then starts the range log stream. The link's mux must already be
// monitoring the port.
func (l *Link) Initialize(ctx context.Context, timeout time.Duration) error {
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	if err := l.mux.SendCommand(FormatParamGet(ParamFlowDeck)); err != nil {
		return fmt.Errorf("query %s: %w", ParamFlowDeck, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no %s report within %v", ErrNoFlowDeck, ParamFlowDeck, timeout)
			}
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return serialmux.ErrClosed
			}
			t, err := ParseTelemetry(line)
			if err != nil || t.Kind != TelemetryParam || t.Name != ParamFlowDeck {
				continue
			}
			if t.Value != "1" {
				return fmt.Errorf("%w: %s=%s", ErrNoFlowDeck, ParamFlowDeck, t.Value)
			}
			waiting = false
		}
	}
	l.logf("flow deck attached")

	if err := l.mux.SendCommand(FormatLogStart(VarRange, DefaultRangePeriod)); err != nil {
		return fmt.Errorf("start %s log: %w", VarRange, err)
	}
	return nil
}

// Listen consumes inbound lines until ctx is done or the mux closes,
// updating the latest altitude from range samples.
func (l *Link) Listen(ctx context.Context) error {
	id, lines := l.mux.Subscribe()
	defer l.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			l.handle(line)
		}
	}
}

func (l *Link) handle(line string) {
	t, err := ParseTelemetry(line)
	if err != nil {
		if n := l.malformed.Add(1); n == 1 || n%100 == 0 {
			l.logf("ignoring line (%d so far): %v", n, err)
		}
		return
	}
	if t.Kind != TelemetryLog || t.Name != VarRange {
		return
	}
	mm, err := t.Float()
	if err != nil || math.IsNaN(mm) || math.IsInf(mm, 0) {
		l.malformed.Add(1)
		return
	}
	l.altitudeBits.Store(math.Float64bits(mm / 1000))
	l.samples.Add(1)
}
