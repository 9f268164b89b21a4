package db

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/monitoring"
)

// RecorderOptions tunes a FlightRecorder. Zero values take defaults.
type RecorderOptions struct {
	// Buffer is how many observations may queue before ticks are dropped.
	Buffer int
	// BatchSize is how many ticks are written per transaction.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits.
	FlushInterval time.Duration
}

func (o RecorderOptions) withDefaults() RecorderOptions {
	if o.Buffer <= 0 {
		o.Buffer = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type observation struct {
	tick       flight.TickSample
	transition *flight.Transition
}

// FlightRecorder writes one flight's observations to the database from a
// background goroutine so the control loop never waits on disk. When the
// queue is full, ticks are dropped and counted; transitions are never
// dropped.
type FlightRecorder struct {
	db       *DB
	flightID string
	opts     RecorderOptions

	mu     sync.RWMutex
	closed bool
	queue  chan observation
	done   chan struct{}

	dropped atomic.Int64
	written atomic.Int64
	err     error
}

// NewFlightRecorder starts a recorder for flightID.
func NewFlightRecorder(db *DB, flightID string, opts RecorderOptions) *FlightRecorder {
	opts = opts.withDefaults()
	r := &FlightRecorder{
		db:       db,
		flightID: flightID,
		opts:     opts,
		queue:    make(chan observation, opts.Buffer),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// FlightID returns the flight being recorded.
func (r *FlightRecorder) FlightID() string { return r.flightID }

func (r *FlightRecorder) RecordTick(s flight.TickSample) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- observation{tick: s}:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			monitoring.Logf("flight %s: recorder behind, %d ticks dropped", r.flightID, n)
		}
	}
}

func (r *FlightRecorder) RecordTransition(t flight.Transition) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.queue <- observation{transition: &t}
}

// Dropped returns the number of ticks discarded because the queue was full.
func (r *FlightRecorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of ticks stored so far.
func (r *FlightRecorder) Written() int64 { return r.written.Load() }

// Close flushes everything queued and stops the writer. It returns the first
// write error, if any.
func (r *FlightRecorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
	return r.err
}

func (r *FlightRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]flight.TickSample, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.InsertTicks(r.flightID, batch); err != nil {
			r.fail(err)
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case obs, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			if obs.transition != nil {
				// Keep ticks and transitions in time order on disk.
				flush()
				if err := r.db.InsertTransitions(r.flightID, []flight.Transition{*obs.transition}); err != nil {
					r.fail(err)
				}
				continue
			}
			batch = append(batch, obs.tick)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *FlightRecorder) fail(err error) {
	monitoring.Logf("flight %s: recorder write failed: %v", r.flightID, err)
	r.err = errors.Join(r.err, err)
}
