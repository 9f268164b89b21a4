package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/config"
	"github.com/banshee-data/swarmflight/internal/db"
	"github.com/banshee-data/swarmflight/internal/fleet"
	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/monitor"
	"github.com/banshee-data/swarmflight/internal/monitoring"
	"github.com/banshee-data/swarmflight/internal/radio"
	"github.com/banshee-data/swarmflight/internal/serialmux"
	"github.com/banshee-data/swarmflight/internal/sim"
	"github.com/banshee-data/swarmflight/internal/telemetry"
)

// devSpacing separates simulated vehicles along X so that they do not start
// inside each other's obstacle threshold.
const devSpacing = 1.0

type options struct {
	dev         bool
	reset       bool
	dbPath      string
	listen      string
	plotDir     string
	deckTimeout time.Duration
	grpcListen  string
	mocapPCAP   string
	mocapRecord string
}

// vehicleLink is the radio side of one unit.
type vehicleLink struct {
	unit config.Unit
	mux  serialmux.SerialMuxInterface
	link *radio.Link
}

func run(ctx context.Context, cfg *config.FleetConfig, o options) error {
	units, err := cfg.Units()
	if err != nil {
		return err
	}

	var (
		positions flight.PositionSource
		openPort  func(u config.Unit) (serialmux.SerialMuxInterface, error)
	)
	// Radio links and the mocap feed outlive the flights so the final stop
	// commands still reach the vehicles.
	ioCtx, stopIO := context.WithCancel(context.Background())
	var bg errgroup.Group
	var links []vehicleLink
	defer func() {
		stopIO()
		for _, l := range links {
			if err := l.mux.Close(); err != nil {
				log.Printf("failed to close radio for %s: %v", l.unit.Params.Unit, err)
			}
		}
		_ = bg.Wait()
	}()

	if o.dev {
		world, err := devWorld(units)
		if err != nil {
			return err
		}
		positions = world
		openPort = func(u config.Unit) (serialmux.SerialMuxInterface, error) {
			v := world.vehicles[u.Params.Marker]
			return serialmux.NewSerialMux(sim.NewPort(v)), nil
		}
	} else {
		store, err := startMocap(ioCtx, &bg, cfg, o)
		if err != nil {
			return err
		}
		positions = store
		openPort = func(u config.Unit) (serialmux.SerialMuxInterface, error) {
			if u.Drone.Port == "" {
				return nil, fmt.Errorf("drone %s has no serial port", u.Params.Unit)
			}
			return serialmux.NewRealSerialMux(u.Drone.Port, cfg.Radio)
		}
	}

	for _, u := range units {
		mux, err := openPort(u)
		if err != nil {
			return fmt.Errorf("open radio for %s: %w", u.Params.Unit, err)
		}
		link := radio.NewLink(u.Params.Unit, mux)
		links = append(links, vehicleLink{unit: u, mux: mux, link: link})
		bg.Go(func() error {
			if err := mux.Monitor(ioCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("radio monitor for %s stopped: %v", u.Params.Unit, err)
			}
			return nil
		})
		bg.Go(func() error {
			_ = link.Listen(ioCtx)
			return nil
		})
	}
	if o.reset {
		return resetAll(links)
	}

	var flightDB *db.DB
	if o.dbPath != "" {
		flightDB, err = db.NewDB(o.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open flight log: %w", err)
		}
		defer flightDB.Close()
	}

	plotter := monitor.NewTrackPlotter(0, 1)
	status := fleet.NewStatusBoard()

	if o.listen != "" {
		mux := http.NewServeMux()
		for i, l := range links {
			l.mux.AttachAdminRoutesWithPrefix(mux, fmt.Sprintf("radio/%d/", i))
		}
		if flightDB != nil {
			if err := flightDB.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		plotter.AttachAdminRoutes(mux)
		status.AttachAdminRoutes(mux)
		stopServer := serveDebug(o.listen, mux)
		defer stopServer()
	}

	// stream stays a nil interface when disabled so Recorders skips it.
	var stream flight.Recorder
	if o.grpcListen != "" {
		pub := telemetry.NewPublisher(telemetry.Config{ListenAddr: o.grpcListen})
		if err := pub.Start(); err != nil {
			return fmt.Errorf("failed to start telemetry stream: %w", err)
		}
		defer pub.Stop()
		stream = pub
	}

	recorders := newFlightLog(flightDB)
	fleetUnits := make([]fleet.Unit, 0, len(links))
	for _, l := range links {
		p := l.unit.Params
		rec, err := recorders.start(p)
		if err != nil {
			return err
		}
		fleetUnits = append(fleetUnits, fleet.Unit{
			Name:   p.Unit,
			Params: p,
			Deps: flight.Deps{
				Positions: positions,
				Altitude:  l.link,
				Sink:      l.link,
				Recorder:  flight.Recorders{status, plotter, rec, stream},
			},
			Setup: func(ctx context.Context) error {
				return l.link.Initialize(ctx, o.deckTimeout)
			},
		})
	}

	results := fleet.Run(ctx, fleetUnits, fleet.Options{
		OnStart: status.Register,
		OnFinish: func(r fleet.Result) {
			status.Finish(r)
			recorders.finish(r)
		},
	})

	if o.plotDir != "" {
		if _, err := plotter.WritePNG(o.plotDir); err != nil {
			log.Printf("failed to write plots: %v", err)
		}
	}

	if failed := fleet.Failed(results); len(failed) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%d of %d units did not land", len(failed), len(results))
	}
	return nil
}

// simWorld is the dev-mode stand-in for the mocap system.
type simWorld struct {
	*sim.World
	vehicles map[string]*sim.Vehicle
}

func devWorld(units []config.Unit) (*simWorld, error) {
	w := &simWorld{World: sim.NewWorld(), vehicles: make(map[string]*sim.Vehicle)}
	for i, u := range units {
		m := u.Params.Marker
		if _, dup := w.vehicles[m]; dup {
			return nil, fmt.Errorf("dev mode needs a distinct marker per drone; %q is used twice", m)
		}
		v := sim.NewVehicle(m, r3.Vec{X: float64(i) * devSpacing}, nil)
		w.AddVehicle(v)
		w.vehicles[m] = v
	}
	// Formations need a leader; park a static one beside the line of
	// vehicles when no unit carries its marker.
	for _, u := range units {
		leader := u.Params.Formation.LeaderMarker
		if _, flying := w.vehicles[leader]; !flying && leader != "" {
			w.SetStatic(leader, r3.Vec{Y: -devSpacing, Z: u.Params.TakeoffHeight})
		}
	}
	return w, nil
}

func resetAll(links []vehicleLink) error {
	var errs []error
	for _, l := range links {
		if err := l.link.SendStop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.unit.Params.Unit, err))
			continue
		}
		log.Printf("sent stop to %s", l.unit.Params.Unit)
	}
	return errors.Join(errs...)
}

// flightLog opens one flight row per unit and closes it with the outcome.
// It is a no-op when the database is disabled.
type flightLog struct {
	db *db.DB

	mu        sync.Mutex
	recorders map[string]*db.FlightRecorder
}

func newFlightLog(d *db.DB) *flightLog {
	return &flightLog{db: d, recorders: make(map[string]*db.FlightRecorder)}
}

func (f *flightLog) start(p flight.Params) (flight.Recorder, error) {
	if f.db == nil {
		return nil, nil
	}
	id, err := f.db.StartFlight(p.Unit, p.Marker, p.Pattern.String(), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to start flight log for %s: %w", p.Unit, err)
	}
	rec := db.NewFlightRecorder(f.db, id, db.RecorderOptions{})
	f.mu.Lock()
	f.recorders[p.Unit] = rec
	f.mu.Unlock()
	monitoring.Logf("[%s] logging flight %s", p.Unit, id)
	return rec, nil
}

func (f *flightLog) finish(r fleet.Result) {
	f.mu.Lock()
	rec, ok := f.recorders[r.Unit]
	f.mu.Unlock()
	if !ok {
		return
	}
	if err := rec.Close(); err != nil {
		log.Printf("[%s] flight log flush failed: %v", r.Unit, err)
	}
	if n := rec.Dropped(); n > 0 {
		log.Printf("[%s] flight log dropped %d ticks", r.Unit, n)
	}
	if err := f.db.FinishFlight(rec.FlightID(), r.Finished, outcome(r), r.Err); err != nil {
		log.Printf("[%s] failed to finish flight log: %v", r.Unit, err)
	}
}

func outcome(r fleet.Result) string {
	switch {
	case r.Landed():
		return db.OutcomeLanded
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, context.DeadlineExceeded):
		return db.OutcomeCanceled
	default:
		return db.OutcomeAborted
	}
}

// serveDebug runs the debug HTTP server until the returned func is called.
func serveDebug(addr string, mux *http.ServeMux) func() {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()
	log.Printf("debug server listening on http://%s/debug/", addr)

	return func() {
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
	}
}
