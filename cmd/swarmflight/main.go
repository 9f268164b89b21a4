package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/swarmflight/internal/config"
	"github.com/banshee-data/swarmflight/internal/version"
)

var (
	configPath = flag.String("config", "", "Fleet configuration file (.json)")
	ports      = flag.String("ports", "", "Comma separated radio serial ports, one drone each, used when -config is not set")
	devMode    = flag.Bool("dev", false, "Fly simulated vehicles instead of radio hardware")
	devDrones  = flag.Int("dev-drones", 1, "Number of simulated vehicles in dev mode when -config is not set")

	marker        = flag.String("marker", "", "Mocap marker for every drone (overrides config)")
	leader        = flag.String("leader", "", "Mocap marker of the formation leader (overrides config)")
	demo          = flag.String("demo", "", "Demo mode: default, hover, circle, surround or v (overrides config)")
	takeoffHeight = flag.Float64("takeoff-height", 0, "Takeoff altitude in metres (overrides config)")
	hoverDuration = flag.Duration("hover-duration", 0, "Hover phase duration (overrides config)")
	demoDuration  = flag.Duration("demo-duration", 0, "Choreography phase duration (overrides config)")
	controlRate   = flag.Float64("control-rate", 0, "Control loop rate in Hz (overrides config)")

	mocapListen = flag.String("mocap-listen", "", "UDP address for mocap frames (overrides config)")
	mocapPCAP   = flag.String("mocap-pcap", "", "Replay mocap frames from this pcap capture instead of listening")
	mocapRecord = flag.String("mocap-record", "", "Record received mocap datagrams to this pcap file")
	mocapStale  = flag.Duration("mocap-stale", 0, "Treat mocap fixes older than this as unavailable (overrides config)")

	dbPath      = flag.String("db", "swarmflight.db", "Flight log database; empty disables logging")
	listen      = flag.String("listen", "localhost:8080", "Debug HTTP listen address; empty disables the server")
	plotDir     = flag.String("plot-dir", "", "Write ground track and altitude plots to this directory after the flight")
	deckTimeout = flag.Duration("deck-timeout", 5*time.Second, "How long to wait for each vehicle to report its flow deck")
	grpcListen  = flag.String("grpc-listen", "", "Stream live telemetry over gRPC on this address; empty disables the stream")

	watchAddr = flag.String("watch", "", "Print the telemetry stream of a running fleet at this gRPC address and exit")
	watchUnit = flag.String("watch-unit", "", "Only print telemetry for this unit (with -watch)")

	reset         = flag.Bool("reset", false, "Send a stop to every configured vehicle and exit")
	printDefaults = flag.Bool("print-defaults", false, "Print the built-in flight defaults and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *printDefaults {
		os.Stdout.Write(config.DefaultsJSON())
		return
	}

	if *watchAddr != "" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := watch(ctx, *watchAddr, *watchUnit, os.Stdout); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	cfg, err := loadFleet()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	cfg.Override(flightOverrides())
	if *mocapListen != "" {
		cfg.Mocap.Listen = *mocapListen
	}
	if *mocapStale > 0 {
		stale := config.Duration{Duration: *mocapStale}
		cfg.Mocap.StaleAfter = &stale
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting", version.String())
	err = run(ctx, cfg, options{
		dev:         *devMode,
		reset:       *reset,
		dbPath:      *dbPath,
		listen:      *listen,
		plotDir:     *plotDir,
		deckTimeout: *deckTimeout,
		grpcListen:  *grpcListen,
		mocapPCAP:   *mocapPCAP,
		mocapRecord: *mocapRecord,
	})
	if err != nil {
		log.Fatalf("swarmflight: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadFleet builds the fleet from -config, or from -ports, or in dev mode
// from -dev-drones simulated vehicles.
func loadFleet() (*config.FleetConfig, error) {
	switch {
	case *configPath != "":
		return config.LoadFleetConfig(*configPath)
	case *devMode:
		return devFleet(*devDrones)
	case *ports != "":
		return portFleet(strings.Split(*ports, ","))
	default:
		return nil, fmt.Errorf("one of -config, -ports or -dev is required")
	}
}

func devFleet(n int) (*config.FleetConfig, error) {
	if n < 1 {
		return nil, fmt.Errorf("-dev-drones must be at least 1, got %d", n)
	}
	cfg := &config.FleetConfig{}
	for i := 0; i < n; i++ {
		m := fmt.Sprintf("S%d", i+1)
		cfg.Drones = append(cfg.Drones, config.DroneConfig{
			Name:         fmt.Sprintf("sim-%02d", i+1),
			FlightConfig: config.FlightConfig{Marker: &m},
		})
	}
	return cfg, cfg.Validate()
}

func portFleet(paths []string) (*config.FleetConfig, error) {
	cfg := &config.FleetConfig{}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cfg.Drones = append(cfg.Drones, config.DroneConfig{Port: p})
	}
	return cfg, cfg.Validate()
}

// flightOverrides collects the flight flags that were set explicitly.
func flightOverrides() *config.FlightConfig {
	over := &config.FlightConfig{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "marker":
			over.Marker = marker
		case "leader":
			over.LeaderMarker = leader
		case "demo":
			over.DemoMode = demo
		case "takeoff-height":
			over.TakeoffHeight = takeoffHeight
		case "control-rate":
			over.ControlRate = controlRate
		case "hover-duration":
			over.HoverDuration = &config.Duration{Duration: *hoverDuration}
		case "demo-duration":
			over.DemoDuration = &config.Duration{Duration: *demoDuration}
		}
	})
	return over
}
