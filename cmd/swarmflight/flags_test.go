package main

import (
	"flag"
	"testing"
	"time"

	"github.com/banshee-data/swarmflight/internal/flight"
)

// TestFlagDefaults verifies the defaults operators rely on.
func TestFlagDefaults(t *testing.T) {
	if *dbPath != "swarmflight.db" {
		t.Errorf("expected db default swarmflight.db, got %q", *dbPath)
	}
	if *listen != "localhost:8080" {
		t.Errorf("expected listen default localhost:8080, got %q", *listen)
	}
	// Matches the five second deck wait of the vehicle bring-up.
	if *deckTimeout != 5*time.Second {
		t.Errorf("expected deck-timeout default 5s, got %v", *deckTimeout)
	}
	if *devDrones != 1 {
		t.Errorf("expected dev-drones default 1, got %d", *devDrones)
	}
	if *devMode || *reset {
		t.Error("dev and reset must be off by default")
	}
}

// setFlag sets a command-line flag for the duration of the test.
func setFlag(t *testing.T, name, value string) {
	t.Helper()
	f := flag.Lookup(name)
	if f == nil {
		t.Fatalf("flag -%s not defined", name)
	}
	old := f.Value.String()
	if err := flag.Set(name, value); err != nil {
		t.Fatalf("set -%s: %v", name, err)
	}
	t.Cleanup(func() { _ = f.Value.Set(old) })
}

func TestFlightOverrides_OnlyExplicitFlags(t *testing.T) {
	setFlag(t, "demo", "circle")
	setFlag(t, "hover-duration", "3s")
	setFlag(t, "takeoff-height", "0.8")

	over := flightOverrides()
	if over.DemoMode == nil || *over.DemoMode != "circle" {
		t.Errorf("demo override = %v, want circle", over.DemoMode)
	}
	if over.HoverDuration == nil || over.HoverDuration.Duration != 3*time.Second {
		t.Errorf("hover override = %v, want 3s", over.HoverDuration)
	}
	if over.TakeoffHeight == nil || *over.TakeoffHeight != 0.8 {
		t.Errorf("takeoff override = %v, want 0.8", over.TakeoffHeight)
	}
	if over.ControlRate != nil {
		t.Errorf("control-rate was not set but override is %v", *over.ControlRate)
	}
}

func TestDevFleet(t *testing.T) {
	cfg, err := devFleet(3)
	if err != nil {
		t.Fatalf("devFleet: %v", err)
	}
	units, err := cfg.Units()
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	want := []struct{ name, marker string }{{"sim-01", "S1"}, {"sim-02", "S2"}, {"sim-03", "S3"}}
	for i, u := range units {
		if u.Params.Unit != want[i].name || u.Params.Marker != want[i].marker {
			t.Errorf("unit %d = %s/%s, want %s/%s", i, u.Params.Unit, u.Params.Marker, want[i].name, want[i].marker)
		}
		if u.Params.Formation.Count != 3 {
			t.Errorf("unit %d count = %d, want 3", i, u.Params.Formation.Count)
		}
	}

	if _, err := devFleet(0); err == nil {
		t.Error("expected error for zero drones")
	}
}

func TestPortFleet(t *testing.T) {
	cfg, err := portFleet([]string{"/dev/ttyACM0", " ", "/dev/ttyACM1 "})
	if err != nil {
		t.Fatalf("portFleet: %v", err)
	}
	if len(cfg.Drones) != 2 {
		t.Fatalf("got %d drones, want 2", len(cfg.Drones))
	}
	if cfg.Drones[1].Port != "/dev/ttyACM1" {
		t.Errorf("port not trimmed: %q", cfg.Drones[1].Port)
	}
	units, err := cfg.Units()
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	if units[0].Params.Unit != "ttyACM0" || units[0].Params.Marker != "E2" {
		t.Errorf("unit 0 = %s/%s, want ttyACM0/E2", units[0].Params.Unit, units[0].Params.Marker)
	}
	if units[0].Params.Pattern != flight.PatternNone {
		t.Errorf("pattern = %v, want default", units[0].Params.Pattern)
	}

	if _, err := portFleet([]string{""}); err == nil {
		t.Error("expected error for an empty port list")
	}
}
