package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/serialmux"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DefaultMocapListen is the UDP address motion-capture frames arrive on.
const DefaultMocapListen = ":51001"

// DefaultStaleAfter is how old a mocap fix may get before it is treated as
// unavailable.
const DefaultStaleAfter = 250 * time.Millisecond

// DroneConfig is one entry of the drones list. Flight fields set here
// override the fleet-wide section for this drone only.
type DroneConfig struct {
	// Name identifies the unit in logs, plots and the flight log. It
	// defaults to the URI, then to the port.
	Name string `json:"name,omitempty"`
	// URI is the radio address of the vehicle.
	URI string `json:"uri,omitempty"`
	// Port is the serial device of the radio dongle for this vehicle.
	Port string `json:"port,omitempty"`

	FlightConfig
}

// UnitName returns the name used for the drone at index i.
func (d DroneConfig) UnitName(i int) string {
	switch {
	case d.Name != "":
		return d.Name
	case d.URI != "":
		return d.URI
	case d.Port != "":
		return filepath.Base(d.Port)
	default:
		return fmt.Sprintf("drone-%d", i)
	}
}

// MocapConfig configures the motion-capture feed.
type MocapConfig struct {
	Listen     string    `json:"listen,omitempty"`
	StaleAfter *Duration `json:"stale_after,omitempty"`
}

// FleetConfig is the root of the configuration file.
type FleetConfig struct {
	// Flight applies to every drone.
	Flight *FlightConfig         `json:"flight,omitempty"`
	Drones []DroneConfig         `json:"drones"`
	Radio  serialmux.PortOptions `json:"radio"`
	Mocap  MocapConfig           `json:"mocap"`
}

// Unit is a drone with its resolved flight parameters.
type Unit struct {
	Drone  DroneConfig
	Params flight.Params
}

// LoadFleetConfig reads a fleet file. The file must have a .json extension
// and be at most 1MB.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := ParseFleetConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return cfg, nil
}

// ParseFleetConfig decodes a fleet document. A bare JSON array is read as
// the drones list with no fleet-wide section.
func ParseFleetConfig(data []byte) (*FleetConfig, error) {
	cfg := &FleetConfig{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := strictUnmarshal(trimmed, &cfg.Drones); err != nil {
			return nil, fmt.Errorf("failed to parse drone list: %w", err)
		}
	} else if err := strictUnmarshal(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Validate checks the structure of the file. Flight values are range
// checked per drone by Units.
func (c *FleetConfig) Validate() error {
	if len(c.Drones) == 0 {
		return &flight.ConfigError{Field: "drones", Reason: "at least one drone is required"}
	}
	if c.Flight != nil {
		if err := c.Flight.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]int, len(c.Drones))
	for i, d := range c.Drones {
		name := d.UnitName(i)
		if j, dup := seen[name]; dup {
			return &flight.ConfigError{Field: fmt.Sprintf("drones[%d].name", i), Reason: fmt.Sprintf("%q already used by drones[%d]", name, j)}
		}
		seen[name] = i
		if err := d.FlightConfig.Validate(); err != nil {
			return fmt.Errorf("drones[%d]: %w", i, err)
		}
	}
	if _, err := c.Radio.Normalize(); err != nil {
		return &flight.ConfigError{Field: "radio", Reason: err.Error()}
	}
	if c.Mocap.StaleAfter != nil && c.Mocap.StaleAfter.Duration <= 0 {
		return &flight.ConfigError{Field: "mocap.stale_after", Reason: "must be positive"}
	}
	return nil
}

// Units resolves every drone against the built-in defaults and the
// fleet-wide section. Drone i of n gets formation index i and count n.
func (c *FleetConfig) Units() ([]Unit, error) {
	base := DefaultFlightConfig().Merge(c.Flight)
	units := make([]Unit, 0, len(c.Drones))
	for i, d := range c.Drones {
		merged := base.Merge(&d.FlightConfig)
		p, err := merged.Params(d.UnitName(i), i, len(c.Drones))
		if err != nil {
			return nil, fmt.Errorf("drone %s: %w", d.UnitName(i), err)
		}
		units = append(units, Unit{Drone: d, Params: p})
	}
	return units, nil
}

// MocapListen returns the configured listen address or DefaultMocapListen.
func (c *FleetConfig) MocapListen() string {
	if c.Mocap.Listen == "" {
		return DefaultMocapListen
	}
	return c.Mocap.Listen
}

// MocapStaleAfter returns the configured staleness bound or
// DefaultStaleAfter.
func (c *FleetConfig) MocapStaleAfter() time.Duration {
	if c.Mocap.StaleAfter == nil {
		return DefaultStaleAfter
	}
	return c.Mocap.StaleAfter.Duration
}

// Override layers over on top of the fleet-wide section, as command-line
// flags do. Per-drone values still win.
func (c *FleetConfig) Override(over *FlightConfig) {
	if c.Flight == nil {
		c.Flight = &FlightConfig{}
	}
	c.Flight = c.Flight.Merge(over)
}
