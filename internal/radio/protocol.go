package radio

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Telemetry and parameter names used by the flight core.
const (
	VarRange      = "range.zrange"
	ParamFlowDeck = "deck.bcFlow2"
)

var ErrMalformedLine = errors.New("malformed radio line")

// CommandKind identifies an outbound command line.
type CommandKind int

const (
	CommandVelocity CommandKind = iota + 1
	CommandStop
	CommandParamGet
	CommandLogStart
)

// Command is a parsed outbound line. Only the fields for Kind are set.
type Command struct {
	Kind CommandKind

	VX, VY, VZ, YawRate float64

	// Name is the parameter or log variable.
	Name   string
	Period time.Duration
}

// FormatVelocity renders a velocity setpoint in the world frame, m/s and
// deg/s.
func FormatVelocity(vx, vy, vz, yawRate float64) string {
	return fmt.Sprintf("setpoint vel %.4f %.4f %.4f %.4f", vx, vy, vz, yawRate)
}

// FormatStop renders the motor stop setpoint.
func FormatStop() string { return "setpoint stop" }

// FormatParamGet asks the vehicle to report a parameter.
func FormatParamGet(name string) string { return "param get " + name }

// FormatLogStart asks the vehicle to stream a log variable every period.
func FormatLogStart(name string, period time.Duration) string {
	return fmt.Sprintf("log start %s %d", name, period.Milliseconds())
}

// FormatLog renders a log sample as the vehicle sends it.
func FormatLog(name string, value float64) string {
	return fmt.Sprintf("log %s=%s", name, strconv.FormatFloat(value, 'f', -1, 64))
}

// FormatParam renders a parameter report as the vehicle sends it.
func FormatParam(name, value string) string {
	return fmt.Sprintf("param %s=%s", name, value)
}

// ParseCommand parses an outbound command line.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	bad := func(reason string) (Command, error) {
		return Command{}, fmt.Errorf("%w: %q: %s", ErrMalformedLine, line, reason)
	}
	if len(fields) < 2 {
		return bad("too few fields")
	}

	switch fields[0] + " " + fields[1] {
	case "setpoint vel":
		if len(fields) != 6 {
			return bad("want 4 velocity components")
		}
		var v [4]float64
		for i := range v {
			f, err := strconv.ParseFloat(fields[2+i], 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return bad("component " + fields[2+i])
			}
			v[i] = f
		}
		return Command{Kind: CommandVelocity, VX: v[0], VY: v[1], VZ: v[2], YawRate: v[3]}, nil
	case "setpoint stop":
		if len(fields) != 2 {
			return bad("stop takes no arguments")
		}
		return Command{Kind: CommandStop}, nil
	case "param get":
		if len(fields) != 3 {
			return bad("want a parameter name")
		}
		return Command{Kind: CommandParamGet, Name: fields[2]}, nil
	case "log start":
		if len(fields) != 4 {
			return bad("want a variable and period")
		}
		ms, err := strconv.Atoi(fields[3])
		if err != nil || ms <= 0 {
			return bad("period " + fields[3])
		}
		return Command{Kind: CommandLogStart, Name: fields[2], Period: time.Duration(ms) * time.Millisecond}, nil
	default:
		return bad("unknown command")
	}
}

// TelemetryKind identifies an inbound line.
type TelemetryKind int

const (
	TelemetryLog TelemetryKind = iota + 1
	TelemetryParam
)

// Telemetry is a parsed inbound line.
type Telemetry struct {
	Kind  TelemetryKind
	Name  string
	Value string
}

// Float parses the value as a number.
func (t Telemetry) Float() (float64, error) {
	f, err := strconv.ParseFloat(t.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrMalformedLine, t.Name, t.Value)
	}
	return f, nil
}

// ParseTelemetry parses "log <name>=<value>" and "param <name>=<value>".
func ParseTelemetry(line string) (Telemetry, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Telemetry{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	name, value, ok := strings.Cut(strings.TrimSpace(rest), "=")
	if !ok || name == "" {
		return Telemetry{}, fmt.Errorf("%w: %q: want name=value", ErrMalformedLine, line)
	}

	t := Telemetry{Name: name, Value: value}
	switch kind {
	case "log":
		t.Kind = TelemetryLog
	case "param":
		t.Kind = TelemetryParam
	default:
		return Telemetry{}, fmt.Errorf("%w: %q: unknown kind %q", ErrMalformedLine, line, kind)
	}
	return t, nil
}
