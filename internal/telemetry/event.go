// Package telemetry streams live flight observations to gRPC clients.
//
// Events are google.protobuf.Struct messages so that ground tools can read
// them with any protobuf runtime and no generated code. Every event carries a
// "kind" of either "tick" or "transition" plus the unit name and an RFC 3339
// timestamp.
package telemetry

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/swarmflight/internal/flight"
)

// Event kinds.
const (
	KindTick       = "tick"
	KindTransition = "transition"
)

func tickEvent(s flight.TickSample) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":         structpb.NewStringValue(KindTick),
		"unit":         structpb.NewStringValue(s.Unit),
		"at":           timeValue(s.At),
		"phase":        structpb.NewStringValue(s.Phase.String()),
		"position":     vecValue(s.Position),
		"desired":      vecValue(s.Desired),
		"raw_altitude": structpb.NewNumberValue(s.RawAltitude),
		"altitude":     structpb.NewNumberValue(s.Altitude),
		"setpoint": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"vx":       structpb.NewNumberValue(s.Setpoint.VX),
			"vy":       structpb.NewNumberValue(s.Setpoint.VY),
			"vz":       structpb.NewNumberValue(s.Setpoint.VZ),
			"yaw_rate": structpb.NewNumberValue(s.Setpoint.YawRate),
		}}),
	}}
}

func transitionEvent(t flight.Transition) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":     structpb.NewStringValue(KindTransition),
		"unit":     structpb.NewStringValue(t.Unit),
		"at":       timeValue(t.At),
		"from":     structpb.NewStringValue(t.From.String()),
		"to":       structpb.NewStringValue(t.To.String()),
		"altitude": structpb.NewNumberValue(t.Altitude),
	}}
}

func vecValue(v r3.Vec) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"x": structpb.NewNumberValue(v.X),
		"y": structpb.NewNumberValue(v.Y),
		"z": structpb.NewNumberValue(v.Z),
	}})
}

func timeValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}
