package telemetry

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "swarmflight.telemetry.v1.Telemetry"

const streamMethod = "/" + ServiceName + "/Stream"

// TelemetryServer is the server API for the telemetry service. Stream takes a
// request Struct whose optional "unit" field restricts the events to one unit.
type TelemetryServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the telemetry service. It is written by hand since
// both the request and the events are well-known Struct messages.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
		},
	},
	Metadata: "swarmflight/telemetry",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Stream(req, stream)
}

// Subscription is the client side of an open telemetry stream.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a telemetry stream on cc. An empty unit subscribes to the
// whole fleet.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, unit string) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod)
	if err != nil {
		return nil, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if unit != "" {
		req.Fields["unit"] = structpb.NewStringValue(unit)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next event. It returns io.EOF once the server ends the
// stream cleanly.
func (s *Subscription) Recv() (*structpb.Struct, error) {
	ev := new(structpb.Struct)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
