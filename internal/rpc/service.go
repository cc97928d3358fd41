// Package rpc exposes the engine's latest state over gRPC. The service is
// declared against well-known protobuf types (Empty in, Struct out) so no
// generated code is needed; the Struct carries the same fields as the
// JSON snapshot served by the HTTP API.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/biostate.report/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "biostate.v1.StateService"

const (
	getStateMethod   = "/" + ServiceName + "/GetState"
	watchStateMethod = "/" + ServiceName + "/WatchState"
)

// StateServiceServer is the server API for biostate.v1.StateService.
type StateServiceServer interface {
	// GetState returns the latest published snapshot.
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// WatchState sends the latest snapshot and then every new one until
	// the client goes away or the server stops.
	WatchState(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// StateServiceDesc describes biostate.v1.StateService for
// grpc.Server.RegisterService.
var StateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetState", Handler: getStateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchState", Handler: watchStateHandler, ServerStreams: true},
	},
	Metadata: "biostate/v1/state.proto",
}

// RegisterStateServiceServer registers srv on s.
func RegisterStateServiceServer(s grpc.ServiceRegistrar, srv StateServiceServer) {
	s.RegisterService(&StateServiceDesc, srv)
}

func getStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StateServiceServer).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StateServiceServer).GetState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchStateHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StateServiceServer).WatchState(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// SnapshotToStruct converts a snapshot through its JSON form, so field
// names match the HTTP API.
func SnapshotToStruct(snap engine.Snapshot) (*structpb.Struct, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("failed to convert snapshot: %w", err)
	}
	return st, nil
}

// StructToSnapshot is the inverse of SnapshotToStruct.
func StructToSnapshot(st *structpb.Struct) (engine.Snapshot, error) {
	var snap engine.Snapshot
	b, err := protojson.Marshal(st)
	if err != nil {
		return snap, fmt.Errorf("failed to encode struct: %w", err)
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}
