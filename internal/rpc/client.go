package rpc

import (
	"context"

	"github.com/banshee-data/biostate.report/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls StateService and decodes the results into snapshots.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetState fetches the latest snapshot.
func (c *Client) GetState(ctx context.Context, opts ...grpc.CallOption) (engine.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStateMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return engine.Snapshot{}, err
	}
	return StructToSnapshot(out)
}

// WatchState calls fn for every streamed snapshot until the stream ends,
// ctx is cancelled or fn returns an error.
func (c *Client) WatchState(ctx context.Context, fn func(engine.Snapshot) error, opts ...grpc.CallOption) error {
	cs, err := c.cc.NewStream(ctx, &StateServiceDesc.Streams[0], watchStateMethod, opts...)
	if err != nil {
		return err
	}
	stream := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		st, err := stream.Recv()
		if err != nil {
			return err
		}
		snap, err := StructToSnapshot(st)
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
}
