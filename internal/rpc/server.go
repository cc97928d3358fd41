package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// watchBuffer is how many snapshots a slow WatchState client may lag
// before it skips ahead.
const watchBuffer = 16

// StateSource is the part of the engine the service reads.
type StateSource interface {
	Slot() *engine.Slot
}

var _ StateServiceServer = (*Server)(nil)

// Server serves StateService and the standard health service.
type Server struct {
	engine StateSource
	health *health.Server
	server *grpc.Server

	listener net.Listener
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logf     func(string, ...interface{})
}

// NewServer creates the gRPC server and registers both services. opts
// are passed to grpc.NewServer.
func NewServer(e StateSource, opts ...grpc.ServerOption) *Server {
	s := &Server{
		engine: e,
		health: health.NewServer(),
		stopCh: make(chan struct{}),
		logf:   monitoring.Component("grpc"),
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	s.server = grpc.NewServer(opts...)
	RegisterStateServiceServer(s.server, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer returns the underlying server, for registering more services.
func (s *Server) GRPCServer() *grpc.Server { return s.server }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background. Tests pass a bufconn listener.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("grpc server already running")
	}
	s.listener = lis
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logf("listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			s.logf("server error: %v", err)
		}
	}()
	return nil
}

// Stop marks the service not serving, ends open watches and waits for
// in-flight calls.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.health.Shutdown()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.server.GracefulStop()
	s.wg.Wait()
	s.logf("stopped")
}

// GetState returns the latest snapshot.
func (s *Server) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := SnapshotToStruct(s.engine.Slot().Latest())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// WatchState streams snapshots in sequence order, starting with the
// latest. A client that lags by more than watchBuffer skips ahead.
func (s *Server) WatchState(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	slot := s.engine.Slot()
	updates, unsubscribe := slot.Subscribe(watchBuffer)
	defer unsubscribe()

	var sent uint64
	send := func(snap engine.Snapshot) error {
		if snap.Seq != 0 && snap.Seq <= sent {
			return nil
		}
		sent = snap.Seq
		st, err := SnapshotToStruct(snap)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(st)
	}
	if err := send(slot.Latest()); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return status.Error(codes.Unavailable, "server stopping")
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := send(snap); err != nil {
				return err
			}
		}
	}
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logf("%s %s %.3fms", info.FullMethod, status.Code(err), float64(time.Since(start).Nanoseconds())/1e6)
	return resp, err
}
