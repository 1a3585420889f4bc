package admin

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// StatsSource supplies the read-only counters the introspection RPC
// reports: replica DbVN snapshots and a count of currently tracked
// client connections.
type StatsSource interface {
	ReplicaSnapshot() map[string]map[string]uint64
	ConnectionCount() int
}

// StatsRequest is the (empty) request for the Stats RPC.
type StatsRequest struct{}

// StatsResponse is the introspection payload.
type StatsResponse struct {
	Connections int                          `json:"connections"`
	Replicas    map[string]map[string]uint64 `json:"replicas"`
}

// jsonCodec registers gRPC's wire codec as plain JSON, avoiding a
// protoc build step for a single introspection RPC.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// IntrospectionServer is the gRPC-visible service interface.
type IntrospectionServer interface {
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

type introspectionServer struct {
	src StatsSource
}

func (s *introspectionServer) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{
		Connections: s.src.ConnectionCount(),
		Replicas:    s.src.ReplicaSnapshot(),
	}, nil
}

// RegisterIntrospectionServer wires an IntrospectionServer into a
// *grpc.Server via a hand-written ServiceDesc and JSON codec, without
// a generated protoc stub.
func RegisterIntrospectionServer(s *grpc.Server, src StatsSource) {
	srv := &introspectionServer{src: src}
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "coordinator.Introspection",
		HandlerType: (*IntrospectionServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: statsHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "coordinator",
	}, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/coordinator.Introspection/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var registerCodecOnce sync.Once

// ServeGRPC registers the JSON codec process-wide exactly once
// (encoding.RegisterCodec has no guard of its own against being called
// twice) and serves on ln until it errors or is closed.
func ServeGRPC(ln net.Listener, src StatsSource) error {
	registerCodecOnce.Do(func() { encoding.RegisterCodec(jsonCodec{}) })
	gs := grpc.NewServer()
	RegisterIntrospectionServer(gs, src)
	return gs.Serve(ln)
}
