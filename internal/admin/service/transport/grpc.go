// Package transport wires internal/admin/service's Service onto concrete
// ingress surfaces: a gRPC service (JSON-encoded bodies over grpc-go's raw
// transport, per SPEC_FULL.md §3's "JSON not protobuf" decision — no
// generated .pb.go stubs exist anywhere in the retrieved sources, so the
// RPC methods are registered by hand against google.golang.org/grpc rather
// than through protoc-gen-go), a chi-routed local HTTP ingress helper, and
// a websocket event-subscriber push transport.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"splinter/internal/admin/service"
	"splinter/internal/wire"
)

// jsonCodec implements grpc/encoding.Codec over encoding/json, letting the
// admin service's gRPC surface carry the same wire.CircuitManagementPayload
// JSON shape used everywhere else in this module instead of requiring
// generated protobuf message types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "splinter.admin.AdminService"

// submitMethodName and subscribeMethodName are the two RPCs spec.md §6
// names at the contract level: submit_circuit_change and the event
// subscription function.
const (
	submitMethodName    = "SubmitCircuitChange"
	subscribeMethodName = "SubscribeEvents"
)

// GRPCServer wraps service.Service as a grpc.Server, registered with a
// hand-written grpc.ServiceDesc since this domain carries no generated
// stubs (SPEC_FULL.md §3).
type GRPCServer struct {
	*grpc.Server
	svc    *service.Service
	logger *slog.Logger
}

// NewGRPCServer constructs and registers the admin service against a fresh
// grpc.Server, plus any caller-supplied grpc.ServerOption (e.g.
// otelgrpc.NewServerHandler() via grpc.StatsHandler, for tracing/metrics).
func NewGRPCServer(svc *service.Service, logger *slog.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GRPCServer{svc: svc, logger: logger}
	g.Server = grpc.NewServer(opts...)
	g.Server.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: submitMethodName, Handler: g.submitHandler},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: subscribeMethodName, Handler: g.subscribeHandler, ServerStreams: true},
		},
		Metadata: "admin_service.proto",
	}, g)
	return g
}

func (g *GRPCServer) submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var payload wire.CircuitManagementPayload
	if err := dec(&payload); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode payload: %v", err)
	}
	handler := func(ctx context.Context, req any) (any, error) {
		if err := g.svc.SubmitCircuitChange(ctx, payload); err != nil {
			return nil, toGRPCStatus(err)
		}
		return &submitResult{OK: true}, nil
	}
	if interceptor == nil {
		return handler(ctx, &payload)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + submitMethodName}
	return interceptor(ctx, &payload, info, handler)
}

type submitResult struct {
	OK bool `json:"ok"`
}

// subscribeHandler adapts grpc.ServerStream to push AdminEvents as they arrive
// on a subscription channel.
func (g *GRPCServer) subscribeHandler(srv any, stream grpc.ServerStream) error {
	sub := g.svc.SubscribeEvents(stream.Context())
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(evt); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func toGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

var _ io.Closer = (*GRPCServer)(nil)

// Close stops the underlying grpc.Server gracefully.
func (g *GRPCServer) Close() error {
	g.Server.GracefulStop()
	return nil
}
