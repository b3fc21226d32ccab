package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region platform
// Platform is what a board agent exposes: alert FIFO, self-test and
// reconfiguration.
type Platform interface {
	supervisor.Probe
	supervisor.Actuator
}

// #endregion platform

// #region service-desc
type platformServer interface {
	FetchAlert(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StartBist(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
	PollBist(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error)
	StartReconfig(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
	PollReconfig(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*platformServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodFetchAlert, Handler: unaryHandler(methodFetchAlert, newEmpty,
			func(s platformServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.FetchAlert(ctx, in)
			})},
		{MethodName: methodStartBist, Handler: unaryHandler(methodStartBist, newUInt32,
			func(s platformServer, ctx context.Context, in *wrapperspb.UInt32Value) (proto.Message, error) {
				return s.StartBist(ctx, in)
			})},
		{MethodName: methodPollBist, Handler: unaryHandler(methodPollBist, newUInt32,
			func(s platformServer, ctx context.Context, in *wrapperspb.UInt32Value) (proto.Message, error) {
				return s.PollBist(ctx, in)
			})},
		{MethodName: methodStartReconfig, Handler: unaryHandler(methodStartReconfig, newUInt32,
			func(s platformServer, ctx context.Context, in *wrapperspb.UInt32Value) (proto.Message, error) {
				return s.StartReconfig(ctx, in)
			})},
		{MethodName: methodPollReconfig, Handler: unaryHandler(methodPollReconfig, newEmpty,
			func(s platformServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.PollReconfig(ctx, in)
			})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shm/platform/v1/platform.proto",
}

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }
func newUInt32() *wrapperspb.UInt32Value { return &wrapperspb.UInt32Value{} }

// unaryHandler adapts a typed call to grpc.MethodHandler.
func unaryHandler[Req proto.Message](
	method string,
	newReq func() Req,
	call func(platformServer, context.Context, Req) (proto.Message, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(platformServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(Req))
		})
	}
}

// #endregion service-desc

// #region server
// Server exposes a Platform over gRPC.
type Server struct {
	platform Platform
}

// NewServer wraps p.
func NewServer(p Platform) *Server {
	return &Server{platform: p}
}

// Register adds the platform service to s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) FetchAlert(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	a, ok := s.platform.FetchAlert()
	if !ok {
		return &structpb.Struct{}, nil
	}
	out, err := encodeAlert(a)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode alert: %v", err)
	}
	return out, nil
}

func (s *Server) StartBist(_ context.Context, in *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	block, err := decodeBlock(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.platform.StartBist(block); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) PollBist(_ context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.StringValue, error) {
	block, err := decodeBlock(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, done := s.platform.PollBist(block)
	if !done {
		return wrapperspb.String(""), nil
	}
	return wrapperspb.String(r.String()), nil
}

func (s *Server) StartReconfig(_ context.Context, in *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	block, err := decodeBlock(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.platform.StartReconfig(block); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) PollReconfig(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	r, done := s.platform.PollReconfig()
	if !done {
		return wrapperspb.String(""), nil
	}
	return wrapperspb.String(r.String()), nil
}

// #endregion server
