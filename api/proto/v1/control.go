// Package pb holds the Control service wiring. Requests and replies are
// protobuf well-known types, so the service needs no generated messages.
package pb

import (
	context "context"

	grpc "google.golang.org/grpc"
	codes "google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

const (
	Control_Ping_FullMethodName   = "/tidewater.v1.Control/Ping"
	Control_Status_FullMethodName = "/tidewater.v1.Control/Status"
	Control_Stop_FullMethodName   = "/tidewater.v1.Control/Stop"
)

type ControlClient interface {
	// Ping returns {"instance": <id>, "uptime_ms": <n>}.
	Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	// Stop takes {"mode": "graceful"|"forced"}.
	Stop(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type controlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) ControlClient {
	return &controlClient{cc}
}

func (c *controlClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Control_Ping_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Control_Status_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Stop(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, Control_Stop_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type ControlServer interface {
	Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// UnimplementedControlServer can be embedded to serve a subset of methods.
type UnimplementedControlServer struct{}

func (UnimplementedControlServer) Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Ping not implemented")
}
func (UnimplementedControlServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedControlServer) Stop(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Stop not implemented")
}

func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

func _Control_Ping_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Control_Ping_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Control_Status_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Stop_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Control_Stop_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Stop(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tidewater.v1.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: _Control_Ping_Handler},
		{MethodName: "Status", Handler: _Control_Status_Handler},
		{MethodName: "Stop", Handler: _Control_Stop_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "",
}
