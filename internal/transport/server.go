package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	pb "tidewater/api/proto/v1"
	"tidewater/internal/logging"
	"tidewater/source"
)

// Controller is the process side of the Control service.
type Controller interface {
	InstanceID() string
	// Status must marshal to a JSON object.
	Status() any
	Stop(mode source.ShutdownMode)
}

type Server struct {
	grpc *grpc.Server
	lis  net.Listener
}

// StartServer listens on addr (e.g. ":7070").
func StartServer(addr string, c Controller) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(lis, c), nil
}

func NewServer(lis net.Listener, c Controller) *Server {
	s := &Server{
		grpc: grpc.NewServer(grpc.UnaryInterceptor(logCalls)),
		lis:  lis,
	}
	pb.RegisterControlServer(s.grpc, &control{c: c, started: time.Now()})
	return s
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

func (s *Server) Serve() error {
	logging.L().Info("control listening", "addr", s.lis.Addr().String())
	return s.grpc.Serve(s.lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
	resp, err := h(ctx, req)
	if err != nil {
		logging.L().Warn("control call failed", "method", info.FullMethod, "err", err)
	} else {
		logging.L().Debug("control call", "method", info.FullMethod)
	}
	return resp, err
}

type control struct {
	pb.UnimplementedControlServer
	c       Controller
	started time.Time
}

func (s *control) Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"instance":  s.c.InstanceID(),
		"uptime_ms": time.Since(s.started).Milliseconds(),
	})
}

func (s *control) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	raw, err := json.Marshal(s.c.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return out, nil
}

func (s *control) Stop(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	mode, err := ParseMode(in.GetFields()["mode"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.c.Stop(mode)
	return &emptypb.Empty{}, nil
}

// ParseMode maps "graceful" (or "") and "forced" to a shutdown mode.
func ParseMode(s string) (source.ShutdownMode, error) {
	switch s {
	case "", "graceful":
		return source.ShutdownGraceful, nil
	case "forced":
		return source.ShutdownForced, nil
	}
	return source.ShutdownGraceful, fmt.Errorf("unknown stop mode %q", s)
}
