package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	pb "tidewater/api/proto/v1"
	"tidewater/source"
)

type Client struct {
	conn *grpc.ClientConn
	svc  pb.ControlClient
}

// Dial connects to a control server. Plaintext unless opts say otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: cc, svc: pb.NewControlClient(cc)}, nil
}

func (c *Client) Ping(ctx context.Context) (map[string]any, error) {
	st, err := c.svc.Ping(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	st, err := c.svc.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

func (c *Client) Stop(ctx context.Context, mode source.ShutdownMode) error {
	in, err := structpb.NewStruct(map[string]any{"mode": mode.String()})
	if err != nil {
		return err
	}
	_, err = c.svc.Stop(ctx, in)
	return err
}

func (c *Client) Close() error { return c.conn.Close() }
