package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls MarketData over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) GetOrderBookSnapshot(ctx context.Context, provider, market string, maxDepth int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{
		"provider": provider,
		"market":   market,
		"maxDepth": maxDepth,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getOrderBookSnapshotMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamTopOfBook calls fn for every received message until the stream ends or fn
// returns false.
func (c *Client) StreamTopOfBook(ctx context.Context, provider, market string, fn func(*structpb.Struct) bool) error {
	in, err := structpb.NewStruct(map[string]interface{}{
		"provider": provider,
		"market":   market,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &MarketDataServiceDesc.Streams[0], streamTopOfBookMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !fn(msg) {
			return nil
		}
	}
}
