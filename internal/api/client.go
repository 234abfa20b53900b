package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials the daemon's Unix domain socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResponse, error) {
	var resp SendMessageResponse
	err := c.call(ctx, "SendMessage", req, &resp)
	return resp, err
}

func (c *Client) EditMessage(ctx context.Context, req EditMessageRequest) error {
	return c.call(ctx, "EditMessage", req, nil)
}

func (c *Client) AddReaction(ctx context.Context, req ReactionRequest) error {
	return c.call(ctx, "AddReaction", req, nil)
}

func (c *Client) MarkRead(ctx context.Context, req MarkReadRequest) error {
	return c.call(ctx, "MarkRead", req, nil)
}

func (c *Client) SetTyping(ctx context.Context, req TypingRequest) error {
	return c.call(ctx, "SetTyping", req, nil)
}

func (c *Client) SetPresence(ctx context.Context, req PresenceRequest) error {
	return c.call(ctx, "SetPresence", req, nil)
}

func (c *Client) AddActivity(ctx context.Context, req ActivityRequest) (ActivityResponse, error) {
	var resp ActivityResponse
	err := c.call(ctx, "AddActivity", req, &resp)
	return resp, err
}

func (c *Client) ConnectionStatus(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, "ConnectionStatus", empty{}, &resp)
	return resp, err
}

func (c *Client) QueueStats(ctx context.Context) (QueueStatsResponse, error) {
	var resp QueueStatsResponse
	err := c.call(ctx, "QueueStats", empty{}, &resp)
	return resp, err
}

func (c *Client) ListDeadLetters(ctx context.Context, req DeadLettersRequest) (DeadLettersResponse, error) {
	var resp DeadLettersResponse
	err := c.call(ctx, "ListDeadLetters", req, &resp)
	return resp, err
}

func (c *Client) DiscardDeadLetter(ctx context.Context, id string) error {
	return c.call(ctx, "DiscardDeadLetter", DiscardDeadLetterRequest{ID: id}, nil)
}

// Watch calls fn for each event until ctx ends, fn returns an error or the
// daemon closes the stream.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(Event) error) error {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return err
	}
	in, err := encode(req)
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
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
