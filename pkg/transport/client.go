package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"
)

// ClientOptions control Client behavior.
type ClientOptions struct {
	// MaxInflight bounds concurrent calls; extra calls wait in the channel.
	MaxInflight int64
	// Timeout applies to each call when the caller's context has no deadline.
	Timeout time.Duration
}

// Client sends cluster messages to one remote node.
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	sem     *semaphore.Weighted
	timeout time.Duration

	channelTasks atomic.Int64
	activeTasks  atomic.Int64
}

// Dial prepares a client for the node at address (host:port). The
// connection is established lazily, so a peer that is still starting does
// not fail the dial.
func Dial(ctx context.Context, address string, opts ClientOptions) (*Client, error) {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 128
	}
	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(16*1024*1024)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Client{
		addr:    address,
		conn:    conn,
		sem:     semaphore.NewWeighted(opts.MaxInflight),
		timeout: opts.Timeout,
	}, nil
}

// Send delivers one message and returns the reply payload.
func (c *Client) Send(ctx context.Context, typ MessageType, payload []byte) ([]byte, error) {
	c.channelTasks.Add(1)
	err := c.sem.Acquire(ctx, 1)
	c.channelTasks.Add(-1)
	if err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	c.activeTasks.Add(1)
	defer c.activeTasks.Add(-1)

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	reply := new(anypb.Any)
	req := &anypb.Any{TypeUrl: typ.typeURL(), Value: payload}
	if err := c.conn.Invoke(ctx, sendMethod, req, reply); err != nil {
		return nil, err
	}
	return reply.GetValue(), nil
}

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// ChannelTasks returns the number of calls waiting for an in-flight slot.
func (c *Client) ChannelTasks() int64 { return c.channelTasks.Load() }

// ActiveTasks returns the number of calls in flight.
func (c *Client) ActiveTasks() int64 { return c.activeTasks.Load() }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
