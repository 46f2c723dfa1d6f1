package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(nil)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop(time.Second) })
	return srv, addr.String()
}

func dial(t *testing.T, addr string, opts ClientOptions) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendRoundTrip(t *testing.T) {
	srv, addr := startServer(t)
	srv.Handle(198, func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	c := dial(t, addr, ClientOptions{Timeout: 5 * time.Second})
	reply, err := c.Send(context.Background(), 198, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:hello"), reply)
	assert.Equal(t, int64(0), c.ActiveTasks())
	assert.Equal(t, addr, c.Addr())
}

func TestSendUnknownType(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr, ClientOptions{Timeout: 5 * time.Second})

	_, err := c.Send(context.Background(), 7, nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestHandlerErrors(t *testing.T) {
	srv, addr := startServer(t)
	srv.Handle(1, func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("router locked")
	})
	srv.Handle(2, func(context.Context, []byte) ([]byte, error) {
		return nil, status.Error(codes.FailedPrecondition, "not leader")
	})
	c := dial(t, addr, ClientOptions{Timeout: 5 * time.Second})

	_, err := c.Send(context.Background(), 1, nil)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, err.Error(), "router locked")

	_, err = c.Send(context.Background(), 2, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestInflightBound(t *testing.T) {
	srv, addr := startServer(t)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	srv.Handle(3, func(context.Context, []byte) ([]byte, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	})
	c := dial(t, addr, ClientOptions{MaxInflight: 1, Timeout: 5 * time.Second})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Send(context.Background(), 3, nil)
			errs <- err
		}()
	}

	<-entered
	require.Eventually(t, func() bool {
		return c.ActiveTasks() == 1 && c.ChannelTasks() == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int64(0), c.ActiveTasks())
	assert.Equal(t, int64(0), c.ChannelTasks())
}

func TestParseTypeURL(t *testing.T) {
	typ, err := parseTypeURL(MessageType(42).typeURL())
	require.NoError(t, err)
	assert.Equal(t, MessageType(42), typ)

	_, err = parseTypeURL("type.googleapis.com/foo")
	assert.Error(t, err)
	_, err = parseTypeURL(typeURLPrefix + "x")
	assert.Error(t, err)
}
