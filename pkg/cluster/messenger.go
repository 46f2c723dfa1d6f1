package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/pkg/backoff"
	"github.com/PJLys/rmqtt/pkg/transport"
)

// DefaultRetryInterval is the constant backoff used when none is configured.
const DefaultRetryInterval = 500 * time.Millisecond

// Sender delivers one message to one node.
type Sender interface {
	Send(ctx context.Context, typ transport.MessageType, payload []byte) ([]byte, error)
}

// RetryError is returned when every attempt of a MessageSender failed.
type RetryError struct {
	Retries int
	Err     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("send failed after %d retries: %v", e.Retries, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// MessageSender sends Msg to Client, retrying up to MaxRetries times. A
// message may be delivered more than once.
type MessageSender struct {
	Client     Sender
	Type       transport.MessageType
	Msg        []byte
	MaxRetries int
	Backoff    backoff.Strategy
	Logger     hclog.Logger
}

// Send returns the reply along with how many retries it took.
func (m *MessageSender) Send(ctx context.Context) ([]byte, int, error) {
	strategy := m.Backoff
	if strategy == nil {
		strategy = backoff.NewConstant(DefaultRetryInterval)
	}
	logger := m.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	retries := 0
	for {
		reply, err := m.Client.Send(ctx, m.Type, m.Msg)
		if err == nil {
			return reply, retries, nil
		}
		if retries >= m.MaxRetries {
			logger.Error("cluster message not delivered", "type", m.Type, "retries", retries, "error", err)
			return nil, retries, &RetryError{Retries: retries, Err: err}
		}
		logger.Debug("retrying cluster message", "type", m.Type, "retry", retries+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, retries, &RetryError{Retries: retries, Err: ctx.Err()}
		case <-time.After(strategy.Delay(retries + 1)):
		}
		retries++
	}
}
