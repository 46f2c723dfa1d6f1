package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PJLys/rmqtt/pkg/cluster/raft"
)

// statusScript returns started once calls reaches startAt; zero never starts.
type statusScript struct {
	calls   int
	startAt int
	errs    int
}

func (s *statusScript) Status(context.Context) (raft.Status, error) {
	s.calls++
	if s.calls <= s.errs {
		return raft.Status{}, errors.New("mailbox busy")
	}
	if s.startAt > 0 && s.calls >= s.startAt {
		return raft.Status{State: "Follower", LeaderID: 1}, nil
	}
	return raft.Status{State: "Candidate"}, nil
}

func TestStartupGate(t *testing.T) {
	tests := []struct {
		name         string
		src          *statusScript
		wantAttempts int
		wantStarted  bool
	}{
		{"started at once", &statusScript{startAt: 1}, 1, true},
		{"started on fifth poll", &statusScript{startAt: 5}, 5, true},
		{"errors are retried", &statusScript{startAt: 1, errs: 3}, 4, true},
		{"never starts", &statusScript{}, 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := StartupGate{Attempts: 30, Interval: time.Millisecond}
			attempts, started := g.Wait(context.Background(), tt.src)
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantStarted, started)
			assert.Equal(t, tt.wantAttempts, tt.src.calls)
		})
	}
}

func TestStartupGateNoSleepAfterLastPoll(t *testing.T) {
	g := StartupGate{Attempts: 3, Interval: 30 * time.Millisecond}
	start := time.Now()
	_, started := g.Wait(context.Background(), &statusScript{})
	elapsed := time.Since(start)

	assert.False(t, started)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestStartupGateStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, started := NewStartupGate(nil).Wait(ctx, &statusScript{})
	assert.Equal(t, 1, attempts)
	assert.False(t, started)
}
