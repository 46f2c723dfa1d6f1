package cluster

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/pkg/cluster/raft"
)

// StatusSource reports the local raft status.
type StatusSource interface {
	Status(ctx context.Context) (raft.Status, error)
}

// StartupGate polls a status source until the raft group reports a leader.
// It never fails: a group that is slow to form is reported, not fatal.
type StartupGate struct {
	Attempts int
	Interval time.Duration
	Logger   hclog.Logger
}

// NewStartupGate returns a gate with the default bounds, 30 polls 500ms apart.
func NewStartupGate(logger hclog.Logger) StartupGate {
	return StartupGate{Attempts: 30, Interval: 500 * time.Millisecond, Logger: logger}
}

// Wait returns the number of polls made and whether the group started.
func (g StartupGate) Wait(ctx context.Context, src StatusSource) (int, bool) {
	logger := g.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	attempts := g.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		st, err := src.Status(ctx)
		switch {
		case err != nil:
			logger.Warn("raft status unavailable", "attempt", attempt, "error", err)
		case st.Started():
			logger.Info("raft group started", "attempt", attempt, "leader", st.LeaderID, "state", st.State)
			return attempt, true
		default:
			logger.Debug("raft group not started yet", "attempt", attempt, "state", st.State)
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, false
		case <-time.After(g.Interval):
		}
	}
	logger.Warn("raft group did not start in time", "attempts", attempts)
	return attempts, false
}
