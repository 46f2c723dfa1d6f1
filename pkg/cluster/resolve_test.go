package cluster

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLookup struct {
	calls   int
	failFor int
	empty   bool
}

func (s *scriptedLookup) lookup(_ context.Context, host string) ([]net.IPAddr, error) {
	s.calls++
	if s.calls <= s.failFor {
		if s.empty {
			return nil, nil
		}
		return nil, errors.New("no such host")
	}
	return []net.IPAddr{{IP: net.ParseIP("10.0.0.7")}}, nil
}

func fastResolver(l LookupFunc) *Resolver {
	return &Resolver{Attempts: 10, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Lookup: l}
}

func TestResolveFirstAttempt(t *testing.T) {
	s := &scriptedLookup{}
	addr, err := fastResolver(s.lookup).Resolve(context.Background(), "node1:5363")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:5363", addr.String())
	assert.Equal(t, 1, s.calls)
}

func TestResolveRecoversAfterFailures(t *testing.T) {
	for _, empty := range []bool{false, true} {
		s := &scriptedLookup{failFor: 3, empty: empty}
		addr, err := fastResolver(s.lookup).Resolve(context.Background(), "node1:5363")
		require.NoError(t, err)
		assert.Equal(t, 5363, addr.Port)
		assert.Equal(t, 4, s.calls)
	}
}

func TestResolveGivesUp(t *testing.T) {
	s := &scriptedLookup{failFor: 100}
	_, err := fastResolver(s.lookup).Resolve(context.Background(), "node1:5363")
	require.Error(t, err)

	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 10, rerr.Attempts)
	assert.Equal(t, "node1:5363", rerr.Addr)
	assert.Equal(t, 10, s.calls)
}

func TestResolveWaitsBetweenAttempts(t *testing.T) {
	s := &scriptedLookup{failFor: 100}
	r := &Resolver{Attempts: 3, MinDelay: 20 * time.Millisecond, MaxDelay: 30 * time.Millisecond, Lookup: s.lookup}

	start := time.Now()
	_, err := r.Resolve(context.Background(), "node1:5363")
	require.Error(t, err)
	elapsed := time.Since(start)

	// Two sleeps, none after the last attempt.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestResolveRejectsMalformedAddress(t *testing.T) {
	s := &scriptedLookup{}
	_, err := fastResolver(s.lookup).Resolve(context.Background(), "node1")
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	assert.Zero(t, s.calls)
}

func TestResolveHonoursContext(t *testing.T) {
	s := &scriptedLookup{failFor: 100}
	r := &Resolver{Attempts: 10, MinDelay: time.Second, MaxDelay: 2 * time.Second, Lookup: s.lookup}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, "node1:5363")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.calls)
}

func TestResolveLoopback(t *testing.T) {
	addr, err := NewResolver(nil).Resolve(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, addr.IP.IsLoopback())
}
