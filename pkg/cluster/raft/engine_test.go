package raft

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoFSM answers every log entry with its own payload.
type echoFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *echoFSM) Apply(l *hraft.Log) interface{} {
	f.mu.Lock()
	f.applied = append(f.applied, l.Data)
	f.mu.Unlock()
	return l.Data
}

func (f *echoFSM) Snapshot() (hraft.FSMSnapshot, error) { return echoSnapshot{}, nil }

func (f *echoFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	_, err := io.Copy(io.Discard, rc)
	return err
}

func (f *echoFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type echoSnapshot struct{}

func (echoSnapshot) Persist(sink hraft.SnapshotSink) error { return sink.Close() }
func (echoSnapshot) Release()                              {}

func testConfig() Config {
	return Config{
		ElectionTimeout:    50 * time.Millisecond,
		HeartbeatTimeout:   50 * time.Millisecond,
		LeaderLeaseTimeout: 50 * time.Millisecond,
		CommitTimeout:      5 * time.Millisecond,
		ApplyTimeout:       2 * time.Second,
		RPCTimeout:         time.Second,
		JoinAttempts:       20,
		JoinInterval:       50 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *echoFSM) {
	t.Helper()
	fsm := &echoFSM{}
	e, err := New("127.0.0.1:0", fsm, cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, fsm
}

func run(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStarted(t *testing.T, m Mailbox) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = m.Status(context.Background())
		return err == nil && st.Started()
	}, 10*time.Second, 20*time.Millisecond)
	return st
}

func TestEngine_StatusBeforeStart(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	_, err := e.Mailbox().Status(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = e.Mailbox().Propose(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotRunning)

	_, ok := e.Mailbox().LeaderInfo()
	assert.False(t, ok)
}

func TestEngine_SingleNodeLeads(t *testing.T) {
	e, fsm := newTestEngine(t, testConfig())

	leader, err := e.FindLeader(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, leader)

	run(t, func(ctx context.Context) error { return e.Lead(ctx, 1) })

	st := waitStarted(t, e.Mailbox())
	assert.Equal(t, NodeID(1), st.ID)
	assert.Equal(t, NodeID(1), st.LeaderID)
	assert.Equal(t, e.Addr(), st.LeaderAddr)
	assert.Equal(t, hraft.Leader.String(), st.State)

	reply, err := e.Mailbox().Propose(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
	assert.Equal(t, 1, fsm.count())
}

func TestEngine_LeadTwiceFails(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	run(t, func(ctx context.Context) error { return e.Lead(ctx, 1) })
	waitStarted(t, e.Mailbox())

	err := e.Lead(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestEngine_JoinExistingLeader(t *testing.T) {
	e1, _ := newTestEngine(t, testConfig())
	e2, fsm2 := newTestEngine(t, testConfig())

	run(t, func(ctx context.Context) error { return e1.Lead(ctx, 1) })
	waitStarted(t, e1.Mailbox())

	leader, err := e2.FindLeader(context.Background(), []Peer{{ID: 1, Addr: e1.Addr()}})
	require.NoError(t, err)
	require.NotNil(t, leader)
	assert.Equal(t, NodeID(1), leader.ID)
	assert.Equal(t, e1.Addr(), leader.Addr)

	run(t, func(ctx context.Context) error { return e2.Join(ctx, 2, leader.ID, leader.Addr) })

	st := waitStarted(t, e2.Mailbox())
	assert.Equal(t, NodeID(1), st.LeaderID)
	assert.False(t, e2.Mailbox().IsLeader())

	// Followers forward proposals to the leader.
	reply, err := e2.Mailbox().Propose(context.Background(), []byte("forwarded"))
	require.NoError(t, err)
	assert.Equal(t, []byte("forwarded"), reply)
	assert.Eventually(t, func() bool { return fsm2.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	peers := e2.Mailbox().Peers()
	require.Contains(t, peers, NodeID(1))
	assert.Zero(t, peers[1].GRPCFails)
}

func TestEngine_ConcurrentLeadersConverge(t *testing.T) {
	e1, _ := newTestEngine(t, testConfig())
	e2, _ := newTestEngine(t, testConfig())

	// Neither side sees a leader, so both lead with the same voter set.
	l1, err := e1.FindLeader(context.Background(), []Peer{{ID: 2, Addr: e2.Addr()}})
	require.NoError(t, err)
	assert.Nil(t, l1)
	l2, err := e2.FindLeader(context.Background(), []Peer{{ID: 1, Addr: e1.Addr()}})
	require.NoError(t, err)
	assert.Nil(t, l2)

	run(t, func(ctx context.Context) error { return e1.Lead(ctx, 1) })
	run(t, func(ctx context.Context) error { return e2.Lead(ctx, 2) })

	s1 := waitStarted(t, e1.Mailbox())
	require.Eventually(t, func() bool {
		s2, err := e2.Mailbox().Status(context.Background())
		return err == nil && s2.LeaderID == s1.LeaderID
	}, 10*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, e1.Mailbox().IsLeader(), e2.Mailbox().IsLeader())
}

func TestEngine_RunLoopEndsWithContext(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Lead(ctx, 1) }()
	waitStarted(t, e.Mailbox())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not end")
	}
}

func TestQueryStatusAndLeader(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	run(t, func(ctx context.Context) error { return e.Lead(ctx, 7) })
	waitStarted(t, e.Mailbox())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := QueryStatus(ctx, e.Addr())
	require.NoError(t, err)
	assert.Equal(t, NodeID(7), st.ID)
	assert.True(t, st.Started())

	li, known, err := QueryLeader(ctx, e.Addr())
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, NodeID(7), li.ID)
}
