package cluster

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PJLys/rmqtt/storage"
)

func applyCmd(t *testing.T, r *Registry, index uint64, typ CommandType, payload interface{}) interface{} {
	t.Helper()
	cmd, err := NewCommand(typ, payload)
	require.NoError(t, err)
	data, err := cmd.Marshal()
	require.NoError(t, err)
	return r.Apply(&hraft.Log{Index: index, Data: data, AppendedAt: time.Now()})
}

func TestNewCommandHasID(t *testing.T) {
	a, err := NewCommand(CmdRouteAdd, RouteCommand{Filter: "a/b", NodeID: 1})
	require.NoError(t, err)
	b, err := NewCommand(CmdRouteAdd, RouteCommand{Filter: "a/b", NodeID: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, commandVersion, a.Version)
}

func TestRegistryRoutes(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(storage.NewMemoryStorage(), nil)

	assert.Nil(t, applyCmd(t, r, 1, CmdRouteAdd, RouteCommand{Filter: "sensors/+/temp", NodeID: 1}))
	assert.Nil(t, applyCmd(t, r, 2, CmdRouteAdd, RouteCommand{Filter: "sensors/+/temp", NodeID: 2}))
	assert.Nil(t, applyCmd(t, r, 3, CmdRouteAdd, RouteCommand{Filter: "sensors", NodeID: 3}))

	routes, err := r.Routes(ctx, "sensors/+/temp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Route{{Filter: "sensors/+/temp", NodeID: 1}, {Filter: "sensors/+/temp", NodeID: 2}}, routes)

	// A filter does not match routes of longer filters sharing its prefix.
	routes, err = r.Routes(ctx, "sensors")
	require.NoError(t, err)
	assert.Equal(t, []Route{{Filter: "sensors", NodeID: 3}}, routes)

	assert.Nil(t, applyCmd(t, r, 4, CmdRouteRemove, RouteCommand{Filter: "sensors/+/temp", NodeID: 1}))
	routes, err = r.Routes(ctx, "")
	require.NoError(t, err)
	assert.Len(t, routes, 2)

	err, _ = applyCmd(t, r, 5, CmdRouteAdd, RouteCommand{NodeID: 1}).(error)
	assert.Error(t, err)
}

func TestRegistryClients(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(storage.NewMemoryStorage(), nil)

	assert.Nil(t, applyCmd(t, r, 1, CmdClientConnected, ClientCommand{ClientID: "c1", NodeID: 1}))
	state, ok, err := r.Client(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), state.NodeID)

	// Session takeover reports the previous owner.
	prev := applyCmd(t, r, 2, CmdClientConnected, ClientCommand{ClientID: "c1", NodeID: 2})
	assert.Equal(t, []byte("1"), prev)

	// A stale disconnect from the old owner is ignored.
	assert.Nil(t, applyCmd(t, r, 3, CmdClientDisconnected, ClientCommand{ClientID: "c1", NodeID: 1}))
	count, err := r.ClientCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Nil(t, applyCmd(t, r, 4, CmdClientDisconnected, ClientCommand{ClientID: "c1", NodeID: 2}))
	_, ok, err = r.Client(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryRejectsGarbage(t *testing.T) {
	r := NewRegistry(storage.NewMemoryStorage(), nil)

	err, _ := r.Apply(&hraft.Log{Index: 1, Data: []byte("{not json")}).(error)
	assert.Error(t, err)

	err, _ = applyCmd(t, r, 2, CommandType("queue.push"), map[string]string{}).(error)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

type bufferSink struct {
	bytes.Buffer
	closed    bool
	cancelled bool
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Close() error  { s.closed = true; return nil }
func (s *bufferSink) Cancel() error { s.cancelled = true; return nil }

func TestRegistrySnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := NewRegistry(storage.NewMemoryStorage(), nil)
	applyCmd(t, src, 1, CmdRouteAdd, RouteCommand{Filter: "a/b", NodeID: 1})
	applyCmd(t, src, 2, CmdClientConnected, ClientCommand{ClientID: "c1", NodeID: 1})

	snap, err := src.Snapshot()
	require.NoError(t, err)
	// Writes after Snapshot are not part of it.
	applyCmd(t, src, 3, CmdRouteAdd, RouteCommand{Filter: "late", NodeID: 1})

	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.True(t, sink.closed)

	dst := NewRegistry(storage.NewMemoryStorage(), nil)
	applyCmd(t, dst, 1, CmdRouteAdd, RouteCommand{Filter: "stale", NodeID: 9})
	require.NoError(t, dst.Restore(io.NopCloser(&sink.Buffer)))

	routes, err := dst.Routes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Route{{Filter: "a/b", NodeID: 1}}, routes)
	count, err := dst.ClientCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
