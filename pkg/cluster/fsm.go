package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"

	"github.com/PJLys/rmqtt/storage"
)

const (
	routePrefix  = "route/"
	clientPrefix = "client/"
)

// ErrUnknownCommand is returned by Apply for command types it does not know.
var ErrUnknownCommand = errors.New("unknown registry command")

// ClientState records which node holds a client session.
type ClientState struct {
	NodeID      uint64    `json:"node_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Route is one subscription filter served by a node.
type Route struct {
	Filter string `json:"filter"`
	NodeID uint64 `json:"node_id"`
}

// Registry implements hraft.FSM and applies replicated commands to storage.
type Registry struct {
	st     storage.Storage
	logger hclog.Logger
}

// NewRegistry constructs the storage-backed FSM.
func NewRegistry(st storage.Storage, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{st: st, logger: logger}
}

var _ hraft.FSM = (*Registry)(nil)

func (r *Registry) Apply(l *hraft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("decode command at index %d: %w", l.Index, err)
	}
	ctx := context.Background()

	switch cmd.Type {
	case CmdRouteAdd, CmdRouteRemove:
		var req RouteCommand
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		if req.Filter == "" {
			return fmt.Errorf("%s: empty filter", cmd.Type)
		}
		key := routeKey(req.Filter, req.NodeID)
		if cmd.Type == CmdRouteRemove {
			_, err := r.st.Delete(ctx, key)
			return err
		}
		return r.st.Set(ctx, key, []byte(strconv.FormatUint(req.NodeID, 10)))

	case CmdClientConnected:
		var req ClientCommand
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		key := clientPrefix + req.ClientID
		prev, found, err := r.loadClient(ctx, key)
		if err != nil {
			return err
		}
		state, err := json.Marshal(ClientState{NodeID: req.NodeID, ConnectedAt: l.AppendedAt.UTC()})
		if err != nil {
			return err
		}
		if err := r.st.Set(ctx, key, state); err != nil {
			return err
		}
		// The previous owner, if any, is returned so it can kick the session.
		if found && prev.NodeID != req.NodeID {
			return []byte(strconv.FormatUint(prev.NodeID, 10))
		}
		return nil

	case CmdClientDisconnected:
		var req ClientCommand
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return err
		}
		key := clientPrefix + req.ClientID
		prev, found, err := r.loadClient(ctx, key)
		if err != nil || !found {
			return err
		}
		// A late disconnect from a node that lost the session is ignored.
		if prev.NodeID != req.NodeID {
			return nil
		}
		_, err = r.st.Delete(ctx, key)
		return err

	default:
		r.logger.Warn("skipping unknown command", "type", cmd.Type, "id", cmd.ID, "index", l.Index)
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func (r *Registry) loadClient(ctx context.Context, key string) (ClientState, bool, error) {
	var state ClientState
	raw, found, err := r.st.Get(ctx, key)
	if err != nil || !found {
		return state, false, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return state, true, nil
}

// Snapshot dumps the whole registry. Apply is not called concurrently with
// Snapshot, so the dump is taken here and only written out in Persist.
func (r *Registry) Snapshot() (hraft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := r.st.Backup(context.Background(), &buf); err != nil {
		return nil, fmt.Errorf("registry snapshot: %w", err)
	}
	return &registrySnapshot{data: buf.Bytes()}, nil
}

func (r *Registry) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := r.st.Restore(context.Background(), rc); err != nil {
		return fmt.Errorf("registry restore: %w", err)
	}
	r.logger.Info("registry restored from snapshot")
	return nil
}

// Routes lists the nodes serving filter, or every route when filter is empty.
func (r *Registry) Routes(ctx context.Context, filter string) ([]Route, error) {
	prefix := routePrefix
	if filter != "" {
		prefix = routePrefix + filter + "/"
	}
	var routes []Route
	err := r.st.Scan(ctx, prefix, func(key string, value []byte) error {
		rest := strings.TrimPrefix(key, routePrefix)
		i := strings.LastIndexByte(rest, '/')
		if i < 0 || (filter != "" && rest[:i] != filter) {
			return nil
		}
		id, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		routes = append(routes, Route{Filter: rest[:i], NodeID: id})
		return nil
	})
	return routes, err
}

// Client returns the state of a client session.
func (r *Registry) Client(ctx context.Context, clientID string) (ClientState, bool, error) {
	return r.loadClient(ctx, clientPrefix+clientID)
}

// ClientCount returns how many client sessions are registered.
func (r *Registry) ClientCount(ctx context.Context) (int, error) {
	return r.st.Count(ctx, clientPrefix)
}

func routeKey(filter string, nodeID uint64) string {
	return routePrefix + filter + "/" + strconv.FormatUint(nodeID, 10)
}

type registrySnapshot struct {
	data []byte
}

func (s *registrySnapshot) Persist(sink hraft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *registrySnapshot) Release() {}
