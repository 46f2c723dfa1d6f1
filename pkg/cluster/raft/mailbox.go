package raft

import (
	"context"
	"errors"

	hraft "github.com/hashicorp/raft"
)

// Mailbox is the handle to a running Engine. The zero value is not usable;
// obtain one from Engine.Mailbox.
type Mailbox struct {
	e *Engine
}

// Status returns the local raft status. It fails with ErrNotRunning until
// Lead or Join has started the instance.
func (m Mailbox) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	return m.e.status()
}

// Peers returns control-channel counters for every peer this node has
// talked to, keyed by node id.
func (m Mailbox) Peers() map[NodeID]PeerStats {
	m.e.peersMu.Lock()
	defer m.e.peersMu.Unlock()
	out := make(map[NodeID]PeerStats, len(m.e.peers))
	for _, p := range m.e.peers {
		if p.id == 0 {
			continue
		}
		out[p.id] = p.stats()
	}
	return out
}

// LeaderInfo returns the leader as seen locally.
func (m Mailbox) LeaderInfo() (LeaderInfo, bool) { return m.e.leader() }

func (m Mailbox) IsLeader() bool {
	r := m.e.instance()
	return r != nil && r.State() == hraft.Leader
}

// Propose replicates data through the log and returns the state machine's
// answer. Followers forward the proposal to the leader.
func (m Mailbox) Propose(ctx context.Context, data []byte) ([]byte, error) {
	if m.IsLeader() {
		return m.e.apply(ctx, data)
	}
	li, ok := m.e.leader()
	if !ok {
		if m.e.instance() == nil {
			return nil, ErrNotRunning
		}
		return nil, ErrNoLeader
	}
	p, err := m.e.peer(li.ID, li.Addr)
	if err != nil {
		return nil, err
	}
	reply, err := p.propose(ctx, data)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Data, nil
}
