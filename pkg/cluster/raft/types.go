// Package raft runs the broker's consensus group on hashicorp/raft.
//
// An Engine owns one raft instance plus a small grpc control service used
// for leader discovery, joining and proposal forwarding. Both share a single
// TCP listener; the first byte of every connection selects the protocol.
// Callers never touch the engine directly after bootstrap: they hold a
// Mailbox, which is safe to copy and to use from any goroutine.
package raft

import (
	"errors"
	"strconv"

	hraft "github.com/hashicorp/raft"
)

var (
	// ErrNotRunning is returned while the raft instance has not been started.
	ErrNotRunning = errors.New("raft: not running")
	// ErrAlreadyRunning is returned when Lead or Join is called twice.
	ErrAlreadyRunning = errors.New("raft: already running")
	// ErrNoLeader is returned when a proposal cannot be routed to a leader.
	ErrNoLeader = errors.New("raft: no known leader")
	// ErrShutdown is returned by the run loop once the engine is closed.
	ErrShutdown = errors.New("raft: engine shut down")
)

// NodeID identifies a member of the consensus group.
type NodeID uint64

func (id NodeID) serverID() hraft.ServerID {
	return hraft.ServerID(strconv.FormatUint(uint64(id), 10))
}

func parseServerID(s hraft.ServerID) NodeID {
	n, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return NodeID(n)
}

// Peer is a resolved member address.
type Peer struct {
	ID   NodeID
	Addr string
}

// LeaderInfo names the current leader.
type LeaderInfo struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

// Status is a snapshot of the local raft state.
type Status struct {
	ID           NodeID `json:"id"`
	State        string `json:"state"`
	Term         uint64 `json:"term"`
	LeaderID     NodeID `json:"leader_id"`
	LeaderAddr   string `json:"leader_addr"`
	CommitIndex  uint64 `json:"commit_index"`
	AppliedIndex uint64 `json:"applied_index"`
	LastLogIndex uint64 `json:"last_log_index"`
	NumPeers     int    `json:"num_peers"`
}

// Started reports whether the group has a leader this node knows about.
func (s Status) Started() bool { return s.LeaderID != 0 }

// PeerStats are the control-channel health counters kept per peer.
type PeerStats struct {
	ActiveTasks int64 `json:"active_tasks"`
	GRPCFails   int64 `json:"grpc_fails"`
}

func statUint(stats map[string]string, key string) uint64 {
	n, _ := strconv.ParseUint(stats[key], 10, 64)
	return n
}
