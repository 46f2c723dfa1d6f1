// Package cluster joins broker processes into one raft group and carries
// the plumbing around it: address resolution, bootstrap, supervision of the
// consensus run loop, retried node to node messaging and the replicated
// registry of routes and client sessions.
package cluster

import (
	"context"
	"errors"

	"github.com/PJLys/rmqtt/pkg/cluster/raft"
)

// Role is the part a node took when it bootstrapped.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

var (
	// ErrNoSelfPeer means the local node id is missing from the raft peers.
	ErrNoSelfPeer = errors.New("local node is not in the raft peer list")
	// ErrDuplicateSelfPeer means the local node id appears more than once.
	ErrDuplicateSelfPeer = errors.New("local node appears more than once in the raft peer list")
	// ErrClusterAbnormal is returned by Start when the raft group has no leader.
	ErrClusterAbnormal = errors.New("raft cluster status is abnormal")
	// ErrNotInitialized is returned by operations that need Init to have run.
	ErrNotInitialized = errors.New("cluster node is not initialized")
)

// Mailbox is the handle callers use to reach the consensus engine.
type Mailbox interface {
	Status(ctx context.Context) (raft.Status, error)
	Peers() map[raft.NodeID]raft.PeerStats
	LeaderInfo() (raft.LeaderInfo, bool)
	Propose(ctx context.Context, data []byte) ([]byte, error)
}

var _ Mailbox = raft.Mailbox{}

// Engine is the consensus engine as seen by Bootstrap.
type Engine interface {
	FindLeader(ctx context.Context, peers []raft.Peer) (*raft.LeaderInfo, error)
	Lead(ctx context.Context, id raft.NodeID) error
	Join(ctx context.Context, id, leaderID raft.NodeID, leaderAddr string) error
	Mailbox() Mailbox
	Close()
}

// EngineFactory builds an engine bound to laddr.
type EngineFactory func(laddr string) (Engine, error)
