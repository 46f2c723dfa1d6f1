package cluster

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"

	"github.com/PJLys/rmqtt/config"
	"github.com/PJLys/rmqtt/pkg/cluster/raft"
)

type raftEngine struct {
	*raft.Engine
}

func (e raftEngine) Mailbox() Mailbox { return e.Engine.Mailbox() }

// RaftEngine returns a factory for hashicorp/raft backed engines.
func RaftEngine(fsm hraft.FSM, cfg raft.Config, logger hclog.Logger) EngineFactory {
	return func(laddr string) (Engine, error) {
		e, err := raft.New(laddr, fsm, cfg, logger)
		if err != nil {
			return nil, err
		}
		return raftEngine{e}, nil
	}
}

// Bootstrap brings the local node into the raft group. Every node runs the
// same procedure: ask the peers for a leader, join it when one answers,
// otherwise lead.
type Bootstrap struct {
	ID         uint64
	Peers      []config.NodeAddr
	Resolver   *Resolver
	NewEngine  EngineFactory
	Supervisor *Supervisor
	RunName    string
	Logger     hclog.Logger
}

// Started is the result of a successful bootstrap.
type Started struct {
	Mailbox Mailbox
	Role    Role
	Leader  *raft.LeaderInfo
	Engine  Engine
	Run     *Supervised
}

// Start returns as soon as the run loop has been handed to the supervisor.
// Errors before that point are configuration or bind problems.
func (b *Bootstrap) Start(ctx context.Context) (*Started, error) {
	logger := b.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	self, err := b.selfPeer()
	if err != nil {
		return nil, err
	}

	resolver := b.Resolver
	if resolver == nil {
		resolver = NewResolver(logger.Named("resolve"))
	}

	laddr, err := resolver.Resolve(ctx, self.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address of node %d: %w", b.ID, err)
	}

	engine, err := b.NewEngine(laddr.String())
	if err != nil {
		return nil, fmt.Errorf("start raft engine on %s: %w", laddr, err)
	}

	peers := make([]raft.Peer, 0, len(b.Peers)-1)
	for _, p := range b.Peers {
		if p.ID == b.ID {
			continue
		}
		addr, err := resolver.Resolve(ctx, p.Addr)
		if err != nil {
			engine.Close()
			return nil, err
		}
		peers = append(peers, raft.Peer{ID: raft.NodeID(p.ID), Addr: addr.String()})
	}

	leader, err := engine.FindLeader(ctx, peers)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("find raft leader: %w", err)
	}

	id := raft.NodeID(b.ID)
	started := &Started{Mailbox: engine.Mailbox(), Leader: leader, Engine: engine}
	var run func(ctx context.Context) error
	if leader == nil {
		logger.Info("no raft leader found, leading", "id", id, "addr", laddr.String())
		started.Role = RoleLeader
		run = func(ctx context.Context) error { return engine.Lead(ctx, id) }
	} else {
		logger.Info("raft leader found, joining", "id", id, "leader", leader.ID, "leader_addr", leader.Addr)
		started.Role = RoleFollower
		run = func(ctx context.Context) error { return engine.Join(ctx, id, leader.ID, leader.Addr) }
	}

	name := b.RunName
	if name == "" {
		name = "cluster-raft"
	}
	sup := b.Supervisor
	if sup == nil {
		sup = &Supervisor{Policy: ProcessExit{Logger: logger}, Logger: logger}
	}
	started.Run = sup.Spawn(context.WithoutCancel(ctx), name, run)
	return started, nil
}

func (b *Bootstrap) selfPeer() (config.NodeAddr, error) {
	var (
		self  config.NodeAddr
		found int
	)
	for _, p := range b.Peers {
		if p.ID == b.ID {
			self = p
			found++
		}
	}
	switch found {
	case 0:
		return self, fmt.Errorf("node %d: %w", b.ID, ErrNoSelfPeer)
	case 1:
		return self, nil
	default:
		return self, fmt.Errorf("node %d: %w", b.ID, ErrDuplicateSelfPeer)
	}
}
