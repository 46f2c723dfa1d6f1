package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Config tunes the raft instance and its control channel. Zero durations
// keep the hashicorp/raft defaults.
type Config struct {
	// DataDir holds the bolt stores and snapshots. Empty keeps everything
	// in memory.
	DataDir string

	ElectionTimeout    time.Duration
	HeartbeatTimeout   time.Duration
	LeaderLeaseTimeout time.Duration
	CommitTimeout      time.Duration
	SnapshotInterval   time.Duration
	SnapshotThreshold  uint64
	TrailingLogs       uint64

	MaxPool      int
	ApplyTimeout time.Duration
	RPCTimeout   time.Duration

	JoinAttempts int
	JoinInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPool <= 0 {
		c.MaxPool = 3
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 5
	}
	if c.JoinInterval <= 0 {
		c.JoinInterval = time.Second
	}
	return c
}

// Engine owns the local raft member.
type Engine struct {
	cfg    Config
	fsm    hraft.FSM
	logger hclog.Logger

	ln      net.Listener
	mux     *connMux
	control *grpc.Server

	mu        sync.RWMutex
	id        NodeID
	raft      *hraft.Raft
	trans     *hraft.NetworkTransport
	stores    []io.Closer
	bootstrap []Peer

	peersMu sync.Mutex
	peers   map[string]*peerClient

	fatal     chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// New binds laddr and starts serving the control service. The raft
// instance itself is created by Lead or Join.
func New(laddr string, fsm hraft.FSM, cfg Config, logger hclog.Logger) (*Engine, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("raft: listen on %s: %w", laddr, err)
	}

	e := &Engine{
		cfg:     cfg.withDefaults(),
		fsm:     fsm,
		logger:  logger,
		ln:      ln,
		mux:     newConnMux(ln, logger.Named("mux")),
		control: grpc.NewServer(),
		peers:   make(map[string]*peerClient),
		fatal:   make(chan error, 2),
		closed:  make(chan struct{}),
	}
	e.control.RegisterService(&controlServiceDesc, &controlHandler{e: e})

	go func() {
		if err := e.mux.serve(); err != nil {
			e.fail(fmt.Errorf("raft: accept: %w", err))
		}
	}()
	go func() {
		err := e.control.Serve(e.mux.control)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) {
			e.fail(fmt.Errorf("raft: control service: %w", err))
		}
	}()

	logger.Info("raft listener bound", "addr", ln.Addr().String())
	return e, nil
}

// Addr is the address peers use to reach this engine.
func (e *Engine) Addr() string { return e.ln.Addr().String() }

// Mailbox returns the handle used to talk to the running engine.
func (e *Engine) Mailbox() Mailbox { return Mailbox{e: e} }

func (e *Engine) fail(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// FindLeader asks every peer who leads the group and returns the first
// answer, or nil when none of them knows a leader. Unreachable peers count
// as not knowing. The peers are remembered as the voter set used by Lead.
func (e *Engine) FindLeader(ctx context.Context, peers []Peer) (*LeaderInfo, error) {
	e.mu.Lock()
	e.bootstrap = append([]Peer(nil), peers...)
	e.mu.Unlock()

	errFound := errors.New("leader found")
	var (
		mu     sync.Mutex
		leader *LeaderInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			client, err := e.peer(p.ID, p.Addr)
			if err != nil {
				e.logger.Debug("cannot dial peer", "peer", p.ID, "addr", p.Addr, "error", err)
				return nil
			}
			cctx, cancel := context.WithTimeout(gctx, e.cfg.RPCTimeout)
			defer cancel()

			reply, err := client.leaderInfo(cctx)
			if err != nil {
				e.logger.Debug("leader probe failed", "peer", p.ID, "addr", p.Addr, "error", err)
				return nil
			}
			if !reply.Known {
				return nil
			}
			mu.Lock()
			if leader == nil {
				li := reply.Leader
				leader = &li
			}
			mu.Unlock()
			return errFound
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	if leader == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return leader, nil
}

// Lead bootstraps the group with this node and every peer passed to
// FindLeader as voters, then runs until ctx ends or the engine fails.
// A group that was already bootstrapped, by this node on an earlier run or
// by a peer that raced us, is left alone and joins the election.
func (e *Engine) Lead(ctx context.Context, id NodeID) error {
	r, err := e.start(id)
	if err != nil {
		return err
	}

	e.mu.RLock()
	servers := []hraft.Server{{Suffrage: hraft.Voter, ID: id.serverID(), Address: hraft.ServerAddress(e.Addr())}}
	for _, p := range e.bootstrap {
		if p.ID == id {
			continue
		}
		servers = append(servers, hraft.Server{Suffrage: hraft.Voter, ID: p.ID.serverID(), Address: hraft.ServerAddress(p.Addr)})
	}
	e.mu.RUnlock()

	err = r.BootstrapCluster(hraft.Configuration{Servers: servers}).Error()
	switch {
	case err == nil:
		e.logger.Info("bootstrapped raft group", "id", id, "voters", len(servers))
	case errors.Is(err, hraft.ErrCantBootstrap):
		e.logger.Info("raft group already bootstrapped", "id", id)
	default:
		return fmt.Errorf("raft: bootstrap: %w", err)
	}
	return e.serve(ctx, r)
}

// Join starts the local member and asks the leader to add it as a voter,
// following redirects when leadership moved. It then runs until ctx ends or
// the engine fails.
func (e *Engine) Join(ctx context.Context, id, leaderID NodeID, leaderAddr string) error {
	r, err := e.start(id)
	if err != nil {
		return err
	}
	if err := e.requestJoin(ctx, id, leaderID, leaderAddr); err != nil {
		return err
	}
	return e.serve(ctx, r)
}

func (e *Engine) requestJoin(ctx context.Context, id, leaderID NodeID, leaderAddr string) error {
	req := &joinRequest{ID: id, Addr: e.Addr()}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.JoinAttempts; attempt++ {
		client, err := e.peer(leaderID, leaderAddr)
		if err == nil {
			cctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
			var reply *joinReply
			reply, err = client.join(cctx, req)
			cancel()
			switch {
			case err != nil:
			case reply.Accepted:
				e.logger.Info("joined raft group", "id", id, "leader", leaderID, "leader_addr", leaderAddr)
				return nil
			case reply.Leader != nil:
				e.logger.Info("join redirected", "from", leaderAddr, "to", reply.Leader.Addr)
				leaderID, leaderAddr = reply.Leader.ID, reply.Leader.Addr
				continue
			default:
				err = ErrNoLeader
			}
		}
		lastErr = err
		e.logger.Warn("join attempt failed", "attempt", attempt, "leader_addr", leaderAddr, "error", err)

		if attempt == e.cfg.JoinAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.JoinInterval):
		}
	}
	return fmt.Errorf("raft: join %s after %d attempts: %w", leaderAddr, e.cfg.JoinAttempts, lastErr)
}

func (e *Engine) start(id NodeID) (*hraft.Raft, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raft != nil {
		return nil, ErrAlreadyRunning
	}
	select {
	case <-e.closed:
		return nil, ErrShutdown
	default:
	}

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = id.serverID()
	rcfg.Logger = e.logger.Named("hraft")
	if e.cfg.ElectionTimeout > 0 {
		rcfg.ElectionTimeout = e.cfg.ElectionTimeout
	}
	if e.cfg.HeartbeatTimeout > 0 {
		rcfg.HeartbeatTimeout = e.cfg.HeartbeatTimeout
	}
	if e.cfg.LeaderLeaseTimeout > 0 {
		rcfg.LeaderLeaseTimeout = e.cfg.LeaderLeaseTimeout
	}
	if e.cfg.CommitTimeout > 0 {
		rcfg.CommitTimeout = e.cfg.CommitTimeout
	}
	if e.cfg.SnapshotInterval > 0 {
		rcfg.SnapshotInterval = e.cfg.SnapshotInterval
	}
	if e.cfg.SnapshotThreshold > 0 {
		rcfg.SnapshotThreshold = e.cfg.SnapshotThreshold
	}
	if e.cfg.TrailingLogs > 0 {
		rcfg.TrailingLogs = e.cfg.TrailingLogs
	}

	logs, stable, snaps, err := e.openStores(id)
	if err != nil {
		return nil, err
	}

	trans := hraft.NewNetworkTransportWithConfig(&hraft.NetworkTransportConfig{
		Stream:  raftLayer{e.mux.raft},
		MaxPool: e.cfg.MaxPool,
		Timeout: e.cfg.RPCTimeout,
		Logger:  e.logger.Named("transport"),
	})

	r, err := hraft.NewRaft(rcfg, e.fsm, logs, stable, snaps, trans)
	if err != nil {
		_ = trans.Close()
		e.closeStores()
		return nil, fmt.Errorf("raft: new raft: %w", err)
	}

	e.id = id
	e.raft = r
	e.trans = trans
	return r, nil
}

func (e *Engine) openStores(id NodeID) (hraft.LogStore, hraft.StableStore, hraft.SnapshotStore, error) {
	if e.cfg.DataDir == "" {
		store := hraft.NewInmemStore()
		return store, store, hraft.NewInmemSnapshotStore(), nil
	}

	dir := filepath.Join(e.cfg.DataDir, strconv.FormatUint(uint64(id), 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("raft: create data dir: %w", err)
	}
	logs, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.bolt"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raft: bolt log store: %w", err)
	}
	e.stores = append(e.stores, logs)
	stable, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.bolt"))
	if err != nil {
		e.closeStores()
		return nil, nil, nil, fmt.Errorf("raft: bolt stable store: %w", err)
	}
	e.stores = append(e.stores, stable)
	snaps, err := hraft.NewFileSnapshotStoreWithLogger(filepath.Join(dir, "raft-snapshots"), 2, e.logger.Named("snapshots"))
	if err != nil {
		e.closeStores()
		return nil, nil, nil, fmt.Errorf("raft: snapshot store: %w", err)
	}
	return logs, stable, snaps, nil
}

func (e *Engine) closeStores() {
	for _, c := range e.stores {
		_ = c.Close()
	}
	e.stores = nil
}

// serve is the engine's run loop. It only returns when something ended it.
func (e *Engine) serve(ctx context.Context, r *hraft.Raft) error {
	leaderCh := r.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case err := <-e.fatal:
			e.Close()
			return err
		case <-e.closed:
			return ErrShutdown
		case isLeader := <-leaderCh:
			if isLeader {
				e.logger.Info("acquired leadership", "term", r.Stats()["term"])
			} else {
				e.logger.Info("lost leadership")
			}
		}
	}
}

func (e *Engine) instance() *hraft.Raft {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.raft
}

func (e *Engine) peer(id NodeID, addr string) (*peerClient, error) {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	if p, ok := e.peers[addr]; ok {
		if id != 0 {
			p.id = id
		}
		return p, nil
	}
	p, err := dialPeer(addr)
	if err != nil {
		return nil, err
	}
	p.id = id
	e.peers[addr] = p
	return p, nil
}

func (e *Engine) leader() (LeaderInfo, bool) {
	r := e.instance()
	if r == nil {
		return LeaderInfo{}, false
	}
	addr, id := r.LeaderWithID()
	if addr == "" || id == "" {
		return LeaderInfo{}, false
	}
	return LeaderInfo{ID: parseServerID(id), Addr: string(addr)}, true
}

func (e *Engine) status() (Status, error) {
	r := e.instance()
	if r == nil {
		return Status{}, ErrNotRunning
	}
	stats := r.Stats()
	st := Status{
		ID:           e.id,
		State:        r.State().String(),
		Term:         statUint(stats, "term"),
		CommitIndex:  statUint(stats, "commit_index"),
		AppliedIndex: r.AppliedIndex(),
		LastLogIndex: r.LastIndex(),
		NumPeers:     int(statUint(stats, "num_peers")),
	}
	if li, ok := e.leader(); ok {
		st.LeaderID = li.ID
		st.LeaderAddr = li.Addr
	}
	return st, nil
}

func (e *Engine) apply(ctx context.Context, data []byte) ([]byte, error) {
	r := e.instance()
	if r == nil {
		return nil, ErrNotRunning
	}
	timeout := e.cfg.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	f := r.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return nil, err
	}
	switch resp := f.Response().(type) {
	case nil:
		return nil, nil
	case error:
		return nil, resp
	case []byte:
		return resp, nil
	default:
		return nil, fmt.Errorf("raft: unexpected fsm response %T", resp)
	}
}

// Close shuts the engine down. It is safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.control.Stop()

		e.mu.Lock()
		if e.raft != nil {
			if err := e.raft.Shutdown().Error(); err != nil {
				e.logger.Warn("raft shutdown", "error", err)
			}
			_ = e.trans.Close()
		}
		e.closeStores()
		e.mu.Unlock()

		_ = e.mux.Close()

		e.peersMu.Lock()
		for addr, p := range e.peers {
			_ = p.Close()
			delete(e.peers, addr)
		}
		e.peersMu.Unlock()
	})
}
