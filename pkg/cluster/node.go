package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/PJLys/rmqtt/config"
	"github.com/PJLys/rmqtt/pkg/backoff"
	"github.com/PJLys/rmqtt/pkg/cluster/raft"
	"github.com/PJLys/rmqtt/pkg/taskexec"
	"github.com/PJLys/rmqtt/pkg/transport"
	"github.com/PJLys/rmqtt/storage"
)

// MessageKind selects the handler of a cluster message.
type MessageKind string

const (
	KindPing  MessageKind = "ping"
	KindAttrs MessageKind = "attrs"
)

// Message is the body of every node to node message of the cluster type.
type Message struct {
	Kind MessageKind     `json:"kind"`
	From uint64          `json:"from"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	NodeID uint64 `json:"node_id"`
	Name   string `json:"name"`
}

// ClientStats are the transport counters of one remote node.
type ClientStats struct {
	ChannelTasks int64 `json:"channel_tasks"`
	ActiveTasks  int64 `json:"active_tasks"`
}

// Attrs is the observability snapshot of a node.
type Attrs struct {
	GRPCClients   map[uint64]ClientStats         `json:"grpc_clients"`
	RaftStatus    *raft.Status                   `json:"raft_status"`
	RaftPeers     map[raft.NodeID]raft.PeerStats `json:"raft_peers"`
	ClientStates  int                            `json:"client_states"`
	TaskExecQueue taskexec.Stats                 `json:"task_exec_queue"`
}

// BroadcastResult is the answer of one node to a broadcast.
type BroadcastResult struct {
	Reply   []byte
	Retries int
	Err     error
}

// Option configures a Node.
type Option func(*Node)

// WithExecutor shares an executor instead of building one in Init.
func WithExecutor(e *taskexec.Executor) Option { return func(n *Node) { n.exec = e } }

// WithStorage sets the registry backend instead of opening the configured one.
func WithStorage(st storage.Storage) Option { return func(n *Node) { n.store = st } }

// WithEngineFactory replaces the hashicorp/raft engine.
func WithEngineFactory(f EngineFactory) Option { return func(n *Node) { n.newEngine = f } }

// WithExitPolicy replaces the policy applied when the raft run loop ends.
func WithExitPolicy(p ExitPolicy) Option { return func(n *Node) { n.policy = p } }

// WithResolver replaces the address resolver.
func WithResolver(r *Resolver) Option { return func(n *Node) { n.resolver = r } }

// Node is the cluster side of one broker process.
type Node struct {
	cfg    *config.Config
	logger hclog.Logger

	exec      *taskexec.Executor
	store     storage.Storage
	newEngine EngineFactory
	policy    ExitPolicy
	resolver  *Resolver
	backoff   backoff.Strategy

	// initMu serializes Init; mu guards the fields below and is never held
	// across network calls.
	initMu sync.Mutex

	mu       sync.Mutex
	inited   bool
	ownExec  bool
	registry *Registry
	server   *transport.Server
	rpcAddr  string
	clients  map[uint64]*transport.Client
	names    map[uint64]string
	started  *Started
}

// NewNode prepares a node; nothing touches the network before Init.
func NewNode(cfg *config.Config, logger hclog.Logger, opts ...Option) *Node {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[uint64]*transport.Client),
		names:   make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// RaftConfig maps the cluster raft settings onto the engine config.
func RaftConfig(c config.ClusterConfig) raft.Config {
	r := c.Raft
	return raft.Config{
		DataDir:            r.DataDir,
		ElectionTimeout:    r.ElectionTimeout,
		HeartbeatTimeout:   r.HeartbeatTimeout,
		LeaderLeaseTimeout: r.LeaderLeaseTimeout,
		CommitTimeout:      r.CommitTimeout,
		SnapshotInterval:   r.SnapshotInterval,
		SnapshotThreshold:  r.SnapshotThreshold,
		TrailingLogs:       r.TrailingLogs,
		MaxPool:            r.MaxPool,
		ApplyTimeout:       r.ApplyTimeout,
		RPCTimeout:         c.RPC.Timeout,
		JoinAttempts:       r.JoinAttempts,
		JoinInterval:       r.JoinInterval,
	}
}

// Init brings the node up: registry storage, the node message server, one
// client per remote node, the raft group, and finally a bounded wait for
// the group to elect a leader. The node answers messages while Init is
// still bootstrapping. A failed Init releases what it acquired and may be
// retried.
func (n *Node) Init(ctx context.Context) (err error) {
	n.initMu.Lock()
	defer n.initMu.Unlock()
	if n.isInited() {
		return nil
	}
	cc := n.cfg.Cluster

	strategy, err := backoff.Parse(cc.RPC.Backoff, cc.RPC.RetryInterval, cc.RPC.MaxRetryInterval)
	if err != nil {
		return err
	}

	var (
		exec    = n.exec
		ownExec bool
		store   = n.store
		server  *transport.Server
		clients = make(map[uint64]*transport.Client)
		names   = make(map[uint64]string)
		started *Started
	)
	defer func() {
		if err == nil {
			return
		}
		if started != nil {
			started.Engine.Close()
		}
		if server != nil {
			server.Stop(time.Second)
		}
		for _, c := range clients {
			_ = c.Close()
		}
		if ownExec {
			exec.Close()
		}
		if store != nil && store != n.store {
			_ = store.Close()
		}
		n.mu.Lock()
		n.registry, n.server, n.rpcAddr, n.started = nil, nil, "", nil
		n.clients = make(map[uint64]*transport.Client)
		n.names = make(map[uint64]string)
		n.mu.Unlock()
	}()

	if exec == nil {
		exec, err = taskexec.New(cc.TaskExecQueueWorkers, cc.TaskExecQueueMax,
			taskexec.WithLogger(n.logger.Named("taskexec")))
		if err != nil {
			return err
		}
		ownExec = true
	}
	if store == nil {
		store, err = storage.Open(n.cfg.Storage, n.logger.Named("storage"))
		if err != nil {
			return fmt.Errorf("open registry storage: %w", err)
		}
	}
	registry := NewRegistry(store, n.logger.Named("registry"))

	for _, na := range cc.NodeGRPCAddrs {
		names[na.ID] = na.String()
		if na.ID == n.cfg.Node.ID {
			continue
		}
		var c *transport.Client
		c, err = transport.Dial(ctx, na.Addr, transport.ClientOptions{
			MaxInflight: cc.RPC.MaxInflight,
			Timeout:     cc.RPC.Timeout,
		})
		if err != nil {
			return fmt.Errorf("node %s: %w", na, err)
		}
		clients[na.ID] = c
	}

	// Everything the message handlers read is published before the server
	// starts listening.
	n.mu.Lock()
	n.backoff = strategy
	n.registry = registry
	n.clients = clients
	n.names = names
	n.mu.Unlock()

	server = transport.NewServer(n.logger)
	server.Handle(transport.MessageType(cc.MessageType), n.handleMessage)
	var rpcAddr string
	if n.cfg.Node.RPCAddr != "" {
		var addr net.Addr
		addr, err = server.Listen(n.cfg.Node.RPCAddr)
		if err != nil {
			return err
		}
		rpcAddr = addr.String()
	}
	n.mu.Lock()
	n.server = server
	n.rpcAddr = rpcAddr
	n.mu.Unlock()

	newEngine := n.newEngine
	if newEngine == nil {
		newEngine = RaftEngine(registry, RaftConfig(cc), n.logger.Named("raft"))
	}
	policy := n.policy
	if policy == nil {
		policy = ProcessExit{Logger: n.logger, Delay: cc.Supervisor.ExitDelay, Code: cc.Supervisor.ExitCode}
	}
	resolver := n.resolver
	if resolver == nil {
		resolver = &Resolver{
			Attempts: cc.Resolve.Attempts,
			MinDelay: cc.Resolve.MinDelay,
			MaxDelay: cc.Resolve.MaxDelay,
			Logger:   n.logger.Named("resolve"),
		}
	}

	b := &Bootstrap{
		ID:         n.cfg.Node.ID,
		Peers:      cc.RaftPeerAddrs,
		Resolver:   resolver,
		NewEngine:  newEngine,
		Supervisor: &Supervisor{Policy: policy, Logger: n.logger.Named("supervisor")},
		RunName:    cc.Supervisor.Name,
		Logger:     n.logger.Named("bootstrap"),
	}
	started, err = b.Start(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.started = started
	n.mu.Unlock()

	gate := StartupGate{Attempts: cc.Startup.Attempts, Interval: cc.Startup.Interval, Logger: n.logger.Named("startup")}
	attempts, ok := gate.Wait(ctx, started.Mailbox)
	n.logger.Info("cluster node initialized", "id", n.cfg.Node.ID, "role", started.Role, "started", ok, "polls", attempts)

	n.mu.Lock()
	n.exec, n.ownExec, n.store = exec, ownExec, store
	n.inited = true
	n.mu.Unlock()
	return nil
}

func (n *Node) isInited() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inited
}

// Start fails unless the raft group has a leader.
func (n *Node) Start(ctx context.Context) error {
	mb, err := n.Mailbox()
	if err != nil {
		return err
	}
	st, err := mb.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClusterAbnormal, err)
	}
	if !st.Started() {
		n.logger.Error("raft cluster status is abnormal", "state", st.State, "term", st.Term)
		return ErrClusterAbnormal
	}
	n.logger.Info("cluster node started", "id", n.cfg.Node.ID, "leader", st.LeaderID, "state", st.State)
	return nil
}

// Stop always refuses: a node cannot leave the group once it has started.
func (n *Node) Stop() bool {
	n.logger.Warn("the cluster node cannot be stopped once started")
	return false
}

// Close releases everything Init acquired. The raft run loop ending this
// way still goes through the exit policy.
func (n *Node) Close() {
	n.mu.Lock()
	started, server, store := n.started, n.server, n.store
	var exec *taskexec.Executor
	if n.ownExec {
		exec = n.exec
	}
	clients := n.clients
	n.clients = make(map[uint64]*transport.Client)
	n.mu.Unlock()

	if server != nil {
		server.Stop(time.Second)
	}
	if started != nil {
		started.Engine.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if exec != nil {
		exec.Close()
	}
	if store != nil {
		_ = store.Close()
	}
}

func (n *Node) Config() *config.Config { return n.cfg }

func (n *Node) ID() uint64 { return n.cfg.Node.ID }

// RPCAddr is the bound address of the node message server.
func (n *Node) RPCAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rpcAddr
}

// Role reports whether this node led or joined at bootstrap.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started == nil {
		return ""
	}
	return n.started.Role
}

// Mailbox returns the consensus handle once Init has run.
func (n *Node) Mailbox() (Mailbox, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started == nil {
		return nil, ErrNotInitialized
	}
	return n.started.Mailbox, nil
}

func (n *Node) Registry() *Registry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registry
}

func (n *Node) Executor() *taskexec.Executor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.exec
}

// NodeName returns the "id@addr" name of a configured node.
func (n *Node) NodeName(id uint64) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name, ok := n.names[id]; ok {
		return name
	}
	return fmt.Sprintf("%d@", id)
}

// NodeNames returns every configured node name, ordered by id.
func (n *Node) NodeNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]uint64, 0, len(n.names))
	for id := range n.names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, n.names[id])
	}
	return out
}

// Attrs collects the node's observability snapshot.
func (n *Node) Attrs(ctx context.Context) Attrs {
	attrs := Attrs{
		GRPCClients: make(map[uint64]ClientStats),
		RaftPeers:   make(map[raft.NodeID]raft.PeerStats),
	}

	n.mu.Lock()
	for id, c := range n.clients {
		attrs.GRPCClients[id] = ClientStats{ChannelTasks: c.ChannelTasks(), ActiveTasks: c.ActiveTasks()}
	}
	started, exec, registry := n.started, n.exec, n.registry
	n.mu.Unlock()

	if started != nil {
		if st, err := started.Mailbox.Status(ctx); err == nil {
			attrs.RaftStatus = &st
		}
		for id, p := range started.Mailbox.Peers() {
			attrs.RaftPeers[id] = p
		}
	}
	if registry != nil {
		if count, err := registry.ClientCount(ctx); err == nil {
			attrs.ClientStates = count
		}
	}
	if exec != nil {
		attrs.TaskExecQueue = exec.Stats()
	}
	return attrs
}

func (n *Node) sender(c Sender, msg []byte) *MessageSender {
	n.mu.Lock()
	strategy := n.backoff
	n.mu.Unlock()
	return &MessageSender{
		Client:     c,
		Type:       transport.MessageType(n.cfg.Cluster.MessageType),
		Msg:        msg,
		MaxRetries: n.cfg.Cluster.RPC.MaxRetries,
		Backoff:    strategy,
		Logger:     n.logger.Named("messenger"),
	}
}

func (n *Node) encode(kind MessageKind, data interface{}) ([]byte, error) {
	msg := Message{Kind: kind, From: n.cfg.Node.ID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// SendTo delivers a message of the given kind to one node with retries.
func (n *Node) SendTo(ctx context.Context, id uint64, kind MessageKind, data interface{}) ([]byte, error) {
	n.mu.Lock()
	c, ok := n.clients[id]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no grpc client for node %d", id)
	}
	msg, err := n.encode(kind, data)
	if err != nil {
		return nil, err
	}
	reply, _, err := n.sender(c, msg).Send(ctx)
	return reply, err
}

// Ping checks that node id answers.
func (n *Node) Ping(ctx context.Context, id uint64) (Pong, error) {
	reply, err := n.SendTo(ctx, id, KindPing, nil)
	if err != nil {
		return Pong{}, err
	}
	var pong Pong
	if err := json.Unmarshal(reply, &pong); err != nil {
		return Pong{}, fmt.Errorf("decode pong: %w", err)
	}
	return pong, nil
}

// Broadcast sends one message to every remote node through the task
// executor and waits for all of them.
func (n *Node) Broadcast(ctx context.Context, kind MessageKind, data interface{}) (map[uint64]BroadcastResult, error) {
	msg, err := n.encode(kind, data)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	clients := make(map[uint64]*transport.Client, len(n.clients))
	for id, c := range n.clients {
		clients[id] = c
	}
	exec := n.exec
	n.mu.Unlock()
	if exec == nil {
		return nil, ErrNotInitialized
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[uint64]BroadcastResult, len(clients))
	)
	for id, c := range clients {
		id, s := id, n.sender(c, msg)
		wg.Add(1)
		err := exec.Submit(ctx, func() {
			defer wg.Done()
			reply, retries, err := s.Send(ctx)
			mu.Lock()
			results[id] = BroadcastResult{Reply: reply, Retries: retries, Err: err}
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			results[id] = BroadcastResult{Err: err}
			mu.Unlock()
		}
	}
	wg.Wait()
	return results, nil
}

func (n *Node) handleMessage(ctx context.Context, payload []byte) ([]byte, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode cluster message: %w", err)
	}
	switch msg.Kind {
	case KindPing:
		return json.Marshal(Pong{NodeID: n.cfg.Node.ID, Name: n.NodeName(n.cfg.Node.ID)})
	case KindAttrs:
		return json.Marshal(n.Attrs(ctx))
	default:
		return nil, fmt.Errorf("unknown cluster message kind %q from node %d", msg.Kind, msg.From)
	}
}

func (n *Node) propose(ctx context.Context, t CommandType, payload interface{}) ([]byte, error) {
	mb, err := n.Mailbox()
	if err != nil {
		return nil, err
	}
	cmd, err := NewCommand(t, payload)
	if err != nil {
		return nil, err
	}
	data, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}
	return mb.Propose(ctx, data)
}

// AddRoute registers filter as served by this node.
func (n *Node) AddRoute(ctx context.Context, filter string) error {
	_, err := n.propose(ctx, CmdRouteAdd, RouteCommand{Filter: filter, NodeID: n.cfg.Node.ID})
	return err
}

// RemoveRoute drops filter from this node's routes.
func (n *Node) RemoveRoute(ctx context.Context, filter string) error {
	_, err := n.propose(ctx, CmdRouteRemove, RouteCommand{Filter: filter, NodeID: n.cfg.Node.ID})
	return err
}

// ClientConnected records that clientID now lives on this node. When the
// session moved from another node, that node's id is returned.
func (n *Node) ClientConnected(ctx context.Context, clientID string) (uint64, bool, error) {
	reply, err := n.propose(ctx, CmdClientConnected, ClientCommand{ClientID: clientID, NodeID: n.cfg.Node.ID})
	if err != nil || len(reply) == 0 {
		return 0, false, err
	}
	var prev uint64
	if _, err := fmt.Sscan(string(reply), &prev); err != nil {
		return 0, false, fmt.Errorf("decode previous owner: %w", err)
	}
	return prev, true, nil
}

// ClientDisconnected drops clientID when this node still owns it.
func (n *Node) ClientDisconnected(ctx context.Context, clientID string) error {
	_, err := n.propose(ctx, CmdClientDisconnected, ClientCommand{ClientID: clientID, NodeID: n.cfg.Node.ID})
	return err
}
