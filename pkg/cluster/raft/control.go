package raft

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"

	hraft "github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const controlService = "rmqtt.raft.Control"

// jsonCodec lets the control service exchange plain Go structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type leaderInfoRequest struct{}

type leaderInfoReply struct {
	Known  bool       `json:"known"`
	Leader LeaderInfo `json:"leader"`
}

type joinRequest struct {
	ID   NodeID `json:"id"`
	Addr string `json:"addr"`
}

type joinReply struct {
	Accepted bool        `json:"accepted"`
	Leader   *LeaderInfo `json:"leader,omitempty"`
}

type proposeRequest struct {
	Data []byte `json:"data"`
}

type proposeReply struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type statusRequest struct{}

// controlServer is implemented by Engine.
type controlServer interface {
	LeaderInfo(ctx context.Context, req *leaderInfoRequest) (*leaderInfoReply, error)
	Join(ctx context.Context, req *joinRequest) (*joinReply, error)
	Propose(ctx context.Context, req *proposeRequest) (*proposeReply, error)
	Status(ctx context.Context, req *statusRequest) (*Status, error)
}

func unary[Req, Resp any](method string, call func(controlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(controlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlService + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(controlServer), ctx, req.(*Req))
			})
		},
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlService,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("LeaderInfo", controlServer.LeaderInfo),
		unary("Join", controlServer.Join),
		unary("Propose", controlServer.Propose),
		unary("Status", controlServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft/control.go",
}

// controlHandler serves the control service for one engine.
type controlHandler struct {
	e *Engine
}

func (h *controlHandler) LeaderInfo(ctx context.Context, _ *leaderInfoRequest) (*leaderInfoReply, error) {
	li, ok := h.e.leader()
	return &leaderInfoReply{Known: ok, Leader: li}, nil
}

// Join adds the caller as a voter. Only the leader accepts; followers answer
// with the leader they know of so the caller can retry there.
func (h *controlHandler) Join(ctx context.Context, req *joinRequest) (*joinReply, error) {
	if req.ID == 0 || req.Addr == "" {
		return nil, status.Error(codes.InvalidArgument, "join needs an id and an address")
	}
	r := h.e.instance()
	if r == nil {
		return nil, status.Error(codes.Unavailable, ErrNotRunning.Error())
	}
	if r.State() != hraft.Leader {
		reply := &joinReply{}
		if li, ok := h.e.leader(); ok {
			reply.Leader = &li
		}
		return reply, nil
	}

	future := r.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	id, addr := req.ID.serverID(), hraft.ServerAddress(req.Addr)
	for _, srv := range future.Configuration().Servers {
		if srv.ID == id && srv.Address == addr {
			h.e.logger.Debug("join from existing member", "id", req.ID, "addr", req.Addr)
			return &joinReply{Accepted: true}, nil
		}
		// Same id on a new address, or a new id on an old address: drop the
		// stale entry before adding the caller.
		if srv.ID == id || srv.Address == addr {
			if err := r.RemoveServer(srv.ID, 0, 0).Error(); err != nil {
				return nil, status.Errorf(codes.Internal, "remove stale member %s: %v", srv.ID, err)
			}
		}
	}
	if err := r.AddVoter(id, addr, 0, 0).Error(); err != nil {
		return nil, status.Errorf(codes.Internal, "add voter %d: %v", req.ID, err)
	}
	h.e.logger.Info("member joined", "id", req.ID, "addr", req.Addr)
	return &joinReply{Accepted: true}, nil
}

func (h *controlHandler) Propose(ctx context.Context, req *proposeRequest) (*proposeReply, error) {
	r := h.e.instance()
	if r == nil {
		return nil, status.Error(codes.Unavailable, ErrNotRunning.Error())
	}
	if r.State() != hraft.Leader {
		return nil, status.Error(codes.FailedPrecondition, "not the leader")
	}
	data, err := h.e.apply(ctx, req.Data)
	if err != nil {
		return &proposeReply{Error: err.Error()}, nil
	}
	return &proposeReply{Data: data}, nil
}

func (h *controlHandler) Status(ctx context.Context, _ *statusRequest) (*Status, error) {
	st, err := h.e.status()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &st, nil
}

// peerClient talks to the control service of one peer and keeps the
// counters reported by Mailbox.Peers.
type peerClient struct {
	id   NodeID
	addr string
	conn *grpc.ClientConn

	active atomic.Int64
	fails  atomic.Int64
}

func dialPeer(addr string) (*peerClient, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return dialTagged(ctx, addr, connControl)
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, err
	}
	return &peerClient{addr: addr, conn: conn}, nil
}

func (p *peerClient) call(ctx context.Context, method string, req, reply interface{}) error {
	p.active.Add(1)
	defer p.active.Add(-1)

	err := p.conn.Invoke(ctx, "/"+controlService+"/"+method, req, reply)
	if err != nil {
		p.fails.Add(1)
		return err
	}
	p.fails.Store(0)
	return nil
}

func (p *peerClient) leaderInfo(ctx context.Context) (*leaderInfoReply, error) {
	reply := new(leaderInfoReply)
	return reply, p.call(ctx, "LeaderInfo", &leaderInfoRequest{}, reply)
}

func (p *peerClient) join(ctx context.Context, req *joinRequest) (*joinReply, error) {
	reply := new(joinReply)
	return reply, p.call(ctx, "Join", req, reply)
}

func (p *peerClient) propose(ctx context.Context, data []byte) (*proposeReply, error) {
	reply := new(proposeReply)
	return reply, p.call(ctx, "Propose", &proposeRequest{Data: data}, reply)
}

func (p *peerClient) status(ctx context.Context) (*Status, error) {
	reply := new(Status)
	return reply, p.call(ctx, "Status", &statusRequest{}, reply)
}

func (p *peerClient) stats() PeerStats {
	return PeerStats{ActiveTasks: p.active.Load(), GRPCFails: p.fails.Load()}
}

func (p *peerClient) Close() error { return p.conn.Close() }

// QueryStatus asks the node whose raft address is addr for its status.
func QueryStatus(ctx context.Context, addr string) (Status, error) {
	p, err := dialPeer(addr)
	if err != nil {
		return Status{}, err
	}
	defer p.Close()

	st, err := p.status(ctx)
	if err != nil {
		return Status{}, err
	}
	return *st, nil
}

// QueryLeader asks the node whose raft address is addr who leads the group.
func QueryLeader(ctx context.Context, addr string) (LeaderInfo, bool, error) {
	p, err := dialPeer(addr)
	if err != nil {
		return LeaderInfo{}, false, err
	}
	defer p.Close()

	reply, err := p.leaderInfo(ctx)
	if err != nil {
		return LeaderInfo{}, false, err
	}
	return reply.Leader, reply.Known, nil
}
