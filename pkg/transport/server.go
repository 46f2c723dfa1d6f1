// Package transport carries cluster messages between broker nodes over grpc.
//
// Every message is a (MessageType, payload) pair wrapped in an anypb.Any,
// so the wire schema does not change when collaborators add message kinds.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	serviceName   = "rmqtt.cluster.Node"
	sendMethod    = "/" + serviceName + "/SendMessage"
	typeURLPrefix = "type.rmqtt.io/cluster/"
)

// MessageType discriminates cluster messages; handlers are registered per type.
type MessageType uint64

func (t MessageType) typeURL() string {
	return typeURLPrefix + strconv.FormatUint(uint64(t), 10)
}

func parseTypeURL(u string) (MessageType, error) {
	rest, ok := strings.CutPrefix(u, typeURLPrefix)
	if !ok {
		return 0, fmt.Errorf("unexpected type url %q", u)
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad message type in %q: %w", u, err)
	}
	return MessageType(n), nil
}

// HandlerFunc serves one message and returns the reply payload.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// nodeServer is the handler type of the hand-written service descriptor.
type nodeServer interface {
	SendMessage(ctx context.Context, req *anypb.Any) (*anypb.Any, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SendMessage",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(anypb.Any)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(nodeServer).SendMessage(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return srv.(nodeServer).SendMessage(ctx, req.(*anypb.Any))
			}
			return interceptor(ctx, in, info, handler)
		},
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/server.go",
}

// Server receives cluster messages from other nodes
type Server struct {
	grpc   *grpc.Server
	logger hclog.Logger

	mu       sync.RWMutex
	handlers map[MessageType]HandlerFunc
}

// NewServer creates a node message server
func NewServer(logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(16 * 1024 * 1024),
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
	}

	s := &Server{
		grpc:     grpc.NewServer(opts...),
		logger:   logger.Named("grpc-server"),
		handlers: make(map[MessageType]HandlerFunc),
	}
	s.grpc.RegisterService(&nodeServiceDesc, s)
	return s
}

// Handle registers fn for messages of type typ, replacing any previous handler.
func (s *Server) Handle(typ MessageType, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[typ] = fn
}

// SendMessage implements the grpc service.
func (s *Server) SendMessage(ctx context.Context, req *anypb.Any) (*anypb.Any, error) {
	typ, err := parseTypeURL(req.GetTypeUrl())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.mu.RLock()
	fn, ok := s.handlers[typ]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "no handler for message type %d", typ)
	}

	reply, err := fn(ctx, req.GetValue())
	if err != nil {
		if _, isStatus := status.FromError(err); isStatus {
			return nil, err
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &anypb.Any{TypeUrl: req.GetTypeUrl(), Value: reply}, nil
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving node messages", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Listen binds addr and serves in the background, returning the bound address.
func (s *Server) Listen(addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	return lis.Addr(), nil
}

// Stop stops the server gracefully, forcing it after timeout
func (s *Server) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("force stopping grpc server")
		s.grpc.Stop()
	}
}
