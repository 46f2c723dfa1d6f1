package raft

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
)

// Connection tags written as the first byte of every stream.
const (
	connRaft    byte = 0x01
	connControl byte = 0x02
)

const handshakeTimeout = 5 * time.Second

// connMux splits one TCP listener into a raft stream and a control stream.
type connMux struct {
	ln      net.Listener
	raft    *muxListener
	control *muxListener
	logger  hclog.Logger
}

func newConnMux(ln net.Listener, logger hclog.Logger) *connMux {
	return &connMux{
		ln:      ln,
		raft:    newMuxListener(ln.Addr()),
		control: newMuxListener(ln.Addr()),
		logger:  logger,
	}
}

// serve accepts connections until the listener is closed.
func (m *connMux) serve() error {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go m.route(conn)
	}
}

func (m *connMux) route(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var tag [1]byte
	if _, err := io.ReadFull(conn, tag[:]); err != nil {
		m.logger.Debug("dropping connection without tag", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch tag[0] {
	case connRaft:
		m.raft.push(conn)
	case connControl:
		m.control.push(conn)
	default:
		m.logger.Warn("unknown connection tag", "remote", conn.RemoteAddr(), "tag", tag[0])
		_ = conn.Close()
	}
}

func (m *connMux) Close() error {
	_ = m.raft.Close()
	_ = m.control.Close()
	return m.ln.Close()
}

// muxListener is the net.Listener view of one tagged stream.
type muxListener struct {
	addr  net.Addr
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newMuxListener(addr net.Addr) *muxListener {
	return &muxListener{addr: addr, conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *muxListener) push(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *muxListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *muxListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *muxListener) Addr() net.Addr { return l.addr }

// raftLayer implements hraft.StreamLayer on top of the mux.
type raftLayer struct {
	*muxListener
}

var _ hraft.StreamLayer = raftLayer{}

func (r raftLayer) Dial(address hraft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return dialTagged(ctx, string(address), connRaft)
}

func dialTagged(ctx context.Context, addr string, tag byte) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{tag}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}
