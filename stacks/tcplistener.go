package stacks

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/soypat/tcpiplite"
	"github.com/soypat/tcpiplite/internal"
)

var _ net.Listener = (*TCPListener)(nil)

var errBadListenerConfig = errors.New("bad TCPListenerConfig")

type TCPListenerConfig struct {
	// Backlog is the number of sockets kept listening for new
	// connections. Defaults to 1.
	Backlog uint16
	Conn    TCPConnConfig
}

// TCPListener accepts connections on a local port as [TCPConn]s. It keeps
// Backlog sockets in LISTEN and replaces each one as it is accepted.
// Like TCPConn it polls the stack through its [Driver].
type TCPListener struct {
	d    *Driver
	cfg  TCPListenerConfig
	port uint16
	// ctx is cancelled by Close to unblock Accept.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*TCPConn
	laddr   net.TCPAddr
}

// ListenTCP starts listening on port.
func ListenTCP(d *Driver, port uint16, cfg TCPListenerConfig) (*TCPListener, error) {
	if d == nil {
		return nil, errNoDriver
	} else if port == 0 {
		return nil, errZeroPort
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = 1
	}
	if cfg.Backlog > uint16(d.stack.cfg.MaxTCBs) {
		return nil, errBadListenerConfig
	}
	l := &TCPListener{d: d, cfg: cfg, port: port}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	for range cfg.Backlog {
		conn, err := l.listen()
		if err != nil {
			l.Close()
			return nil, err
		}
		l.pending = append(l.pending, conn)
	}
	d.Do(func(s *Stack) error {
		l.laddr = net.TCPAddr{IP: s.Addr().AsSlice(), Port: int(port)}
		return nil
	})
	return l, nil
}

// listen returns a connection whose socket is listening on the listener's port.
func (l *TCPListener) listen() (*TCPConn, error) {
	conn := newTCPConn(l.d, l.cfg.Conn)
	err := l.d.Do(func(s *Stack) (err error) {
		conn.sock, err = s.SocketInit()
		if err != nil {
			return err
		}
		err = s.Bind(conn.sock, l.port)
		if err == nil {
			err = s.InsertRxBuffer(conn.sock, conn.rxbuf)
		}
		if err == nil {
			err = s.Listen(conn.sock)
		}
		if err != nil {
			s.SocketRemove(conn.sock)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Accept blocks until a connection is established. It implements [net.Listener].
func (l *TCPListener) Accept() (net.Conn, error) {
	backoff := internal.NewBackoff(internal.BackoffHasPriority)
	for {
		conn, err := l.accept()
		if err != nil || conn != nil {
			return conn, err
		}
		if backoff.Miss(l.ctx) != nil {
			return nil, net.ErrClosed
		}
	}
}

func (l *TCPListener) accept() (*TCPConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return nil, net.ErrClosed
	}
	for i, conn := range l.pending {
		var st tcpiplite.SocketState
		l.d.Do(func(s *Stack) error {
			st = s.SocketPoll(conn.sock)
			return nil
		})
		if st != tcpiplite.SocketConnected {
			continue
		}
		next, err := l.listen()
		if err != nil {
			// No TCB for a replacement, shrink the backlog.
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
		} else {
			l.pending[i] = next
		}
		conn.setAddrs()
		return conn, nil
	}
	return nil, nil
}

// Close stops listening. Accepted connections are not affected.
func (l *TCPListener) Close() error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.pending {
		l.d.Do(func(s *Stack) error { return s.SocketRemove(conn.sock) })
	}
	l.pending = nil
	return nil
}

// Addr returns the listener's network address. Implements [net.Listener].
func (l *TCPListener) Addr() net.Addr { return &l.laddr }
