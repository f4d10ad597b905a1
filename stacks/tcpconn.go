package stacks

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/soypat/tcpiplite"
	"github.com/soypat/tcpiplite/internal"
)

var _ net.Conn = (*TCPConn)(nil)

const defaultSocketSize = 2048

var (
	errConnRefused = errors.New("connection refused or reset")
	errNoDriver    = errors.New("nil driver")
)

type TCPConnConfig struct {
	// RxBufSize and TxBufSize default to 2048.
	RxBufSize uint16
	TxBufSize uint16
	// Linger bounds how long Close waits for queued data to be acknowledged
	// and the peer to complete the close. Defaults to 5 seconds.
	Linger time.Duration
}

func (cfg *TCPConnConfig) setDefaults() {
	if cfg.RxBufSize == 0 {
		cfg.RxBufSize = defaultSocketSize
	}
	if cfg.TxBufSize == 0 {
		cfg.TxBufSize = defaultSocketSize
	}
	if cfg.Linger <= 0 {
		cfg.Linger = 5 * time.Second
	}
}

// TCPConn adapts a [Socket] to [net.Conn]. Calls block polling the socket
// through its [Driver], so the driver must be run by another goroutine.
//
// Received data is copied out of the socket's receive buffer, which is
// then handed back to the stack. Written data is copied to a transmit
// buffer and sent one buffer at a time.
type TCPConn struct {
	d      *Driver
	sock   Socket
	rxbuf  []byte
	txbuf  []byte
	unread []byte
	linger time.Duration
	// Deadlines in Unix nanoseconds, zero means none.
	rdead, wdead atomic.Int64
	closed       atomic.Bool
	// Avoid allocations by making LocalAddr and RemoteAddr give out pointers to these fields.
	raddr, laddr net.TCPAddr
}

// DialTCP connects to remote and blocks until the connection is established,
// refused or ctx is done.
func DialTCP(ctx context.Context, d *Driver, remote netip.AddrPort, cfg TCPConnConfig) (*TCPConn, error) {
	if d == nil {
		return nil, errNoDriver
	}
	conn := newTCPConn(d, cfg)
	err := d.Do(func(s *Stack) (err error) {
		conn.sock, err = s.SocketInit()
		if err != nil {
			return err
		}
		err = s.InsertRxBuffer(conn.sock, conn.rxbuf)
		if err == nil {
			err = s.Connect(conn.sock, remote)
		}
		if err != nil {
			s.SocketRemove(conn.sock)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	err = conn.wait(ctx, func(s *Stack) (bool, error) {
		switch s.SocketPoll(conn.sock) {
		case tcpiplite.SocketConnected:
			return true, nil
		case tcpiplite.SocketInProgress:
			return false, nil
		}
		return false, errConnRefused
	})
	if err != nil {
		d.Do(func(s *Stack) error {
			s.Close(conn.sock)
			return s.SocketRemove(conn.sock)
		})
		return nil, err
	}
	conn.setAddrs()
	return conn, nil
}

func newTCPConn(d *Driver, cfg TCPConnConfig) *TCPConn {
	cfg.setDefaults()
	buf := make([]byte, int(cfg.RxBufSize)+int(cfg.TxBufSize))
	return &TCPConn{
		d:      d,
		rxbuf:  buf[:cfg.RxBufSize:cfg.RxBufSize],
		txbuf:  buf[cfg.RxBufSize:],
		linger: cfg.Linger,
	}
}

func (conn *TCPConn) setAddrs() {
	conn.d.Do(func(s *Stack) error {
		info, _ := s.TCBInfo(conn.sock)
		conn.laddr = net.TCPAddr{IP: s.Addr().AsSlice(), Port: int(info.LocalPort)}
		conn.raddr = net.TCPAddr{IP: info.Remote.Addr().AsSlice(), Port: int(info.Remote.Port())}
		return nil
	})
}

// wait polls cond with exclusive access to the stack until it reports done,
// fails or ctx is done.
func (conn *TCPConn) wait(ctx context.Context, cond func(s *Stack) (done bool, err error)) error {
	backoff := internal.NewBackoff(internal.BackoffHasPriority)
	for {
		var done bool
		err := conn.d.Do(func(s *Stack) (err error) {
			done, err = cond(s)
			return err
		})
		if err != nil || done {
			return err
		}
		if err = backoff.Miss(ctx); err != nil {
			return err
		}
	}
}

func deadlineContext(dead int64) (context.Context, context.CancelFunc) {
	if dead == 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), time.Unix(0, dead))
}

func mapDeadline(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Read reads received data. It blocks until data is available, the peer
// closes the connection or the read deadline passes.
func (conn *TCPConn) Read(b []byte) (int, error) {
	if conn.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(conn.unread) == 0 {
		ctx, cancel := deadlineContext(conn.rdead.Load())
		defer cancel()
		err := conn.wait(ctx, conn.fillUnread)
		if err != nil {
			return 0, mapDeadline(err)
		}
	}
	n := copy(b, conn.unread)
	conn.unread = conn.unread[n:]
	return n, nil
}

// fillUnread moves received data out of the socket's buffer and returns the
// buffer to the stack.
func (conn *TCPConn) fillUnread(s *Stack) (bool, error) {
	if conn.closed.Load() {
		return false, net.ErrClosed
	}
	if s.GetRxLength(conn.sock) == 0 {
		if s.SocketPoll(conn.sock) != tcpiplite.SocketConnected {
			return false, io.EOF
		}
		return false, nil
	}
	n, err := s.GetReceivedData(conn.sock)
	if err != nil {
		return false, err
	}
	conn.unread = append(conn.unread[:0], conn.rxbuf[:n]...)
	return true, s.InsertRxBuffer(conn.sock, conn.rxbuf)
}

// Write sends b. It returns once all of b is queued, the last transmit
// buffer may still be unacknowledged.
func (conn *TCPConn) Write(b []byte) (n int, err error) {
	if conn.closed.Load() {
		return 0, net.ErrClosed
	}
	ctx, cancel := deadlineContext(conn.wdead.Load())
	defer cancel()
	for len(b) > 0 {
		var chunk int
		err = conn.wait(ctx, func(s *Stack) (bool, error) {
			if conn.closed.Load() {
				return false, net.ErrClosed
			} else if s.SocketPoll(conn.sock) != tcpiplite.SocketConnected {
				return false, io.ErrClosedPipe
			} else if !s.SendDone(conn.sock) {
				return false, nil
			}
			chunk = copy(conn.txbuf, b)
			return true, s.Send(conn.sock, conn.txbuf[:chunk])
		})
		if err != nil {
			return n, mapDeadline(err)
		}
		n += chunk
		b = b[chunk:]
	}
	return n, nil
}

// Close flushes queued data, starts an orderly release and waits up to the
// linger time for the peer before releasing the socket.
func (conn *TCPConn) Close() error {
	if conn.closed.Swap(true) {
		return net.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), conn.linger)
	defer cancel()
	conn.wait(ctx, func(s *Stack) (bool, error) {
		return s.SendDone(conn.sock) || s.SocketPoll(conn.sock) != tcpiplite.SocketConnected, nil
	})
	conn.d.Do(func(s *Stack) error { return s.Close(conn.sock) })
	conn.wait(ctx, func(s *Stack) (bool, error) {
		info, ok := s.TCBInfo(conn.sock)
		return !ok || info.State == tcpiplite.StateClosed, nil
	})
	return conn.d.Do(func(s *Stack) error { return s.SocketRemove(conn.sock) })
}

// LocalAddr implements [net.Conn].
func (conn *TCPConn) LocalAddr() net.Addr { return &conn.laddr }

// RemoteAddr implements [net.Conn].
func (conn *TCPConn) RemoteAddr() net.Addr { return &conn.raddr }

func (conn *TCPConn) SetDeadline(t time.Time) error {
	conn.SetReadDeadline(t)
	return conn.SetWriteDeadline(t)
}

// SetReadDeadline applies to future Read calls. A zero t disables the deadline.
func (conn *TCPConn) SetReadDeadline(t time.Time) error {
	conn.rdead.Store(unixNano(t))
	return nil
}

// SetWriteDeadline applies to future Write calls. A zero t disables the deadline.
func (conn *TCPConn) SetWriteDeadline(t time.Time) error {
	conn.wdead.Store(unixNano(t))
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Socket returns the handle of the underlying socket.
func (conn *TCPConn) Socket() Socket { return conn.sock }
