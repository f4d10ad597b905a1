package stacks

import (
	"log/slog"
	"net/netip"

	"github.com/soypat/tcpiplite"
)

// Socket is a handle to a TCP control block owned by a [Stack]. Handles of
// removed sockets are detected through a generation counter and rejected with
// [ErrNotASocket].
type Socket struct {
	idx uint16
	gen uint16
}

// tcb is a TCP control block.
type tcb struct {
	gen    uint16
	linked bool

	localPort uint16
	destIP    [4]byte
	destPort  uint16

	// remoteSeqno is the sequence number of the last accepted segment.
	remoteSeqno tcpiplite.Value
	// remoteAck is the next sequence number expected from the peer, sent in our ACKs.
	remoteAck tcpiplite.Value
	// localSeqno is the sequence number of the next octet we send.
	localSeqno tcpiplite.Value
	// localLastAck is the oldest unacknowledged sequence number we sent.
	localLastAck tcpiplite.Value
	remoteWnd    uint16
	localWnd     uint16
	// advWnd is the window advertised in the last segment sent.
	advWnd uint16
	mss    uint16

	rxBuf   []byte
	rxLen   int
	rxState tcpiplite.BufferState

	txBuf []byte
	// txAcked is the number of octets of txBuf acknowledged by the peer.
	txAcked int
	// bytesToSend is the number of octets of txBuf not yet acknowledged.
	bytesToSend int
	// bytesSent is the number of octets in flight.
	bytesSent int
	txState   tcpiplite.BufferState

	state tcpiplite.State
	event tcpiplite.Event

	timeout       uint16
	timeoutReload uint16
	timeoutsCount uint8

	// flags holds the flags of the last segment sent, used for retransmission.
	flags     tcpiplite.Flags
	sockState tcpiplite.SocketState
}

// TCBInfo is a diagnostic snapshot of a TCP control block.
type TCBInfo struct {
	State        tcpiplite.State
	SocketState  tcpiplite.SocketState
	LocalPort    uint16
	Remote       netip.AddrPort
	LocalSeqno   tcpiplite.Value
	LocalLastAck tcpiplite.Value
	RemoteAck    tcpiplite.Value
	RemoteWnd    uint16
	LocalWnd     uint16
	MSS          uint16
	Timeout      uint16
	Retries      uint8
	RxLen        int
	TxPending    int
}

func (s *Stack) tcbOf(sock Socket) (*tcb, error) {
	if int(sock.idx) >= len(s.tcbs) {
		return nil, ErrNotASocket
	}
	t := &s.tcbs[sock.idx]
	if !t.linked || t.gen != sock.gen {
		return nil, ErrNotASocket
	}
	return t, nil
}

// SocketInit links a new TCB and returns its handle. The socket starts CLOSED.
func (s *Stack) SocketInit() (Socket, error) {
	for i := range s.tcbs {
		t := &s.tcbs[i]
		if t.linked {
			continue
		}
		gen := t.gen + 1
		*t = tcb{
			gen:       gen,
			linked:    true,
			mss:       s.cfg.MSS,
			state:     tcpiplite.StateClosed,
			sockState: tcpiplite.SocketClosed,
		}
		s.live = append(s.live, 0)
		copy(s.live[1:], s.live)
		s.live[0] = i
		s.debug("tcp:socketinit", slog.Int("idx", i))
		return Socket{idx: uint16(i), gen: gen}, nil
	}
	return Socket{}, ErrNoTCB
}

// SocketRemove unlinks the TCB. The handle becomes invalid. Removing a socket
// does not notify the peer, see [Stack.Close].
func (s *Stack) SocketRemove(sock Socket) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	t.linked = false
	for i, idx := range s.live {
		if idx == int(sock.idx) {
			s.live = append(s.live[:i], s.live[i+1:]...)
			break
		}
	}
	return nil
}

// SocketPoll returns the user facing state of the socket.
func (s *Stack) SocketPoll(sock Socket) tcpiplite.SocketState {
	t, err := s.tcbOf(sock)
	if err != nil {
		return tcpiplite.SocketNotASocket
	}
	return t.sockState
}

// Bind sets the local port of the socket.
func (s *Stack) Bind(sock Socket, port uint16) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	if t.state != tcpiplite.StateClosed {
		return errInvalidState
	}
	t.localPort = port
	return nil
}

// Listen puts a bound socket in the LISTEN state. A listening socket returns
// to LISTEN if a half open connection is reset by the peer.
func (s *Stack) Listen(sock Socket) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	if t.localPort == 0 {
		return errZeroPort
	} else if t.state != tcpiplite.StateClosed {
		return errInvalidState
	}
	t.event = tcpiplite.EventPassiveOpen
	return s.tcpFSM(t)
}

// Connect starts an active open to remote. If the socket is not bound an
// ephemeral local port is picked. Transmit failures of the SYN are retried by
// the retransmission timer so Connect succeeds as long as the FSM started.
func (s *Stack) Connect(sock Socket, remote netip.AddrPort) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	if !remote.Addr().Is4() {
		return errNotIPv4
	} else if remote.Port() == 0 {
		return errZeroPort
	} else if t.state != tcpiplite.StateClosed {
		return errInvalidState
	}
	if t.localPort == 0 {
		t.localPort = s.ephemeralPort()
	}
	t.destIP = remote.Addr().As4()
	t.destPort = remote.Port()
	t.event = tcpiplite.EventActiveOpen
	err = s.tcpFSM(t)
	if err != nil {
		s.debug("tcp:connect", slog.String("err", err.Error()))
	}
	return nil
}

// Close starts an orderly release of the connection. Sockets not yet
// connected are reset immediately.
func (s *Stack) Close(sock Socket) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	t.event = tcpiplite.EventClose
	err = s.tcpFSM(t)
	if err != nil {
		s.debug("tcp:close", slog.String("err", err.Error()))
	}
	return nil
}

// Send queues data for transmission. data must not be modified until
// [Stack.SendDone] reports true. Returns [ErrBufferBusy] while a previous
// buffer is pending.
func (s *Stack) Send(sock Socket, data []byte) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	if t.sockState != tcpiplite.SocketConnected || t.state != tcpiplite.StateEstablished {
		return errInvalidState
	} else if t.txState == tcpiplite.BufferTxInUse {
		return ErrBufferBusy
	} else if len(data) == 0 {
		return nil
	}
	t.txBuf = data
	t.txAcked = 0
	t.bytesToSend = len(data)
	t.bytesSent = 0
	t.txState = tcpiplite.BufferTxInUse
	if t.remoteWnd == 0 {
		return nil // Sent once the peer opens its window.
	}
	err = s.tcpSnd(t, tcpiplite.FlagACK)
	if err != nil {
		s.debug("tcp:send", slog.String("err", err.Error()))
	}
	return nil
}

// SendDone reports whether the last buffer passed to Send has been fully
// acknowledged and released.
func (s *Stack) SendDone(sock Socket) bool {
	t, err := s.tcbOf(sock)
	if err != nil {
		return true
	}
	return t.txState != tcpiplite.BufferTxInUse
}

// InsertRxBuffer attaches buf as the receive buffer of the socket. Received
// payload is copied into buf and the advertised window is the space left in it.
func (s *Stack) InsertRxBuffer(sock Socket, buf []byte) error {
	t, err := s.tcbOf(sock)
	if err != nil {
		return err
	}
	if t.rxState == tcpiplite.BufferRxInUse {
		return ErrBufferBusy
	}
	t.rxBuf = buf
	t.rxLen = 0
	t.rxState = tcpiplite.BufferRxInUse
	t.localWnd = uint16(min(len(buf), 0xffff))
	if t.state == tcpiplite.StateEstablished && t.advWnd == 0 && t.localWnd > 0 {
		// Peer was told our window is closed, reopen it.
		err = s.tcpSnd(t, tcpiplite.FlagACK)
		if err != nil {
			s.debug("tcp:wndupdate", slog.String("err", err.Error()))
		}
	}
	return nil
}

// GetReceivedData releases the receive buffer and returns the number of octets
// written to it.
func (s *Stack) GetReceivedData(sock Socket) (int, error) {
	t, err := s.tcbOf(sock)
	if err != nil {
		return 0, err
	}
	n := t.rxLen
	t.rxBuf = nil
	t.rxLen = 0
	t.rxState = tcpiplite.BufferNone
	t.localWnd = 0
	return n, nil
}

// GetRxLength returns the number of octets received into the current buffer.
func (s *Stack) GetRxLength(sock Socket) int {
	t, err := s.tcbOf(sock)
	if err != nil {
		return 0
	}
	return t.rxLen
}

// TCBInfo returns a snapshot of the socket's control block.
func (s *Stack) TCBInfo(sock Socket) (TCBInfo, bool) {
	t, err := s.tcbOf(sock)
	if err != nil {
		return TCBInfo{}, false
	}
	return TCBInfo{
		State:        t.state,
		SocketState:  t.sockState,
		LocalPort:    t.localPort,
		Remote:       netip.AddrPortFrom(netip.AddrFrom4(t.destIP), t.destPort),
		LocalSeqno:   t.localSeqno,
		LocalLastAck: t.localLastAck,
		RemoteAck:    t.remoteAck,
		RemoteWnd:    t.remoteWnd,
		LocalWnd:     t.localWnd,
		MSS:          t.mss,
		Timeout:      t.timeout,
		Retries:      t.timeoutsCount,
		RxLen:        t.rxLen,
		TxPending:    t.bytesToSend,
	}, true
}

// TCPUpdate is the once per second TCP tick. It advances the sequence and
// port generators and runs the retransmission timers of all linked sockets.
func (s *Stack) TCPUpdate() {
	s.iss = prand32(s.iss)
	s.ephemeral = prand16(s.ephemeral)
	for _, idx := range s.live {
		t := &s.tcbs[idx]
		if t.timeout == 0 {
			continue
		}
		t.timeout--
		if t.timeout != 0 {
			continue
		}
		if t.timeoutsCount > 0 {
			var shift uint8
			if s.cfg.TCPMaxRetries > t.timeoutsCount {
				shift = s.cfg.TCPMaxRetries - t.timeoutsCount
			}
			t.timeout = t.timeoutReload << shift
			t.timeoutsCount--
		}
		if t.event != tcpiplite.EventNone {
			continue
		}
		t.event = tcpiplite.EventTimeout
		err := s.tcpFSM(t)
		if err != nil {
			s.debug("tcp:timeout", slog.Int("port", int(t.localPort)), slog.String("err", err.Error()))
		}
	}
}

func (s *Stack) ephemeralPort() uint16 {
	for {
		s.ephemeral = prand16(s.ephemeral)
		port := s.ephemeral | 0xc000
		if !s.tcpPortInUse(port) {
			return port
		}
	}
}

func (s *Stack) tcpPortInUse(port uint16) bool {
	for _, idx := range s.live {
		if s.tcbs[idx].localPort == port {
			return true
		}
	}
	return false
}

func (s *Stack) newISS() tcpiplite.Value {
	s.iss = prand32(s.iss)
	return tcpiplite.Value(s.iss)
}

// prand16 generates a pseudo random number from a seed.
func prand16(seed uint16) uint16 {
	// 16bit Xorshift  https://en.wikipedia.org/wiki/Xorshift
	seed ^= seed << 7
	seed ^= seed >> 9
	seed ^= seed << 8
	return seed
}

// prand32 generates a pseudo random number from a seed.
func prand32[T ~uint32](seed T) T {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}
