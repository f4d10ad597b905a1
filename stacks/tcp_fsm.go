package stacks

import (
	"log/slog"

	"github.com/soypat/tcpiplite"
)

const (
	synack = tcpiplite.FlagSYN | tcpiplite.FlagACK
	finack = tcpiplite.FlagFIN | tcpiplite.FlagACK
)

// tcpFSM runs the state machine on a locally injected event.
func (s *Stack) tcpFSM(t *tcb) error { return s.tcpRun(t, nil) }

// tcpRun consumes the pending event of t. seg is non-nil for events derived
// from a received segment.
func (s *Stack) tcpRun(t *tcb, seg *rcvSegment) (err error) {
	ev := t.event
	t.event = tcpiplite.EventNone
	prev := t.state
	if ev == tcpiplite.EventTimeout {
		if t.state.IsActive() {
			err = s.tcpTimeout(t)
		}
	} else if isRcvEvent(ev) && seg == nil {
		return nil // Receive events always carry a segment.
	} else {
		switch t.state {
		case tcpiplite.StateClosed:
			err = s.tcpClosed(t, ev)
		case tcpiplite.StateListen:
			err = s.tcpListen(t, ev, seg)
		case tcpiplite.StateSynSent:
			err = s.tcpSynSent(t, ev, seg)
		case tcpiplite.StateSynRcvd:
			err = s.tcpSynRcvd(t, ev, seg)
		case tcpiplite.StateEstablished:
			err = s.tcpEstablished(t, ev, seg)
		case tcpiplite.StateFinWait1:
			err = s.tcpFinWait1(t, ev, seg)
		case tcpiplite.StateFinWait2:
			err = s.tcpFinWait2(t, ev, seg)
		case tcpiplite.StateClosing, tcpiplite.StateLastAck:
			err = s.tcpLastAck(t, ev, seg)
		}
	}
	if t.state != prev {
		s.debug("tcp:transition",
			slog.Int("port", int(t.localPort)),
			slog.String("event", ev.String()),
			slog.String("old", prev.String()),
			slog.String("new", t.state.String()),
		)
	}
	return err
}

func isRcvEvent(ev tcpiplite.Event) bool {
	return ev >= tcpiplite.EventRcvSyn && ev <= tcpiplite.EventRcvRstAck
}

func isRstEvent(ev tcpiplite.Event) bool {
	return ev == tcpiplite.EventRcvRst || ev == tcpiplite.EventRcvRstAck
}

func (s *Stack) tcpClosed(t *tcb, ev tcpiplite.Event) error {
	switch ev {
	case tcpiplite.EventActiveOpen:
		iss := s.newISS()
		t.localSeqno = iss
		t.localLastAck = iss
		t.remoteAck = 0
		t.mss = s.cfg.MSS
		t.sockState = tcpiplite.SocketInProgress
		t.state = tcpiplite.StateSynSent
		s.tcpSetTimer(t, s.cfg.TCPSynTimeout, s.cfg.TCPSynRetries)
		return s.tcpSnd(t, tcpiplite.FlagSYN)

	case tcpiplite.EventPassiveOpen:
		t.destIP = [4]byte{}
		t.destPort = 0
		t.mss = s.cfg.MSS
		t.sockState = tcpiplite.SocketInProgress
		t.state = tcpiplite.StateListen
	}
	return nil
}

func (s *Stack) tcpListen(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvSyn:
		t.destIP = seg.src
		t.destPort = seg.hdr.SourcePort
		t.remoteSeqno = seg.hdr.Seq
		t.remoteAck = tcpiplite.Add(seg.hdr.Seq, 1)
		t.remoteWnd = seg.hdr.WindowSizeRaw
		iss := s.newISS()
		t.localSeqno = iss
		t.localLastAck = iss
		t.state = tcpiplite.StateSynRcvd
		s.tcpSetTimer(t, s.cfg.TCPTimeout, s.cfg.TCPSynRetries)
		return s.tcpSnd(t, synack)

	case tcpiplite.EventClose:
		s.tcpReset(t)
	}
	return nil
}

func (s *Stack) tcpSynSent(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvSynAck, tcpiplite.EventRcvAck:
		if seg.hdr.Ack != t.localSeqno {
			s.debug("tcp:badack", slog.Uint64("got", uint64(seg.hdr.Ack)), slog.Uint64("want", uint64(t.localSeqno)))
			err := s.tcpSnd(t, tcpiplite.FlagRST)
			s.tcpReset(t)
			return err
		}
		t.remoteSeqno = seg.hdr.Seq
		t.remoteAck = seg.hdr.Seq
		if ev == tcpiplite.EventRcvSynAck {
			t.remoteAck.UpdateForward(1)
		}
		t.localLastAck = seg.hdr.Ack
		t.remoteWnd = seg.hdr.WindowSizeRaw
		s.tcpStopTimer(t)
		s.tcpEstablish(t)
		return s.tcpSnd(t, tcpiplite.FlagACK)

	case tcpiplite.EventRcvRst, tcpiplite.EventRcvRstAck, tcpiplite.EventClose:
		s.tcpReset(t)
	}
	return nil
}

func (s *Stack) tcpSynRcvd(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvAck, tcpiplite.EventRcvSynAck:
		if seg.hdr.Ack != t.localSeqno || seg.hdr.Seq != t.remoteAck {
			return nil
		}
		t.localLastAck = seg.hdr.Ack
		t.remoteWnd = seg.hdr.WindowSizeRaw
		s.tcpStopTimer(t)
		s.tcpEstablish(t)
		if s.tcpDeliver(t, seg.payload) > 0 {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}

	case tcpiplite.EventRcvRst, tcpiplite.EventRcvRstAck:
		if seg.hdr.Seq != t.remoteAck {
			return nil
		}
		// Half open connection reset by peer, go back to listening.
		t.destIP = [4]byte{}
		t.destPort = 0
		t.remoteAck = 0
		t.remoteSeqno = 0
		t.localSeqno = 0
		t.localLastAck = 0
		t.flags = 0
		t.mss = s.cfg.MSS
		s.tcpStopTimer(t)
		t.state = tcpiplite.StateListen

	case tcpiplite.EventClose:
		s.tcpReset(t)
	}
	return nil
}

func (s *Stack) tcpEstablish(t *tcb) {
	t.state = tcpiplite.StateEstablished
	t.sockState = tcpiplite.SocketConnected
	t.flags = tcpiplite.FlagACK
	s.info("tcp:established",
		slog.Int("port", int(t.localPort)),
		ipAttr("remote", t.destIP),
		slog.Int("rport", int(t.destPort)),
	)
}

func (s *Stack) tcpEstablished(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvAck:
		if seg.hdr.Seq != t.remoteAck {
			if len(seg.payload) > 0 {
				return s.tcpSnd(t, tcpiplite.FlagACK) // Out of order, resynchronize.
			}
			return nil
		}
		t.remoteSeqno = seg.hdr.Seq
		s.tcpAckTx(t, seg)
		t.remoteWnd = seg.hdr.WindowSizeRaw
		if s.tcpDeliver(t, seg.payload) > 0 || len(seg.payload) > 0 {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		} else if t.bytesSent == 0 && t.bytesToSend > 0 && t.remoteWnd > 0 {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}

	case tcpiplite.EventRcvSynAck:
		// Our handshake ACK was lost.
		return s.tcpSnd(t, tcpiplite.FlagACK)

	case tcpiplite.EventClose:
		// Unsent data is discarded. Data in flight stays queued for
		// retransmission ahead of the FIN.
		if t.bytesSent > 0 {
			t.bytesToSend = t.bytesSent
		} else {
			t.txBuf = nil
			t.txAcked = 0
			t.bytesToSend = 0
			t.txState = tcpiplite.BufferNone
		}
		t.state = tcpiplite.StateFinWait1
		t.sockState = tcpiplite.SocketClosing
		s.tcpSetTimer(t, s.cfg.TCPTimeout, s.cfg.TCPMaxRetries)
		return s.tcpSnd(t, finack)

	case tcpiplite.EventRcvFin, tcpiplite.EventRcvFinAck:
		if seg.hdr.Seq != t.remoteAck {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}
		t.remoteSeqno = seg.hdr.Seq
		s.tcpAckTx(t, seg)
		t.remoteWnd = seg.hdr.WindowSizeRaw
		if s.tcpDeliver(t, seg.payload) < len(seg.payload) {
			// FIN not accepted until all preceding data fits.
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}
		t.remoteAck.UpdateForward(1)
		t.txBuf = nil
		t.bytesToSend = 0
		t.bytesSent = 0
		t.txState = tcpiplite.BufferNone
		t.localLastAck = t.localSeqno
		t.state = tcpiplite.StateLastAck
		t.sockState = tcpiplite.SocketClosing
		s.tcpSetTimer(t, s.cfg.TCPTimeout, s.cfg.TCPMaxRetries)
		return s.tcpSnd(t, finack)

	case tcpiplite.EventRcvRst, tcpiplite.EventRcvRstAck:
		err := s.tcpSnd(t, tcpiplite.FlagRST)
		s.tcpReset(t)
		return err
	}
	return nil
}

func (s *Stack) tcpFinWait1(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvAck:
		s.tcpAckTx(t, seg)
		delivered := s.tcpDeliver(t, seg.payload)
		if tcpFinAcked(t) {
			t.state = tcpiplite.StateFinWait2
			s.tcpSetTimer(t, s.cfg.TCPFinTimeout, 0)
		} else if t.bytesSent == 0 && (t.bytesToSend > 0 || t.localLastAck == t.localSeqno) {
			// Partially acknowledged data was rewound or the FIN did not fit
			// behind it. Send the rest with the FIN.
			if t.timeout == 0 {
				s.tcpSetTimer(t, s.cfg.TCPTimeout, s.cfg.TCPMaxRetries)
			}
			return s.tcpSnd(t, finack)
		}
		if delivered > 0 {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}

	case tcpiplite.EventRcvFin, tcpiplite.EventRcvFinAck:
		if seg.hdr.Seq != t.remoteAck {
			return nil
		}
		s.tcpAckTx(t, seg)
		if s.tcpDeliver(t, seg.payload) < len(seg.payload) {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}
		t.remoteAck.UpdateForward(1)
		if ev == tcpiplite.EventRcvFinAck && tcpFinAcked(t) {
			err := s.tcpSnd(t, tcpiplite.FlagACK)
			s.tcpTimeWait(t)
			return err
		}
		// Simultaneous close.
		t.state = tcpiplite.StateClosing
		return s.tcpSnd(t, tcpiplite.FlagACK)

	case tcpiplite.EventRcvRst, tcpiplite.EventRcvRstAck:
		s.tcpReset(t)
	}
	return nil
}

func (s *Stack) tcpFinWait2(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch ev {
	case tcpiplite.EventRcvAck:
		if seg.hdr.Seq == t.remoteAck && s.tcpDeliver(t, seg.payload) > 0 {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}

	case tcpiplite.EventRcvFin, tcpiplite.EventRcvFinAck:
		if seg.hdr.Seq != t.remoteAck {
			return nil
		}
		if s.tcpDeliver(t, seg.payload) < len(seg.payload) {
			return s.tcpSnd(t, tcpiplite.FlagACK)
		}
		t.remoteAck.UpdateForward(1)
		err := s.tcpSnd(t, tcpiplite.FlagACK)
		s.tcpTimeWait(t)
		return err

	case tcpiplite.EventRcvRst, tcpiplite.EventRcvRstAck:
		s.tcpReset(t)
	}
	return nil
}

// tcpLastAck handles both CLOSING and LAST-ACK, which wait for our FIN to be acknowledged.
func (s *Stack) tcpLastAck(t *tcb, ev tcpiplite.Event, seg *rcvSegment) error {
	switch {
	case ev == tcpiplite.EventRcvAck || ev == tcpiplite.EventRcvFinAck:
		s.tcpAckTx(t, seg)
		if !tcpFinAcked(t) {
			return nil
		}
		if t.state == tcpiplite.StateClosing {
			s.tcpTimeWait(t)
		} else {
			s.tcpReset(t)
		}
	case isRstEvent(ev):
		s.tcpReset(t)
	}
	return nil
}

// tcpTimeout retransmits the last segment while retries remain and resets the
// connection once they are exhausted. The timeout that consumes the last retry
// sends the RST, so a budget of n allows n-1 retransmissions.
func (s *Stack) tcpTimeout(t *tcb) error {
	if t.timeoutsCount == 0 {
		if t.state == tcpiplite.StateFinWait2 {
			s.tcpReset(t) // Our FIN was acknowledged, peer never closed.
			return nil
		}
		s.info("tcp:retries exhausted", slog.Int("port", int(t.localPort)), slog.String("state", t.state.String()))
		err := s.tcpSnd(t, tcpiplite.FlagRST)
		s.tcpReset(t)
		return err
	}
	s.debug("tcp:retransmit", slog.Int("port", int(t.localPort)), slog.Int("retries", int(t.timeoutsCount)))
	t.localSeqno = t.localLastAck
	t.bytesSent = 0
	err := s.tcpSnd(t, t.flags&^tcpiplite.FlagPSH)
	if err != nil {
		t.timeoutsCount++
	}
	return err
}

// tcpFinAcked reports whether the peer acknowledged our FIN and every data
// octet before it.
func tcpFinAcked(t *tcb) bool {
	return t.localLastAck == t.localSeqno && t.bytesToSend <= 0 && t.flags.HasAny(tcpiplite.FlagFIN)
}

// tcpTimeWait enters TIME-WAIT, which immediately resets the connection.
func (s *Stack) tcpTimeWait(t *tcb) {
	t.state = tcpiplite.StateTimeWait
	s.tcpReset(t)
}

// tcpReset clears the connection and moves it to CLOSED. Received data not yet
// collected with GetReceivedData is kept.
func (s *Stack) tcpReset(t *tcb) {
	s.debug("tcp:reset", slog.Int("port", int(t.localPort)), slog.String("state", t.state.String()))
	*t = tcb{
		gen:       t.gen,
		linked:    t.linked,
		localPort: t.localPort,
		mss:       s.cfg.MSS,
		rxBuf:     t.rxBuf,
		rxLen:     t.rxLen,
		rxState:   t.rxState,
		localWnd:  t.localWnd,
		state:     tcpiplite.StateClosed,
		sockState: tcpiplite.SocketClosing,
	}
}
