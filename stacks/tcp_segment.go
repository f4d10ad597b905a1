package stacks

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/tcpiplite"
	"github.com/soypat/tcpiplite/eth"
	"github.com/soypat/tcpiplite/internal"
)

// rcvSegment is a received TCP segment being processed by the FSM.
type rcvSegment struct {
	hdr     eth.TCPHeader
	src     [4]byte
	payload []byte
}

func (seg *rcvSegment) flags() tcpiplite.Flags { return seg.hdr.Flags() }

// tcpRecv processes a checksummed TCP segment addressed to this host.
func (s *Stack) tcpRecv(ihdr *eth.IPv4Header, payload []byte) error {
	if len(payload) < eth.SizeTCPHeader {
		return errPacketSmol
	}
	thdr, offset := eth.DecodeTCPHeader(payload)
	if offset < eth.SizeTCPHeader || int(offset) > len(payload) {
		return errBadTCPOffset
	}
	t := s.tcpFind(thdr.DestinationPort, ihdr.Source, thdr.SourcePort)
	if t == nil {
		s.trace("tcp:nosocket", slog.Int("port", int(thdr.DestinationPort)))
		return ErrPortNotAvailable
	}
	flags := thdr.Flags()
	event := tcpiplite.EventFromFlags(flags)
	if event == tcpiplite.EventNone {
		return nil
	}
	options := payload[eth.SizeTCPHeader:offset]
	if len(options) > 0 && flags.HasAny(tcpiplite.FlagSYN|tcpiplite.FlagFIN) {
		if err := s.tcpParseOptions(t, options); err != nil {
			s.debug("tcp:options", slog.String("err", err.Error()))
			return err
		}
	}
	seg := rcvSegment{hdr: thdr, src: ihdr.Source, payload: payload[offset:]}
	if s.isLogEnabled(internal.LevelTrace) {
		s.trace("tcp:recv",
			slog.Int("port", int(t.localPort)),
			slog.String("state", t.state.String()),
			slog.String("seg", thdr.String()),
			slog.Int("plen", len(seg.payload)),
		)
	}
	t.event = event
	return s.tcpRun(t, &seg)
}

// tcpFind returns the TCB a segment from src:srcPort to port belongs to. A
// TCB connected to the peer is preferred over one listening on the port.
func (s *Stack) tcpFind(port uint16, src [4]byte, srcPort uint16) *tcb {
	var listener *tcb
	for _, idx := range s.live {
		t := &s.tcbs[idx]
		if t.localPort != port || t.state == tcpiplite.StateClosed {
			continue
		}
		if t.state == tcpiplite.StateListen {
			if listener == nil {
				listener = t
			}
			continue
		}
		if t.destIP == src && t.destPort == srcPort {
			return t
		}
	}
	return listener
}

// tcpParseOptions interprets the MSS option. Other options are skipped.
func (s *Stack) tcpParseOptions(t *tcb, opts []byte) error {
	for len(opts) > 0 {
		kind := opts[0]
		switch kind {
		case eth.TCPOptionEnd:
			return nil
		case eth.TCPOptionNop:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || opts[1] < 2 || int(opts[1]) > len(opts) {
			return errBadTCPOption
		}
		size := int(opts[1])
		if kind == eth.TCPOptionMSS {
			if size != 4 {
				return errBadTCPOption
			}
			mss := binary.BigEndian.Uint16(opts[2:4])
			if mss != 0 {
				t.mss = min(mss, s.cfg.MSS)
			}
		}
		opts = opts[size:]
	}
	return nil
}

// tcpSnd sends a segment with flags. Payload is included while data may be sent,
// a transmit buffer is pending and nothing is in flight.
//
// The local sequence number only advances when the link accepts the frame.
// On failure a retransmission timer is armed if none is running.
func (s *Stack) tcpSnd(t *tcb, flags tcpiplite.Flags) error {
	var payload []byte
	if tcpSendsData(t.state) && t.txState == tcpiplite.BufferTxInUse &&
		t.bytesSent == 0 && t.bytesToSend > 0 && !flags.HasAny(tcpiplite.FlagSYN|tcpiplite.FlagRST) {
		n := min(t.bytesToSend, int(t.remoteWnd), int(t.mss))
		if n > 0 {
			payload = t.txBuf[t.txAcked : t.txAcked+n]
			flags |= tcpiplite.FlagPSH
		}
		if n < t.bytesToSend {
			flags &^= tcpiplite.FlagFIN // FIN follows the last data octet.
		}
	}
	if len(payload) > 0 || flags.HasAny(tcpiplite.FlagSYN|tcpiplite.FlagFIN) {
		// Saved for retransmission. Pure ACKs and RSTs are never retransmitted.
		t.flags = flags
	}
	err := s.tcpWrite(t, flags, payload)
	if err != nil {
		if t.timeout == 0 {
			if t.timeoutReload == 0 {
				t.timeoutReload = s.cfg.TCPTimeout
			}
			t.timeout = t.timeoutReload
			if t.timeoutsCount == 0 {
				t.timeoutsCount = s.cfg.TCPMaxRetries
			}
		}
		return err
	}
	seglen := len(payload)
	if flags.HasAny(tcpiplite.FlagSYN) {
		seglen++
	}
	if flags.HasAny(tcpiplite.FlagFIN) {
		seglen++
	}
	t.localSeqno.UpdateForward(tcpiplite.Size(seglen))
	if len(payload) > 0 {
		t.bytesSent = len(payload)
		if t.timeout == 0 {
			s.tcpSetTimer(t, s.cfg.TCPTimeout, s.cfg.TCPMaxRetries)
		}
	}
	return nil
}

// tcpSendsData reports whether queued data may still go out in state. Data
// in flight when Close is called is retransmitted until our FIN is acknowledged.
func tcpSendsData(state tcpiplite.State) bool {
	return state == tcpiplite.StateEstablished || state == tcpiplite.StateFinWait1 || state == tcpiplite.StateClosing
}

// tcpWrite builds and transmits a single segment.
func (s *Stack) tcpWrite(t *tcb, flags tcpiplite.Flags, payload []byte) error {
	c, err := s.IPv4Start(t.destIP, eth.IPProtoTCP)
	if err != nil {
		return err
	}
	start := c.Off()
	s.l4Off = start
	hdrLen := eth.SizeTCPHeader
	if flags.HasAny(tcpiplite.FlagSYN) {
		hdrLen += 4 // MSS option.
	}
	thdr := eth.TCPHeader{
		SourcePort:      t.localPort,
		DestinationPort: t.destPort,
		Seq:             t.localSeqno,
		Ack:             t.remoteAck,
		WindowSizeRaw:   t.localWnd,
	}
	t.advWnd = t.localWnd
	thdr.SetOffset(uint8(hdrLen / 4))
	thdr.SetFlags(flags)
	if b := c.Next(eth.SizeTCPHeader); b != nil {
		thdr.Put(b)
	}
	if flags.HasAny(tcpiplite.FlagSYN) {
		c.WriteU8(eth.TCPOptionMSS)
		c.WriteU8(4)
		c.WriteU16(s.cfg.MSS)
	}
	c.Write(payload)
	if err := c.Err(); err != nil {
		s.pseudo.valid = false
		return err
	}
	length := uint16(c.Off() - start)
	seed := eth.PseudoHeaderSum(s.pseudo.src, s.pseudo.dst, eth.IPProtoTCP, length)
	c.PutU16At(start+16, eth.Checksum(s.txbuf[start:c.Off()], seed))
	if s.isLogEnabled(internal.LevelTrace) {
		s.trace("tcp:send",
			slog.Int("port", int(t.localPort)),
			slog.String("state", t.state.String()),
			slog.String("seg", thdr.String()),
			slog.Int("plen", len(payload)),
		)
	}
	return s.IPv4Send(length)
}

// tcpDeliver copies received payload into the receive buffer and advances
// the acknowledgment. It returns the number of octets accepted.
func (s *Stack) tcpDeliver(t *tcb, payload []byte) int {
	if len(payload) == 0 || t.rxState != tcpiplite.BufferRxInUse {
		return 0
	}
	n := copy(t.rxBuf[t.rxLen:], payload)
	t.rxLen += n
	t.remoteAck.UpdateForward(tcpiplite.Size(n))
	t.localWnd = uint16(min(len(t.rxBuf)-t.rxLen, 0xffff))
	return n
}

// tcpAckTx processes the acknowledgment field of seg, releasing acknowledged
// transmit octets. A partially acknowledged segment is rewound so its tail is
// sent again.
func (s *Stack) tcpAckTx(t *tcb, seg *rcvSegment) {
	if !seg.flags().HasAny(tcpiplite.FlagACK) {
		return
	}
	inflight := tcpiplite.Sizeof(t.localLastAck, t.localSeqno)
	acked := tcpiplite.Sizeof(t.localLastAck, seg.hdr.Ack)
	if !tcpiplite.InWindow(seg.hdr.Ack, tcpiplite.Add(t.localLastAck, 1), inflight) {
		return // Duplicate or not yet sent.
	}
	t.localLastAck = seg.hdr.Ack
	a := min(int(acked), t.bytesSent)
	t.txAcked += a
	t.bytesToSend -= a
	t.bytesSent -= a
	if t.localLastAck == t.localSeqno {
		s.tcpStopTimer(t)
	} else if t.bytesSent > 0 {
		t.localSeqno = t.localLastAck
		t.bytesSent = 0
	}
	if t.txState == tcpiplite.BufferTxInUse && t.bytesToSend <= 0 {
		t.txBuf = nil
		t.txAcked = 0
		t.bytesToSend = 0
		t.txState = tcpiplite.BufferNone
	}
}

func (s *Stack) tcpSetTimer(t *tcb, reload uint16, retries uint8) {
	t.timeout = reload
	t.timeoutReload = reload
	t.timeoutsCount = retries
}

func (s *Stack) tcpStopTimer(t *tcb) {
	t.timeout = 0
	t.timeoutsCount = 0
}
