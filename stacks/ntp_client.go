package stacks

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/soypat/tcpiplite/eth/ntp"
)

const (
	ntpClosed = iota
	ntpSend
	ntpAwait
	ntpDone
	ntpAborted
)

// ntpPrecision is advertised in requests, about one microsecond.
const ntpPrecision = -20

var (
	errNTPNoServer = errors.New("ntp: no server configured")
	errNTPBogus    = errors.New("ntp: bogus response")
)

// NTPClient performs a single client/server exchange with the stack's
// configured NTP server and estimates the local clock offset. Like
// [DNSClient] it is driven by Poll and by the stack dispatching the response
// to its local port.
type NTPClient struct {
	stack *Stack
	now   func() time.Time
	// t holds the exchange timestamps: client transmit, server receive,
	// server transmit, client receive.
	t     [4]ntp.Timestamp
	raddr [4]byte
	lport uint16
	state uint8
	open  bool
}

// NewNTPClient returns a client that sends from localPort. now is the local
// clock, time.Now if nil.
func NewNTPClient(stack *Stack, localPort uint16, now func() time.Time) *NTPClient {
	if now == nil {
		now = time.Now
	}
	return &NTPClient{stack: stack, now: now, lport: localPort}
}

// BeginRequest opens the client's port. The request is sent by the next call
// to Poll.
func (nc *NTPClient) BeginRequest() error {
	if !nc.stack.cfg.NTP.Is4() {
		return errNTPNoServer
	}
	if nc.state == ntpSend || nc.state == ntpAwait {
		return ErrBufferBusy
	}
	if !nc.open {
		err := nc.stack.OpenUDP(nc.lport, nc.recv)
		if err != nil {
			return err
		}
		nc.open = true
	}
	nc.t = [4]ntp.Timestamp{}
	nc.raddr = nc.stack.cfg.NTP.As4()
	nc.state = ntpSend
	return nil
}

// Poll sends the pending request. It returns [ErrResolutionPending] while the
// server's link address is being resolved.
func (nc *NTPClient) Poll() error {
	switch nc.state {
	case ntpAborted:
		return io.EOF
	case ntpSend:
	default:
		return nil
	}
	xmt, err := ntp.TimestampFromTime(nc.now())
	if err != nil {
		return err
	}
	c, err := nc.stack.UDPStart(nc.raddr, nc.lport, ntp.ServerPort)
	if err != nil {
		return err
	}
	hdr := ntp.Header{
		Stratum:      ntp.StratumUnsync,
		Poll:         6,
		Precision:    ntpPrecision,
		TransmitTime: xmt,
	}
	hdr.SetFlags(ntp.ModeClient, ntp.LeapUnsynchronized)
	if b := c.Next(ntp.SizeHeader); b != nil {
		hdr.Put(b)
	}
	err = nc.stack.UDPSend()
	if err != nil {
		return err
	}
	nc.t[0] = xmt
	nc.state = ntpAwait
	nc.stack.debug("ntp:send", slog.Time("xmt", xmt.Time()))
	return nil
}

func (nc *NTPClient) recv(s *Stack, dgram *UDPDatagram) {
	if nc.state != ntpAwait || dgram.SrcPort != ntp.ServerPort || dgram.Src != nc.raddr {
		return
	}
	t3, _ := ntp.TimestampFromTime(nc.now())
	hdr, err := ntp.DecodeHeader(dgram.Payload)
	if err == nil && (hdr.Mode() != ntp.ModeServer || hdr.OriginTime != nc.t[0] || hdr.TransmitTime.IsZero()) {
		err = errNTPBogus
	}
	if err != nil {
		s.debug("ntp:recv", slog.String("err", err.Error()))
		return
	}
	if hdr.Stratum == ntp.StratumUnspecified {
		s.info("ntp:kiss", slog.String("code", string(hdr.ReferenceID[:])))
		return
	}
	nc.t[1] = hdr.ReceiveTime
	nc.t[2] = hdr.TransmitTime
	nc.t[3] = t3
	nc.state = ntpDone
	s.info("ntp:recv", slog.Int("stratum", int(hdr.Stratum)),
		slog.Duration("offset", nc.Offset()), slog.Duration("delay", nc.RoundTrip()))
}

func (nc *NTPClient) IsDone() bool { return nc.state == ntpDone }

// Offset returns the estimated offset of the server clock relative to the
// local clock. Add it to the local time to obtain server time.
func (nc *NTPClient) Offset() time.Duration {
	if nc.state != ntpDone {
		return 0
	}
	t := &nc.t
	return t[1].Sub(t[0])/2 + t[2].Sub(t[3])/2
}

// RoundTrip returns the network delay of the exchange, excluding the time the
// server held the request.
func (nc *NTPClient) RoundTrip() time.Duration {
	if nc.state != ntpDone {
		return 0
	}
	t := &nc.t
	return t[3].Sub(t[0]) - t[2].Sub(t[1])
}

// ServerTime returns the server transmit time of the response.
func (nc *NTPClient) ServerTime() time.Time {
	if nc.state != ntpDone {
		return time.Time{}
	}
	return nc.t[2].Time()
}

// Abort cancels the exchange and closes the client's port.
func (nc *NTPClient) Abort() {
	nc.closePort()
	nc.state = ntpAborted
}

// Close releases the client's port keeping the last result readable.
func (nc *NTPClient) Close() {
	nc.closePort()
	if nc.state != ntpDone {
		nc.state = ntpClosed
	}
}

func (nc *NTPClient) closePort() {
	if nc.open {
		nc.stack.CloseUDP(nc.lport)
		nc.open = false
	}
}
