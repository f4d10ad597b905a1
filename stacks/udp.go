package stacks

import (
	"log/slog"

	"github.com/soypat/tcpiplite/eth"
)

// UDPDatagram is a received datagram passed to a [UDPHandler]. Payload
// aliases the received frame and is only valid during the handler call.
type UDPDatagram struct {
	Src     [4]byte
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// UDPHandler processes datagrams received on an open port. The handler runs
// synchronously within frame processing and may send using s.
type UDPHandler func(s *Stack, dgram *UDPDatagram)

type udpPort struct {
	port    uint16
	handler UDPHandler
}

func (p udpPort) Port() uint16 { return p.port }

// OpenUDP registers handler for datagrams received on port.
func (s *Stack) OpenUDP(port uint16, handler UDPHandler) error {
	switch {
	case port == 0:
		return errZeroPort
	case handler == nil:
		return errNilHandler
	}
	p, err := findAvailPort(s.udpPorts, port)
	if err != nil {
		return err
	}
	*p = udpPort{port: port, handler: handler}
	s.debug("udp:open", slog.Int("port", int(port)))
	return nil
}

// CloseUDP removes the handler registered on port.
func (s *Stack) CloseUDP(port uint16) error {
	if port == 0 {
		return errZeroPort
	}
	p := findPort(s.udpPorts, port)
	if p == nil {
		return errPortNotOpen
	}
	*p = udpPort{}
	return nil
}

// UDPStart begins a UDP datagram to dst. The returned cursor is positioned at
// the start of the UDP payload. Finish the datagram with [Stack.UDPSend].
func (s *Stack) UDPStart(dst [4]byte, srcPort, dstPort uint16) (*eth.Cursor, error) {
	c, err := s.IPv4Start(dst, eth.IPProtoUDP)
	if err != nil {
		return nil, err
	}
	s.l4Off = c.Off()
	c.WriteU16(srcPort)
	c.WriteU16(dstPort)
	c.WriteU16(0) // Length.
	c.WriteU16(0) // Checksum.
	if err := c.Err(); err != nil {
		s.pseudo.valid = false
		return nil, err
	}
	return c, nil
}

// UDPSend finishes and transmits the datagram started with UDPStart. The
// payload length is everything written to the cursor after the UDP header.
func (s *Stack) UDPSend() error {
	if !s.pseudo.valid || s.pseudo.proto != eth.IPProtoUDP {
		return errNotStarted
	}
	c := &s.tx
	if err := c.Err(); err != nil {
		s.pseudo.valid = false
		return err
	}
	length := uint16(c.Off() - s.l4Off)
	c.PutU16At(s.l4Off+4, length)
	seed := eth.PseudoHeaderSum(s.pseudo.src, s.pseudo.dst, eth.IPProtoUDP, length)
	sum := eth.Checksum(s.txbuf[s.l4Off:c.Off()], seed)
	if sum == 0 {
		sum = 0xffff
	}
	c.PutU16At(s.l4Off+6, sum)
	return s.IPv4Send(s.ipPayloadLen())
}

// udpRecv validates a UDP datagram and dispatches it to the port table.
// iphdr is the raw IP header of the datagram, quoted in port unreachable replies.
func (s *Stack) udpRecv(ihdr *eth.IPv4Header, iphdr, payload []byte) error {
	if len(payload) < eth.SizeUDPHeader {
		return errPacketSmol
	}
	uhdr := eth.DecodeUDPHeader(payload)
	if uhdr.Length < eth.SizeUDPHeader || int(uhdr.Length) > len(payload) {
		return errBadUDPLength
	}
	dgram := payload[:uhdr.Length]
	if uhdr.Checksum != 0 {
		seed := eth.PseudoHeaderSum(ihdr.Source, ihdr.Destination, eth.IPProtoUDP, uhdr.Length)
		if eth.Checksum(dgram, seed) != 0 {
			s.debug("udp:checksum", ipAttr("src", ihdr.Source))
			return ErrChecksum
		}
	}
	p := findPort(s.udpPorts, uhdr.DestinationPort)
	if p == nil {
		s.debug("udp:noport", slog.Int("port", int(uhdr.DestinationPort)))
		// Quote the IP header and leading datagram bytes. Both live contiguously in the frame.
		orig := iphdr[:len(iphdr)+min(len(payload), icmpOrigDataLen)]
		err := s.SendICMPPortUnreachable(ihdr.Destination, ihdr.Source, orig)
		if err != nil {
			s.trace("udp:unreachable", slog.String("err", err.Error()))
		}
		return ErrPortNotAvailable
	}
	s.trace("udp:recv", slog.Int("port", int(uhdr.DestinationPort)), slog.Int("plen", len(dgram)-eth.SizeUDPHeader))
	p.handler(s, &UDPDatagram{
		Src:     ihdr.Source,
		SrcPort: uhdr.SourcePort,
		DstPort: uhdr.DestinationPort,
		Payload: dgram[eth.SizeUDPHeader:],
	})
	return nil
}

type porter interface {
	Port() uint16
}

func findPort[T porter](list []T, portNum uint16) *T {
	for i := range list {
		if list[i].Port() == portNum {
			return &list[i]
		}
	}
	return nil
}

// findAvailPort returns the first unused slot in list, failing if portNum is already in use.
func findAvailPort[T porter](list []T, portNum uint16) (*T, error) {
	availableIdx := -1
	for i := range list {
		got := list[i].Port()
		if got == portNum {
			return nil, errPortInUse
		} else if got == 0 && availableIdx < 0 { // Port==0 means port is unused.
			availableIdx = i
		}
	}
	if availableIdx < 0 {
		return nil, errPortNoSpace
	}
	return &list[availableIdx], nil
}
