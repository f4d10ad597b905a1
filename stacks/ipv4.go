package stacks

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/soypat/tcpiplite/eth"
)

// Template values written by IPv4Start.
const (
	ipVersionIHL  = 0x45
	ipIDAndFlags  = 0xAA554000 // Fixed ID, don't fragment.
	ipHeaderLen   = eth.SizeIPv4Header
	ethIPHeadroom = eth.SizeEthernetHeader + eth.SizeIPv4Header
)

func wrapTransmit(err error) error {
	return fmt.Errorf("%w: %w", ErrTransmit, err)
}

// IPv4Packet processes a received Ethernet frame carrying an IPv4 packet and
// dispatches its payload to the ICMP, UDP or TCP handler.
func (s *Stack) IPv4Packet(frame []byte) error {
	if len(frame) < ethIPHeadroom {
		return errPacketSmol
	}
	ipbuf := frame[eth.SizeEthernetHeader:]
	ihdr, _ := eth.DecodeIPv4Header(ipbuf)
	ihl := ihdr.HeaderLength()
	if ihl < ipHeaderLen {
		return errInvalidIHL
	} else if ihl > len(ipbuf) {
		return errPacketSmol
	}
	if eth.Checksum(ipbuf[:ihl], 0) != 0 {
		s.debug("ipv4:checksum")
		return ErrChecksum
	}
	if ihdr.Version() != 4 {
		return errIPVersion
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	// Record sender so replies need no ARP round trip.
	s.ARPAdd(ihdr.Destination, ihdr.Source, uint16(eth.EtherTypeIPv4), ehdr.Source)
	if ihdr.Source == ipBroadcast {
		return ErrDestNotMatched
	}
	if !s.ipv4DestMatches(ihdr.Destination) {
		s.trace("ipv4:notmatched", ipAttr("dst", ihdr.Destination))
		return ErrDestNotMatched
	}
	total := int(ihdr.TotalLength)
	if total < ihl || total > len(ipbuf) {
		return errBadIPLength
	}
	ippkt := ipbuf[:total]
	payload := ippkt[ihl:] // Options skipped.
	s.trace("ipv4:recv", ipAttr("src", ihdr.Source), slog.String("proto", ihdr.Protocol.String()), slog.Int("plen", len(payload)))
	switch ihdr.Protocol {
	case eth.IPProtoICMP:
		if ihdr.Destination == [4]byte{} || ihdr.Destination == ipBroadcast {
			return ErrDestNotMatched // Broadcast pings are not answered.
		}
		if eth.Checksum(payload, 0) != 0 {
			return ErrChecksum
		}
		return s.icmpRecv(&ihdr, ippkt[:ihl], payload)

	case eth.IPProtoUDP:
		return s.udpRecv(&ihdr, ippkt[:ihl], payload)

	case eth.IPProtoTCP:
		if ihdr.Destination == ipBroadcast || ihdr.Destination == [4]byte{} {
			return ErrDestNotMatched
		}
		seed := eth.PseudoHeaderSum(ihdr.Source, ihdr.Destination, eth.IPProtoTCP, uint16(len(payload)))
		if eth.Checksum(payload, seed) != 0 {
			s.debug("tcp:checksum", ipAttr("src", ihdr.Source))
			return ErrChecksum
		}
		return s.tcpRecv(&ihdr, payload)
	}
	return nil // Unknown protocols are skipped.
}

// ipv4DestMatches reports whether a packet sent to dst is meant for this host.
func (s *Stack) ipv4DestMatches(dst [4]byte) bool {
	if dst == s.addr || dst == [4]byte{} || dst == ipBroadcast || dst == ipAllHosts {
		return true
	}
	host := binary.BigEndian.Uint32(s.addr[:])
	d := binary.BigEndian.Uint32(dst[:])
	for _, classMask := range [...]uint32{0x00FFFFFF, 0x0000FFFF, 0x000000FF} {
		if d == host|classMask {
			return true
		}
	}
	mask := binary.BigEndian.Uint32(s.mask[:])
	return d == host|^mask
}

// isBroadcast reports whether dst is the global broadcast or a classful
// subnet broadcast address.
func isBroadcast(dst [4]byte) bool {
	if dst == ipBroadcast {
		return true
	}
	d := binary.BigEndian.Uint32(dst[:])
	for _, classMask := range [...]uint32{0xFF000000, 0xFFFF0000, 0xFFFFFF00} {
		if d|classMask == 0xFFFFFFFF {
			return true
		}
	}
	return false
}

// nextHopHW resolves the link address frames to dst must be sent to.
func (s *Stack) nextHopHW(dst [4]byte) ([6]byte, error) {
	if isBroadcast(dst) {
		return eth.BroadcastHW6(), nil
	}
	host := binary.BigEndian.Uint32(s.addr[:])
	mask := binary.BigEndian.Uint32(s.mask[:])
	d := binary.BigEndian.Uint32(dst[:])
	hop := dst
	if (d^host)&mask != 0 {
		hop = s.gw
	}
	hw, ok := s.ARPLookup(hop)
	if !ok {
		return hw, s.ARPRequest(hop)
	}
	return hw, nil
}

// IPv4Start begins building an IPv4 packet to dst into the transmit scratch
// buffer. On success the returned cursor is positioned at the start of the IP
// payload and the pseudo-header for the transport checksum is recorded.
// Finish the packet with [Stack.IPv4Send].
//
// If the next hop link address is unknown an ARP request is sent and
// [ErrResolutionPending] returned. Nothing is queued.
func (s *Stack) IPv4Start(dst [4]byte, proto eth.IPProto) (*eth.Cursor, error) {
	s.pseudo.valid = false
	if (s.addr == [4]byte{} && proto != eth.IPProtoUDP) || s.addr == ipLoopback {
		return nil, errNoAddress
	}
	hw, err := s.nextHopHW(dst)
	if err != nil {
		return nil, err
	}
	s.tx.Reset(s.txbuf)
	c := &s.tx
	ehdr := eth.EthernetHeader{
		Destination:     hw,
		Source:          s.mac,
		SizeOrEtherType: uint16(eth.EtherTypeIPv4),
	}
	ehdr.Put(c.Next(eth.SizeEthernetHeader))
	s.ipOff = c.Off()
	c.WriteU16(ipVersionIHL << 8) // ToS=0.
	c.WriteU16(0)                 // Total length, set by IPv4Send.
	c.WriteU32(ipIDAndFlags)
	c.WriteU8(s.cfg.TTL)
	c.WriteU8(uint8(proto))
	c.WriteU16(0) // Checksum, set by IPv4Send.
	c.Write(s.addr[:])
	c.Write(dst[:])
	if err := c.Err(); err != nil {
		return nil, err
	}
	s.pseudo = pseudoHeader{src: s.addr, dst: dst, proto: proto, valid: true}
	return c, nil
}

// IPv4Send back-patches the total length and header checksum of the packet
// started with IPv4Start and transmits it. payloadLen is the number of bytes
// written after the IP header.
func (s *Stack) IPv4Send(payloadLen uint16) error {
	if !s.pseudo.valid {
		return errNotStarted
	}
	s.pseudo.valid = false
	end := s.ipOff + ipHeaderLen + int(payloadLen)
	if end > len(s.txbuf) {
		return errPacketSmol
	}
	c := &s.tx
	c.PutU16At(s.ipOff+2, ipHeaderLen+payloadLen)
	c.PutU16At(s.ipOff+10, 0)
	c.PutU16At(s.ipOff+10, eth.Checksum(s.txbuf[s.ipOff:s.ipOff+ipHeaderLen], 0))
	if err := c.Err(); err != nil {
		return err
	}
	return s.transmit(s.txbuf[:end])
}

// ipPayloadLen returns the number of bytes written past the IP header of the
// packet being built.
func (s *Stack) ipPayloadLen() uint16 {
	return uint16(s.tx.Off() - s.ipOff - ipHeaderLen)
}
