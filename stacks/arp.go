package stacks

import (
	"log/slog"
	"net"

	"github.com/soypat/tcpiplite/eth"
)

/*
ARP cache:

The cache is a fixed size table of arpEntry. Entries are never removed, only
overwritten. Every entry carries an age that ARPUpdate increments, saturating at
255. An entry with a zero address has never been written and is treated as the
oldest possible entry.

Insertion happens on receipt of ARP packets and, speculatively, of IPv4 packets:
  - If the sender is already mapped for the protocol the entry is refreshed.
  - Otherwise the mapping is only inserted when the packet was addressed to this
    host, evicting the oldest entry. Broadcast traffic never grows the cache.
  - The link broadcast address is never recorded.
*/

// ARPFrameSize is the length of transmitted ARP frames, the minimum Ethernet
// frame size without the frame check sequence.
const ARPFrameSize = 60

type arpEntry struct {
	addr  [4]byte
	hw    [6]byte
	proto uint16
	age   uint8
}

func (e *arpEntry) isEmpty() bool { return e.addr == [4]byte{} }

// ARPLookup returns the link address mapped to ip. The zero address never matches.
func (s *Stack) ARPLookup(ip [4]byte) (hw [6]byte, ok bool) {
	if ip == [4]byte{} {
		return hw, false
	}
	for i := range s.arp {
		if s.arp[i].addr == ip {
			return s.arp[i].hw, true
		}
	}
	return hw, false
}

// ARPAdd records that sender is reachable at hw. target is the protocol
// address the enclosing packet was sent to and decides whether a new entry may
// be inserted.
func (s *Stack) ARPAdd(target, sender [4]byte, proto uint16, hw [6]byte) {
	if sender == [4]byte{} || eth.IsBroadcastHW(hw[:]) {
		return
	}
	for i := range s.arp {
		e := &s.arp[i]
		if e.addr == sender && e.proto == proto {
			e.hw = hw
			e.age = 0
			return
		}
	}
	if target != s.addr || len(s.arp) == 0 {
		return // Not unicast to us.
	}
	oldest := 0
	for i := range s.arp {
		if s.arp[i].isEmpty() {
			oldest = i
			break
		} else if s.arp[i].age > s.arp[oldest].age {
			oldest = i
		}
	}
	s.debug("arp:insert", ipAttr("addr", sender), slog.String("hw", net.HardwareAddr(hw[:]).String()), slog.Int("slot", oldest))
	s.arp[oldest] = arpEntry{addr: sender, hw: hw, proto: proto}
}

// ARPUpdate ages all cache entries by one.
func (s *Stack) ARPUpdate() {
	for i := range s.arp {
		if s.arp[i].age < 255 {
			s.arp[i].age++
		}
	}
}

// ARPRequest broadcasts a request for the link address of ip. It always returns
// [ErrResolutionPending] unless the request could not be transmitted, in which
// case the transmit error is returned.
func (s *Stack) ARPRequest(ip [4]byte) error {
	ahdr := eth.ARPv4Header{
		HardwareType:   eth.ARPHardwareEthernet,
		ProtoType:      uint16(eth.EtherTypeIPv4),
		HardwareLength: eth.ARPHardwareLength,
		ProtoLength:    eth.ARPProtoLength,
		Operation:      eth.ARPRequest,
		HardwareSender: s.mac,
		ProtoSender:    s.addr,
		ProtoTarget:    ip,
	}
	s.debug("arp:request", ipAttr("target", ip))
	err := s.sendARP(eth.BroadcastHW6(), &ahdr)
	if err != nil {
		return err
	}
	return ErrResolutionPending
}

// ARPPacket processes a received Ethernet frame carrying an ARP packet.
func (s *Stack) ARPPacket(frame []byte) error {
	if len(frame) < eth.SizeEthernetHeader+eth.SizeARPv4Header {
		return errPacketSmol
	}
	ahdr := eth.DecodeARPv4Header(frame[eth.SizeEthernetHeader:])
	if err := s.validateARP(&ahdr); err != nil {
		s.debug("arp:drop", slog.String("err", err.Error()))
		return err
	}
	s.ARPAdd(ahdr.ProtoTarget, ahdr.ProtoSender, ahdr.ProtoType, ahdr.HardwareSender)
	if s.addr == [4]byte{} || ahdr.ProtoTarget != s.addr {
		return ErrDestNotMatched
	} else if ahdr.Operation != eth.ARPRequest {
		return nil
	}
	// Reply by swapping sender and target.
	reply := ahdr
	reply.Operation = eth.ARPReply
	reply.HardwareTarget = ahdr.HardwareSender
	reply.ProtoTarget = ahdr.ProtoSender
	reply.HardwareSender = s.mac
	reply.ProtoSender = s.addr
	s.debug("arp:reply", ipAttr("to", reply.ProtoTarget))
	return s.sendARP(reply.HardwareTarget, &reply)
}

// validateARP runs every field check. Unless configured otherwise the last
// failing check is the one reported.
func (s *Stack) validateARP(ahdr *eth.ARPv4Header) (err error) {
	checks := [...]struct {
		fail bool
		err  error
	}{
		{ahdr.HardwareType != eth.ARPHardwareEthernet, errARPHWType},
		{ahdr.AssertEtherType() != eth.EtherTypeIPv4, errARPProtoType},
		{ahdr.HardwareLength != eth.ARPHardwareLength, errARPHWLen},
		{ahdr.ProtoLength != eth.ARPProtoLength, errARPProtoLen},
	}
	for _, c := range checks {
		if !c.fail {
			continue
		}
		err = c.err
		if s.cfg.ARPFirstErrorWins {
			break
		}
	}
	return err
}

// sendARP transmits ahdr padded to the minimum Ethernet frame size.
func (s *Stack) sendARP(dst [6]byte, ahdr *eth.ARPv4Header) error {
	s.pseudo.valid = false // Building over the scratch buffer invalidates any started packet.
	buf := s.txbuf[:ARPFrameSize]
	clear(buf[eth.SizeEthernetHeader+eth.SizeARPv4Header:])
	ehdr := eth.EthernetHeader{
		Destination:     dst,
		Source:          s.mac,
		SizeOrEtherType: uint16(eth.EtherTypeARP),
	}
	ehdr.Put(buf)
	ahdr.Put(buf[eth.SizeEthernetHeader:])
	return s.transmit(buf)
}

func (s *Stack) transmit(frame []byte) error {
	s.trace("stack:send", slog.Int("plen", len(frame)))
	err := s.link.SendEth(frame)
	if err != nil {
		s.error("stack:send", slog.String("err", err.Error()))
		return wrapTransmit(err)
	}
	return nil
}
