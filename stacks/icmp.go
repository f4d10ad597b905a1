package stacks

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/tcpiplite/eth"
)

// Vendor specific echo request codes answered like code 0.
const (
	icmpCodeEchoVendor1 = 0x2A
	icmpCodeEchoVendor2 = 0xFC
	// icmpOrigDataLen is the amount of original payload quoted in error messages.
	icmpOrigDataLen = 8
)

// ICMPUnreachable is a received port unreachable notification.
type ICMPUnreachable struct {
	// Reporter is the host that sent the notification.
	Reporter [4]byte
	// Dst and DstPort identify the destination of the datagram that was rejected.
	Dst     [4]byte
	DstPort uint16
}

// ICMPEcho is a received echo reply.
type ICMPEcho struct {
	Src        [4]byte
	Ident, Seq uint16
	DataLen    int
}

// ICMPPortUnreachable returns the last port unreachable notification received.
func (s *Stack) ICMPPortUnreachable() (ICMPUnreachable, bool) {
	return s.unreach, s.hasUnreach
}

func (s *Stack) ClearICMPPortUnreachable() {
	s.unreach = ICMPUnreachable{}
	s.hasUnreach = false
}

// ICMPEchoReply returns the last echo reply received.
func (s *Stack) ICMPEchoReply() (ICMPEcho, bool) {
	return s.echo, s.hasEcho
}

func (s *Stack) ClearICMPEchoReply() {
	s.echo = ICMPEcho{}
	s.hasEcho = false
}

func (s *Stack) icmpRecv(ihdr *eth.IPv4Header, _, msg []byte) error {
	if len(msg) < eth.SizeICMPHeader {
		return errPacketSmol
	}
	hdr := eth.DecodeICMPHeader(msg)
	s.trace("icmp:recv", slog.String("hdr", hdr.String()))
	switch {
	case hdr.Type == eth.ICMPEchoRequest &&
		(hdr.Code == 0 || hdr.Code == icmpCodeEchoVendor1 || hdr.Code == icmpCodeEchoVendor2):
		return s.icmpEchoReply(ihdr.Source, &hdr, msg[eth.SizeICMPHeader:])

	case hdr.Type == eth.ICMPDestUnreachable && hdr.Code == eth.ICMPCodePortUnreachable:
		// Quoted original: 4 unused bytes already consumed as ident/seq, then IP header and 8 bytes.
		orig := msg[eth.SizeICMPHeader:]
		if len(orig) < eth.SizeIPv4Header {
			return errPacketSmol
		}
		oihdr, ihl := eth.DecodeIPv4Header(orig)
		if int(ihl) < eth.SizeIPv4Header || len(orig) < int(ihl)+4 {
			return errPacketSmol
		}
		s.unreach = ICMPUnreachable{
			Reporter: ihdr.Source,
			Dst:      oihdr.Destination,
			DstPort:  binary.BigEndian.Uint16(orig[ihl+2:]),
		}
		s.hasUnreach = true
		s.info("icmp:unreachable", ipAttr("dst", oihdr.Destination), slog.Int("port", int(s.unreach.DstPort)))

	case hdr.Type == eth.ICMPEchoReply:
		s.echo = ICMPEcho{Src: ihdr.Source, Ident: hdr.Ident, Seq: hdr.Seq, DataLen: len(msg) - eth.SizeICMPHeader}
		s.hasEcho = true
		s.debug("icmp:echoreply", ipAttr("src", ihdr.Source), slog.Int("seq", int(hdr.Seq)))
	}
	return nil
}

func (s *Stack) icmpEchoReply(dst [4]byte, req *eth.ICMPHeader, data []byte) error {
	reply := eth.ICMPHeader{Type: eth.ICMPEchoReply, Ident: req.Ident, Seq: req.Seq}
	return s.icmpSend(dst, &reply, data)
}

// Ping sends an echo request to dst. Replies are recorded and can be
// retrieved with [Stack.ICMPEchoReply].
func (s *Stack) Ping(dst [4]byte, id, seq uint16, data []byte) error {
	req := eth.ICMPHeader{Type: eth.ICMPEchoRequest, Ident: id, Seq: seq}
	s.debug("icmp:ping", ipAttr("dst", dst), slog.Int("seq", int(seq)))
	return s.icmpSend(dst, &req, data)
}

// SendICMPPortUnreachable notifies remote that a datagram it sent to this
// host was rejected. local must be this host's address and orig must hold the
// rejected IP header followed by its payload, of which the first 8 bytes are quoted.
func (s *Stack) SendICMPPortUnreachable(local, remote [4]byte, orig []byte) error {
	if local != s.addr || len(orig) == 0 {
		return ErrDestNotMatched
	}
	ihl := eth.SizeIPv4Header
	if len(orig) >= 1 {
		ihl = max(int(orig[0]&0xf)*4, eth.SizeIPv4Header)
	}
	quoted := orig[:min(len(orig), ihl+icmpOrigDataLen)]
	hdr := eth.ICMPHeader{Type: eth.ICMPDestUnreachable, Code: eth.ICMPCodePortUnreachable}
	s.debug("icmp:portunreachable", ipAttr("to", remote))
	return s.icmpSend(remote, &hdr, quoted)
}

func (s *Stack) icmpSend(dst [4]byte, hdr *eth.ICMPHeader, data []byte) error {
	c, err := s.IPv4Start(dst, eth.IPProtoICMP)
	if err != nil {
		return err
	}
	start := c.Off()
	hdr.Checksum = 0
	hdr.Put(c.Next(eth.SizeICMPHeader))
	c.Write(data)
	if err := c.Err(); err != nil {
		return err
	}
	end := c.Off()
	c.PutU16At(start+2, eth.Checksum(s.txbuf[start:end], 0))
	return s.IPv4Send(uint16(end - start))
}
