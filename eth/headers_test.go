package eth

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/tcpiplite"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	testSrcHW = [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	testDstHW = [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	testSrcIP = [4]byte{192, 168, 1, 116}
	testDstIP = [4]byte{192, 168, 1, 145}
)

// gvisorFrame returns an Ethernet+IPv4 frame built by gvisor carrying l4,
// with the transport checksum at csumOff filled in.
func gvisorFrame(proto tcpip.TransportProtocolNumber, l4 []byte, csumOff int) []byte {
	frame := make([]byte, header.EthernetMinimumSize+header.IPv4MinimumSize+len(l4))
	header.Ethernet(frame).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(testSrcHW[:]),
		DstAddr: tcpip.LinkAddress(testDstHW[:]),
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + len(l4)),
		ID:          5534,
		Flags:       header.IPv4FlagDontFragment,
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     tcpip.AddrFrom4(testSrcIP),
		DstAddr:     tcpip.AddrFrom4(testDstIP),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	payload := frame[header.EthernetMinimumSize+header.IPv4MinimumSize:]
	copy(payload, l4)
	xsum := header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(payload)))
	binary.BigEndian.PutUint16(payload[csumOff:], ^checksum.Checksum(payload, xsum))
	return frame
}

func TestEthernetIPv4AgainstGvisor(t *testing.T) {
	frame := gvisorFrame(header.UDPProtocolNumber, make([]byte, header.UDPMinimumSize+4), 6)
	ehdr := DecodeEthernetHeader(frame)
	want := EthernetHeader{Destination: testDstHW, Source: testSrcHW, SizeOrEtherType: uint16(EtherTypeIPv4)}
	if diff := cmp.Diff(want, ehdr); diff != "" {
		t.Errorf("ethernet header mismatch (-want +got):\n%s", diff)
	}
	if ehdr.AssertType() != EtherTypeIPv4 || ehdr.IsVLAN() {
		t.Errorf("bad ethertype %s", ehdr.String())
	}

	ipbuf := frame[SizeEthernetHeader:]
	ihdr, off := DecodeIPv4Header(ipbuf)
	gip := header.IPv4(ipbuf)
	if int(off) != int(gip.HeaderLength()) || ihdr.HeaderLength() != SizeIPv4Header {
		t.Errorf("header length %d, gvisor %d", off, gip.HeaderLength())
	}
	if ihdr.Version() != 4 || ihdr.TotalLength != gip.TotalLength() || ihdr.ID != gip.ID() || ihdr.TTL != gip.TTL() {
		t.Errorf("field mismatch: %s", ihdr.String())
	}
	if ihdr.Protocol != IPProtoUDP || !ihdr.Flags.DontFragment() {
		t.Errorf("protocol or flags mismatch: %s flags=%#x", ihdr.String(), ihdr.Flags)
	}
	if ihdr.Source != gip.SourceAddress().As4() || ihdr.Destination != gip.DestinationAddress().As4() {
		t.Errorf("address mismatch: %s", ihdr.String())
	}
	if ihdr.Checksum != gip.Checksum() || Checksum(ipbuf[:ihdr.HeaderLength()], 0) != 0 {
		t.Errorf("ip checksum %#04x does not verify, gvisor %#04x", ihdr.Checksum, gip.Checksum())
	}

	// Encoding the decoded header reproduces the frame.
	var got [SizeEthernetHeader]byte
	ehdr.Put(got[:])
	if !bytes.Equal(got[:], frame[:len(got)]) {
		t.Errorf("re-encoded header differs:\n got % x\nwant % x", got, frame[:len(got)])
	}
}

func TestUDPAgainstGvisor(t *testing.T) {
	data := []byte(`{"version": [2, 0], "port": 17500}`)
	l4 := make([]byte, header.UDPMinimumSize+len(data))
	header.UDP(l4).Encode(&header.UDPFields{SrcPort: 17500, DstPort: 17500, Length: uint16(len(l4))})
	copy(l4[header.UDPMinimumSize:], data)
	frame := gvisorFrame(header.UDPProtocolNumber, l4, 6)

	ihdr, off := DecodeIPv4Header(frame[SizeEthernetHeader:])
	udpbuf := frame[SizeEthernetHeader+int(off):]
	uhdr := DecodeUDPHeader(udpbuf)
	gudp := header.UDP(udpbuf)
	want := UDPHeader{SourcePort: 17500, DestinationPort: 17500, Length: uint16(len(l4)), Checksum: gudp.Checksum()}
	if diff := cmp.Diff(want, uhdr); diff != "" {
		t.Errorf("udp header mismatch (-want +got):\n%s", diff)
	}
	seed := PseudoHeaderSum(ihdr.Source, ihdr.Destination, IPProtoUDP, uhdr.Length)
	if Checksum(udpbuf, seed) != 0 {
		t.Errorf("gvisor udp checksum %#04x does not verify", gudp.Checksum())
	}
	zeroed := bytes.Clone(udpbuf)
	binary.BigEndian.PutUint16(zeroed[6:], 0)
	if got := Checksum(zeroed, seed); got != gudp.Checksum() {
		t.Errorf("udp checksum %#04x, gvisor %#04x", got, gudp.Checksum())
	}
	var got [SizeUDPHeader]byte
	uhdr.Put(got[:])
	if !bytes.Equal(got[:], udpbuf[:SizeUDPHeader]) {
		t.Errorf("re-encoded udp header % x, want % x", got, udpbuf[:SizeUDPHeader])
	}
}

func TestTCPAgainstGvisor(t *testing.T) {
	// MSS, SACK permitted, timestamps, NOP and window scale, as sent in a Linux SYN.
	options := []byte("\x02\x04\x05\xb4\x04\x02\x08\x0aFP\x10t\x00\x00\x00\x00\x01\x03\x03\x07")
	for _, tc := range []struct {
		flags   header.TCPFlags
		payload string
	}{
		{flags: header.TCPFlagSyn},
		{flags: header.TCPFlagSyn | header.TCPFlagAck},
		{flags: header.TCPFlagAck | header.TCPFlagPsh, payload: "odd length payload"},
		{flags: header.TCPFlagFin | header.TCPFlagAck, payload: "even"},
	} {
		hlen := header.TCPMinimumSize + len(options)
		l4 := make([]byte, hlen+len(tc.payload))
		header.TCP(l4).Encode(&header.TCPFields{
			SrcPort:    46468,
			DstPort:    1234,
			SeqNum:     1104871141,
			AckNum:     0xdeadbeef,
			DataOffset: uint8(hlen),
			Flags:      tc.flags,
			WindowSize: 64240,
		})
		copy(l4[header.TCPMinimumSize:], options)
		copy(l4[hlen:], tc.payload)
		frame := gvisorFrame(header.TCPProtocolNumber, l4, 16)

		ihdr, off := DecodeIPv4Header(frame[SizeEthernetHeader:])
		tcpbuf := frame[SizeEthernetHeader+int(off):]
		thdr, payloadOff := DecodeTCPHeader(tcpbuf)
		gtcp := header.TCP(tcpbuf)
		if int(payloadOff) != hlen || thdr.OffsetInBytes() != gtcp.DataOffset() {
			t.Errorf("%s: data offset %d, gvisor %d", tc.flags, payloadOff, gtcp.DataOffset())
		}
		if uint8(thdr.Flags()) != uint8(gtcp.Flags()) {
			t.Errorf("%s: flags %s", tc.flags, thdr.Flags())
		}
		if thdr.SourcePort != gtcp.SourcePort() || thdr.DestinationPort != gtcp.DestinationPort() ||
			uint32(thdr.Seq) != gtcp.SequenceNumber() || uint32(thdr.Ack) != gtcp.AckNumber() ||
			thdr.WindowSizeRaw != gtcp.WindowSize() {
			t.Errorf("%s: field mismatch %s", tc.flags, thdr.String())
		}
		zeroed := bytes.Clone(tcpbuf)
		binary.BigEndian.PutUint16(zeroed[16:], 0)
		got := Checksum(zeroed, PseudoHeaderSum(ihdr.Source, ihdr.Destination, IPProtoTCP, uint16(len(tcpbuf))))
		if got != gtcp.Checksum() {
			t.Errorf("%s: tcp checksum %#04x, gvisor %#04x", tc.flags, got, gtcp.Checksum())
		}
		seg := thdr.Segment(len(tc.payload))
		if seg.SEQ != thdr.Seq || seg.ACK != thdr.Ack || int(seg.DATALEN) != len(tc.payload) || seg.Flags != thdr.Flags() {
			t.Errorf("%s: segment %+v", tc.flags, seg)
		}
	}
}

func TestTCPHeaderSetters(t *testing.T) {
	var thdr TCPHeader
	thdr.SetFlags(tcpiplite.FlagSYN | tcpiplite.FlagACK)
	thdr.SetOffset(8)
	if thdr.Offset() != 8 || thdr.OffsetInBytes() != 32 {
		t.Errorf("offset %d words", thdr.Offset())
	}
	if thdr.Flags() != tcpiplite.FlagSYN|tcpiplite.FlagACK {
		t.Errorf("flags %s after setting offset", thdr.Flags())
	}
	thdr.SetFlags(tcpiplite.FlagRST)
	if thdr.Offset() != 8 || thdr.Flags() != tcpiplite.FlagRST {
		t.Errorf("offset=%d flags=%s after setting flags", thdr.Offset(), thdr.Flags())
	}
}

func TestARPAgainstGvisor(t *testing.T) {
	buf := make([]byte, header.ARPSize)
	garp := header.ARP(buf)
	garp.SetIPv4OverEthernet()
	garp.SetOp(header.ARPReply)
	copy(garp.HardwareAddressSender(), testSrcHW[:])
	copy(garp.ProtocolAddressSender(), testSrcIP[:])
	copy(garp.HardwareAddressTarget(), testDstHW[:])
	copy(garp.ProtocolAddressTarget(), testDstIP[:])

	ahdr := DecodeARPv4Header(buf)
	want := ARPv4Header{
		HardwareType:   1,
		ProtoType:      uint16(EtherTypeIPv4),
		HardwareLength: 6,
		ProtoLength:    4,
		Operation:      2,
		HardwareSender: testSrcHW,
		ProtoSender:    testSrcIP,
		HardwareTarget: testDstHW,
		ProtoTarget:    testDstIP,
	}
	if diff := cmp.Diff(want, ahdr); diff != "" {
		t.Errorf("arp header mismatch (-want +got):\n%s", diff)
	}
	if ahdr.AssertEtherType() != EtherTypeIPv4 {
		t.Errorf("arp proto %s", ahdr.AssertEtherType())
	}
	got := make([]byte, SizeARPv4Header)
	ahdr.Put(got)
	if !header.ARP(got).IsValid() || !bytes.Equal(got, buf) {
		t.Errorf("re-encoded arp % x, want % x", got, buf)
	}
}

func TestCRC791_splitWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		data := make([]byte, 1+rng.Intn(300))
		rng.Read(data)
		var crc CRC791
		crcWriteSplit(rng, &crc, data)
		if got, want := crc.Checksum16(), ^checksum.Checksum(data, 0); got != want {
			t.Fatalf("len=%d: got %#04x, gvisor %#04x", len(data), got, want)
		}
	}
}

func FuzzCRC(f *testing.F) {
	f.Add([]byte{0x23, 0xfb, 0xde, 0xad, 0xde, 0xad, 0xc0, 0xff, 0xee, 0x00})
	f.Add([]byte("00\x0010"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var crc CRC791
		crcWriteSplit(rand.New(rand.NewSource(1)), &crc, data)
		if got, want := crc.Checksum16(), ^checksum.Checksum(data, 0); got != want {
			t.Fatalf("%q: got %#04x, gvisor %#04x", data, got, want)
		}
	})
}

// crcWriteSplit feeds data to crc in random sized pieces using every write method.
func crcWriteSplit(rng *rand.Rand, crc *CRC791, data []byte) {
	for len(data) > 0 {
		n := rng.Intn(len(data)) + 1
		switch {
		case n == 1:
			crc.AddUint8(data[0])
		case n == 2:
			crc.AddUint16(binary.BigEndian.Uint16(data))
		case n == 4:
			crc.AddUint32(binary.BigEndian.Uint32(data))
		default:
			crc.Write(data[:n])
		}
		data = data[n:]
	}
}

func TestLinkAddressClass(t *testing.T) {
	bcast := BroadcastHW6()
	for _, tc := range []struct {
		hw           [6]byte
		bcast, mcast bool
	}{
		{hw: bcast, bcast: true, mcast: true},
		{hw: [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}, mcast: true},
		{hw: testSrcHW},
	} {
		if got := IsBroadcastHW(tc.hw[:]); got != tc.bcast {
			t.Errorf("%x: broadcast=%v", tc.hw, got)
		}
		if got := IsMulticastHW(tc.hw[:]); got != tc.mcast {
			t.Errorf("%x: multicast=%v", tc.hw, got)
		}
	}
}
