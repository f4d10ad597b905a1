/*
package eth implements Ethernet, ARP, IPv4, ICMP, UDP and TCP header
representations and the checksum and cursor utilities used to read and
write them on the wire.

# ARP Frame (Address resolution protocol)

Legend:
  - HW:    Hardware
  - AT:    Address type
  - AL:    Address Length
  - AoS:   Address of sender
  - AoT:   Address of Target
  - Proto: Protocol (below is ipv4 example)

Below is the byte schema for an ARP header:

	0      2          4       5          6         8       14          18       24          28
	| HW AT | Proto AT | HW AL | Proto AL | OP Code | HW AoS | Proto AoS | HW AoT | Proto AoT |
	|  2B   |  2B      |  1B   |  1B      | 2B      |   6B   |    4B     |  6B    |   4B
	| ethern| IP       |macaddr|          |ask|reply|                    |for op=1|
	| = 1   |=0x0800   |=6     |=4        | 1 | 2   |       known        |=0      |

See https://hpd.gasmi.net/ to decode Hex Frames.
*/
package eth

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/soypat/tcpiplite"
)

// EthernetHeader is a 14 byte ethernet header representation with no VLAN support on its own.
type EthernetHeader struct {
	Destination     [6]byte // 0:6
	Source          [6]byte // 6:12
	SizeOrEtherType uint16  // 12:14
}

// ARPv4Header is the Address Resolution Protocol header for IPv4 address resolution
// and 6 byte hardware addresses. 28 bytes in size.
type ARPv4Header struct {
	// This field specifies the network link protocol type. Example: Ethernet is 1.
	HardwareType uint16 // 0:2
	// This field specifies the internetwork protocol for which the ARP request is
	// intended. For IPv4, this has the value 0x0800. The permitted PTYPE
	// values share a numbering space with those for EtherType.
	ProtoType uint16 // 2:4
	// Length (in octets) of a hardware address. Ethernet address length is 6.
	HardwareLength uint8 // 4:5
	// Length (in octets) of internetwork addresses. IPv4 address length is 4.
	ProtoLength uint8 // 5:6
	// Specifies the operation that the sender is performing: 1 for request, 2 for reply.
	Operation uint16 // 6:8
	// Media address of the sender.
	HardwareSender [6]byte // 8:14
	// Internetwork address of the sender.
	ProtoSender [4]byte // 14:18
	// Media address of the intended receiver. In an ARP request this field is ignored.
	HardwareTarget [6]byte // 18:24
	// Internetwork address of the intended receiver.
	ProtoTarget [4]byte // 24:28
}

// IPv4Header is the Internet Protocol header. 20 bytes in size. Does not include options.
type IPv4Header struct {
	// VersionAndIHL contains union of both IP Version and IHL data.
	//
	// Internet Header Length (IHL) has 4 bits that specify the number of 32-bit
	// words in the header. The minimum value is 5 (20 bytes) and the maximum 15 (60 bytes).
	VersionAndIHL uint8 // 0:1 (first 4 bits are version, last 4 bits are IHL)
	// Type of Service contains Differential Services Code Point (DSCP) and
	// Explicit Congestion Notification (ECN) union data.
	ToS uint8 // 1:2
	// This 16-bit field defines the entire packet size in bytes, including header and data.
	TotalLength uint16 // 2:4
	// Identification of the group of fragments of a single IP datagram.
	ID uint16 // 4:6
	// Fragmentation flags and offset.
	Flags IPFlags // 6:8
	// Hop count.
	TTL uint8 // 8:9
	// This field defines the protocol used in the data portion of the IP datagram.
	Protocol    IPProto // 9:10
	Checksum    uint16  // 10:12
	Source      [4]byte // 12:16
	Destination [4]byte // 16:20
}

// TCPHeader are the first 20 bytes of a TCP header. Does not include options.
type TCPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// The sequence number of the first data octet in this segment (except when SYN present)
	// If SYN present this is the Initial Sequence Number (ISN) and the first data octet would be ISN+1.
	Seq tcpiplite.Value // 4:8
	// Value of the next sequence number the sender is expecting to receive (when ACK is present).
	Ack tcpiplite.Value // 8:12
	// Contains 4 bit TCP offset (in 32bit words), 4 reserved bits and the 8 bit flags field.
	OffsetAndFlags uint16 // 12:14
	WindowSizeRaw  uint16 // 14:16
	Checksum       uint16 // 16:18
	UrgentPtr      uint16 // 18:20
}

// UDPHeader represents a UDP header. 8 bytes in size. UDP is protocol 17.
type UDPHeader struct {
	SourcePort      uint16 // 0:2
	DestinationPort uint16 // 2:4
	// Length specifies length in bytes of UDP header and UDP payload. The minimum length
	// is 8 bytes (UDP header length).
	Length   uint16 // 4:6
	Checksum uint16 // 6:8
}

// ICMPHeader is the fixed 8 byte ICMP header. For echo request and reply
// messages the rest-of-header word holds the identifier and sequence number.
// For destination unreachable messages it is unused and must be zero.
type ICMPHeader struct {
	Type     ICMPType // 0:1
	Code     uint8    // 1:2
	Checksum uint16   // 2:4
	Ident    uint16   // 4:6
	Seq      uint16   // 6:8
}

const (
	// TCP words are 4 octets, or uint32s
	tcpWordlen         = 4
	tcpFlagmask uint16 = 0x00ff
)

// These are minimum sizes that do not take into consideration the presence of
// options or special tags (i.e: VLAN, IP/TCP Options).
const (
	SizeEthernetHeader = 14
	SizeIPv4Header     = 20
	SizeUDPHeader      = 8
	SizeARPv4Header    = 28
	SizeTCPHeader      = 20
	SizeICMPHeader     = 8
	ipflagDontFrag     = 0x4000
)

// IsBroadcastHW returns true if hwaddr is the all ones link layer broadcast address.
func IsBroadcastHW(hwaddr []byte) bool {
	return string(hwaddr) == broadcast
}

// IsMulticastHW returns true if the group bit of hwaddr is set. Broadcast is also multicast.
func IsMulticastHW(hwaddr []byte) bool {
	return len(hwaddr) > 0 && hwaddr[0]&1 != 0
}

func BroadcastHW6() [6]byte { return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff} }

// Broadcast is a special hardware address which indicates a Frame should
// be sent to every device on a given LAN segment.
const broadcast = "\xff\xff\xff" + "\xff\xff\xff"

// DecodeEthernetHeader decodes an ethernet frame from the first 14 bytes of buf.
// It does not handle 802.1Q VLAN situation where at least 4 more bytes must be decoded from wire.
func DecodeEthernetHeader(b []byte) (ethdr EthernetHeader) {
	_ = b[13]
	copy(ethdr.Destination[0:], b[0:])
	copy(ethdr.Source[0:], b[6:])
	ethdr.SizeOrEtherType = binary.BigEndian.Uint16(b[12:14])
	return ethdr
}

// IsVLAN returns true if the SizeOrEtherType is set to the VLAN tag 0x8100.
func (ehdr *EthernetHeader) IsVLAN() bool { return ehdr.SizeOrEtherType == uint16(EtherTypeVLAN) }

// AssertType returns the Size or EtherType field of the Ethernet frame as EtherType.
func (ehdr EthernetHeader) AssertType() EtherType { return EtherType(ehdr.SizeOrEtherType) }

// Put marshals the ethernet frame onto buf. buf needs to be 14 bytes in length or Put panics.
func (ehdr *EthernetHeader) Put(buf []byte) {
	_ = buf[13]
	copy(buf[0:], ehdr.Destination[0:])
	copy(buf[6:], ehdr.Source[0:])
	binary.BigEndian.PutUint16(buf[12:14], ehdr.SizeOrEtherType)
}

// String returns a human readable representation of the Ethernet frame.
func (ehdr *EthernetHeader) String() string {
	var vlanstr string
	if ehdr.IsVLAN() {
		vlanstr = "(VLAN)"
	}
	return strcat("dst: ", net.HardwareAddr(ehdr.Destination[:]).String(), ", ",
		"src: ", net.HardwareAddr(ehdr.Source[:]).String(), ", ",
		"etype: ", ehdr.AssertType().String(), vlanstr)
}

// IHL returns the internet header length in 32bit words and is guaranteed to be within 0..15.
// Valid values for IHL are 5..15. When multiplied by 4 this yields number of bytes of the header, 20..60.
func (iphdr *IPv4Header) IHL() uint8     { return iphdr.VersionAndIHL & 0xf }
func (iphdr *IPv4Header) Version() uint8 { return iphdr.VersionAndIHL >> 4 }

func (iphdr *IPv4Header) String() string {
	return strcat(net.IP(iphdr.Source[:]).String(), " -> ",
		net.IP(iphdr.Destination[:]).String(), " proto=", iphdr.Protocol.String(),
		" len=", strconv.Itoa(int(iphdr.TotalLength)),
	)
}

// DecodeIPv4Header decodes a 20 byte IPv4 header from buf and returns the IPv4Header
// and the offset in bytes to the payload as calculated from the IHL field.
func DecodeIPv4Header(buf []byte) (iphdr IPv4Header, payloadOffset uint8) {
	_ = buf[19]
	iphdr.VersionAndIHL = buf[0]
	iphdr.ToS = buf[1]
	iphdr.TotalLength = binary.BigEndian.Uint16(buf[2:])
	iphdr.ID = binary.BigEndian.Uint16(buf[4:])
	iphdr.Flags = IPFlags(binary.BigEndian.Uint16(buf[6:]))
	iphdr.TTL = buf[8]
	iphdr.Protocol = IPProto(buf[9])
	iphdr.Checksum = binary.BigEndian.Uint16(buf[10:])
	copy(iphdr.Source[:], buf[12:16])
	copy(iphdr.Destination[:], buf[16:20])
	return iphdr, iphdr.IHL() * 4
}

// HeaderLength returns the total header length in bytes.
func (iphdr *IPv4Header) HeaderLength() int {
	return int(iphdr.IHL()) * 4
}

type IPFlags uint16

func (f IPFlags) DontFragment() bool { return f&ipflagDontFrag != 0 }

func DecodeARPv4Header(buf []byte) (arphdr ARPv4Header) {
	_ = buf[27]
	arphdr.HardwareType = binary.BigEndian.Uint16(buf[0:])
	arphdr.ProtoType = binary.BigEndian.Uint16(buf[2:])
	arphdr.HardwareLength = buf[4]
	arphdr.ProtoLength = buf[5]
	arphdr.Operation = binary.BigEndian.Uint16(buf[6:])
	copy(arphdr.HardwareSender[:], buf[8:14])
	copy(arphdr.ProtoSender[:], buf[14:18])
	copy(arphdr.HardwareTarget[:], buf[18:24])
	copy(arphdr.ProtoTarget[:], buf[24:28])
	return arphdr
}

// Put marshals the ARP header onto buf. buf needs to be 28 bytes in length or Put panics.
func (ahdr *ARPv4Header) Put(buf []byte) {
	_ = buf[27]
	binary.BigEndian.PutUint16(buf[0:], ahdr.HardwareType)
	binary.BigEndian.PutUint16(buf[2:], ahdr.ProtoType)
	buf[4] = ahdr.HardwareLength
	buf[5] = ahdr.ProtoLength
	binary.BigEndian.PutUint16(buf[6:], ahdr.Operation)
	copy(buf[8:14], ahdr.HardwareSender[:])
	copy(buf[14:18], ahdr.ProtoSender[:])
	copy(buf[18:24], ahdr.HardwareTarget[:])
	copy(buf[24:28], ahdr.ProtoTarget[:])
}

func (ahdr *ARPv4Header) String() string {
	if ahdr.Operation == ARPRequest {
		return strcat("ARP ", net.HardwareAddr(ahdr.HardwareSender[:]).String(), "->",
			"who has ", net.IP(ahdr.ProtoTarget[:]).String(), "?", " Tell ", net.IP(ahdr.ProtoSender[:]).String())
	}
	return strcat("ARP ", net.HardwareAddr(ahdr.HardwareSender[:]).String(), "->",
		"I have ", net.IP(ahdr.ProtoSender[:]).String(), "! Tell ", net.IP(ahdr.ProtoTarget[:]).String(), ", aka ", net.HardwareAddr(ahdr.HardwareTarget[:]).String())
}

// AssertEtherType returns the ProtoType field of the ARP header as EtherType.
func (ahdr *ARPv4Header) AssertEtherType() EtherType {
	return EtherType(ahdr.ProtoType)
}

// DecodeUDPHeader decodes a UDP header from buf. Panics if buf is less than 8 bytes in length.
func DecodeUDPHeader(buf []byte) (udp UDPHeader) {
	_ = buf[7]
	udp.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	udp.DestinationPort = binary.BigEndian.Uint16(buf[2:4])
	udp.Length = binary.BigEndian.Uint16(buf[4:6])
	udp.Checksum = binary.BigEndian.Uint16(buf[6:8])
	return udp
}

// Put marshals the UDPHeader onto buf. If buf's length is less than 8 then Put panics.
func (uhdr *UDPHeader) Put(buf []byte) {
	_ = buf[7]
	binary.BigEndian.PutUint16(buf[0:2], uhdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], uhdr.DestinationPort)
	binary.BigEndian.PutUint16(buf[4:6], uhdr.Length)
	binary.BigEndian.PutUint16(buf[6:8], uhdr.Checksum)
}

func (uhdr *UDPHeader) String() string {
	return strcat(u32toa(uint32(uhdr.SourcePort)), "->", u32toa(uint32(uhdr.DestinationPort)), " len=", u32toa(uint32(uhdr.Length)))
}

// DecodeTCPHeader decodes a TCP header from buf and returns the TCPHeader
// and the offset in bytes to the payload. Panics if buf is less than 20 bytes in length.
func DecodeTCPHeader(buf []byte) (thdr TCPHeader, payloadOffset uint8) {
	_ = buf[19]
	thdr.SourcePort = binary.BigEndian.Uint16(buf[0:])
	thdr.DestinationPort = binary.BigEndian.Uint16(buf[2:])
	thdr.Seq = tcpiplite.Value(binary.BigEndian.Uint32(buf[4:]))
	thdr.Ack = tcpiplite.Value(binary.BigEndian.Uint32(buf[8:]))
	thdr.OffsetAndFlags = binary.BigEndian.Uint16(buf[12:])
	thdr.WindowSizeRaw = binary.BigEndian.Uint16(buf[14:])
	thdr.Checksum = binary.BigEndian.Uint16(buf[16:])
	thdr.UrgentPtr = binary.BigEndian.Uint16(buf[18:])
	return thdr, thdr.OffsetInBytes()
}

// Put marshals the TCP frame onto buf. buf needs to be 20 bytes in length or Put panics.
func (thdr *TCPHeader) Put(buf []byte) {
	_ = buf[19]
	binary.BigEndian.PutUint16(buf[0:], thdr.SourcePort)
	binary.BigEndian.PutUint16(buf[2:], thdr.DestinationPort)
	binary.BigEndian.PutUint32(buf[4:], uint32(thdr.Seq))
	binary.BigEndian.PutUint32(buf[8:], uint32(thdr.Ack))
	binary.BigEndian.PutUint16(buf[12:], thdr.OffsetAndFlags)
	binary.BigEndian.PutUint16(buf[14:], thdr.WindowSizeRaw)
	binary.BigEndian.PutUint16(buf[16:], thdr.Checksum)
	binary.BigEndian.PutUint16(buf[18:], thdr.UrgentPtr)
}

// Segment returns a [tcpiplite.Segment] representation of the TCP header given the payload length.
func (thdr *TCPHeader) Segment(payloadSize int) tcpiplite.Segment {
	return tcpiplite.Segment{
		SEQ:     thdr.Seq,
		ACK:     thdr.Ack,
		WND:     tcpiplite.Size(thdr.WindowSizeRaw),
		DATALEN: tcpiplite.Size(payloadSize),
		Flags:   thdr.Flags(),
	}
}

// Offset specifies the size of the TCP header in 32-bit words. The minimum size
// header is 5 words and the maximum is 15 words thus giving the minimum size of
// 20 bytes and maximum of 60 bytes, allowing for up to 40 bytes of options in
// the header.
func (thdr *TCPHeader) Offset() (tcpWords uint8) {
	return uint8(thdr.OffsetAndFlags >> 12)
}

// OffsetInBytes returns the size of the TCP header in bytes, including options.
func (thdr *TCPHeader) OffsetInBytes() uint8 {
	return thdr.Offset() * tcpWordlen
}

func (thdr *TCPHeader) Flags() tcpiplite.Flags {
	return tcpiplite.Flags(thdr.OffsetAndFlags & tcpFlagmask)
}

func (thdr *TCPHeader) SetFlags(v tcpiplite.Flags) {
	onlyOffset := thdr.OffsetAndFlags &^ tcpFlagmask
	thdr.OffsetAndFlags = onlyOffset | uint16(v)
}

// SetOffset sets the header length in 32 bit words. Values above 15 are truncated.
func (thdr *TCPHeader) SetOffset(tcpWords uint8) {
	onlyFlags := thdr.OffsetAndFlags & tcpFlagmask
	thdr.OffsetAndFlags = onlyFlags | (uint16(tcpWords&0xf) << 12)
}

func (thdr *TCPHeader) String() string {
	return strcat("TCP port ", u32toa(uint32(thdr.SourcePort)), "->", u32toa(uint32(thdr.DestinationPort)),
		thdr.Flags().String(), "seq ", u32toa(uint32(thdr.Seq)), " ack ", u32toa(uint32(thdr.Ack)))
}

// DecodeICMPHeader decodes the 8 byte ICMP header. Panics if buf is less than 8 bytes in length.
func DecodeICMPHeader(buf []byte) (ihdr ICMPHeader) {
	_ = buf[7]
	ihdr.Type = ICMPType(buf[0])
	ihdr.Code = buf[1]
	ihdr.Checksum = binary.BigEndian.Uint16(buf[2:])
	ihdr.Ident = binary.BigEndian.Uint16(buf[4:])
	ihdr.Seq = binary.BigEndian.Uint16(buf[6:])
	return ihdr
}

// Put marshals the ICMP header onto buf. buf needs to be 8 bytes in length or Put panics.
func (ihdr *ICMPHeader) Put(buf []byte) {
	_ = buf[7]
	buf[0] = uint8(ihdr.Type)
	buf[1] = ihdr.Code
	binary.BigEndian.PutUint16(buf[2:], ihdr.Checksum)
	binary.BigEndian.PutUint16(buf[4:], ihdr.Ident)
	binary.BigEndian.PutUint16(buf[6:], ihdr.Seq)
}

func (ihdr *ICMPHeader) String() string {
	return strcat("ICMP type=", u32toa(uint32(ihdr.Type)), " code=", u32toa(uint32(ihdr.Code)),
		" id=", u32toa(uint32(ihdr.Ident)), " seq=", u32toa(uint32(ihdr.Seq)))
}

func u32toa(u uint32) string {
	return strconv.FormatUint(uint64(u), 10)
}

func strcat(strs ...string) (s string) {
	for i := range strs {
		s += strs[i]
	}
	return s
}
