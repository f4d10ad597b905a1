package eth

import "strconv"

// Ethertype values. From: http://en.wikipedia.org/wiki/Ethertype

const (
	EtherTypeIPv4                EtherType = 0x0800
	EtherTypeARP                 EtherType = 0x0806
	EtherTypeWakeOnLAN           EtherType = 0x0842
	EtherTypeTRILL               EtherType = 0x22F3
	EtherTypeDECnetPhase4        EtherType = 0x6003
	EtherTypeRARP                EtherType = 0x8035
	EtherTypeAppleTalk           EtherType = 0x809B
	EtherTypeAARP                EtherType = 0x80F3
	EtherTypeIPX1                EtherType = 0x8137
	EtherTypeIPX2                EtherType = 0x8138
	EtherTypeQNXQnet             EtherType = 0x8204
	EtherTypeIPv6                EtherType = 0x86DD
	EtherTypeEthernetFlowControl EtherType = 0x8808
	EtherTypeIEEE802_3           EtherType = 0x8809
	EtherTypeCobraNet            EtherType = 0x8819
	EtherTypeMPLSUnicast         EtherType = 0x8847
	EtherTypeMPLSMulticast       EtherType = 0x8848
	EtherTypePPPoEDiscovery      EtherType = 0x8863
	EtherTypePPPoESession        EtherType = 0x8864
	EtherTypeJumboFrames         EtherType = 0x8870
	EtherTypeHomePlug1_0MME      EtherType = 0x887B
	EtherTypeIEEE802_1X          EtherType = 0x888E
	EtherTypePROFINET            EtherType = 0x8892
	EtherTypeHyperSCSI           EtherType = 0x889A
	EtherTypeAoE                 EtherType = 0x88A2
	EtherTypeEtherCAT            EtherType = 0x88A4
	EtherTypeEthernetPowerlink   EtherType = 0x88AB
	EtherTypeLLDP                EtherType = 0x88CC
	EtherTypeSERCOS3             EtherType = 0x88CD
	EtherTypeHomePlugAVMME       EtherType = 0x88E1
	EtherTypeMRP                 EtherType = 0x88E3
	EtherTypeIEEE802_1AE         EtherType = 0x88E5
	EtherTypeIEEE1588            EtherType = 0x88F7
	EtherTypeIEEE802_1ag         EtherType = 0x8902
	EtherTypeFCoE                EtherType = 0x8906
	EtherTypeFCoEInit            EtherType = 0x8914
	EtherTypeRoCE                EtherType = 0x8915
	EtherTypeCTP                 EtherType = 0x9000
	EtherTypeVeritasLLT          EtherType = 0xCAFE
	EtherTypeVLAN                EtherType = 0x8100
	EtherTypeServiceVLAN         EtherType = 0x88a8
	// minEthPayload is the minimum payload size for an Ethernet frame, assuming
	// that no 802.1Q VLAN tags are present.
	minEthPayload = 46
)

type EtherType uint16

var etherTypeNames = map[EtherType]string{
	EtherTypeIPv4:        "IPv4",
	EtherTypeARP:         "ARP",
	EtherTypeWakeOnLAN:   "WakeOnLAN",
	EtherTypeRARP:        "RARP",
	EtherTypeIPv6:        "IPv6",
	EtherTypeLLDP:        "LLDP",
	EtherTypeVLAN:        "VLAN",
	EtherTypeServiceVLAN: "ServiceVLAN",
	EtherTypeIEEE802_1X:  "IEEE802_1X",
	EtherTypeIEEE1588:    "IEEE1588",
}

func (et EtherType) String() string {
	if s, ok := etherTypeNames[et]; ok {
		return s
	}
	return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
}

// IPProto is the IPv4 protocol number carried in the protocol field of the header.
type IPProto uint8

const (
	IPProtoICMP IPProto = 1
	IPProtoTCP  IPProto = 6
	IPProtoUDP  IPProto = 17
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	}
	return "IPProto(" + strconv.Itoa(int(p)) + ")"
}

// ICMPType is the type field of an ICMP message.
type ICMPType uint8

const (
	ICMPEchoReply       ICMPType = 0
	ICMPDestUnreachable ICMPType = 3
	ICMPEchoRequest     ICMPType = 8

	// ICMPCodePortUnreachable is the destination unreachable code for a closed UDP port.
	ICMPCodePortUnreachable = 3
)

// ARP operations.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// ARP field values for IPv4 over Ethernet.
const (
	ARPHardwareEthernet = 1
	ARPHardwareLength   = 6
	ARPProtoLength      = 4
)

// TCP option kinds understood by the stack.
const (
	TCPOptionEnd = 0
	TCPOptionNop = 1
	TCPOptionMSS = 2
)
