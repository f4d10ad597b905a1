// Package dhcp encodes and decodes DHCPv4 messages (RFC 2131) and their
// options (RFC 2132).
package dhcp

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"strconv"
)

const (
	sizeSName    = 64
	sizeBootFile = 128
	// SizeHeader is the size of the fixed BOOTP header fields preceding the
	// server name.
	SizeHeader = 44
	// MagicCookieOffset is measured from the start of the UDP payload.
	MagicCookieOffset        = SizeHeader + sizeSName + sizeBootFile
	MagicCookie       uint32 = 0x63825363
	// OptionsOffset is measured from the start of the UDP payload.
	OptionsOffset = MagicCookieOffset + 4

	ClientPort = 68
	ServerPort = 67

	// FlagBroadcast asks the server to broadcast its replies.
	FlagBroadcast uint16 = 0x8000
	// HTypeEthernet is the hardware type of 10Mb Ethernet.
	HTypeEthernet = 1
)

var (
	errOptionTooLong = errors.New("dhcp: option data too long")
	errShortBuffer   = errors.New("dhcp: buffer too short")
	errShortPayload  = errors.New("dhcp: payload too short")
	errBadCookie     = errors.New("dhcp: bad magic cookie")
	errOptionLength  = errors.New("dhcp: option length exceeds payload")
)

type Op byte

const (
	OpRequest Op = 1
	OpReply   Op = 2
)

// HeaderV4 is the fixed part of a DHCP message. The legacy BOOTP server name
// and file fields that follow it are always zero in messages built here.
type HeaderV4 struct {
	OP    Op
	HType byte
	HLen  uint8
	HOps  uint8
	Xid   uint32
	Secs  uint16
	Flags uint16
	// CIAddr is the client address when it already has one.
	CIAddr [4]byte
	// YIAddr is the address offered or assigned to the client.
	YIAddr [4]byte
	// SIAddr is the next server in bootstrap.
	SIAddr [4]byte
	GIAddr [4]byte
	CHAddr [16]byte
}

func (h *HeaderV4) Put(dst []byte) {
	_ = dst[SizeHeader-1]
	dst[0] = byte(h.OP)
	dst[1] = h.HType
	dst[2] = h.HLen
	dst[3] = h.HOps
	binary.BigEndian.PutUint32(dst[4:8], h.Xid)
	binary.BigEndian.PutUint16(dst[8:10], h.Secs)
	binary.BigEndian.PutUint16(dst[10:12], h.Flags)
	copy(dst[12:16], h.CIAddr[:])
	copy(dst[16:20], h.YIAddr[:])
	copy(dst[20:24], h.SIAddr[:])
	copy(dst[24:28], h.GIAddr[:])
	copy(dst[28:44], h.CHAddr[:])
}

// DecodeHeaderV4 decodes the fixed header of a DHCP message and checks its
// magic cookie.
func DecodeHeaderV4(src []byte) (h HeaderV4, err error) {
	if len(src) < OptionsOffset {
		return h, errShortPayload
	}
	if binary.BigEndian.Uint32(src[MagicCookieOffset:]) != MagicCookie {
		return h, errBadCookie
	}
	h.OP = Op(src[0])
	h.HType = src[1]
	h.HLen = src[2]
	h.HOps = src[3]
	h.Xid = binary.BigEndian.Uint32(src[4:8])
	h.Secs = binary.BigEndian.Uint16(src[8:10])
	h.Flags = binary.BigEndian.Uint16(src[10:12])
	copy(h.CIAddr[:], src[12:16])
	copy(h.YIAddr[:], src[16:20])
	copy(h.SIAddr[:], src[20:24])
	copy(h.GIAddr[:], src[24:28])
	copy(h.CHAddr[:], src[28:44])
	return h, nil
}

// PutMessage writes the header, zeroed BOOTP fields and the magic cookie
// to dst, which must be at least OptionsOffset long. Options follow.
func (h *HeaderV4) PutMessage(dst []byte) {
	_ = dst[OptionsOffset-1]
	h.Put(dst)
	clear(dst[SizeHeader:MagicCookieOffset])
	binary.BigEndian.PutUint32(dst[MagicCookieOffset:], MagicCookie)
}

// HardwareAddr6 returns the client hardware address when it is an Ethernet address.
func (h *HeaderV4) HardwareAddr6() (hw [6]byte, ok bool) {
	if h.HType != HTypeEthernet || h.HLen != 6 {
		return hw, false
	}
	copy(hw[:], h.CHAddr[:6])
	return hw, true
}

func (h *HeaderV4) String() string {
	s := "DHCP op=" + strconv.Itoa(int(h.OP)) + " xid=" + strconv.FormatUint(uint64(h.Xid), 16)
	for _, a := range [...]struct {
		name string
		addr [4]byte
	}{{"ciaddr", h.CIAddr}, {"yiaddr", h.YIAddr}, {"siaddr", h.SIAddr}, {"giaddr", h.GIAddr}} {
		if a.addr != [4]byte{} {
			s += " " + a.name + "=" + netip.AddrFrom4(a.addr).String()
		}
	}
	if h.HLen > 0 && h.HLen <= 16 {
		s += " chaddr=" + net.HardwareAddr(h.CHAddr[:h.HLen]).String()
	}
	return s
}

type Option struct {
	Num  OptNum
	Data []byte
}

func (opt Option) String() string {
	return strconv.Itoa(int(opt.Num)) + ":" + strconv.Itoa(len(opt.Data)) + "B"
}

// Encode writes the option in TLV form to dst and returns the bytes written.
func (opt Option) Encode(dst []byte) (int, error) {
	if len(opt.Data) > 255 {
		return 0, errOptionTooLong
	} else if len(dst) < 2+len(opt.Data) {
		return 0, errShortBuffer
	}
	dst[0] = byte(opt.Num)
	dst[1] = byte(len(opt.Data))
	copy(dst[2:], opt.Data)
	return 2 + len(opt.Data), nil
}

// Addr4 returns the first IPv4 address held in the option data.
func (opt Option) Addr4() (addr [4]byte, ok bool) {
	if len(opt.Data) < 4 {
		return addr, false
	}
	return [4]byte(opt.Data[:4]), true
}

// Uint32 decodes option data holding a single 32 bit value such as a lease time.
func (opt Option) Uint32() (uint32, bool) {
	if len(opt.Data) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(opt.Data), true
}

// ForEachOption calls fn for each option of the DHCP message in udpPayload
// until the end option is found. Pad options are skipped.
func ForEachOption(udpPayload []byte, fn func(opt Option) error) error {
	ptr := OptionsOffset
	if ptr > len(udpPayload) {
		return errShortPayload
	}
	for ptr < len(udpPayload) {
		num := OptNum(udpPayload[ptr])
		if num == OptEnd {
			return nil
		} else if num == OptPad {
			ptr++
			continue
		}
		if ptr+1 >= len(udpPayload) {
			return errOptionLength
		}
		end := ptr + 2 + int(udpPayload[ptr+1])
		if end > len(udpPayload) {
			return errOptionLength
		}
		if err := fn(Option{Num: num, Data: udpPayload[ptr+2 : end]}); err != nil {
			return err
		}
		ptr = end
	}
	return nil
}

type OptNum uint8

const (
	OptPad                  OptNum = 0
	OptSubnetMask           OptNum = 1
	OptRouter               OptNum = 3 // N/4 router addresses.
	OptDNSServers           OptNum = 6 // N/4 DNS server addresses.
	OptHostName             OptNum = 12
	OptDomainName           OptNum = 15
	OptBroadcastAddress     OptNum = 28
	OptNTPServers           OptNum = 42 // N/4 NTP server addresses.
	OptRequestedIPaddress   OptNum = 50
	OptIPAddressLeaseTime   OptNum = 51 // Seconds.
	OptMessageType          OptNum = 53
	OptServerIdentification OptNum = 54
	OptParameterRequestList OptNum = 55
	OptMessage              OptNum = 56
	OptMaximumMessageSize   OptNum = 57
	OptRenewTimeValue       OptNum = 58 // T1 in seconds.
	OptRebindingTimeValue   OptNum = 59 // T2 in seconds.
	OptClientIdentifier     OptNum = 61
	OptEnd                  OptNum = 255
)

type MessageType uint8

const (
	MsgDiscover MessageType = iota + 1
	MsgOffer
	MsgRequest
	MsgDecline
	MsgAck
	MsgNak
	MsgRelease
	MsgInform
)

func (m MessageType) String() string {
	names := [...]string{"Discover", "Offer", "Request", "Decline", "Ack", "Nak", "Release", "Inform"}
	if m == 0 || int(m) > len(names) {
		return "MessageType(" + strconv.Itoa(int(m)) + ")"
	}
	return names[m-1]
}
