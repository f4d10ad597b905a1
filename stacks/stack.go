package stacks

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/soypat/tcpiplite/eth"
	"github.com/soypat/tcpiplite/internal"
)

// Result codes returned by the stack. They are compared with errors.Is since
// transmit failures wrap the underlying link error.
var (
	// ErrResolutionPending is returned when the link address of the next hop is
	// not yet known. An ARP request has been sent and the caller should retry later.
	ErrResolutionPending = errors.New("address resolution pending")
	ErrDestNotMatched    = errors.New("destination not matched")
	ErrPortNotAvailable  = errors.New("port not available")
	ErrChecksum          = errors.New("bad checksum")
	ErrBufferBusy        = errors.New("buffer busy")
	ErrTransmit          = errors.New("transmit failed")
	ErrNotASocket        = errors.New("not a socket")
	ErrNoTCB             = errors.New("no free TCB")
)

var (
	errPacketSmol     = errors.New("packet too small")
	errIPVersion      = errors.New("IP version not supported")
	errInvalidIHL     = errors.New("invalid IP IHL")
	errBadIPLength    = errors.New("bad IP total length")
	errBadUDPLength   = errors.New("invalid UDP length")
	errBadTCPOffset   = errors.New("invalid TCP offset")
	errBadTCPOption   = errors.New("malformed TCP option")
	errNoAddress      = errors.New("no host address")
	errNotStarted     = errors.New("no packet started")
	errARPHWType      = errors.New("ARP: bad hardware type")
	errARPProtoType   = errors.New("ARP: bad protocol type")
	errARPHWLen       = errors.New("ARP: bad hardware length")
	errARPProtoLen    = errors.New("ARP: bad protocol length")
	errZeroPort       = errors.New("zero port")
	errNilHandler     = errors.New("nil handler")
	errPortNoSpace    = errors.New("port limit reached")
	errPortInUse      = errors.New("port in use")
	errPortNotOpen    = errors.New("port not open")
	errInvalidState   = errors.New("invalid TCP state for operation")
	errNotIPv4        = errors.New("require IPv4 address")
	errUnknownEthType = errors.New("unsupported ethertype")
)

var (
	ipBroadcast = [4]byte{255, 255, 255, 255}
	ipLoopback  = [4]byte{127, 0, 0, 1}
	ipAllHosts  = [4]byte{224, 0, 0, 1}
)

// pseudoHeader is recorded by IPv4Start and consumed by the transport checksum
// of the packet being built.
type pseudoHeader struct {
	src, dst [4]byte
	proto    eth.IPProto
	valid    bool
}

// Stack is the protocol engine context. It owns the ARP cache, the UDP port
// table, the TCB arena and a single transmit scratch buffer.
//
// Stack is not safe for concurrent use. See [Driver] for a single-owner wrapper
// that serialises access from multiple goroutines.
type Stack struct {
	link   Link
	logger *slog.Logger
	cfg    StackConfig

	mac  [6]byte
	addr [4]byte
	mask [4]byte
	gw   [4]byte

	arp []arpEntry

	// Transmit scratch buffer and the cursor building the current packet.
	txbuf  []byte
	tx     eth.Cursor
	pseudo pseudoHeader
	// Offsets into txbuf of the headers of the packet being built.
	ipOff int
	l4Off int

	udpPorts []udpPort

	tcbs []tcb
	// live holds indices into tcbs of linked TCBs, most recently created first.
	live []int

	// iss and ephemeral are advanced every TCPUpdate.
	iss       uint32
	ephemeral uint16

	unreach    ICMPUnreachable
	hasUnreach bool
	echo       ICMPEcho
	hasEcho    bool
}

// NewStack returns a Stack ready to process frames. Unset configuration fields
// take their default values, see [StackConfig].
func NewStack(cfg StackConfig) (*Stack, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		link:     cfg.Link,
		logger:   cfg.Logger,
		cfg:      cfg,
		arp:      make([]arpEntry, cfg.ARPCacheSize),
		txbuf:    make([]byte, cfg.MTU),
		udpPorts: make([]udpPort, cfg.MaxUDPPorts),
		tcbs:     make([]tcb, cfg.MaxTCBs),
		live:     make([]int, 0, cfg.MaxTCBs),
		iss:      cfg.ISS,
		// Ephemeral ports live in the 0xc000-0xffff range.
		ephemeral: uint16(cfg.ISS>>16) | 1,
	}
	if s.iss == 0 {
		s.iss = 0x1a2b3c4d
	}
	copy(s.mac[:], cfg.MAC)
	s.addr = as4(cfg.Addr)
	s.mask = as4(cfg.SubnetMask)
	s.gw = as4(cfg.Gateway)
	s.info("stack:new",
		slog.String("mac", net.HardwareAddr(s.mac[:]).String()),
		slog.String("addr", cfg.Addr.String()),
		slog.Int("mtu", int(cfg.MTU)),
	)
	return s, nil
}

func as4(addr netip.Addr) [4]byte {
	if !addr.Is4() {
		return [4]byte{}
	}
	return addr.As4()
}

// Addr returns the host IPv4 address. It is the zero address if unset.
func (s *Stack) Addr() netip.Addr       { return netip.AddrFrom4(s.addr) }
func (s *Stack) SubnetMask() netip.Addr { return netip.AddrFrom4(s.mask) }
func (s *Stack) Gateway() netip.Addr    { return netip.AddrFrom4(s.gw) }
func (s *Stack) DNS() netip.Addr        { return s.cfg.DNS }
func (s *Stack) NTP() netip.Addr        { return s.cfg.NTP }
func (s *Stack) HardwareAddr6() [6]byte { return s.mac }
func (s *Stack) MTU() uint16            { return s.cfg.MTU }

// SetAddr sets the host IPv4 address. Typically called by an address
// assignment client once a lease is obtained.
func (s *Stack) SetAddr(addr netip.Addr) error {
	if !addr.Is4() {
		return errNotIPv4
	}
	s.addr = addr.As4()
	s.cfg.Addr = addr
	s.info("stack:setaddr", slog.String("addr", addr.String()))
	return nil
}

func (s *Stack) SetSubnet(mask netip.Addr) error {
	if !mask.Is4() {
		return errNotIPv4
	}
	s.mask = mask.As4()
	s.cfg.SubnetMask = mask
	return nil
}

func (s *Stack) SetGateway(gw netip.Addr) error {
	if !gw.Is4() {
		return errNotIPv4
	}
	s.gw = gw.As4()
	s.cfg.Gateway = gw
	return nil
}

// SetDNS sets the server queried by [DNSClient].
func (s *Stack) SetDNS(addr netip.Addr) error {
	if !addr.Is4() {
		return errNotIPv4
	}
	s.cfg.DNS = addr
	return nil
}

// SetNTP sets the server queried by [NTPClient].
func (s *Stack) SetNTP(addr netip.Addr) error {
	if !addr.Is4() {
		return errNotIPv4
	}
	s.cfg.NTP = addr
	return nil
}

// RecvEth dispatches a received Ethernet frame on its EtherType. Frames not
// addressed to this host's MAC or to a group address are ignored.
// The frame is not retained after the call returns.
func (s *Stack) RecvEth(frame []byte) error {
	if len(frame) < eth.SizeEthernetHeader {
		return errPacketSmol
	}
	ehdr := eth.DecodeEthernetHeader(frame)
	if !eth.IsMulticastHW(ehdr.Destination[:]) && ehdr.Destination != s.mac {
		return nil // Not for us.
	}
	s.trace("stack:recv", slog.Int("plen", len(frame)), slog.String("etype", ehdr.AssertType().String()))
	switch ehdr.AssertType() {
	case eth.EtherTypeARP:
		return s.ARPPacket(frame)
	case eth.EtherTypeIPv4:
		return s.IPv4Packet(frame)
	}
	return errUnknownEthType
}

func (s *Stack) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelInfo, msg, attrs...)
}

func (s *Stack) error(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelError, msg, attrs...)
}

func (s *Stack) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelDebug, msg, attrs...)
}

func (s *Stack) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, internal.LevelTrace, msg, attrs...)
}

func (s *Stack) isLogEnabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (s.logger != nil && s.logger.Handler().Enabled(context.Background(), lvl))
}

func ipAttr(key string, ip [4]byte) slog.Attr {
	return slog.String(key, netip.AddrFrom4(ip).String())
}
