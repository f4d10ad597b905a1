package stacks

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/soypat/tcpiplite/eth"
	"github.com/soypat/tcpiplite/eth/dhcp"
)

const (
	dhcpIdle = iota
	dhcpSelecting
	dhcpRequesting
	dhcpBound
	dhcpRenewing
	dhcpAborted
)

const (
	// dhcpRetryTicks is how long the client waits for a reply before starting over.
	dhcpRetryTicks = 4
	// dhcpMinPayload is the smallest message relay agents must accept.
	dhcpMinPayload = 300
)

var (
	errDHCPNotStarted = errors.New("dhcp: client not started")
	errDHCPMismatch   = errors.New("dhcp: reply not for this client")
)

// DHCPLease is the network configuration obtained from a DHCP server.
// Addresses the server did not provide are invalid.
type DHCPLease struct {
	Addr       netip.Addr
	SubnetMask netip.Addr
	Router     netip.Addr
	DNS        netip.Addr
	NTP        netip.Addr
	Server     netip.Addr
	// LeaseTime is in seconds. Zero means the lease never expires.
	LeaseTime uint32
	// Renew and Rebind are the T1 and T2 times in seconds.
	Renew, Rebind uint32
}

// DHCPClient obtains a lease for its stack and applies it to the stack's
// address, subnet, gateway, DNS and NTP servers. Poll sends the pending
// message and Tick, called once per second, drives retransmission and
// lease renewal.
type DHCPClient struct {
	stack    *Stack
	hostname string
	offer    DHCPLease
	lease    DHCPLease
	xid      uint32
	// timer counts down ticks to the next retransmission or renewal.
	timer uint32
	// expiry counts down ticks from renewal to rebind time, when the lease
	// is given up.
	expiry  uint32
	pending dhcp.MessageType
	state   uint8
	open    bool
}

// NewDHCPClient returns a client for stack. hostname is sent to the server
// when not empty.
func NewDHCPClient(stack *Stack, hostname string) *DHCPClient {
	mac := stack.HardwareAddr6()
	return &DHCPClient{
		stack:    stack,
		hostname: hostname,
		xid:      binary.BigEndian.Uint32(mac[2:]) ^ stack.iss,
	}
}

// Start opens the DHCP client port and queues a DISCOVER, sent on the next Poll.
func (dc *DHCPClient) Start() error {
	if !dc.open {
		err := dc.stack.OpenUDP(dhcp.ClientPort, dc.recv)
		if err != nil {
			return err
		}
		dc.open = true
	}
	dc.discover()
	return nil
}

func (dc *DHCPClient) discover() {
	dc.xid = prand32(dc.xid | 1)
	dc.offer = DHCPLease{}
	dc.state = dhcpSelecting
	dc.pending = dhcp.MsgDiscover
	dc.timer = dhcpRetryTicks
}

// Poll sends the pending message, if any. It returns [ErrResolutionPending]
// while renewing with a server whose link address is not cached.
func (dc *DHCPClient) Poll() error {
	switch {
	case dc.state == dhcpAborted:
		return io.EOF
	case dc.state == dhcpIdle:
		return errDHCPNotStarted
	case dc.pending == 0:
		return nil
	}
	err := dc.send(dc.pending)
	if err != nil {
		return err
	}
	dc.pending = 0
	return nil
}

// Tick runs the client timers. Call it once per second, see [DriverConfig.OnTick].
func (dc *DHCPClient) Tick() {
	if dc.timer > 0 {
		dc.timer--
	}
	switch dc.state {
	case dhcpSelecting, dhcpRequesting:
		if dc.timer == 0 {
			dc.stack.debug("dhcp:retry", slog.Int("state", int(dc.state)))
			dc.discover()
		}
	case dhcpBound:
		if dc.timer == 0 && dc.lease.LeaseTime != 0 {
			dc.state = dhcpRenewing
			dc.pending = dhcp.MsgRequest
			dc.timer = dhcpRetryTicks
		}
	case dhcpRenewing:
		if dc.expiry > 0 {
			dc.expiry--
		}
		if dc.expiry == 0 {
			dc.stack.info("dhcp:expired", slog.String("addr", dc.lease.Addr.String()))
			dc.stack.SetAddr(netip.IPv4Unspecified())
			dc.lease = DHCPLease{}
			dc.discover()
		} else if dc.timer == 0 {
			dc.pending = dhcp.MsgRequest
			dc.timer = dhcpRetryTicks
		}
	}
}

func (dc *DHCPClient) IsBound() bool { return dc.state == dhcpBound || dc.state == dhcpRenewing }

// Lease returns the lease in use. It is the zero value until bound.
func (dc *DHCPClient) Lease() DHCPLease { return dc.lease }

// Abort stops the client and closes its port. The stack keeps any address
// already applied.
func (dc *DHCPClient) Abort() {
	if dc.open {
		dc.stack.CloseUDP(dhcp.ClientPort)
		dc.open = false
	}
	dc.state = dhcpAborted
	dc.pending = 0
}

func (dc *DHCPClient) send(msg dhcp.MessageType) error {
	s := dc.stack
	dst := ipBroadcast
	hdr := dhcp.HeaderV4{
		OP:    dhcp.OpRequest,
		HType: dhcp.HTypeEthernet,
		HLen:  6,
		Xid:   dc.xid,
		Flags: dhcp.FlagBroadcast,
	}
	copy(hdr.CHAddr[:], s.mac[:])
	if dc.state == dhcpRenewing {
		// Renewal is unicast from the leased address.
		dst = dc.lease.Server.As4()
		hdr.Flags = 0
		hdr.CIAddr = dc.lease.Addr.As4()
	}
	c, err := s.UDPStart(dst, dhcp.ClientPort, dhcp.ServerPort)
	if err != nil {
		return err
	}
	start := c.Off()
	if b := c.Next(dhcp.OptionsOffset); b != nil {
		hdr.PutMessage(b)
	}
	putDHCPOption(c, dhcp.OptMessageType, byte(msg))
	putDHCPOption(c, dhcp.OptClientIdentifier, dhcp.HTypeEthernet, s.mac[0], s.mac[1], s.mac[2], s.mac[3], s.mac[4], s.mac[5])
	if dc.hostname != "" {
		putDHCPOption(c, dhcp.OptHostName, []byte(dc.hostname)...)
	}
	maxSize := s.cfg.MTU - eth.SizeEthernetHeader
	putDHCPOption(c, dhcp.OptMaximumMessageSize, byte(maxSize>>8), byte(maxSize))
	if msg == dhcp.MsgRequest && dc.state == dhcpRequesting {
		addr, server := dc.offer.Addr.As4(), dc.offer.Server.As4()
		putDHCPOption(c, dhcp.OptRequestedIPaddress, addr[:]...)
		putDHCPOption(c, dhcp.OptServerIdentification, server[:]...)
	}
	putDHCPOption(c, dhcp.OptParameterRequestList,
		byte(dhcp.OptSubnetMask), byte(dhcp.OptRouter), byte(dhcp.OptDNSServers),
		byte(dhcp.OptDomainName), byte(dhcp.OptNTPServers), byte(dhcp.OptIPAddressLeaseTime))
	c.WriteU8(byte(dhcp.OptEnd))
	if pad := dhcpMinPayload - (c.Off() - start); pad > 0 {
		clear(c.Next(pad))
	}
	err = s.UDPSend()
	if err != nil {
		return err
	}
	s.debug("dhcp:send", slog.String("msg", msg.String()), slog.Uint64("xid", uint64(dc.xid)))
	return nil
}

func putDHCPOption(c *eth.Cursor, num dhcp.OptNum, data ...byte) {
	c.WriteU8(byte(num))
	c.WriteU8(byte(len(data)))
	c.Write(data)
}

func (dc *DHCPClient) recv(s *Stack, dgram *UDPDatagram) {
	if dgram.SrcPort != dhcp.ServerPort {
		return
	}
	msg, lease, err := dc.parseReply(dgram.Payload)
	if err != nil {
		s.trace("dhcp:recv", slog.String("err", err.Error()))
		return
	}
	s.debug("dhcp:recv", slog.String("msg", msg.String()), slog.String("yiaddr", lease.Addr.String()))
	switch {
	case msg == dhcp.MsgOffer && dc.state == dhcpSelecting:
		dc.offer = lease
		dc.state = dhcpRequesting
		dc.pending = dhcp.MsgRequest
		dc.timer = dhcpRetryTicks

	case msg == dhcp.MsgAck && (dc.state == dhcpRequesting || dc.state == dhcpRenewing):
		if !lease.Server.IsValid() {
			lease.Server = dc.offer.Server
		}
		dc.bind(lease)

	case msg == dhcp.MsgNak && (dc.state == dhcpRequesting || dc.state == dhcpRenewing):
		s.info("dhcp:nak", slog.String("server", lease.Server.String()))
		if dc.state == dhcpRenewing {
			s.SetAddr(netip.IPv4Unspecified())
			dc.lease = DHCPLease{}
		}
		dc.discover()
	}
}

// parseReply validates a server reply addressed to this client and decodes
// the lease it carries.
func (dc *DHCPClient) parseReply(payload []byte) (msg dhcp.MessageType, lease DHCPLease, err error) {
	hdr, err := dhcp.DecodeHeaderV4(payload)
	if err != nil {
		return 0, lease, err
	}
	hw, ok := hdr.HardwareAddr6()
	if hdr.OP != dhcp.OpReply || !ok || hw != dc.stack.mac || hdr.Xid != dc.xid {
		return 0, lease, errDHCPMismatch
	}
	err = dhcp.ForEachOption(payload, func(opt dhcp.Option) error {
		switch opt.Num {
		case dhcp.OptMessageType:
			if len(opt.Data) == 1 {
				msg = dhcp.MessageType(opt.Data[0])
			}
		case dhcp.OptSubnetMask:
			lease.SubnetMask = optAddr(opt)
		case dhcp.OptRouter:
			lease.Router = optAddr(opt)
		case dhcp.OptDNSServers:
			lease.DNS = optAddr(opt)
		case dhcp.OptNTPServers:
			lease.NTP = optAddr(opt)
		case dhcp.OptServerIdentification:
			lease.Server = optAddr(opt)
		case dhcp.OptIPAddressLeaseTime:
			lease.LeaseTime, _ = opt.Uint32()
		case dhcp.OptRenewTimeValue:
			lease.Renew, _ = opt.Uint32()
		case dhcp.OptRebindingTimeValue:
			lease.Rebind, _ = opt.Uint32()
		}
		return nil
	})
	if err != nil {
		return 0, lease, err
	}
	if msg != dhcp.MsgNak && (hdr.YIAddr == [4]byte{} || hdr.YIAddr == ipBroadcast) {
		return 0, lease, errDHCPMismatch
	}
	lease.Addr = netip.AddrFrom4(hdr.YIAddr)
	return msg, lease, nil
}

func optAddr(opt dhcp.Option) netip.Addr {
	addr, ok := opt.Addr4()
	if !ok {
		return netip.Addr{}
	}
	return netip.AddrFrom4(addr)
}

func (dc *DHCPClient) bind(lease DHCPLease) {
	s := dc.stack
	if lease.LeaseTime != 0 {
		if lease.Renew == 0 || lease.Renew >= lease.LeaseTime {
			lease.Renew = lease.LeaseTime / 2
		}
		if lease.Rebind <= lease.Renew || lease.Rebind >= lease.LeaseTime {
			lease.Rebind = lease.LeaseTime / 8 * 7
		}
		lease.Rebind = max(lease.Rebind, lease.Renew+1)
	}
	s.SetAddr(lease.Addr)
	if lease.SubnetMask.IsValid() {
		s.SetSubnet(lease.SubnetMask)
	}
	if lease.Router.IsValid() {
		s.SetGateway(lease.Router)
	}
	if lease.DNS.IsValid() {
		s.SetDNS(lease.DNS)
	}
	if lease.NTP.IsValid() {
		s.SetNTP(lease.NTP)
	}
	dc.lease = lease
	dc.state = dhcpBound
	dc.pending = 0
	dc.timer = lease.Renew
	dc.expiry = lease.Rebind - lease.Renew
	s.info("dhcp:bound",
		slog.String("addr", lease.Addr.String()),
		slog.String("router", lease.Router.String()),
		slog.Uint64("lease", uint64(lease.LeaseTime)),
	)
}
