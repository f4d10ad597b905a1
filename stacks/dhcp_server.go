package stacks

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"

	"github.com/soypat/tcpiplite/eth/dhcp"
)

var errDHCPPoolExhausted = errors.New("dhcp: address pool exhausted")

type dhcpHost struct {
	addr  [4]byte
	bound bool
}

// DHCPServer hands out addresses from its stack's subnet, starting at a first
// address and counting up. Offers and acknowledgments carry the stack's
// subnet mask, gateway, DNS and NTP servers. It keeps one address per client
// hardware address for its lifetime.
type DHCPServer struct {
	stack     *Stack
	next      [4]byte
	leaseTime uint32
	hosts     map[[6]byte]dhcpHost
	open      bool
}

// NewDHCPServer returns a server leasing addresses from first onwards for
// leaseTime seconds. A zero lease time grants infinite leases.
func NewDHCPServer(stack *Stack, first netip.Addr, leaseTime uint32) (*DHCPServer, error) {
	if !first.Is4() {
		return nil, errNotIPv4
	}
	return &DHCPServer{
		stack:     stack,
		next:      first.As4(),
		leaseTime: leaseTime,
		hosts:     make(map[[6]byte]dhcpHost),
	}, nil
}

// Start opens the DHCP server port.
func (ds *DHCPServer) Start() error {
	if ds.open {
		return nil
	}
	err := ds.stack.OpenUDP(dhcp.ServerPort, ds.recv)
	if err != nil {
		return err
	}
	ds.open = true
	return nil
}

func (ds *DHCPServer) Close() {
	if ds.open {
		ds.stack.CloseUDP(dhcp.ServerPort)
		ds.open = false
	}
}

// Lookup returns the address bound to the client with hardware address hw.
func (ds *DHCPServer) Lookup(hw [6]byte) (netip.Addr, bool) {
	host, ok := ds.hosts[hw]
	if !ok || !host.bound {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4(host.addr), true
}

func (ds *DHCPServer) recv(s *Stack, dgram *UDPDatagram) {
	if dgram.SrcPort != dhcp.ClientPort {
		return
	}
	hdr, err := dhcp.DecodeHeaderV4(dgram.Payload)
	if err != nil {
		s.trace("dhcpsv:recv", slog.String("err", err.Error()))
		return
	}
	hw, ok := hdr.HardwareAddr6()
	if hdr.OP != dhcp.OpRequest || !ok {
		return
	}
	var (
		msg       dhcp.MessageType
		requested [4]byte
		server    [4]byte
	)
	err = dhcp.ForEachOption(dgram.Payload, func(opt dhcp.Option) error {
		switch opt.Num {
		case dhcp.OptMessageType:
			if len(opt.Data) == 1 {
				msg = dhcp.MessageType(opt.Data[0])
			}
		case dhcp.OptRequestedIPaddress:
			requested, _ = opt.Addr4()
		case dhcp.OptServerIdentification:
			server, _ = opt.Addr4()
		}
		return nil
	})
	if err != nil {
		s.trace("dhcpsv:options", slog.String("err", err.Error()))
		return
	}
	s.debug("dhcpsv:recv", slog.String("msg", msg.String()), slog.String("hdr", hdr.String()))
	host, known := ds.hosts[hw]
	switch msg {
	case dhcp.MsgDiscover:
		if !known {
			host.addr, err = ds.allocate()
			if err != nil {
				s.error("dhcpsv:discover", slog.String("err", err.Error()))
				return
			}
			ds.hosts[hw] = host
		}
		ds.reply(&hdr, dhcp.MsgOffer, host.addr)

	case dhcp.MsgRequest:
		if server != [4]byte{} && server != s.addr {
			// Client chose another server.
			if known && !host.bound {
				delete(ds.hosts, hw)
			}
			return
		}
		if requested == [4]byte{} {
			requested = hdr.CIAddr
		}
		if !known || requested != host.addr {
			ds.reply(&hdr, dhcp.MsgNak, [4]byte{})
			return
		}
		host.bound = true
		ds.hosts[hw] = host
		ds.reply(&hdr, dhcp.MsgAck, host.addr)

	case dhcp.MsgRelease:
		delete(ds.hosts, hw)
	}
}

// allocate returns the next free address of the subnet.
func (ds *DHCPServer) allocate() ([4]byte, error) {
	s := ds.stack
	mask := binary.BigEndian.Uint32(s.mask[:])
	subnet := binary.BigEndian.Uint32(s.addr[:]) & mask
	for {
		addr := ds.next
		n := binary.BigEndian.Uint32(addr[:])
		if n&mask != subnet || n|mask == 0xffffffff {
			return addr, errDHCPPoolExhausted
		}
		binary.BigEndian.PutUint32(ds.next[:], n+1)
		if addr != s.addr && addr != s.gw && !ds.inUse(addr) {
			return addr, nil
		}
	}
}

func (ds *DHCPServer) inUse(addr [4]byte) bool {
	for _, host := range ds.hosts {
		if host.addr == addr {
			return true
		}
	}
	return false
}

func (ds *DHCPServer) reply(req *dhcp.HeaderV4, msg dhcp.MessageType, yiaddr [4]byte) {
	s := ds.stack
	dst := ipBroadcast
	if req.Flags&dhcp.FlagBroadcast == 0 && req.CIAddr != [4]byte{} && msg != dhcp.MsgNak {
		dst = req.CIAddr
	}
	c, err := s.UDPStart(dst, dhcp.ServerPort, dhcp.ClientPort)
	if err != nil {
		s.debug("dhcpsv:reply", slog.String("err", err.Error()))
		return
	}
	hdr := dhcp.HeaderV4{
		OP:     dhcp.OpReply,
		HType:  req.HType,
		HLen:   req.HLen,
		Xid:    req.Xid,
		Flags:  req.Flags,
		YIAddr: yiaddr,
		SIAddr: s.addr,
		GIAddr: req.GIAddr,
		CHAddr: req.CHAddr,
	}
	if b := c.Next(dhcp.OptionsOffset); b != nil {
		hdr.PutMessage(b)
	}
	putDHCPOption(c, dhcp.OptMessageType, byte(msg))
	putDHCPOption(c, dhcp.OptServerIdentification, s.addr[:]...)
	if msg != dhcp.MsgNak {
		if ds.leaseTime != 0 {
			var lease [4]byte
			binary.BigEndian.PutUint32(lease[:], ds.leaseTime)
			putDHCPOption(c, dhcp.OptIPAddressLeaseTime, lease[:]...)
		}
		putDHCPOption(c, dhcp.OptSubnetMask, s.mask[:]...)
		router := s.gw
		if router == [4]byte{} {
			router = s.addr
		}
		putDHCPOption(c, dhcp.OptRouter, router[:]...)
		if dns := as4(s.cfg.DNS); dns != [4]byte{} {
			putDHCPOption(c, dhcp.OptDNSServers, dns[:]...)
		}
		if ntp := as4(s.cfg.NTP); ntp != [4]byte{} {
			putDHCPOption(c, dhcp.OptNTPServers, ntp[:]...)
		}
	}
	c.WriteU8(byte(dhcp.OptEnd))
	err = s.UDPSend()
	if err != nil {
		s.debug("dhcpsv:reply", slog.String("err", err.Error()))
		return
	}
	s.info("dhcpsv:reply", slog.String("msg", msg.String()), ipAttr("yiaddr", yiaddr))
}
