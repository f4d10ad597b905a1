package stacks

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/miekg/dns"
)

const dnsServerPort = 53

const (
	dnsClosed = iota
	dnsSendQuery
	dnsAwaitResponse
	dnsDone
	dnsAborted
)

var errDNSNoServer = errors.New("dns: no server configured")

// DNSClient resolves A records over UDP through a [Stack]. Queries go to the
// stack's configured DNS server. It is driven by calls to Poll and by the
// stack dispatching responses to its local port.
type DNSClient struct {
	stack *Stack
	msg   dns.Msg
	resp  dns.Msg
	raddr [4]byte
	txid  uint16
	lport uint16
	state uint8
	// EnableRecursion sets the recursion desired bit of the query.
	EnableRecursion bool
}

func NewDNSClient(stack *Stack, localPort uint16) *DNSClient {
	return &DNSClient{
		stack:           stack,
		lport:           localPort,
		txid:            prand16(uint16(stack.iss) | 1),
		EnableRecursion: true,
	}
}

// StartResolve opens the client's port and prepares an A query for host.
// The query is sent by the next call to Poll.
func (dnsc *DNSClient) StartResolve(host string) error {
	if !dnsc.stack.cfg.DNS.Is4() {
		return errDNSNoServer
	}
	if dnsc.state == dnsSendQuery || dnsc.state == dnsAwaitResponse {
		return ErrBufferBusy
	}
	if dnsc.state == dnsClosed || dnsc.state == dnsAborted {
		err := dnsc.stack.OpenUDP(dnsc.lport, dnsc.recv)
		if err != nil {
			return err
		}
	}
	dnsc.txid = prand16(dnsc.txid)
	dnsc.msg = dns.Msg{}
	dnsc.msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	dnsc.msg.Id = dnsc.txid
	dnsc.msg.RecursionDesired = dnsc.EnableRecursion
	dnsc.resp = dns.Msg{}
	dnsc.raddr = dnsc.stack.cfg.DNS.As4()
	dnsc.state = dnsSendQuery
	dnsc.stack.debug("dns:start", slog.String("host", host), slog.Int("txid", int(dnsc.txid)))
	return nil
}

// Poll sends the pending query. It returns [ErrResolutionPending] while the
// server's link address is being resolved, in which case Poll should be
// called again later.
func (dnsc *DNSClient) Poll() error {
	switch dnsc.state {
	case dnsAborted:
		return io.EOF
	case dnsSendQuery:
	default:
		return nil
	}
	payload, err := dnsc.msg.Pack()
	if err != nil {
		return err
	}
	c, err := dnsc.stack.UDPStart(dnsc.raddr, dnsc.lport, dnsServerPort)
	if err != nil {
		return err
	}
	c.Write(payload)
	err = dnsc.stack.UDPSend()
	if err != nil {
		return err
	}
	dnsc.state = dnsAwaitResponse
	return nil
}

func (dnsc *DNSClient) recv(s *Stack, dgram *UDPDatagram) {
	if dnsc.state != dnsAwaitResponse || dgram.SrcPort != dnsServerPort {
		return
	}
	var resp dns.Msg
	err := resp.Unpack(dgram.Payload)
	if err != nil {
		s.debug("dns:unpack", slog.String("err", err.Error()))
		return
	}
	if resp.Id != dnsc.txid || !resp.Response {
		s.trace("dns:badresp",
			slog.Int("gotTx", int(resp.Id)),
			slog.Int("wantTx", int(dnsc.txid)),
		)
		return // Not our transaction.
	}
	s.info("dns:recv", slog.String("rcode", dns.RcodeToString[resp.Rcode]), slog.Int("answers", len(resp.Answer)))
	dnsc.resp = resp
	dnsc.state = dnsDone
}

// IsDone reports whether a response was received and its response code.
func (dnsc *DNSClient) IsDone() (bool, int) {
	return dnsc.state == dnsDone, dnsc.resp.Rcode
}

// Answers returns the A records of a successful response.
func (dnsc *DNSClient) Answers() []netip.Addr {
	if dnsc.state != dnsDone || dnsc.resp.Rcode != dns.RcodeSuccess {
		return nil
	}
	var addrs []netip.Addr
	for _, rr := range dnsc.resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(a.A.To4())
		if ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Abort cancels the resolution and closes the client's port.
func (dnsc *DNSClient) Abort() {
	if dnsc.state == dnsClosed || dnsc.state == dnsAborted {
		return
	}
	dnsc.stack.CloseUDP(dnsc.lport)
	dnsc.state = dnsAborted
}

// Close releases the client's port so a new resolution starts clean.
func (dnsc *DNSClient) Close() {
	if dnsc.state != dnsClosed && dnsc.state != dnsAborted {
		dnsc.stack.CloseUDP(dnsc.lport)
	}
	dnsc.state = dnsClosed
	dnsc.resp = dns.Msg{}
}
