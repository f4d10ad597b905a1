package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/soypat/tcpiplite"
	"github.com/soypat/tcpiplite/eth/ntp"
	"github.com/soypat/tcpiplite/stacks"
)

const (
	dnsClientPort = 5353
	ntpClientPort = 1123
	echoPort      = 7
	connEchoPort  = 8007
	peerName      = "peer.tcpiplite.test."
	stepTimeout   = 10 * time.Second
	pollPeriod    = 10 * time.Millisecond
)

var errLinkFull = errors.New("link queue full")

// chanLink is one direction of an in-memory Ethernet link.
type chanLink chan []byte

func (l chanLink) SendEth(frame []byte) error {
	select {
	case l <- bytes.Clone(frame):
		return nil
	default:
		return errLinkFull
	}
}

// pump delivers frames sent on l to the receiving driver until ctx is done.
func (l chanLink) pump(ctx context.Context, rx *stacks.Driver) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-l:
			rx.Deliver(frame)
		}
	}
}

type demo struct {
	logger *slog.Logger
	a, b   *stacks.Driver
	// Stacks are only touched through their driver's Do.
	stackA, stackB *stacks.Stack
	// Set when host a leases its address.
	dhcpc *stacks.DHCPClient
	dhcps *stacks.DHCPServer
}

func (d *demo) script(ctx context.Context) error {
	if d.dhcpc != nil {
		err := d.lease(ctx)
		if err != nil {
			return fmt.Errorf("dhcp: %w", err)
		}
	}
	err := d.ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	err = d.lookup(ctx)
	if err != nil {
		return fmt.Errorf("dns: %w", err)
	}
	err = d.syncTime(ctx)
	if err != nil {
		return fmt.Errorf("ntp: %w", err)
	}
	err = d.echo(ctx, "hello over tcpiplite")
	if err != nil {
		return fmt.Errorf("tcp echo: %w", err)
	}
	err = d.echoConn(ctx, "hello over net.Conn")
	if err != nil {
		return fmt.Errorf("conn echo: %w", err)
	}
	return nil
}

// poll calls fn every pollPeriod until it reports done, fails or the step times out.
func poll(ctx context.Context, fn func() (done bool, err error)) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for {
		done, err := fn()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *demo) ping(ctx context.Context) error {
	const ident, seq = 0x7c, 1
	dst := d.stackB.Addr().As4()
	start := time.Now()
	sent := false
	return poll(ctx, func() (done bool, err error) {
		err = d.a.Do(func(s *stacks.Stack) error {
			if echo, ok := s.ICMPEchoReply(); ok && echo.Ident == ident && echo.Seq == seq {
				done = true
				d.logger.Info("demo:ping", slog.String("from", netip.AddrFrom4(echo.Src).String()),
					slog.Int("len", echo.DataLen), slog.Duration("rtt", time.Since(start)))
				s.ClearICMPEchoReply()
				return nil
			} else if sent {
				return nil
			}
			err := s.Ping(dst, ident, seq, []byte("tcpiplite ping"))
			if errors.Is(err, stacks.ErrResolutionPending) {
				return nil
			}
			sent = err == nil
			return err
		})
		return done, err
	})
}

func (d *demo) lookup(ctx context.Context) error {
	err := d.b.Do(func(s *stacks.Stack) error {
		return s.OpenUDP(53, dnsResponder(d.logger, map[string]netip.Addr{peerName: d.stackB.Addr()}))
	})
	if err != nil {
		return err
	}
	client := stacks.NewDNSClient(d.stackA, dnsClientPort)
	err = d.a.Do(func(*stacks.Stack) error { return client.StartResolve(peerName) })
	if err != nil {
		return err
	}
	defer d.a.Do(func(*stacks.Stack) error { client.Close(); return nil })
	var answers []netip.Addr
	err = poll(ctx, func() (done bool, err error) {
		err = d.a.Do(func(*stacks.Stack) error {
			err := client.Poll()
			if errors.Is(err, stacks.ErrResolutionPending) {
				return nil
			} else if err != nil {
				return err
			}
			var rcode int
			done, rcode = client.IsDone()
			if done && rcode != dns.RcodeSuccess {
				return fmt.Errorf("%s: %s", peerName, dns.RcodeToString[rcode])
			}
			answers = client.Answers()
			return nil
		})
		return done, err
	})
	if err != nil {
		return err
	}
	d.logger.Info("demo:dns", slog.String("name", peerName), slog.Any("answers", answers))
	return nil
}

// dnsResponder answers A queries for the names in records.
func dnsResponder(logger *slog.Logger, records map[string]netip.Addr) stacks.UDPHandler {
	return func(s *stacks.Stack, dgram *stacks.UDPDatagram) {
		var req dns.Msg
		if err := req.Unpack(dgram.Payload); err != nil {
			logger.Warn("dns:unpack", slog.String("err", err.Error()))
			return
		}
		var resp dns.Msg
		resp.SetReply(&req)
		for _, q := range req.Question {
			addr, ok := records[q.Name]
			if !ok || q.Qtype != dns.TypeA {
				resp.Rcode = dns.RcodeNameError
				continue
			}
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   addr.AsSlice(),
			})
		}
		payload, err := resp.Pack()
		if err != nil {
			logger.Warn("dns:pack", slog.String("err", err.Error()))
			return
		}
		c, err := s.UDPStart(dgram.Src, dgram.DstPort, dgram.SrcPort)
		if err != nil {
			logger.Warn("dns:reply", slog.String("err", err.Error()))
			return
		}
		c.Write(payload)
		if err = s.UDPSend(); err != nil {
			logger.Warn("dns:reply", slog.String("err", err.Error()))
		}
	}
}

func (d *demo) echo(ctx context.Context, msg string) error {
	srx, crx := make([]byte, 512), make([]byte, 512)
	var ssock, csock stacks.Socket
	err := d.b.Do(func(s *stacks.Stack) (err error) {
		ssock, err = s.SocketInit()
		if err != nil {
			return err
		}
		if err = s.Bind(ssock, echoPort); err != nil {
			return err
		}
		if err = s.InsertRxBuffer(ssock, srx); err != nil {
			return err
		}
		return s.Listen(ssock)
	})
	if err != nil {
		return err
	}
	err = d.a.Do(func(s *stacks.Stack) (err error) {
		csock, err = s.SocketInit()
		if err != nil {
			return err
		}
		if err = s.InsertRxBuffer(csock, crx); err != nil {
			return err
		}
		return s.Connect(csock, netip.AddrPortFrom(d.stackB.Addr(), echoPort))
	})
	if err != nil {
		return err
	}

	sent := false
	var got []byte
	err = poll(ctx, func() (done bool, err error) {
		err = d.b.Do(func(s *stacks.Stack) error {
			if s.GetRxLength(ssock) == 0 {
				return nil
			}
			n, err := s.GetReceivedData(ssock)
			if err != nil {
				return err
			}
			data := bytes.Clone(srx[:n])
			if err = s.InsertRxBuffer(ssock, srx); err != nil {
				return err
			}
			return s.Send(ssock, data)
		})
		if err != nil {
			return false, err
		}
		err = d.a.Do(func(s *stacks.Stack) error {
			if !sent && s.SocketPoll(csock) == tcpiplite.SocketConnected {
				sent = true
				return s.Send(csock, []byte(msg))
			} else if s.GetRxLength(csock) < len(msg) {
				return nil
			}
			n, err := s.GetReceivedData(csock)
			got = bytes.Clone(crx[:n])
			done = true
			return err
		})
		return done, err
	})
	if err != nil {
		return err
	}
	if string(got) != msg {
		return fmt.Errorf("echoed %q, sent %q", got, msg)
	}
	d.logger.Info("demo:echo", slog.String("msg", string(got)))

	err = d.a.Do(func(s *stacks.Stack) error { return s.Close(csock) })
	if err != nil {
		return err
	}
	return poll(ctx, func() (done bool, err error) {
		d.b.Do(func(s *stacks.Stack) error {
			st := s.SocketPoll(ssock)
			done = st == tcpiplite.SocketClosing || st == tcpiplite.SocketClosed
			return nil
		})
		return done, nil
	})
}

func (d *demo) lease(ctx context.Context) error {
	err := d.b.Do(func(*stacks.Stack) error { return d.dhcps.Start() })
	if err != nil {
		return err
	}
	err = d.a.Do(func(*stacks.Stack) error { return d.dhcpc.Start() })
	if err != nil {
		return err
	}
	err = poll(ctx, func() (done bool, err error) {
		err = d.a.Do(func(*stacks.Stack) error {
			if d.dhcpc.IsBound() {
				done = true
				return nil
			}
			err := d.dhcpc.Poll()
			if errors.Is(err, stacks.ErrResolutionPending) {
				return nil
			}
			return err
		})
		return done, err
	})
	if err != nil {
		return err
	}
	var lease stacks.DHCPLease
	d.a.Do(func(*stacks.Stack) error { lease = d.dhcpc.Lease(); return nil })
	d.logger.Info("demo:dhcp", slog.String("addr", lease.Addr.String()),
		slog.String("router", lease.Router.String()), slog.Uint64("lease", uint64(lease.LeaseTime)))
	return nil
}

func (d *demo) syncTime(ctx context.Context) error {
	err := d.b.Do(func(s *stacks.Stack) error {
		return s.OpenUDP(ntp.ServerPort, stacks.NTPServer(time.Now, 2))
	})
	if err != nil {
		return err
	}
	client := stacks.NewNTPClient(d.stackA, ntpClientPort, nil)
	err = d.a.Do(func(*stacks.Stack) error { return client.BeginRequest() })
	if err != nil {
		return err
	}
	defer d.a.Do(func(*stacks.Stack) error { client.Close(); return nil })
	err = poll(ctx, func() (done bool, err error) {
		err = d.a.Do(func(*stacks.Stack) error {
			err := client.Poll()
			if errors.Is(err, stacks.ErrResolutionPending) {
				return nil
			}
			done = client.IsDone()
			return err
		})
		return done, err
	})
	if err != nil {
		return err
	}
	d.logger.Info("demo:ntp", slog.Time("server", client.ServerTime()),
		slog.Duration("offset", client.Offset()), slog.Duration("rtt", client.RoundTrip()))
	return nil
}

// echoConn runs the echo over the net.Conn adapters, which block on the
// drivers the demo is already running.
func (d *demo) echoConn(ctx context.Context, msg string) error {
	l, err := stacks.ListenTCP(d.b, connEchoPort, stacks.TCPListenerConfig{})
	if err != nil {
		return err
	}
	defer l.Close()
	served := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			served <- err
			return
		}
		defer conn.Close()
		_, err = io.Copy(conn, conn)
		served <- err
	}()

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	conn, err := stacks.DialTCP(ctx, d.a, netip.AddrPortFrom(d.stackB.Addr(), connEchoPort), stacks.TCPConnConfig{})
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err = io.WriteString(conn, msg); err != nil {
		conn.Close()
		return err
	}
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	conn.Close()
	if err != nil {
		return err
	}
	if string(got) != msg {
		return fmt.Errorf("echoed %q, sent %q", got, msg)
	}
	d.logger.Info("demo:conn", slog.String("local", conn.LocalAddr().String()),
		slog.String("remote", conn.RemoteAddr().String()), slog.String("msg", string(got)))
	select {
	case err = <-served:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
