// Command tcpiplite runs two stacks joined by an in-memory Ethernet link and
// exercises ICMP echo, a DNS lookup, an NTP exchange and TCP echoes between
// them. With -dhcp the first host leases its address from the second.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/soypat/tcpiplite/internal"
	"github.com/soypat/tcpiplite/stacks"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tcpiplite: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration of the first host; the peer takes the next address")
	verbose := flag.Int("v", 0, "verbosity: 0 info, 1 debug, 2 per-frame trace")
	timeout := flag.Duration("timeout", 30*time.Second, "overall demo timeout")
	useDHCP := flag.Bool("dhcp", false, "lease the first host's address from a DHCP server on the peer")
	flag.Parse()

	level := slog.LevelInfo
	switch {
	case *verbose >= 2:
		level = internal.LevelTrace
	case *verbose == 1:
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfgA, err := loadHostConfig(*configPath)
	if err != nil {
		return err
	}
	cfgB, err := peerConfig(cfgA)
	if err != nil {
		return err
	}
	if !cfgA.DNS.IsValid() {
		cfgA.DNS = cfgB.Addr
	}
	if !cfgA.NTP.IsValid() {
		cfgA.NTP = cfgB.Addr
	}
	poolStart := cfgA.Addr
	if *useDHCP {
		// The peer hands out the configured address and its own services.
		cfgB.DNS, cfgB.NTP = cfgA.DNS, cfgA.NTP
		cfgA.Addr, cfgA.DNS, cfgA.NTP = netip.Addr{}, netip.Addr{}, netip.Addr{}
	}

	// Each direction of the link is a channel drained by a pump goroutine.
	// A stack transmitting never blocks on its peer's driver lock.
	linkAB, linkBA := make(chanLink, 16), make(chanLink, 16)
	cfgA.Link, cfgA.Logger = linkAB, logger.With(slog.String("host", "a"))
	cfgB.Link, cfgB.Logger = linkBA, logger.With(slog.String("host", "b"))
	stackA, err := stacks.NewStack(cfgA)
	if err != nil {
		return fmt.Errorf("host a: %w", err)
	}
	stackB, err := stacks.NewStack(cfgB)
	if err != nil {
		return fmt.Errorf("host b: %w", err)
	}
	demo := &demo{
		logger: logger,
		b:      stacks.NewDriver(stackB, stacks.DriverConfig{}),
		stackA: stackA,
		stackB: stackB,
	}
	var driverCfgA stacks.DriverConfig
	if *useDHCP {
		demo.dhcpc = stacks.NewDHCPClient(stackA, "tcpiplite-a")
		demo.dhcps, err = stacks.NewDHCPServer(stackB, poolStart, 3600)
		if err != nil {
			return err
		}
		driverCfgA.OnTick = func(*stacks.Stack) { demo.dhcpc.Tick() }
	}
	demo.a = stacks.NewDriver(stackA, driverCfgA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return demo.a.Run(gctx) })
	g.Go(func() error { return demo.b.Run(gctx) })
	g.Go(func() error { return linkAB.pump(gctx, demo.b) })
	g.Go(func() error { return linkBA.pump(gctx, demo.a) })
	var scriptErr error
	g.Go(func() error {
		defer cancel()
		scriptErr = demo.script(gctx)
		return scriptErr
	})
	err = g.Wait()
	if scriptErr != nil {
		return scriptErr
	} else if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("demo:done")
	return nil
}

func loadHostConfig(path string) (stacks.StackConfig, error) {
	if path == "" {
		return stacks.StackConfig{
			MAC:        net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
			Addr:       netip.MustParseAddr("10.0.0.1"),
			SubnetMask: netip.MustParseAddr("255.255.255.0"),
			Gateway:    netip.MustParseAddr("10.0.0.254"),
		}, nil
	}
	fp, err := os.Open(path)
	if err != nil {
		return stacks.StackConfig{}, err
	}
	defer fp.Close()
	cfg, err := stacks.LoadConfig(fp)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if len(cfg.MAC) != 6 || !cfg.Addr.Is4() {
		return cfg, fmt.Errorf("%s: mac and addr are required", path)
	}
	return cfg, nil
}

// peerConfig derives the second host from the first: same subnet and sizing,
// next address and next link address.
func peerConfig(cfg stacks.StackConfig) (stacks.StackConfig, error) {
	peer := cfg
	peer.MAC = append(net.HardwareAddr(nil), cfg.MAC...)
	peer.MAC[5]++
	peer.Addr = cfg.Addr.Next()
	if !peer.Addr.IsValid() || peer.Addr.As4()[3] == 255 {
		return peer, fmt.Errorf("no room for peer address after %s", cfg.Addr)
	}
	peer.DNS = netip.Addr{}
	return peer, nil
}
