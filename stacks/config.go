package stacks

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"gopkg.in/yaml.v3"
)

// Default configuration values used by [NewStack] for zero fields.
const (
	DefaultTTL             = 64
	DefaultMTU             = 1514
	DefaultARPCacheSize    = 8
	DefaultARPUpdatePeriod = 10
	DefaultMaxUDPPorts     = 8
	DefaultMaxTCBs         = 4
	DefaultMSS             = 1446
	DefaultTCPMaxRetries   = 5
	DefaultTCPSynRetries   = 3
	DefaultTCPSynTimeout   = 3
	DefaultTCPTimeout      = 2
	DefaultTCPFinTimeout   = 2
)

// StackConfig holds the addressing state and the sizing of a [Stack].
// Timeouts are expressed in driver ticks, which are seconds.
type StackConfig struct {
	MAC        net.HardwareAddr
	Addr       netip.Addr
	SubnetMask netip.Addr
	Gateway    netip.Addr
	DNS        netip.Addr
	NTP        netip.Addr
	TTL        uint8
	// MTU is the size of the transmit scratch buffer, Ethernet header included.
	MTU uint16

	ARPCacheSize int
	// ARPUpdatePeriod is the number of ticks between ARP cache aging passes.
	ARPUpdatePeriod int
	// ARPFirstErrorWins makes ARP validation report the first failing field check.
	// By default all checks run and the last failing one is reported.
	ARPFirstErrorWins bool

	MaxUDPPorts int
	MaxTCBs     int

	MSS uint16
	// TCPMaxRetries is the retransmission budget of established and closing
	// connections. It also sets the backoff: the reload value is shifted left
	// by TCPMaxRetries minus the retries remaining.
	TCPMaxRetries uint8
	// TCPSynRetries is the budget of SYN and SYN|ACK segments. It is kept
	// smaller to shorten the life of half open connections.
	TCPSynRetries uint8
	TCPSynTimeout uint16
	TCPTimeout    uint16
	TCPFinTimeout uint16
	// ISS seeds the initial sequence number and ephemeral port generators.
	// Zero selects a fixed seed.
	ISS uint32

	Link   Link
	Logger *slog.Logger
}

func (cfg *StackConfig) setDefaults() {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.ARPCacheSize == 0 {
		cfg.ARPCacheSize = DefaultARPCacheSize
	}
	if cfg.ARPUpdatePeriod == 0 {
		cfg.ARPUpdatePeriod = DefaultARPUpdatePeriod
	}
	if cfg.MaxUDPPorts == 0 {
		cfg.MaxUDPPorts = DefaultMaxUDPPorts
	}
	if cfg.MaxTCBs == 0 {
		cfg.MaxTCBs = DefaultMaxTCBs
	}
	if cfg.MSS == 0 {
		cfg.MSS = DefaultMSS
	}
	if cfg.TCPMaxRetries == 0 {
		cfg.TCPMaxRetries = DefaultTCPMaxRetries
	}
	if cfg.TCPSynRetries == 0 {
		cfg.TCPSynRetries = min(DefaultTCPSynRetries, cfg.TCPMaxRetries)
	}
	if cfg.TCPSynTimeout == 0 {
		cfg.TCPSynTimeout = DefaultTCPSynTimeout
	}
	if cfg.TCPTimeout == 0 {
		cfg.TCPTimeout = DefaultTCPTimeout
	}
	if cfg.TCPFinTimeout == 0 {
		cfg.TCPFinTimeout = DefaultTCPFinTimeout
	}
	if !cfg.SubnetMask.IsValid() {
		cfg.SubnetMask = netip.AddrFrom4([4]byte{255, 255, 255, 0})
	}
}

func (cfg *StackConfig) validate() error {
	const minMTU = 14 + 20 + 20 + 8
	switch {
	case cfg.Link == nil:
		return errors.New("stacks: nil Link")
	case len(cfg.MAC) != 6:
		return errors.New("stacks: MAC must be 6 bytes")
	case cfg.MTU < minMTU:
		return fmt.Errorf("stacks: MTU %d below minimum %d", cfg.MTU, minMTU)
	case int(cfg.MSS)+14+20+20 > int(cfg.MTU):
		return fmt.Errorf("stacks: MSS %d does not fit in MTU %d", cfg.MSS, cfg.MTU)
	}
	for _, addr := range []netip.Addr{cfg.Addr, cfg.SubnetMask, cfg.Gateway, cfg.DNS, cfg.NTP} {
		if addr.IsValid() && !addr.Is4() {
			return fmt.Errorf("stacks: %s: %w", addr, errNotIPv4)
		}
	}
	return nil
}

// configFile is the YAML representation of a StackConfig. Addresses are
// kept as strings so that they can be parsed with netip and net.
type configFile struct {
	MAC               string `yaml:"mac"`
	Addr              string `yaml:"addr"`
	SubnetMask        string `yaml:"subnet_mask"`
	Gateway           string `yaml:"gateway"`
	DNS               string `yaml:"dns"`
	NTP               string `yaml:"ntp"`
	TTL               uint8  `yaml:"ttl"`
	MTU               uint16 `yaml:"mtu"`
	ARPCacheSize      int    `yaml:"arp_cache_size"`
	ARPUpdatePeriod   int    `yaml:"arp_update_period"`
	ARPFirstErrorWins bool   `yaml:"arp_first_error_wins"`
	MaxUDPPorts       int    `yaml:"max_udp_ports"`
	MaxTCBs           int    `yaml:"max_tcbs"`
	MSS               uint16 `yaml:"mss"`
	TCPMaxRetries     uint8  `yaml:"tcp_max_retries"`
	TCPSynRetries     uint8  `yaml:"tcp_syn_retries"`
	TCPSynTimeout     uint16 `yaml:"tcp_syn_timeout"`
	TCPTimeout        uint16 `yaml:"tcp_timeout"`
	TCPFinTimeout     uint16 `yaml:"tcp_fin_timeout"`
}

// LoadConfig reads a YAML stack configuration from r. See [ParseConfig].
func LoadConfig(r io.Reader) (StackConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return StackConfig{}, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML stack configuration. Link and Logger are left
// unset for the caller to fill in. Example:
//
//	mac: 02:00:00:00:00:01
//	addr: 192.168.1.10
//	subnet_mask: 255.255.255.0
//	gateway: 192.168.1.1
//	tcp_max_retries: 5
func ParseConfig(data []byte) (cfg StackConfig, err error) {
	var file configFile
	err = yaml.Unmarshal(data, &file)
	if err != nil {
		return cfg, fmt.Errorf("stacks: decoding config: %w", err)
	}
	if file.MAC != "" {
		cfg.MAC, err = net.ParseMAC(file.MAC)
		if err != nil {
			return cfg, fmt.Errorf("stacks: config mac: %w", err)
		}
	}
	addrs := []struct {
		name string
		s    string
		dst  *netip.Addr
	}{
		{"addr", file.Addr, &cfg.Addr},
		{"subnet_mask", file.SubnetMask, &cfg.SubnetMask},
		{"gateway", file.Gateway, &cfg.Gateway},
		{"dns", file.DNS, &cfg.DNS},
		{"ntp", file.NTP, &cfg.NTP},
	}
	for _, a := range addrs {
		if a.s == "" {
			continue
		}
		addr, err := netip.ParseAddr(a.s)
		if err != nil {
			return cfg, fmt.Errorf("stacks: config %s: %w", a.name, err)
		} else if !addr.Is4() {
			return cfg, fmt.Errorf("stacks: config %s: %w", a.name, errNotIPv4)
		}
		*a.dst = addr
	}
	cfg.TTL = file.TTL
	cfg.MTU = file.MTU
	cfg.ARPCacheSize = file.ARPCacheSize
	cfg.ARPUpdatePeriod = file.ARPUpdatePeriod
	cfg.ARPFirstErrorWins = file.ARPFirstErrorWins
	cfg.MaxUDPPorts = file.MaxUDPPorts
	cfg.MaxTCBs = file.MaxTCBs
	cfg.MSS = file.MSS
	cfg.TCPMaxRetries = file.TCPMaxRetries
	cfg.TCPSynRetries = file.TCPSynRetries
	cfg.TCPSynTimeout = file.TCPSynTimeout
	cfg.TCPTimeout = file.TCPTimeout
	cfg.TCPFinTimeout = file.TCPFinTimeout
	if cfg.ARPCacheSize < 0 || cfg.MaxUDPPorts < 0 || cfg.MaxTCBs < 0 || cfg.ARPUpdatePeriod < 0 {
		return cfg, errors.New("stacks: config sizes must not be negative")
	}
	return cfg, nil
}
