// Package config loads and validates the mole interface configuration.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/mole/internal/protocol"
)

// Defaults applied when the config file omits a field.
const (
	DefaultTunName = "mole0"
	DefaultMTU     = 1400
	DefaultWorkers = 4
)

// Interface describes the local side of the tunnel.
type Interface struct {
	Name       string `yaml:"name"`        // identity sent in handshakes
	Tun        string `yaml:"tun"`         // TUN device name
	Address    string `yaml:"address"`     // interface address, CIDR form
	ListenPort uint16 `yaml:"listen_port"` // UDP port the default socket binds
	MTU        int    `yaml:"mtu"`
	Workers    int    `yaml:"workers"` // event-loop thread count

	// ConnectedSockets controls whether a dedicated connected socket is
	// opened per peer once its address is known. Defaults to true.
	ConnectedSockets *bool `yaml:"connected_sockets"`

	// AddressPrefix is the parsed form of Address.
	AddressPrefix netip.Prefix `yaml:"-"`
}

// Peer describes one configured remote.
type Peer struct {
	Name       string   `yaml:"name"`
	Endpoint   string   `yaml:"endpoint"` // optional host:port; empty = learned from first packet
	AllowedIPs []string `yaml:"allowed_ips"`

	// Parsed forms, filled during validation.
	EndpointAddr netip.AddrPort `yaml:"-"` // zero when Endpoint is empty
	Allowed      []netip.Prefix `yaml:"-"`
}

// Config is the full interface + peers configuration.
type Config struct {
	Interface Interface `yaml:"interface"`
	Peers     []Peer    `yaml:"peers"`
}

// Load reads, parses and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UseConnectedSockets reports whether per-peer connected sockets are
// enabled (the default).
func (i *Interface) UseConnectedSockets() bool {
	return i.ConnectedSockets == nil || *i.ConnectedSockets
}

func (c *Config) applyDefaults() {
	if c.Interface.Tun == "" {
		c.Interface.Tun = DefaultTunName
	}
	if c.Interface.MTU == 0 {
		c.Interface.MTU = DefaultMTU
	}
	if c.Interface.Workers == 0 {
		c.Interface.Workers = DefaultWorkers
	}
}

// Validate checks the configuration and fills in the parsed address forms.
func (c *Config) Validate() error {
	ifc := &c.Interface

	if ifc.Name == "" {
		return fmt.Errorf("config: interface name is required")
	}
	if len(ifc.Name) > protocol.MaxNameLen {
		return fmt.Errorf("config: interface name longer than %d bytes", protocol.MaxNameLen)
	}
	if ifc.ListenPort == 0 {
		return fmt.Errorf("config: listen_port is required")
	}
	if ifc.MTU < 576 || ifc.MTU > 65535 {
		return fmt.Errorf("config: mtu %d out of range", ifc.MTU)
	}
	if ifc.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1")
	}

	prefix, err := parseIPv4Prefix(ifc.Address)
	if err != nil {
		return fmt.Errorf("config: interface address: %w", err)
	}
	ifc.AddressPrefix = prefix

	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}

	seen := make(map[string]bool, len(c.Peers))
	for i := range c.Peers {
		if err := c.Peers[i].validate(ifc.Name, seen); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) validate(localName string, seen map[string]bool) error {
	if p.Name == "" {
		return fmt.Errorf("config: peer name is required")
	}
	if len(p.Name) > protocol.MaxNameLen {
		return fmt.Errorf("config: peer name %q longer than %d bytes", p.Name, protocol.MaxNameLen)
	}
	if p.Name == localName {
		return fmt.Errorf("config: peer %q shadows the local interface name", p.Name)
	}
	if seen[p.Name] {
		return fmt.Errorf("config: duplicate peer %q", p.Name)
	}
	seen[p.Name] = true

	if p.Endpoint != "" {
		ap, err := netip.ParseAddrPort(p.Endpoint)
		if err != nil || !ap.Addr().Is4() {
			return fmt.Errorf("config: peer %q endpoint %q is not an IPv4 host:port", p.Name, p.Endpoint)
		}
		p.EndpointAddr = ap
	}

	if len(p.AllowedIPs) == 0 {
		return fmt.Errorf("config: peer %q has no allowed_ips", p.Name)
	}
	p.Allowed = p.Allowed[:0]
	for _, s := range p.AllowedIPs {
		prefix, err := parseIPv4Prefix(s)
		if err != nil {
			return fmt.Errorf("config: peer %q allowed_ips: %w", p.Name, err)
		}
		p.Allowed = append(p.Allowed, prefix)
	}
	return nil
}

func parseIPv4Prefix(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%q is not CIDR notation", s)
	}
	if !prefix.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%q is not IPv4", s)
	}
	return prefix, nil
}
