package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// Defaults applied to every field a tunnel configuration omits.
const (
	DefaultMTU                 = 1500
	DefaultPersistentKeepalive = 25
	CatchAllRoute              = "0.0.0.0/0"
)

// DefaultDNS returns the resolvers used when a configuration names none.
func DefaultDNS() []netip.Addr {
	return []netip.Addr{
		netip.MustParseAddr("1.1.1.1"),
		netip.MustParseAddr("1.0.0.1"),
	}
}

// TunnelConfig is a parsed tunnel descriptor. It is treated as immutable once
// built; the controller shares the same pointer with the packet loop.
type TunnelConfig struct {
	// PrivateKey is the local interface key, opaque to the data-plane.
	PrivateKey string `json:"-" yaml:"-"`

	// InterfaceAddresses holds the well-formed Address entries. They are
	// informational only; the local tunnel address comes from the app config.
	InterfaceAddresses []netip.Prefix `json:"interface_addresses" yaml:"interfaceAddresses"`

	// DNS lists resolvers in insertion order; the first one is primary.
	DNS []netip.Addr `json:"dns" yaml:"dns"`

	// MTU is the interface MTU.
	MTU int `json:"mtu" yaml:"mtu"`

	// PublicKey is the peer's public key.
	PublicKey string `json:"public_key" yaml:"publicKey"`

	// Endpoint is the peer's host:port.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AllowedIPs keeps the CIDR entries as written, de-duplicated in order of
	// first appearance. Malformed entries are kept here so the interface can
	// report them; Prefixes() only returns the valid ones.
	AllowedIPs []string `json:"allowed_ips" yaml:"allowedIPs"`

	// PersistentKeepalive is the keepalive interval in seconds; 0 disables it.
	PersistentKeepalive int `json:"persistent_keepalive" yaml:"persistentKeepalive"`

	prefixes []netip.Prefix
	routeAll bool
}

// DefaultTunnelConfig returns a configuration with every optional field set to
// its documented default and empty identity fields.
func DefaultTunnelConfig() *TunnelConfig {
	c := &TunnelConfig{
		DNS:                 DefaultDNS(),
		MTU:                 DefaultMTU,
		AllowedIPs:          []string{CatchAllRoute},
		PersistentKeepalive: DefaultPersistentKeepalive,
	}
	c.Compile()
	return c
}

// Compile derives the routing prefixes from AllowedIPs. It must be called
// after AllowedIPs changes and before the config is shared.
func (c *TunnelConfig) Compile() {
	c.prefixes = c.prefixes[:0]
	c.routeAll = false
	for _, s := range c.AllowedIPs {
		p, err := ParseIPv4Prefix(s)
		if err != nil {
			continue
		}
		if p.Bits() == 0 {
			c.routeAll = true
		}
		c.prefixes = append(c.prefixes, p)
	}
}

// Prefixes returns the well-formed IPv4 ranges from AllowedIPs.
func (c *TunnelConfig) Prefixes() []netip.Prefix { return c.prefixes }

// RouteAll reports whether AllowedIPs contains the catch-all range.
func (c *TunnelConfig) RouteAll() bool { return c.routeAll }

// String renders a log-safe summary; key material is masked.
func (c *TunnelConfig) String() string {
	dns := make([]string, 0, len(c.DNS))
	for _, a := range c.DNS {
		dns = append(dns, a.String())
	}
	return fmt.Sprintf("endpoint=%s peer=%s allowed=[%s] dns=[%s] mtu=%d keepalive=%ds",
		c.Endpoint, MaskKey(c.PublicKey), strings.Join(c.AllowedIPs, ","),
		strings.Join(dns, ","), c.MTU, c.PersistentKeepalive)
}

// ParseIPv4Prefix parses a CIDR and returns its masked form. Only IPv4 ranges
// are accepted.
func ParseIPv4Prefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, err
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("not an IPv4 prefix: %s", s)
	}
	return p.Masked(), nil
}

// MaskKey shortens key material for display.
func MaskKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	if k == "" {
		return "<none>"
	}
	return "****"
}
