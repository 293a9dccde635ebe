package tun

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	"github.com/vishvananda/netlink"
)

// linuxConfigurator programs the host with netlink and systemd-resolved.
type linuxConfigurator struct {
	mu     sync.Mutex
	bypass map[string][]netlink.Route

	// runCommand executes resolvectl; replaced in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSystemConfigurator returns the netlink based configurator.
func NewSystemConfigurator() Configurator {
	return &linuxConfigurator{
		bypass: make(map[string][]netlink.Route),
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (c *linuxConfigurator) Apply(name string, s Settings) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup link: %w", err)
	}
	if err := netlink.LinkSetMTU(link, s.MTU); err != nil {
		return fmt.Errorf("set mtu %d: %w", s.MTU, err)
	}
	if s.Address.IsValid() {
		addr := &netlink.Addr{IPNet: prefixToIPNet(s.Address)}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("set address %s: %w", s.Address, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	if s.RouteAll() {
		// Must precede the catch-all halves or the peer becomes unreachable.
		if err := c.addEndpointBypass(name, s.Endpoint); err != nil {
			return err
		}
	}

	idx := link.Attrs().Index
	for _, p := range installRoutes(s) {
		r := &netlink.Route{LinkIndex: idx, Dst: prefixToIPNet(p), Scope: netlink.SCOPE_LINK}
		if err := netlink.RouteReplace(r); err != nil {
			return fmt.Errorf("add route %s: %w", p, err)
		}
		log.Debugf("%s: route %s", name, p)
	}

	c.applyDNS(name, s)
	return nil
}

func (c *linuxConfigurator) Revert(name string, s Settings) error {
	c.mu.Lock()
	routes := c.bypass[name]
	delete(c.bypass, name)
	c.mu.Unlock()

	var errs []string
	for i := range routes {
		if err := netlink.RouteDel(&routes[i]); err != nil {
			errs = append(errs, fmt.Sprintf("del bypass %s: %v", routes[i].Dst, err))
		}
	}

	// Routes through the tunnel disappear with the link; delete them anyway
	// in case the device outlives us.
	if link, err := netlink.LinkByName(name); err == nil {
		idx := link.Attrs().Index
		for _, p := range installRoutes(s) {
			_ = netlink.RouteDel(&netlink.Route{LinkIndex: idx, Dst: prefixToIPNet(p), Scope: netlink.SCOPE_LINK})
		}
	}

	if len(s.DNS) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if out, err := c.runCommand(ctx, "resolvectl", "revert", name); err != nil {
			log.Debugf("%s: resolvectl revert: %v: %s", name, err, strings.TrimSpace(string(out)))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// addEndpointBypass pins the peer's addresses to the pre-existing default
// gateway.
func (c *linuxConfigurator) addEndpointBypass(name, endpoint string) error {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return fmt.Errorf("resolve endpoint %s: %w", host, err)
	}

	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return fmt.Errorf("discover default gateway: %w", err)
	}
	via, err := netlink.RouteGet(gw)
	if err != nil || len(via) == 0 {
		return fmt.Errorf("no route to gateway %s: %v", gw, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range addrs {
		r := netlink.Route{
			LinkIndex: via[0].LinkIndex,
			Dst:       prefixToIPNet(netip.PrefixFrom(a.Unmap(), 32)),
			Gw:        gw,
		}
		if err := netlink.RouteReplace(&r); err != nil {
			return fmt.Errorf("bypass route for %s: %w", a, err)
		}
		c.bypass[name] = append(c.bypass[name], r)
		log.Debugf("%s: endpoint %s via %s", name, a, gw)
	}
	return nil
}

// applyDNS hands the resolvers to systemd-resolved. Hosts without it keep
// their resolver configuration; the tunnel still works.
func (c *linuxConfigurator) applyDNS(name string, s Settings) {
	if len(s.DNS) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	args := []string{"dns", name}
	for _, a := range s.DNS {
		args = append(args, a.String())
	}
	if out, err := c.runCommand(ctx, "resolvectl", args...); err != nil {
		log.Warnf("%s: could not set DNS %v: %v: %s", name, s.DNS, err, strings.TrimSpace(string(out)))
		return
	}
	if s.RouteAll() {
		if out, err := c.runCommand(ctx, "resolvectl", "domain", name, "~."); err != nil {
			log.Warnf("%s: could not route DNS queries: %v: %s", name, err, strings.TrimSpace(string(out)))
		}
	}
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
