// Package routing decides, per packet, whether traffic enters the tunnel.
package routing

import "github.com/irctrakz/wgtunnel/pkg/core"

// Decision is the outcome of Classify.
type Decision int

const (
	// Direct sends the packet outside the tunnel.
	Direct Decision = iota
	// Tunnel hands the packet to the secure transport.
	Tunnel
)

func (d Decision) String() string {
	if d == Tunnel {
		return "tunnel"
	}
	return "direct"
}

// Classify routes everything through the tunnel when cfg carries the
// catch-all range; otherwise only destinations inside an allowed range.
func Classify(hdr core.PacketHeader, cfg *core.TunnelConfig) Decision {
	if cfg.RouteAll() {
		return Tunnel
	}
	for _, p := range cfg.Prefixes() {
		if p.Contains(hdr.Dst) {
			return Tunnel
		}
	}
	return Direct
}
