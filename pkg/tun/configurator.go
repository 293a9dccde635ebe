package tun

import (
	"net/netip"
	"sync"
)

// Configurator applies interface settings to the host and reverts them.
// Revert must tolerate a partially applied or already reverted state.
type Configurator interface {
	Apply(name string, s Settings) error
	Revert(name string, s Settings) error
}

// catchAllHalves replaces 0.0.0.0/0 so the host default route stays in place
// and is still usable for the peer endpoint.
var catchAllHalves = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// installRoutes expands the route plan into what is written to the host
// routing table.
func installRoutes(s Settings) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(s.Routes)+1)
	for _, r := range s.Routes {
		if r.Bits() == 0 {
			out = append(out, catchAllHalves...)
			continue
		}
		out = append(out, r)
	}
	return out
}

// NopConfigurator records settings without touching the host.
type NopConfigurator struct {
	mu       sync.Mutex
	applied  map[string]Settings
	reverted []string

	// ApplyErr, when set, is returned by Apply.
	ApplyErr error
}

// NewNopConfigurator returns an empty recorder.
func NewNopConfigurator() *NopConfigurator {
	return &NopConfigurator{applied: make(map[string]Settings)}
}

func (c *NopConfigurator) Apply(name string, s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ApplyErr != nil {
		return c.ApplyErr
	}
	c.applied[name] = s
	return nil
}

func (c *NopConfigurator) Revert(name string, s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.applied, name)
	c.reverted = append(c.reverted, name)
	return nil
}

// Applied returns the settings currently applied to name.
func (c *NopConfigurator) Applied(name string) (Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.applied[name]
	return s, ok
}

// Reverted returns the names passed to Revert, in order.
func (c *NopConfigurator) Reverted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reverted...)
}
