// Package tun owns the virtual network interface: it opens the OS device
// through a pluggable driver, applies address, routes, DNS and MTU as one
// unit, and reverts them on close.
package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/logging"
)

var log = logging.WithComponent("tun")

// Defaults for the local side of the tunnel.
const (
	DefaultName         = "wgt0"
	DefaultLocalAddress = "10.8.0.2/24"
)

var (
	// ErrAlreadyActive is matched by an InterfaceError of kind AlreadyActive.
	ErrAlreadyActive = errors.New("interface already active")

	// ErrEstablishFailed is matched by an InterfaceError of kind EstablishFailed.
	ErrEstablishFailed = errors.New("interface establish failed")
)

// ErrorKind classifies an InterfaceError.
type ErrorKind int

const (
	AlreadyActive ErrorKind = iota + 1
	EstablishFailed
)

// InterfaceError is returned by Manager.Establish.
type InterfaceError struct {
	Kind ErrorKind
	Err  error
}

func (e *InterfaceError) Error() string {
	switch e.Kind {
	case AlreadyActive:
		return ErrAlreadyActive.Error()
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", ErrEstablishFailed, e.Err)
		}
		return ErrEstablishFailed.Error()
	}
}

func (e *InterfaceError) Unwrap() error { return e.Err }

// Is maps the kind onto the package sentinels.
func (e *InterfaceError) Is(target error) bool {
	switch target {
	case ErrAlreadyActive:
		return e.Kind == AlreadyActive
	case ErrEstablishFailed:
		return e.Kind == EstablishFailed
	}
	return false
}

// Settings is everything applied to the host for one interface.
type Settings struct {
	Address  netip.Prefix
	Routes   []netip.Prefix
	DNS      []netip.Addr
	MTU      int
	Endpoint string
}

// RouteAll reports whether the plan is the single catch-all route.
func (s Settings) RouteAll() bool {
	return len(s.Routes) == 1 && s.Routes[0].Bits() == 0
}

// Driver opens the OS device.
type Driver func(name string, mtu int) (core.InterfaceHandle, error)

// Options configures a Manager.
type Options struct {
	// Name is the requested device name; drivers may pick another.
	Name string

	// LocalAddress is the fixed tunnel-side address of this host.
	LocalAddress netip.Prefix

	// Driver opens the device. Defaults to the wireguard-go TUN driver.
	Driver Driver

	// Configurator applies settings to the host. Defaults to the platform
	// configurator.
	Configurator Configurator
}

// Manager hands out at most one active interface at a time.
type Manager struct {
	name   string
	local  netip.Prefix
	driver Driver
	conf   Configurator
	mu     sync.Mutex
	active *handle
}

// NewManager returns a Manager with defaults filled in.
func NewManager(opts Options) *Manager {
	m := &Manager{
		name:   opts.Name,
		local:  opts.LocalAddress,
		driver: opts.Driver,
		conf:   opts.Configurator,
	}
	if m.name == "" {
		m.name = DefaultName
	}
	if !m.local.IsValid() {
		m.local = netip.MustParsePrefix(DefaultLocalAddress)
	}
	if m.driver == nil {
		m.driver = OpenWireGuard
	}
	if m.conf == nil {
		m.conf = NewSystemConfigurator()
	}
	return m
}

// Settings derives the interface settings for cfg.
func (m *Manager) Settings(cfg *core.TunnelConfig) Settings {
	return Settings{
		Address:  m.local,
		Routes:   PlanRoutes(cfg),
		DNS:      append([]netip.Addr(nil), cfg.DNS...),
		MTU:      cfg.MTU,
		Endpoint: cfg.Endpoint,
	}
}

// PlanRoutes returns the catch-all route when cfg routes everything, else one
// route per well-formed AllowedIPs entry. Malformed entries are skipped with a
// warning.
func PlanRoutes(cfg *core.TunnelConfig) []netip.Prefix {
	if cfg.RouteAll() {
		return []netip.Prefix{netip.MustParsePrefix(core.CatchAllRoute)}
	}
	routes := make([]netip.Prefix, 0, len(cfg.AllowedIPs))
	for _, s := range cfg.AllowedIPs {
		p, err := core.ParseIPv4Prefix(s)
		if err != nil {
			log.Warnf("skipping route %q: %v", s, err)
			continue
		}
		routes = append(routes, p)
	}
	return routes
}

// Establish opens the device and applies the settings for cfg. On any
// failure nothing is left behind.
func (m *Manager) Establish(cfg *core.TunnelConfig) (core.InterfaceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, &InterfaceError{Kind: AlreadyActive}
	}

	s := m.Settings(cfg)
	if s.MTU <= 0 {
		s.MTU = core.DefaultMTU
	}

	dev, err := m.driver(m.name, s.MTU)
	if err != nil {
		return nil, &InterfaceError{Kind: EstablishFailed, Err: fmt.Errorf("open device: %w", err)}
	}

	name := dev.Name()
	if err := m.conf.Apply(name, s); err != nil {
		if rerr := m.conf.Revert(name, s); rerr != nil {
			log.Warnf("revert after failed apply on %s: %v", name, rerr)
		}
		dev.Close()
		return nil, &InterfaceError{Kind: EstablishFailed, Err: fmt.Errorf("configure %s: %w", name, err)}
	}

	log.Infof("interface %s up: address=%s routes=%v dns=%v mtu=%d", name, s.Address, s.Routes, s.DNS, s.MTU)
	m.active = &handle{InterfaceHandle: dev, settings: s}
	return m.active, nil
}

// Close reverts the settings and releases the device. Closing a handle that
// is not the active one, or closing twice, is a no-op.
func (m *Manager) Close(h core.InterfaceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, ok := h.(*handle)
	if !ok || active == nil || active != m.active {
		return nil
	}
	m.active = nil

	name := active.Name()
	if err := m.conf.Revert(name, active.settings); err != nil {
		log.Warnf("revert settings on %s: %v", name, err)
	}
	if err := active.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	log.Infof("interface %s down", name)
	return nil
}

// Active reports whether a handle is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

type handle struct {
	core.InterfaceHandle
	settings Settings
}

// DriverByName maps an app config driver name to a Driver.
func DriverByName(name string) (Driver, error) {
	switch name {
	case "", "wireguard":
		return OpenWireGuard, nil
	case "water":
		return OpenWater, nil
	case "mock":
		return func(name string, mtu int) (core.InterfaceHandle, error) {
			return NewMockDevice(name, mtu), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown tun driver %q", name)
	}
}
