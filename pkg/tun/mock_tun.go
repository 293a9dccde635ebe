package tun

import (
	"errors"
	"sync"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// MockDevice is an in-memory core.InterfaceHandle for tests and dry runs
// that doesn't require kernel access or elevated privileges.
type MockDevice struct {
	name      string
	mtu       int
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   [][]byte
	writeErr  error
}

// NewMockDevice creates a mock device with room for 256 queued packets.
func NewMockDevice(name string, mtu int) *MockDevice {
	return &MockDevice{
		name:    name,
		mtu:     mtu,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (m *MockDevice) Name() string { return m.name }
func (m *MockDevice) MTU() int     { return m.mtu }

// ReadPacket blocks until a simulated packet arrives or the device closes.
func (m *MockDevice) ReadPacket(buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, core.ErrDeviceClosed
	case pkt := <-m.inbound:
		return copy(buf, pkt), nil
	}
}

// WritePacket records a copy of pkt.
func (m *MockDevice) WritePacket(pkt []byte) (int, error) {
	if m.IsClosed() {
		return 0, core.ErrDeviceClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, append([]byte(nil), pkt...))
	return len(pkt), nil
}

func (m *MockDevice) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockDevice) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// SimulatePacketReceived queues pkt as if an application had sent it
// through the interface.
func (m *MockDevice) SimulatePacketReceived(pkt []byte) error {
	cp := append([]byte(nil), pkt...)
	select {
	case <-m.closed:
		return core.ErrDeviceClosed
	default:
	}
	select {
	case m.inbound <- cp:
		return nil
	default:
		return errors.New("mock device queue full")
	}
}

// SetWriteError makes subsequent writes fail with err.
func (m *MockDevice) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// GetWrittenPackets returns copies of the packets written so far.
func (m *MockDevice) GetWrittenPackets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, p := range m.written {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
