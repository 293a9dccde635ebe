package transport

import (
	"context"
	"sync"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// MockTransport is an in-memory core.SecureTransport for tests.
type MockTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	health  core.TransportHealth
	metrics ChanTUNMetrics

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewMockTransport returns a healthy mock.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		health:  core.TransportHealth{Healthy: true},
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (m *MockTransport) EncryptAndSend(pkt []byte, endpoint string) error {
	select {
	case <-m.closed:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, append([]byte(nil), pkt...))
	return nil
}

func (m *MockTransport) ReceiveDecrypted(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, &Error{Op: "receive", Err: ErrClosed}
	case pkt := <-m.inbound:
		return pkt, nil
	}
}

func (m *MockTransport) Health() core.TransportHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockTransport) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Deliver queues pkt as if it had arrived decrypted from the peer.
func (m *MockTransport) Deliver(pkt []byte) {
	m.inbound <- append([]byte(nil), pkt...)
}

// SetSendError makes EncryptAndSend fail with err.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// SetHealth replaces the reported health.
func (m *MockTransport) SetHealth(h core.TransportHealth) {
	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
}

// Metrics returns the counters set with SetMetrics.
func (m *MockTransport) Metrics() ChanTUNMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// SetMetrics replaces the reported counters.
func (m *MockTransport) SetMetrics(mt ChanTUNMetrics) {
	m.mu.Lock()
	m.metrics = mt
	m.mu.Unlock()
}

// Sent returns copies of the packets accepted so far.
func (m *MockTransport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, p := range m.sent {
		out[i] = append([]byte(nil), p...)
	}
	return out
}
