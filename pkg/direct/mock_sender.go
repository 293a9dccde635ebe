package direct

import "sync"

// MockSender records packets instead of sending them.
type MockSender struct {
	mu     sync.Mutex
	sent   [][]byte
	err    error
	closed bool
}

// NewMockSender returns an empty MockSender.
func NewMockSender() *MockSender { return &MockSender{} }

func (m *MockSender) Send(pkt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, append([]byte(nil), pkt...))
	return nil
}

func (m *MockSender) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// SetError makes Send fail with err.
func (m *MockSender) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Sent returns copies of the packets accepted so far.
func (m *MockSender) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	for i, p := range m.sent {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// IsClosed reports whether Close was called.
func (m *MockSender) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
