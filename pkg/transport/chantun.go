package transport

import (
	"os"
	"sync"
	"sync/atomic"

	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// ChanTUNMetrics exposes counters for the plaintext exchange with
// wireguard-go.
type ChanTUNMetrics struct {
	ToCipher   uint64 // packets handed to wireguard-go for encryption
	FromCipher uint64 // decrypted packets received from wireguard-go
	QueueDrops uint64 // packets dropped because a queue was full
	Ignored    uint64 // decrypted frames that were not IPv4
}

// ChanTUN is the userspace tun.Device wireguard-go runs on. Plaintext bound
// for the peer is queued on out; wireguard-go's decrypted writes land on in.
type ChanTUN struct {
	name string
	mtu  int

	out    chan []byte
	in     chan []byte
	events chan wtun.Event

	closeOnce sync.Once
	closed    chan struct{}

	toCipher   atomic.Uint64
	fromCipher atomic.Uint64
	queueDrops atomic.Uint64
	ignored    atomic.Uint64
}

// NewChanTUN creates a ChanTUN with queueCap slots in each direction.
func NewChanTUN(name string, mtu, queueCap int) *ChanTUN {
	if mtu <= 0 {
		mtu = core.DefaultMTU
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	t := &ChanTUN{
		name:   name,
		mtu:    mtu,
		out:    make(chan []byte, queueCap),
		in:     make(chan []byte, queueCap),
		events: make(chan wtun.Event, 2),
		closed: make(chan struct{}),
	}
	t.events <- wtun.EventUp
	return t
}

// Enqueue hands a plaintext packet to wireguard-go.
func (t *ChanTUN) Enqueue(pkt []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), pkt...)
	select {
	case t.out <- cp:
		t.toCipher.Add(1)
		return nil
	default:
		t.queueDrops.Add(1)
		return ErrQueueFull
	}
}

// Decrypted is the stream of packets wireguard-go decrypted.
func (t *ChanTUN) Decrypted() <-chan []byte { return t.in }

// Done is closed by Close.
func (t *ChanTUN) Done() <-chan struct{} { return t.closed }

// Metrics returns a snapshot of counters.
func (t *ChanTUN) Metrics() ChanTUNMetrics {
	return ChanTUNMetrics{
		ToCipher:   t.toCipher.Load(),
		FromCipher: t.fromCipher.Load(),
		QueueDrops: t.queueDrops.Load(),
		Ignored:    t.ignored.Load(),
	}
}

// File returns nil; there is no backing descriptor.
func (t *ChanTUN) File() *os.File { return nil }

// Read delivers one queued plaintext packet to wireguard-go.
func (t *ChanTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case pkt := <-t.out:
		if len(bufs) == 0 || offset >= len(bufs[0]) {
			return 0, nil
		}
		sizes[0] = copy(bufs[0][offset:], pkt)
		return 1, nil
	}
}

// Write receives decrypted packets from wireguard-go.
func (t *ChanTUN) Write(bufs [][]byte, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	default:
	}
	for i, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		if !isIPv4(pkt) {
			t.ignored.Add(1)
			continue
		}
		select {
		case t.in <- append([]byte(nil), pkt...):
			t.fromCipher.Add(1)
		default:
			t.queueDrops.Add(1)
			log.Debugf("decrypted queue full, dropped packet %d of %d", i+1, len(bufs))
		}
	}
	return len(bufs), nil
}

func (t *ChanTUN) Flush() error { return nil }

func (t *ChanTUN) MTU() (int, error) { return t.mtu, nil }

func (t *ChanTUN) Name() (string, error) { return t.name, nil }

func (t *ChanTUN) Events() <-chan wtun.Event { return t.events }

// Close emits a Down event and stops both directions.
func (t *ChanTUN) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.events <- wtun.EventDown
		close(t.events)
	})
	return nil
}

func (t *ChanTUN) BatchSize() int { return 1 }

func isIPv4(b []byte) bool { return len(b) >= core.MinIPv4HeaderLen && b[0]>>4 == 4 }
