package tunnel

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgtunnel/pkg/capture"
	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/direct"
	"github.com/irctrakz/wgtunnel/pkg/stats"
	"github.com/irctrakz/wgtunnel/pkg/transport"
	"github.com/irctrakz/wgtunnel/pkg/tun"
	"github.com/irctrakz/wgtunnel/pkg/wgconf"
)

type loopHarness struct {
	dev     *tun.MockDevice
	tr      *transport.MockTransport
	ds      *direct.MockSender
	session *stats.Session
	loop    *Loop
	cancel  context.CancelFunc
	result  chan error
}

func startLoop(t *testing.T, configText string, cw *capture.Writer) *loopHarness {
	t.Helper()
	cfg, err := wgconf.Parse(configText)
	require.NoError(t, err)

	h := &loopHarness{
		dev:     tun.NewMockDevice("wgt0", cfg.MTU),
		tr:      transport.NewMockTransport(),
		ds:      direct.NewMockSender(),
		session: stats.NewSession(),
		result:  make(chan error, 1),
	}
	h.session.Begin()
	h.loop = NewLoop(LoopConfig{
		Handle:    h.dev,
		Tunnel:    cfg,
		Transport: h.tr,
		Direct:    h.ds,
		Session:   h.session,
		Capture:   cw,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.dev.Close()
	})
	return h
}

func (h *loopHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
		return nil
	}
}

func TestLoopRoutesSplitTraffic(t *testing.T) {
	h := startLoop(t, splitConfig, nil)

	toTunnel := udpPacket(t, "10.8.0.2", "10.1.1.1", 120)
	toDirect := udpPacket(t, "10.8.0.2", "8.8.8.8", 80)
	require.NoError(t, h.dev.SimulatePacketReceived(toTunnel))
	require.NoError(t, h.dev.SimulatePacketReceived(toDirect))

	assert.Eventually(t, func() bool {
		st := h.session.Snapshot()
		return st.BytesOut == 120 && st.BytesDirect == 80
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, [][]byte{toTunnel}, h.tr.Sent())
	assert.Equal(t, [][]byte{toDirect}, h.ds.Sent())

	h.cancel()
	assert.NoError(t, h.wait(t))
	assert.True(t, h.dev.IsClosed())
}

func TestLoopDropsUnparseablePackets(t *testing.T) {
	h := startLoop(t, routeAllConfig, nil)

	require.NoError(t, h.dev.SimulatePacketReceived([]byte{0x45, 0x00, 0x00, 0x0a, 1, 2, 3, 4, 5, 6}))
	require.NoError(t, h.dev.SimulatePacketReceived(ipv6Packet()))
	require.NoError(t, h.dev.SimulatePacketReceived(udpPacket(t, "10.8.0.2", "1.1.1.1", 40)))

	assert.Eventually(t, func() bool { return h.session.Snapshot().BytesOut == 40 }, time.Second, 5*time.Millisecond)

	st := h.session.Snapshot()
	assert.Equal(t, uint64(1), st.DroppedMalformed)
	assert.Equal(t, uint64(1), st.DroppedUnsupported)
	assert.Zero(t, st.BytesIn)
	assert.Len(t, h.tr.Sent(), 1)
	assert.Empty(t, h.ds.Sent())
}

func TestLoopSendFailuresAreCounted(t *testing.T) {
	h := startLoop(t, splitConfig, nil)
	h.tr.SetSendError(&transport.Error{Op: "send", Transient: true, Err: transport.ErrQueueFull})
	h.ds.SetError(errors.New("network unreachable"))

	require.NoError(t, h.dev.SimulatePacketReceived(udpPacket(t, "10.8.0.2", "10.2.2.2", 60)))
	require.NoError(t, h.dev.SimulatePacketReceived(udpPacket(t, "10.8.0.2", "9.9.9.9", 60)))

	assert.Eventually(t, func() bool {
		st := h.session.Snapshot()
		return st.TransportErrors == 1 && st.DirectErrors == 1
	}, time.Second, 5*time.Millisecond)

	st := h.session.Snapshot()
	assert.Zero(t, st.BytesOut)
	assert.Zero(t, st.BytesDirect)

	h.cancel()
	assert.NoError(t, h.wait(t), "per-packet failures are not fatal")
}

func TestLoopInboundWritesToInterface(t *testing.T) {
	h := startLoop(t, routeAllConfig, nil)

	reply := udpPacket(t, "10.1.1.1", "10.8.0.2", 300)
	h.tr.Deliver(reply)

	assert.Eventually(t, func() bool { return h.session.Snapshot().BytesIn == 300 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]byte{reply}, h.dev.GetWrittenPackets())

	h.dev.SetWriteError(errors.New("no buffer space"))
	h.tr.Deliver(reply)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(300), h.session.Snapshot().BytesIn, "failed writes are not counted")
}

func TestLoopEndsWhenInterfaceCloses(t *testing.T) {
	h := startLoop(t, routeAllConfig, nil)

	require.NoError(t, h.dev.Close())

	err := h.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeviceClosed)
}

// brokenDevice fails every read with a non-closed error.
type brokenDevice struct {
	reads atomic.Int64
}

func (d *brokenDevice) Name() string { return "broken0" }
func (d *brokenDevice) MTU() int     { return core.DefaultMTU }
func (d *brokenDevice) ReadPacket([]byte) (int, error) {
	d.reads.Add(1)
	return 0, errors.New("input/output error")
}
func (d *brokenDevice) WritePacket(pkt []byte) (int, error) { return len(pkt), nil }
func (d *brokenDevice) Close() error                        { return nil }

func TestLoopBacksOffOnReadErrors(t *testing.T) {
	cfg, err := wgconf.Parse(routeAllConfig)
	require.NoError(t, err)

	dev := &brokenDevice{}
	loop := NewLoop(LoopConfig{
		Handle:    dev,
		Tunnel:    cfg,
		Transport: transport.NewMockTransport(),
		Session:   stats.NewSession(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, loop.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "cancel interrupts the backoff sleep")

	reads := dev.reads.Load()
	assert.GreaterOrEqual(t, reads, int64(2))
	assert.LessOrEqual(t, reads, int64(20))
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	assert.Equal(t, readBackoffMin, d)
	assert.Equal(t, 2*readBackoffMin, nextBackoff(d))

	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, readBackoffMax, d)
}

func TestLoopEndsWhenTransportCloses(t *testing.T) {
	h := startLoop(t, routeAllConfig, nil)

	require.NoError(t, h.tr.Close())

	err := h.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransportClosed)
	assert.True(t, h.dev.IsClosed())
}

func TestLoopCapturesForwardedPackets(t *testing.T) {
	var buf bytes.Buffer
	cw, err := capture.NewWriter(&buf)
	require.NoError(t, err)

	h := startLoop(t, splitConfig, cw)

	require.NoError(t, h.dev.SimulatePacketReceived(udpPacket(t, "10.8.0.2", "10.1.1.1", 64)))
	require.NoError(t, h.dev.SimulatePacketReceived(udpPacket(t, "10.8.0.2", "8.8.8.8", 64)))
	require.NoError(t, h.dev.SimulatePacketReceived(ipv6Packet()))
	h.tr.Deliver(udpPacket(t, "10.1.1.1", "10.8.0.2", 64))

	assert.Eventually(t, func() bool {
		st := h.session.Snapshot()
		return st.BytesOut == 64 && st.BytesDirect == 64 && st.BytesIn == 64 && st.DroppedUnsupported == 1
	}, time.Second, 5*time.Millisecond)

	h.cancel()
	require.NoError(t, h.wait(t))

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	count := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
}
